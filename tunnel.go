package tollgate

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DialFunc dials a network address.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// TunnelStats counts the bytes a tunnel moved in each direction.
type TunnelStats struct {
	// Sent is the number of bytes copied from the client to the upstream.
	Sent int64

	// Received is the number of bytes copied from the upstream to the client.
	Received int64
}

// Tunnel relays raw bytes between a client connection and a freshly dialed
// upstream for CONNECT requests. It never inspects the bytes it moves.
type Tunnel struct {
	// Dial opens the upstream connection (net.Dialer.DialContext if nil).
	Dial DialFunc

	// DialTimeout bounds the upstream dial. Zero means no limit.
	DialTimeout time.Duration

	// IdleTimeout tears the tunnel down after no bytes moved in either
	// direction for this long. Zero disables idle detection.
	IdleTimeout time.Duration
}

// NewTunnel creates a Tunnel with default timeouts.
func NewTunnel() *Tunnel {
	return &Tunnel{
		DialTimeout: 10 * time.Second,
		IdleTimeout: 5 * time.Minute,
	}
}

// Relay dials addr and copies bytes between client and the upstream until
// both directions finish or either fails. Relay takes ownership of client
// and closes it on every path, including a failed dial.
func (t *Tunnel) Relay(ctx context.Context, client net.Conn, addr string) (TunnelStats, error) {
	upstream, err := t.dial(ctx, addr)
	if err != nil {
		_ = client.Close()
		return TunnelStats{}, &UpstreamError{Op: OpDial, Addr: addr, Err: err}
	}

	stats, err := Pipe(ctx, client, upstream, t.IdleTimeout)
	if err != nil {
		return stats, &RelayError{Addr: addr, Stats: stats, Err: err}
	}
	return stats, nil
}

func (t *Tunnel) dial(ctx context.Context, addr string) (net.Conn, error) {
	if t.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.DialTimeout)
		defer cancel()
	}
	if t.Dial != nil {
		return t.Dial(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Pipe copies bytes in both directions between client and upstream and
// closes both when done. When one direction reaches EOF the peer's write
// side is half-closed and the other direction keeps running. A copy error,
// cancellation of ctx, or idle expiry closes both connections.
func Pipe(ctx context.Context, client, upstream net.Conn, idle time.Duration) (TunnelStats, error) {
	defer func() { _ = client.Close() }()
	defer func() { _ = upstream.Close() }()

	var (
		stats    TunnelStats
		last     atomic.Int64
		idleHit  atomic.Bool
		finished = make(chan struct{})
	)
	last.Store(time.Now().UnixNano())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := copyHalf(upstream, client, &last)
		stats.Sent = n
		return err
	})
	g.Go(func() error {
		n, err := copyHalf(client, upstream, &last)
		stats.Received = n
		return err
	})

	go func() {
		var tick <-chan time.Time
		if idle > 0 {
			ticker := time.NewTicker(idleCheckInterval(idle))
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-finished:
				return
			case <-gctx.Done():
				_ = client.Close()
				_ = upstream.Close()
				return
			case now := <-tick:
				if now.Sub(time.Unix(0, last.Load())) >= idle {
					idleHit.Store(true)
					_ = client.Close()
					_ = upstream.Close()
					return
				}
			}
		}
	}()

	err := g.Wait()
	close(finished)

	if idleHit.Load() {
		return stats, ErrTunnelIdle
	}
	if err == nil {
		err = ctx.Err()
	}
	return stats, err
}

func idleCheckInterval(idle time.Duration) time.Duration {
	interval := idle / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	return interval
}

// copyHalf copies src to dst, then half-closes dst so the peer sees EOF.
func copyHalf(dst, src net.Conn, last *atomic.Int64) (int64, error) {
	n, err := io.Copy(dst, &activityReader{r: src, last: last})
	closeWrite(dst)
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return n, err
}

type activityReader struct {
	r    io.Reader
	last *atomic.Int64
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.last.Store(time.Now().UnixNano())
	}
	return n, err
}

type closeWriter interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if bc, ok := c.(*bufferedConn); ok {
		c = bc.Conn
	}
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

// bufferedConn wraps a hijacked net.Conn with bytes the HTTP server read
// ahead of the CONNECT request but did not consume.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

// hijackedConn returns conn, replaying any bytes still held in rw.
func hijackedConn(conn net.Conn, rw *bufio.ReadWriter) net.Conn {
	if rw != nil && rw.Reader.Buffered() > 0 {
		return &bufferedConn{Conn: conn, reader: rw.Reader}
	}
	return conn
}
