package tollgate

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Forwarder sends plain HTTP requests to origin servers. Every request gets
// its own upstream connection, which is closed when the response body is.
type Forwarder struct {
	// Dial opens the upstream connection (net.Dialer.DialContext if nil).
	Dial DialFunc

	// DialTimeout bounds the upstream dial. Zero means no limit.
	DialTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for the response status line and
	// headers after the request was started. Zero means no limit.
	ResponseHeaderTimeout time.Duration

	// Logger receives connection driver failures (slog.Default if nil).
	Logger *slog.Logger

	// Metrics counts connection driver failures (optional).
	Metrics *Metrics
}

// NewForwarder creates a Forwarder with default timeouts.
func NewForwarder() *Forwarder {
	return &Forwarder{
		DialTimeout:           10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

// Hop-by-hop headers that should not be forwarded
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

// Forward dials host:port, writes req over the new connection and returns
// the origin's response. The response body streams from the upstream
// connection; the caller must close it.
//
// Failures are reported as *UpstreamError with Op set to OpDial, OpSend or
// OpHandshake. Once a response is returned, later failures of the request
// writer are only logged.
func (f *Forwarder) Forward(ctx context.Context, req *http.Request, host string, port int) (*http.Response, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := f.dial(ctx, addr)
	if err != nil {
		return nil, &UpstreamError{Op: OpDial, Addr: addr, Err: err}
	}

	out := outboundRequest(ctx, req)

	// The request is written by a separate goroutine so an origin that
	// answers before consuming the whole body is not deadlocked.
	sent := make(chan error, 1)
	go func() {
		sent <- out.Write(conn)
	}()

	if f.ResponseHeaderTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(f.ResponseHeaderTimeout))
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	resp, err := readResponse(bufio.NewReader(conn), out)
	if err != nil {
		stop()
		_ = conn.Close()
		select {
		case werr := <-sent:
			if werr != nil {
				return nil, &UpstreamError{Op: OpSend, Addr: addr, Err: werr}
			}
		default:
		}
		return nil, &UpstreamError{Op: OpHandshake, Addr: addr, Err: err}
	}
	_ = conn.SetReadDeadline(time.Time{})

	go f.watchDriver(ctx, addr, sent)

	resp.Body = &upstreamBody{ReadCloser: resp.Body, conn: conn, stop: stop}
	return resp, nil
}

func (f *Forwarder) dial(ctx context.Context, addr string) (net.Conn, error) {
	if f.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.DialTimeout)
		defer cancel()
	}
	if f.Dial != nil {
		return f.Dial(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// watchDriver waits for the request writer. Its outcome never reaches the
// caller, who already has the response.
func (f *Forwarder) watchDriver(ctx context.Context, addr string, sent <-chan error) {
	err := <-sent
	if err == nil {
		return
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if rc := GetRequestContext(ctx); rc != nil {
		logger = logger.With(rc.LogAttrs()...)
	}
	logger.Warn("upstream connection driver failed", "addr", addr, "error", err)
	if f.Metrics != nil {
		f.Metrics.RecordBackgroundFailure("forward_driver")
	}
}

// readResponse reads the final response, skipping interim 1xx responses.
func readResponse(br *bufio.Reader, req *http.Request) (*http.Response, error) {
	for {
		resp, err := http.ReadResponse(br, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 || resp.StatusCode == http.StatusSwitchingProtocols {
			return resp, nil
		}
		_ = resp.Body.Close()
	}
}

// outboundRequest clones req for the upstream hop.
func outboundRequest(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	out.RequestURI = ""
	removeHopByHopHeaders(out.Header)
	out.Close = true
	if out.Host == "" {
		out.Host = req.URL.Host
	}
	return out
}

// upstreamBody closes the upstream connection together with the body. The
// connection is closed first so an unread body is not drained.
type upstreamBody struct {
	io.ReadCloser
	conn net.Conn
	stop func() bool
	once sync.Once
	err  error
}

func (b *upstreamBody) Close() error {
	b.once.Do(func() {
		b.stop()
		b.err = b.conn.Close()
		_ = b.ReadCloser.Close()
	})
	return b.err
}
