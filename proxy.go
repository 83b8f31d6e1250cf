package tollgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Proxy is a forwarding HTTP proxy that admits requests by target domain.
// CONNECT requests are tunneled as opaque bytes; other requests are
// forwarded to the origin over a fresh connection.
type Proxy struct {
	// Addr is the address to listen on (e.g., "0.0.0.0:3000")
	Addr string

	// Restrict selects how the domain set is read: true treats it as a
	// blocklist, false as an allowlist. See [Allow].
	Restrict bool

	// Logger for proxy events
	Logger *slog.Logger

	// Forwarder sends plain HTTP requests (NewForwarder() if nil)
	Forwarder *Forwarder

	// Tunnel relays CONNECT traffic (NewTunnel() if nil)
	Tunnel *Tunnel

	// RejectPage renders the 403 body for rejected domains (default if nil)
	RejectPage *RejectPage

	// Metrics collects Prometheus metrics (optional)
	Metrics *Metrics

	// AccessLog writes one record per request or tunnel (optional)
	AccessLog *AccessLogger

	// RateLimiter provides per-client request throttling (optional).
	RateLimiter *RateLimiter

	// HealthChecker is marked alive and ready once the listener is up (optional)
	HealthChecker *HealthChecker

	// Ops serves requests that are not proxy requests, such as /healthz
	// or /metrics (optional). Without it such requests get 400.
	Ops http.Handler

	// ReadHeaderTimeout and IdleTimeout configure the inbound http.Server.
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration

	domains atomic.Pointer[DomainSet]

	// tunnels outlive the request that opened them; ctx ends them on shutdown
	ctx     context.Context
	cancel  context.CancelFunc
	tunnels sync.WaitGroup

	mu  sync.Mutex
	srv *http.Server
}

// NewProxy creates a proxy that admits requests using domains and restrict.
// A nil domains is treated as an empty set.
func NewProxy(addr string, domains *DomainSet, restrict bool) *Proxy {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		Addr:              addr,
		Restrict:          restrict,
		Logger:            slog.Default(),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ctx:               ctx,
		cancel:            cancel,
	}
	p.SetDomains(domains)
	return p
}

// Domains returns the active domain set.
func (p *Proxy) Domains() *DomainSet {
	return p.domains.Load()
}

// SetDomains replaces the active domain set. Requests already past the
// filter are unaffected.
func (p *Proxy) SetDomains(ds *DomainSet) {
	if ds == nil {
		ds = NewDomainSet()
	}
	p.domains.Store(ds)
	if p.Metrics != nil {
		p.Metrics.SetDomainSetSize(ds.Len())
	}
}

// Mode returns the list interpretation selected by Restrict.
func (p *Proxy) Mode() Mode {
	return ModeFor(p.Restrict)
}

// ListenAndServe starts the proxy server.
func (p *Proxy) ListenAndServe() error {
	listener, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return p.Serve(listener)
}

// Serve accepts connections on l, one goroutine per connection.
func (p *Proxy) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: p.ReadHeaderTimeout,
		IdleTimeout:       p.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(p.Logger.Handler(), slog.LevelWarn),
	}

	p.mu.Lock()
	p.srv = srv
	p.mu.Unlock()

	if p.HealthChecker != nil {
		p.HealthChecker.SetAlive(true)
		p.HealthChecker.SetReady(true)
	}

	p.Logger.Info("proxy listening", "addr", l.Addr().String(), "mode", p.Mode(), "domains", p.Domains().Len())
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, waits for in-flight requests and
// open tunnels until ctx is done, then tears down the remaining tunnels.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.HealthChecker != nil {
		p.HealthChecker.SetDraining()
	}

	p.mu.Lock()
	srv := p.srv
	p.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		p.tunnels.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	p.cancel()

	return err
}

// ServeHTTP dispatches one inbound request.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	isConnect := r.Method == http.MethodConnect

	if !isConnect && !r.URL.IsAbs() {
		p.serveNonProxy(w, r)
		return
	}

	if p.RateLimiter != nil && !p.RateLimiter.AllowHTTP(w, r) {
		if p.Metrics != nil {
			p.Metrics.RecordRejected("rate_limited")
		}
		return
	}

	rc := newRequestContext(r.Method, NormalizeTarget(requestTarget(r)), r.RemoteAddr, isConnect)
	r = r.WithContext(WithRequestContext(r.Context(), rc))

	if p.Metrics != nil {
		kind := "http"
		if isConnect {
			kind = "connect"
		}
		p.Metrics.RecordRequest(r.Method, kind)
	}

	if err := p.admit(rc); err != nil {
		p.reject(w, r, rc)
		return
	}

	if isConnect {
		p.handleConnect(w, r, rc)
	} else {
		p.handleHTTP(w, r, rc)
	}
}

// requestTarget returns the request target as the client sent it.
func requestTarget(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	if r.Method == http.MethodConnect {
		return r.Host
	}
	return r.URL.String()
}

// admit applies the domain filter to rc.Target.
func (p *Proxy) admit(rc *RequestContext) error {
	if Allow(p.Domains(), p.Restrict, rc.Target) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDomainRejected, rc.Target)
}

func (p *Proxy) reject(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	p.Logger.Info("domain rejected", append(rc.LogAttrs(), "mode", p.Mode(), "client", rc.ClientAddr)...)
	if p.Metrics != nil {
		p.Metrics.RecordRejected("domain")
	}

	page := p.RejectPage
	if page == nil {
		page = NewRejectPage()
	}
	page.WriteResponse(w, rc, p.Mode())

	if p.AccessLog != nil {
		p.AccessLog.Log(AccessLogEntry{
			Timestamp:  rc.StartTime,
			RequestID:  rc.ID,
			Method:     rc.Method,
			Target:     rc.Target,
			StatusCode: http.StatusForbidden,
			Duration:   time.Since(rc.StartTime),
			ClientAddr: rc.ClientAddr,
			Rejected:   true,
			Mode:       p.Mode(),
			UserAgent:  r.UserAgent(),
		})
	}
}

// handleConnect answers a CONNECT request and hands the client connection
// to a detached relay goroutine.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	logger := p.Logger.With(rc.LogAttrs()...)

	host, port, err := parseAuthority(r.URL.Host)
	if err != nil {
		logger.Warn("bad CONNECT target", "authority", r.URL.Host, "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordRejected("malformed_target")
		}
		http.Error(w, ErrMalformedTarget.Error(), http.StatusBadRequest)
		return
	}
	rc.Host, rc.Port = host, port

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	// Counted while the server still tracks the connection, so Shutdown
	// never waits on tunnels with a zero counter.
	p.tunnels.Add(1)

	conn, rw, err := hijacker.Hijack()
	if err != nil {
		p.tunnels.Done()
		logger.Error("hijack failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		p.tunnels.Done()
		logger.Error("write CONNECT response", "error", err)
		_ = conn.Close()
		return
	}

	go p.relay(hijackedConn(conn, rw), rc, r.UserAgent())
}

// relay runs a tunnel to completion. The CONNECT response is already on the
// wire, so every outcome is reported through logs and metrics only.
func (p *Proxy) relay(client net.Conn, rc *RequestContext, userAgent string) {
	defer p.tunnels.Done()

	if p.Metrics != nil {
		p.Metrics.IncActiveTunnels()
		defer p.Metrics.DecActiveTunnels()
	}

	logger := p.Logger.With(rc.LogAttrs()...)
	addr := rc.Addr()

	stats, err := p.tunnel().Relay(p.ctx, client, addr)

	entry := AccessLogEntry{
		Timestamp:     rc.StartTime,
		RequestID:     rc.ID,
		Method:        rc.Method,
		Target:        rc.Target,
		Upstream:      addr,
		Duration:      time.Since(rc.StartTime),
		Tunnel:        true,
		BytesSent:     stats.Sent,
		BytesReceived: stats.Received,
		ClientAddr:    rc.ClientAddr,
		UserAgent:     userAgent,
	}

	if err != nil {
		logger.Error("tunnel failed", "upstream", addr, "sent", stats.Sent, "received", stats.Received, "error", err)
		entry.Error = err.Error()
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(upstreamOp(err))
			p.Metrics.RecordBackgroundFailure("relay")
		}
	} else {
		logger.Info("tunnel closed", "upstream", addr, "sent", stats.Sent, "received", stats.Received)
	}

	if p.Metrics != nil {
		p.Metrics.RecordTunnelBytes(stats)
	}
	if p.AccessLog != nil {
		p.AccessLog.Log(entry)
	}
}

// handleHTTP forwards a plain HTTP request and streams the origin's
// response back to the client.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	logger := p.Logger.With(rc.LogAttrs()...)

	host, port, err := requestHostPort(r)
	if err != nil {
		logger.Warn("bad request target", "url", r.URL.String(), "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordRejected("malformed_target")
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rc.Host, rc.Port = host, port

	entry := AccessLogEntry{
		Timestamp:  rc.StartTime,
		RequestID:  rc.ID,
		Method:     rc.Method,
		Target:     rc.Target,
		Upstream:   rc.Addr(),
		ClientAddr: rc.ClientAddr,
		UserAgent:  r.UserAgent(),
	}

	start := time.Now()
	resp, err := p.forwarder().Forward(r.Context(), r, host, port)
	if err != nil {
		status := http.StatusBadGateway
		var ue *UpstreamError
		if errors.As(err, &ue) && ue.Timeout() {
			status = http.StatusGatewayTimeout
		}
		logger.Error("forward request", "upstream", rc.Addr(), "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(upstreamOp(err))
		}
		http.Error(w, err.Error(), status)

		if p.AccessLog != nil {
			entry.StatusCode = status
			entry.Duration = time.Since(rc.StartTime)
			entry.Error = err.Error()
			p.AccessLog.Log(entry)
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(r.Method, resp.StatusCode, time.Since(start))
	}

	removeHopByHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	written, err := io.Copy(flushWriter{w: w, rc: http.NewResponseController(w)}, resp.Body)
	if err != nil {
		// the status line is already on the wire
		logger.Warn("copy response body", "upstream", rc.Addr(), "written", written, "error", err)
		entry.Error = err.Error()
	}

	if p.AccessLog != nil {
		entry.StatusCode = resp.StatusCode
		entry.BytesWritten = written
		entry.Duration = time.Since(rc.StartTime)
		p.AccessLog.Log(entry)
	}
}

func (p *Proxy) serveNonProxy(w http.ResponseWriter, r *http.Request) {
	if p.Ops != nil {
		p.Ops.ServeHTTP(w, r)
		return
	}
	http.Error(w, "This is a proxy server. Does not respond to non-proxy requests.", http.StatusBadRequest)
}

func (p *Proxy) forwarder() *Forwarder {
	if p.Forwarder != nil {
		return p.Forwarder
	}
	f := NewForwarder()
	f.Logger = p.Logger
	f.Metrics = p.Metrics
	return f
}

func (p *Proxy) tunnel() *Tunnel {
	if p.Tunnel != nil {
		return p.Tunnel
	}
	return NewTunnel()
}

// parseAuthority splits a CONNECT authority into host and port. Both must
// be present and the port must be in 1-65535.
func parseAuthority(authority string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrMalformedTarget, err)
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: empty host", ErrMalformedTarget)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("%w: invalid port %q", ErrMalformedTarget, portStr)
	}
	return host, port, nil
}

// requestHostPort returns the origin address of an absolute-form request,
// defaulting the port to 80. A URL without a host falls back to r.Host.
func requestHostPort(r *http.Request) (string, int, error) {
	u := r.URL
	if u.Host == "" && r.Host != "" {
		u = &url.URL{Host: r.Host}
	}

	host := u.Hostname()
	if host == "" {
		return "", 0, ErrMissingHost
	}

	portStr := u.Port()
	if portStr == "" {
		return host, 80, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// flushWriter flushes after every write so streamed bodies reach the
// client as they arrive.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		_ = fw.rc.Flush()
	}
	return n, err
}
