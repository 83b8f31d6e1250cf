package tollgate

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// RequestContext carries per-request metadata from dispatch until the
// response or tunnel completes. It is owned by the goroutine serving the
// request.
type RequestContext struct {
	// ID uniquely identifies the request in logs.
	ID string

	// Method is the HTTP method.
	Method string

	// Target is the normalized target that was checked against the domain set.
	Target string

	// Host and Port are the upstream address. Port is 0 until resolved.
	Host string
	Port int

	// Tunnel is true for CONNECT requests.
	Tunnel bool

	// ClientAddr is the client's remote address.
	ClientAddr string

	// StartTime is when the request was dispatched.
	StartTime time.Time
}

type requestContextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// GetRequestContext retrieves the RequestContext from the context, or nil.
func GetRequestContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

func newRequestContext(method, target, clientAddr string, tunnel bool) *RequestContext {
	return &RequestContext{
		ID:         uuid.NewString(),
		Method:     method,
		Target:     target,
		Tunnel:     tunnel,
		ClientAddr: clientAddr,
		StartTime:  time.Now(),
	}
}

// Addr returns host:port of the upstream.
func (rc *RequestContext) Addr() string {
	return net.JoinHostPort(rc.Host, strconv.Itoa(rc.Port))
}

// LogAttrs returns the attributes identifying this request in log records.
func (rc *RequestContext) LogAttrs() []any {
	return []any{
		slog.String("request_id", rc.ID),
		slog.String("method", rc.Method),
		slog.String("target", rc.Target),
	}
}
