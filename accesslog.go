package tollgate

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes one structured record per proxied request or tunnel.
// It uses slog.LogAttrs for low-allocation logging on the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	// Timestamp when the request was received.
	Timestamp time.Time

	// RequestID correlates the entry with other log records.
	RequestID string

	// Method is the HTTP method (GET, POST, CONNECT, etc.).
	Method string

	// Target is the normalized target checked against the domain set.
	Target string

	// Upstream is the host:port contacted, empty if none was.
	Upstream string

	// StatusCode is the status sent to the client. Zero for tunnels.
	StatusCode int

	// Duration is the time to process the request or the tunnel lifetime.
	Duration time.Duration

	// BytesWritten is the response body size for forwarded requests.
	BytesWritten int64

	// Tunnel is true for CONNECT tunnels.
	Tunnel bool

	// BytesSent and BytesReceived are the tunnel byte counts.
	BytesSent     int64
	BytesReceived int64

	// ClientAddr is the client's remote address.
	ClientAddr string

	// Rejected is true if the domain filter denied the request.
	Rejected bool

	// Mode is the list interpretation in force when Rejected is set.
	Mode Mode

	// Error is a description of any error that occurred.
	Error string

	// UserAgent is the client's User-Agent header.
	UserAgent string
}

// NewAccessLogger creates a new AccessLogger that writes to the given slog.Logger.
// For best performance, pass a logger configured with slog.NewJSONHandler.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 14)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("request_id", e.RequestID),
		slog.String("method", e.Method),
		slog.String("target", e.Target),
		slog.String("client", e.ClientAddr),
	)

	if e.Upstream != "" {
		attrs = append(attrs, slog.String("upstream", e.Upstream))
	}

	switch {
	case e.Rejected:
		attrs = append(attrs,
			slog.Bool("rejected", true),
			slog.String("mode", string(e.Mode)),
		)
	case e.Tunnel:
		attrs = append(attrs,
			slog.Bool("tunnel", true),
			slog.Int64("bytes_sent", e.BytesSent),
			slog.Int64("bytes_received", e.BytesReceived),
		)
	default:
		attrs = append(attrs,
			slog.Int("status", e.StatusCode),
			slog.Int64("bytes", e.BytesWritten),
		)
	}

	attrs = append(attrs, slog.Duration("duration", e.Duration))

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
