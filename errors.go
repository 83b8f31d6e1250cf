package tollgate

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrDomainRejected is returned when the domain filter denies a target.
	ErrDomainRejected = errors.New("domain rejected")

	// ErrMalformedTarget is returned when a CONNECT target is not host:port.
	ErrMalformedTarget = errors.New("CONNECT must be to a socket address")

	// ErrMissingHost is returned when a plain HTTP request carries no host.
	ErrMissingHost = errors.New("request has no host")

	// ErrTunnelIdle is returned when a tunnel moved no bytes for the idle timeout.
	ErrTunnelIdle = errors.New("tunnel idle timeout")
)

// UpstreamOp identifies the stage of an upstream exchange that failed.
type UpstreamOp string

const (
	OpDial      UpstreamOp = "dial"
	OpSend      UpstreamOp = "send"
	OpHandshake UpstreamOp = "handshake"
)

// UpstreamError reports a failure while contacting an origin server.
type UpstreamError struct {
	Op   UpstreamOp
	Addr string
	Err  error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the underlying error is a network timeout.
func (e *UpstreamError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// RelayError reports a tunnel that failed after it was established.
type RelayError struct {
	Addr  string
	Stats TunnelStats
	Err   error
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s (sent %d, received %d): %v", e.Addr, e.Stats.Sent, e.Stats.Received, e.Err)
}

// Unwrap returns the underlying error.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// upstreamOp returns the failing stage of err, or "" if err is not an
// *UpstreamError.
func upstreamOp(err error) UpstreamOp {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Op
	}
	return ""
}
