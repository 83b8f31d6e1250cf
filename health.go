package tollgate

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker backs the /healthz and /readyz probes. The proxy marks
// itself alive and ready when its listener starts and draining when
// Shutdown begins. Readiness additionally requires every registered check
// to pass.
type HealthChecker struct {
	alive    atomic.Bool
	ready    atomic.Bool
	draining atomic.Bool

	startTime time.Time

	mu     sync.RWMutex
	checks []namedCheck
}

// ReadinessCheck returns nil if a dependency is ready, or an error
// describing why it is not.
type ReadinessCheck func() error

type namedCheck struct {
	name  string
	check ReadinessCheck
}

// HealthResponse is the JSON body returned by health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Checks maps each failing readiness check to its error
	Checks map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a HealthChecker that is neither alive nor ready.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
	}
}

// SetAlive sets the liveness state.
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// SetReady sets the readiness state. Marking the checker ready clears a
// previous drain.
func (h *HealthChecker) SetReady(ready bool) {
	if ready {
		h.draining.Store(false)
	}
	h.ready.Store(ready)
}

// SetDraining marks the proxy as shutting down. /readyz fails from then on
// so load balancers stop sending new clients.
func (h *HealthChecker) SetDraining() {
	h.draining.Store(true)
	h.ready.Store(false)
}

// AddCheck registers a readiness check under name.
func (h *HealthChecker) AddCheck(name string, check ReadinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// IsAlive reports the liveness state.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// IsReady reports whether the proxy is marked ready and all checks pass.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load() && len(h.failures()) == 0
}

// Uptime returns the time since the checker was created.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.startTime)
}

func (h *HealthChecker) failures() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var failed map[string]string
	for _, c := range h.checks {
		if err := c.check(); err != nil {
			if failed == nil {
				failed = make(map[string]string)
			}
			failed[c.name] = err.Error()
		}
	}
	return failed
}

// HandleHealthz serves the liveness probe.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.uptime()}
	status := http.StatusOK

	if !h.IsAlive() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	writeHealth(w, status, resp)
}

// HandleReadyz serves the readiness probe.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "not ready", Uptime: h.uptime()}

	switch {
	case h.draining.Load():
		resp.Reason = "proxy is shutting down"
	case !h.ready.Load():
		resp.Reason = "proxy not yet ready"
	default:
		if failed := h.failures(); len(failed) > 0 {
			resp.Reason = "readiness checks failed"
			resp.Checks = failed
		} else {
			resp.Status = "ok"
			writeHealth(w, http.StatusOK, resp)
			return
		}
	}

	writeHealth(w, http.StatusServiceUnavailable, resp)
}

func (h *HealthChecker) uptime() string {
	return h.Uptime().Truncate(time.Second).String()
}

func writeHealth(w http.ResponseWriter, status int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// ErrEmptyAllowlist is reported by DomainSetCheck when the proxy runs in
// allowlist mode with no domains, which denies every request.
var ErrEmptyAllowlist = errors.New("allowlist is empty, every request is denied")

// DomainSetCheck returns a readiness check that fails while p is in
// allowlist mode with an empty domain set.
func DomainSetCheck(p *Proxy) ReadinessCheck {
	return func() error {
		if !p.Restrict && p.Domains().Len() == 0 {
			return ErrEmptyAllowlist
		}
		return nil
	}
}
