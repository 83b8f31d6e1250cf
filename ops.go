package tollgate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// OpsAPI serves the operational endpoints of a proxy: health probes,
// Prometheus metrics and a small JSON API for inspecting and reloading the
// domain set. It uses [chi] for routing.
//
// Routes:
//
//	GET  /healthz         liveness
//	GET  /readyz          readiness
//	GET  /metrics         Prometheus metrics (when Metrics is set)
//	GET  /api/status      mode, domain count and uptime
//	GET  /api/domains     the active domain set
//	GET  /api/check       ?target=... evaluated against the domain filter
//	POST /api/reload      reload the domain set (when ReloadFunc is set)
type OpsAPI struct {
	// Proxy is the proxy instance to inspect.
	Proxy *Proxy

	// Logger for ops API events.
	Logger *slog.Logger

	// Health serves /healthz and /readyz (Proxy.HealthChecker if nil).
	Health *HealthChecker

	// Metrics serves /metrics. When nil the route is not mounted.
	Metrics *Metrics

	// Admin enables the /api routes.
	Admin bool

	// ReloadFunc is called when POST /api/reload is invoked. If nil, the
	// reload endpoint returns 501 Not Implemented.
	ReloadFunc func(ctx context.Context) error

	once   sync.Once
	router chi.Router
}

// NewOpsAPI creates an OpsAPI wired to the given proxy. Optional fields
// must be set before the first request.
func NewOpsAPI(proxy *Proxy) *OpsAPI {
	return &OpsAPI{
		Proxy:   proxy,
		Logger:  proxy.Logger,
		Health:  proxy.HealthChecker,
		Metrics: proxy.Metrics,
		Admin:   true,
	}
}

func (a *OpsAPI) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	health := a.Health
	if health == nil {
		health = NewHealthChecker()
	}
	r.Get("/healthz", health.HandleHealthz)
	r.Get("/readyz", health.HandleReadyz)

	if a.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	}

	if a.Admin {
		r.Route("/api", func(r chi.Router) {
			r.Use(middleware.SetHeader("Content-Type", "application/json"))
			r.Get("/status", a.handleStatus)
			r.Get("/domains", a.handleDomains)
			r.Get("/check", a.handleCheck)
			r.Post("/reload", a.handleReload)
		})
	}

	return r
}

// Handler returns the ops router. The routes are fixed on first use.
func (a *OpsAPI) Handler() http.Handler {
	a.once.Do(func() { a.router = a.buildRouter() })
	return a.router
}

// ServeHTTP implements http.Handler by delegating to the chi router.
func (a *OpsAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status      string `json:"status"`
	Mode        Mode   `json:"mode"`
	DomainCount int    `json:"domain_count"`
	Uptime      string `json:"uptime,omitempty"`
}

// DomainsResponse is returned by GET /api/domains.
type DomainsResponse struct {
	Count   int      `json:"count"`
	Domains []string `json:"domains"`
}

// CheckResponse is returned by GET /api/check.
type CheckResponse struct {
	Target     string `json:"target"`
	Normalized string `json:"normalized"`
	Mode       Mode   `json:"mode"`
	Listed     bool   `json:"listed"`
	Allowed    bool   `json:"allowed"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful actions.
type MessageResponse struct {
	Message string `json:"message"`
}

func (a *OpsAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Status:      "ok",
		Mode:        a.Proxy.Mode(),
		DomainCount: a.Proxy.Domains().Len(),
	}

	if a.Health != nil {
		resp.Uptime = a.Health.Uptime().Truncate(time.Second).String()
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *OpsAPI) handleDomains(w http.ResponseWriter, _ *http.Request) {
	domains := a.Proxy.Domains().Domains()
	if domains == nil {
		domains = []string{}
	}
	a.writeJSON(w, http.StatusOK, DomainsResponse{Count: len(domains), Domains: domains})
}

func (a *OpsAPI) handleCheck(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "target is required"})
		return
	}

	domains := a.Proxy.Domains()
	normalized := NormalizeTarget(target)
	a.writeJSON(w, http.StatusOK, CheckResponse{
		Target:     target,
		Normalized: normalized,
		Mode:       a.Proxy.Mode(),
		Listed:     domains.Contains(normalized),
		Allowed:    Allow(domains, a.Proxy.Restrict, normalized),
	})
}

func (a *OpsAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.ReloadFunc == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "reload not configured"})
		return
	}

	if err := a.ReloadFunc(r.Context()); err != nil {
		a.logger().Error("ops API reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}

	a.logger().Info("domain set reloaded via ops API", "domains", a.Proxy.Domains().Len())
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

func (a *OpsAPI) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *OpsAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger().Error("ops API write error", "error", err)
	}
}
