package tollgate

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestsRejected   *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	activeTunnels      prometheus.Gauge
	tunnelBytes        *prometheus.CounterVec
	upstreamErrors     *prometheus.CounterVec
	backgroundFailures *prometheus.CounterVec
	domainSetSize      prometheus.Gauge
	domainReloads      prometheus.Counter
	domainReloadErrs   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "requests_total",
			Help:      "Total number of proxy requests dispatched.",
		}, []string{"method", "kind"}),

		requestsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "requests_rejected_total",
			Help:      "Total number of requests refused before contacting an upstream.",
		}, []string{"reason"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tollgate",
			Name:      "request_duration_seconds",
			Help:      "Time until the upstream response head was received.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tollgate",
			Name:      "active_tunnels",
			Help:      "Number of CONNECT tunnels currently relaying.",
		}),

		tunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "tunnel_bytes_total",
			Help:      "Bytes relayed through CONNECT tunnels.",
		}, []string{"direction"}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "upstream_errors_total",
			Help:      "Number of failed upstream exchanges by stage.",
		}, []string{"op"}),

		backgroundFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "background_failures_total",
			Help:      "Failures of detached work after a response was committed.",
		}, []string{"kind"}),

		domainSetSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tollgate",
			Name:      "domain_set_size",
			Help:      "Number of domains in the active domain set.",
		}),

		domainReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "domain_reloads_total",
			Help:      "Number of successful domain set reloads.",
		}),

		domainReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "domain_reload_errors_total",
			Help:      "Number of failed domain set reloads.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestsRejected,
		m.requestDuration,
		m.activeTunnels,
		m.tunnelBytes,
		m.upstreamErrors,
		m.backgroundFailures,
		m.domainSetSize,
		m.domainReloads,
		m.domainReloadErrs,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a dispatched request. kind is "http" or "connect".
func (m *Metrics) RecordRequest(method, kind string) {
	m.requestsTotal.WithLabelValues(method, kind).Inc()
}

// RecordRejected records a request refused by the proxy.
func (m *Metrics) RecordRejected(reason string) {
	m.requestsRejected.WithLabelValues(reason).Inc()
}

// RecordRequestDuration records the time to obtain an upstream response.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveTunnels increments the active tunnel gauge.
func (m *Metrics) IncActiveTunnels() {
	m.activeTunnels.Inc()
}

// DecActiveTunnels decrements the active tunnel gauge.
func (m *Metrics) DecActiveTunnels() {
	m.activeTunnels.Dec()
}

// RecordTunnelBytes adds the byte counts of a finished tunnel.
func (m *Metrics) RecordTunnelBytes(stats TunnelStats) {
	m.tunnelBytes.WithLabelValues("sent").Add(float64(stats.Sent))
	m.tunnelBytes.WithLabelValues("received").Add(float64(stats.Received))
}

// RecordUpstreamError records a failed upstream exchange.
func (m *Metrics) RecordUpstreamError(op UpstreamOp) {
	if op == "" {
		op = "relay"
	}
	m.upstreamErrors.WithLabelValues(string(op)).Inc()
}

// RecordBackgroundFailure records a failure of detached work.
func (m *Metrics) RecordBackgroundFailure(kind string) {
	m.backgroundFailures.WithLabelValues(kind).Inc()
}

// SetDomainSetSize sets the active domain set size.
func (m *Metrics) SetDomainSetSize(size int) {
	m.domainSetSize.Set(float64(size))
}

// RecordDomainReload records a successful domain set reload.
func (m *Metrics) RecordDomainReload() {
	m.domainReloads.Inc()
}

// RecordDomainReloadError records a failed domain set reload.
func (m *Metrics) RecordDomainReloadError() {
	m.domainReloadErrs.Inc()
}
