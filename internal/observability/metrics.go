package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UnmatchedService is the service label value used for requests that
// do not resolve to any configured service, ensuring bounded
// cardinality.
const UnmatchedService = "unmatched"

// Upstream attempt outcome label values.
const (
	OutcomeSuccess        = "success"
	OutcomeRetriableState = "retriable_status"
	OutcomeTimeout        = "timeout"
	OutcomeTransportError = "transport_error"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	activeRequests     prometheus.Gauge
	serviceHealth      *prometheus.GaugeVec
	upstreamAttempts   *prometheus.CounterVec
	healthChecks       *prometheus.CounterVec
	circuitTransitions *prometheus.CounterVec
	rateLimitRejects   *prometheus.CounterVec
	authFailures       *prometheus.CounterVec
	authzDecisions     *prometheus.CounterVec
	cacheEvents        *prometheus.CounterVec
	buildInfo          *prometheus.GaugeVec
	startTime          prometheus.Gauge
	registry           *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own
// registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "service", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "service"},
	)

	m.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of requests currently in flight",
		},
	)

	m.serviceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_health_state",
			Help: "Service health state " +
				"(0=unknown, 1=healthy, 2=unhealthy, 3=circuit_open)",
		},
		[]string{"service"},
	)

	m.upstreamAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Total number of upstream proxy attempts",
		},
		[]string{"service", "outcome"},
	)

	m.healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Total number of health probes",
		},
		[]string{"service", "outcome"},
	)

	m.circuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Total number of health state transitions",
		},
		[]string{"service", "to"},
	)

	m.rateLimitRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Total number of rate limited requests",
		},
		[]string{"service"},
	)

	m.authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	m.authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authz_decisions_total",
			Help:      "Total number of authorization decisions",
		},
		[]string{"service", "decision"},
	)

	m.cacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Total number of response cache events",
		},
		[]string{"service", "result"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the gateway",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the gateway in unix seconds",
		},
	)

	m.registerCollectors()

	m.startTime.SetToCurrentTime()

	return m
}

// registerCollectors registers all metric collectors with the
// Prometheus registry.
func (m *Metrics) registerCollectors() {
	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.serviceHealth,
		m.upstreamAttempts,
		m.healthChecks,
		m.circuitTransitions,
		m.rateLimitRejects,
		m.authFailures,
		m.authzDecisions,
		m.cacheEvents,
		m.buildInfo,
		m.startTime,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
}

// RecordRequest records a completed HTTP request. The service
// parameter should be the resolved service key, not the raw request
// path, to prevent cardinality explosion.
func (m *Metrics) RecordRequest(
	method, service string,
	status int,
	duration time.Duration,
) {
	if service == "" {
		service = UnmatchedService
	}
	m.requestsTotal.WithLabelValues(
		method, service, strconv.Itoa(status),
	).Inc()
	m.requestDuration.WithLabelValues(
		method, service,
	).Observe(duration.Seconds())
}

// IncActiveRequests increments the active requests gauge.
func (m *Metrics) IncActiveRequests() {
	m.activeRequests.Inc()
}

// DecActiveRequests decrements the active requests gauge.
func (m *Metrics) DecActiveRequests() {
	m.activeRequests.Dec()
}

// SetServiceHealth sets the health state gauge for a service.
func (m *Metrics) SetServiceHealth(service string, state int) {
	m.serviceHealth.WithLabelValues(service).Set(float64(state))
}

// RecordUpstreamAttempt records a single upstream proxy attempt.
func (m *Metrics) RecordUpstreamAttempt(service, outcome string) {
	m.upstreamAttempts.WithLabelValues(service, outcome).Inc()
}

// RecordHealthCheck records a health probe result.
func (m *Metrics) RecordHealthCheck(service string, success bool) {
	outcome := "failure"
	if success {
		outcome = OutcomeSuccess
	}
	m.healthChecks.WithLabelValues(service, outcome).Inc()
}

// RecordCircuitTransition records a health state transition.
func (m *Metrics) RecordCircuitTransition(service, to string) {
	m.circuitTransitions.WithLabelValues(service, to).Inc()
}

// RecordRateLimitRejection records a rate limited request.
func (m *Metrics) RecordRateLimitRejection(service string) {
	if service == "" {
		service = UnmatchedService
	}
	m.rateLimitRejects.WithLabelValues(service).Inc()
}

// RecordAuthFailure records an authentication failure by reason.
func (m *Metrics) RecordAuthFailure(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

// RecordAuthzDecision records an authorization decision.
func (m *Metrics) RecordAuthzDecision(service string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.authzDecisions.WithLabelValues(service, decision).Inc()
}

// RecordCacheEvent records a response cache event
// (hit, miss, store, bypass).
func (m *Metrics) RecordCacheEvent(service, result string) {
	m.cacheEvents.WithLabelValues(service, result).Inc()
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterCollector registers an additional collector with the
// registry backing the /metrics endpoint. It returns an error if the
// collector is already registered or conflicts with an existing one.
func (m *Metrics) RegisterCollector(c prometheus.Collector) error {
	return m.registry.Register(c)
}
