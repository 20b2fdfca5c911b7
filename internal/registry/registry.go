// Package registry maintains the immutable service catalog and the
// mutable per-service health state that drives routing decisions.
//
// Each service moves between unknown, healthy, unhealthy and
// circuit_open according to health probe results and proxied request
// outcomes. Only healthy services are routable; an open circuit whose
// reset timeout has elapsed is granted a single half-open trial before
// requests flow again.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
	"github.com/vyrodovalexey/svcgate/internal/util"
)

// entry pairs a catalog service with its pre-parsed base URL.
type entry struct {
	cfg     config.ServiceConfig
	baseURL *url.URL
}

// serviceState holds the mutable health state for one service.
type serviceState struct {
	mu          sync.Mutex
	status      Status
	lastCheck   time.Time
	lastLatency time.Duration
	failures    int
	lastError   string
}

// Outcome describes the result of one health probe or one proxied
// request as reported to the registry.
type Outcome struct {
	Success bool
	Latency time.Duration
	Err     error
}

// Registry holds the service catalog and tracks per-service health.
type Registry struct {
	entries      map[string]*entry
	states       map[string]*serviceState
	keys         []string
	threshold    int
	resetTimeout time.Duration
	probeTimeout time.Duration
	client       *http.Client
	logger       observability.Logger
	metrics      *observability.Metrics
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics recorder for the registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithHTTPClient sets the HTTP client used for health checks.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) {
		r.client = client
	}
}

// New creates a registry from the configured service catalog. Every
// service starts in the unknown state until the first check reports an
// outcome.
func New(cfg *config.Config, opts ...Option) (*Registry, error) {
	if cfg == nil {
		return nil, util.NewConfigError("config", "configuration is required")
	}
	if err := validateCatalog(cfg); err != nil {
		return nil, err
	}

	probeTimeout := cfg.HealthCheck.Timeout.Duration()
	if probeTimeout <= 0 {
		probeTimeout = config.DefaultProbeTimeout
	}

	r := &Registry{
		entries:      make(map[string]*entry, len(cfg.Services)),
		states:       make(map[string]*serviceState, len(cfg.Services)),
		threshold:    cfg.CircuitBreaker.FailureThreshold,
		resetTimeout: cfg.CircuitBreaker.ResetTimeout.Duration(),
		probeTimeout: probeTimeout,
		client:       &http.Client{},
		logger:       observability.NopLogger(),
	}

	for i := range cfg.Services {
		svc := cfg.Services[i]
		baseURL, err := url.Parse(svc.URL)
		if err != nil {
			return nil, util.NewConfigErrorWithCause(
				fmt.Sprintf("services[%d].url", i), "invalid URL", err,
			)
		}
		r.entries[svc.Key] = &entry{cfg: svc, baseURL: baseURL}
		r.states[svc.Key] = &serviceState{status: StatusUnknown}
		r.keys = append(r.keys, svc.Key)
	}
	sort.Strings(r.keys)

	for _, opt := range opts {
		opt(r)
	}

	if r.metrics != nil {
		for _, key := range r.keys {
			r.metrics.SetServiceHealth(key, int(StatusUnknown))
		}
	}

	return r, nil
}

// validateCatalog rejects malformed service catalogs and circuit
// breaker settings before any state is built.
func validateCatalog(cfg *config.Config) error {
	if len(cfg.Services) == 0 {
		return util.NewConfigError("services", "at least one service is required")
	}
	if cfg.CircuitBreaker.FailureThreshold < 1 {
		return util.NewConfigError(
			"circuitBreaker.failureThreshold", "must be at least 1",
		)
	}
	if cfg.CircuitBreaker.ResetTimeout.Duration() <= 0 {
		return util.NewConfigError(
			"circuitBreaker.resetTimeout", "must be positive",
		)
	}

	keys := make(map[string]struct{}, len(cfg.Services))
	prefixes := make(map[string]struct{}, len(cfg.Services))

	for i := range cfg.Services {
		svc := &cfg.Services[i]
		field := func(name string) string {
			return fmt.Sprintf("services[%d].%s", i, name)
		}

		if svc.Key == "" {
			return util.NewConfigError(field("key"), "key is required")
		}
		if _, ok := keys[svc.Key]; ok {
			return util.NewConfigError(
				field("key"), fmt.Sprintf("duplicate key %q", svc.Key),
			)
		}
		keys[svc.Key] = struct{}{}

		if err := util.ValidatePathPrefix(svc.PathPrefix); err != nil {
			return util.NewConfigErrorWithCause(
				field("pathPrefix"), "invalid path prefix", err,
			)
		}
		if _, ok := prefixes[svc.PathPrefix]; ok {
			return util.NewConfigError(
				field("pathPrefix"),
				fmt.Sprintf("duplicate path prefix %q", svc.PathPrefix),
			)
		}
		prefixes[svc.PathPrefix] = struct{}{}

		if err := util.ValidateURL(svc.URL); err != nil {
			return util.NewConfigErrorWithCause(field("url"), "invalid URL", err)
		}
		if svc.Timeout.Duration() <= 0 {
			return util.NewConfigError(field("timeout"), "must be positive")
		}
	}

	return nil
}

// Service returns the configuration for the given service key.
func (r *Registry) Service(key string) (*config.ServiceConfig, bool) {
	ent, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return &ent.cfg, true
}

// BaseURL returns the pre-parsed base URL for the given service key.
func (r *Registry) BaseURL(key string) (*url.URL, bool) {
	ent, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return ent.baseURL, true
}

// Keys returns all registered service keys in sorted order.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// ResolveByPath returns the service whose configured path prefix is the
// longest prefix of the request path. The second return value is false
// when no configured prefix matches.
func (r *Registry) ResolveByPath(path string) (*config.ServiceConfig, bool) {
	var best *entry
	bestLen := -1

	for _, ent := range r.entries {
		prefix := ent.cfg.PathPrefix
		if strings.HasPrefix(path, prefix) && len(prefix) > bestLen {
			best = ent
			bestLen = len(prefix)
		}
	}

	if best == nil {
		return nil, false
	}
	return &best.cfg, true
}

// IsRoutable reports whether requests may currently be routed to the
// service. A service whose circuit has been open for at least the reset
// timeout is granted a single half-open trial: its status moves back to
// unknown and exactly that one call returns true.
func (r *Registry) IsRoutable(key string) bool {
	st, ok := r.states[key]
	if !ok {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	switch st.status {
	case StatusHealthy:
		return true
	case StatusCircuitOpen:
		return r.tryHalfOpenLocked(key, st)
	default:
		return false
	}
}

// ShouldProbe reports whether the prober should check the service on
// this sweep. Services in an un-elapsed open circuit are skipped; an
// elapsed one receives the same half-open grant the request path uses.
func (r *Registry) ShouldProbe(key string) bool {
	st, ok := r.states[key]
	if !ok {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status == StatusCircuitOpen {
		return r.tryHalfOpenLocked(key, st)
	}
	return true
}

// tryHalfOpenLocked grants the half-open trial when the reset timeout
// has elapsed since the last check. The consecutive failure counter is
// preserved so a failed trial reopens the circuit immediately. The
// caller must hold st.mu.
func (r *Registry) tryHalfOpenLocked(key string, st *serviceState) bool {
	if time.Since(st.lastCheck) < r.resetTimeout {
		return false
	}
	r.transitionLocked(key, st, StatusUnknown)
	return true
}

// CheckHealth performs one probe against the service's health endpoint.
// Any response outside the 2xx range, a transport error or a timeout
// counts as a failure.
func (r *Registry) CheckHealth(ctx context.Context, key string) Outcome {
	ent, ok := r.entries[key]
	if !ok {
		return Outcome{Err: util.ErrNotFound}
	}

	target := strings.TrimSuffix(ent.cfg.URL, "/") + ent.cfg.HealthPath

	cctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return Outcome{Err: err}
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	latency := time.Since(start)

	if err != nil {
		return Outcome{Latency: latency, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return Outcome{Success: true, Latency: latency}
	}
	return Outcome{
		Latency: latency,
		Err:     fmt.Errorf("health check returned status %d", resp.StatusCode),
	}
}

// ReportOutcome applies one probe or request outcome to the service's
// health state. Outcomes for unregistered keys are ignored.
func (r *Registry) ReportOutcome(key string, outcome Outcome) {
	st, ok := r.states[key]
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.lastCheck = time.Now()
	st.lastLatency = outcome.Latency
	if outcome.Err != nil {
		st.lastError = outcome.Err.Error()
	} else if outcome.Success {
		st.lastError = ""
	}

	if outcome.Success {
		r.applySuccessLocked(key, st)
		return
	}
	r.applyFailureLocked(key, st)
}

func (r *Registry) applySuccessLocked(key string, st *serviceState) {
	switch st.status {
	case StatusUnknown, StatusUnhealthy:
		st.failures = 0
		r.transitionLocked(key, st, StatusHealthy)
	case StatusHealthy:
		st.failures = 0
	case StatusCircuitOpen:
		// A success arriving after the circuit reopened is stale; the
		// open circuit waits for its own trial.
	}
}

func (r *Registry) applyFailureLocked(key string, st *serviceState) {
	switch st.status {
	case StatusUnknown:
		if st.failures >= r.threshold {
			// Failed half-open trial. The preserved counter sends the
			// service straight back to an open circuit.
			r.transitionLocked(key, st, StatusCircuitOpen)
			return
		}
		st.failures++
		if st.failures >= r.threshold {
			r.transitionLocked(key, st, StatusCircuitOpen)
			return
		}
		r.transitionLocked(key, st, StatusUnhealthy)
	case StatusHealthy:
		st.failures = 1
		if st.failures >= r.threshold {
			r.transitionLocked(key, st, StatusCircuitOpen)
			return
		}
		r.transitionLocked(key, st, StatusUnhealthy)
	case StatusUnhealthy:
		st.failures++
		if st.failures >= r.threshold {
			r.transitionLocked(key, st, StatusCircuitOpen)
		}
	case StatusCircuitOpen:
		// Already open; late failure reports do not change the state.
	}
}

// transitionLocked moves the service to a new status, emitting the
// structured log event, the health gauge update and the transition
// counter. The caller must hold st.mu.
func (r *Registry) transitionLocked(key string, st *serviceState, to Status) {
	from := st.status
	if from == to {
		return
	}
	st.status = to

	if r.metrics != nil {
		r.metrics.SetServiceHealth(key, int(to))
		r.metrics.RecordCircuitTransition(key, to.String())
	}

	r.logger.Info("service health state changed",
		observability.String("service", key),
		observability.String("from", from.String()),
		observability.String("to", to.String()),
		observability.Int("consecutiveFailures", st.failures),
	)
}

// Health returns a snapshot of the service's current health state.
func (r *Registry) Health(key string) (ServiceHealth, bool) {
	st, ok := r.states[key]
	if !ok {
		return ServiceHealth{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	return ServiceHealth{
		Status:              st.status,
		LastCheck:           st.lastCheck,
		LastLatency:         st.lastLatency,
		ConsecutiveFailures: st.failures,
		LastError:           st.lastError,
	}, true
}

// Snapshot returns the health state of every registered service.
func (r *Registry) Snapshot() map[string]ServiceHealth {
	out := make(map[string]ServiceHealth, len(r.keys))
	for _, key := range r.keys {
		if h, ok := r.Health(key); ok {
			out[key] = h
		}
	}
	return out
}
