// Package audit records every authentication, authorization, and rate
// limit decision the gateway makes. Auditing is not optional: the
// decision trail must survive even when nothing else is logged. Events
// are written as JSON lines to a configurable destination.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// Logger is the audit logger interface.
type Logger interface {
	// LogEvent logs an audit event.
	LogEvent(ctx context.Context, event *Event)

	// LogAuthentication logs an authentication decision.
	LogAuthentication(ctx context.Context, outcome Outcome, subject *Subject, reason string)

	// LogAuthorization logs an authorization decision.
	LogAuthorization(ctx context.Context, action Action, outcome Outcome, subject *Subject, resource *Resource)

	// LogRateLimit logs a rate limit rejection.
	LogRateLimit(ctx context.Context, subject *Subject, resource *Resource, limit int)

	// Close closes the logger.
	Close() error
}

// logger implements the Logger interface.
type logger struct {
	writer  io.Writer
	mu      sync.Mutex
	logger  observability.Logger
	metrics *Metrics
	closer  io.Closer
}

// Metrics counts audit events by type and outcome.
type Metrics struct {
	eventsTotal *prometheus.CounterVec
}

// NewMetrics creates audit metrics registered with the provided
// registerer so they appear on the gateway's /metrics endpoint.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Total number of audit events",
			},
			[]string{"type", "outcome"},
		),
	}

	// Ignore duplicate registration, descriptors are identical.
	_ = registerer.Register(m.eventsTotal)

	m.Init()

	return m
}

// Init pre-populates common label combinations with zero values so
// that audit Vec metrics appear in /metrics output immediately after
// startup. Prometheus *Vec types only emit metric lines after
// WithLabelValues() is called at least once. This method is
// idempotent and safe to call multiple times.
func (m *Metrics) Init() {
	if m.eventsTotal == nil {
		return
	}

	types := []EventType{EventTypeAuthentication, EventTypeAuthorization, EventTypeRateLimit}
	outcomes := []Outcome{OutcomeAllowed, OutcomeDenied, OutcomeFailure}

	for _, t := range types {
		for _, o := range outcomes {
			m.eventsTotal.WithLabelValues(string(t), string(o))
		}
	}
}

// RecordEvent records an audit event metric.
func (m *Metrics) RecordEvent(eventType EventType, outcome Outcome) {
	if m.eventsTotal == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(eventType), string(outcome)).Inc()
}

// LoggerOption is a functional option for the logger.
type LoggerOption func(*logger)

// WithLoggerLogger sets the observability logger used for internal
// write failures.
func WithLoggerLogger(l observability.Logger) LoggerOption {
	return func(lg *logger) {
		lg.logger = l
	}
}

// WithLoggerMetrics sets the metrics.
func WithLoggerMetrics(metrics *Metrics) LoggerOption {
	return func(lg *logger) {
		lg.metrics = metrics
	}
}

// WithLoggerWriter sets the writer, overriding the output setting.
func WithLoggerWriter(writer io.Writer) LoggerOption {
	return func(lg *logger) {
		lg.writer = writer
	}
}

// WithLoggerRegisterer registers audit metrics with the given
// Prometheus registerer instead of the global default.
func WithLoggerRegisterer(registerer prometheus.Registerer) LoggerOption {
	return func(lg *logger) {
		lg.metrics = NewMetrics("gateway", registerer)
	}
}

// NewLogger creates a new audit logger writing to the given output
// ("stdout", "stderr", or a file path).
func NewLogger(output string, opts ...LoggerOption) (Logger, error) {
	l := &logger{
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.metrics == nil {
		l.metrics = NewMetrics("gateway", nil)
	}

	if l.writer == nil {
		writer, closer, err := createWriter(output)
		if err != nil {
			return nil, err
		}
		l.writer = writer
		l.closer = closer
	}

	return l, nil
}

// createWriter creates the output writer based on configuration.
func createWriter(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		//nolint:gosec // G304: path from config is trusted
		file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		return file, file, nil
	}
}

// LogEvent logs an audit event.
func (l *logger) LogEvent(ctx context.Context, event *Event) {
	if event == nil {
		return
	}

	if event.TraceID == "" {
		event.TraceID = extractTraceID(ctx)
	}
	if event.SpanID == "" {
		event.SpanID = extractSpanID(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = observability.RequestIDFromContext(ctx)
	}

	l.metrics.RecordEvent(event.Type, event.Outcome)

	l.writeEvent(event)
}

// writeEvent writes the event to the output as a JSON line.
func (l *logger) writeEvent(event *Event) {
	output, err := json.Marshal(event)
	if err != nil {
		l.logger.Error("failed to marshal audit event", observability.Error(err))
		return
	}
	output = append(output, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.writer.Write(output); err != nil {
		l.logger.Error("failed to write audit event", observability.Error(err))
	}
}

// LogAuthentication logs an authentication decision.
func (l *logger) LogAuthentication(ctx context.Context, outcome Outcome, subject *Subject, reason string) {
	l.LogEvent(ctx, AuthenticationEvent(outcome, subject, reason))
}

// LogAuthorization logs an authorization decision.
func (l *logger) LogAuthorization(ctx context.Context, action Action, outcome Outcome, subject *Subject, resource *Resource) {
	l.LogEvent(ctx, AuthorizationEvent(action, outcome, subject, resource))
}

// LogRateLimit logs a rate limit rejection.
func (l *logger) LogRateLimit(ctx context.Context, subject *Subject, resource *Resource, limit int) {
	l.LogEvent(ctx, RateLimitEvent(subject, resource, limit))
}

// Close closes the logger.
func (l *logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// extractTraceID extracts the trace ID from the OpenTelemetry span context.
// Returns an empty string when no valid trace context is present.
func extractTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// extractSpanID extracts the span ID from the OpenTelemetry span context.
// Returns an empty string when no valid span context is present.
func extractSpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// noopLogger is a no-op audit logger for tests.
type noopLogger struct{}

// NewNoopLogger creates a new no-op audit logger.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

func (l *noopLogger) LogEvent(_ context.Context, _ *Event) {}

func (l *noopLogger) LogAuthentication(_ context.Context, _ Outcome, _ *Subject, _ string) {}

func (l *noopLogger) LogAuthorization(_ context.Context, _ Action, _ Outcome, _ *Subject, _ *Resource) {
}

func (l *noopLogger) LogRateLimit(_ context.Context, _ *Subject, _ *Resource, _ int) {}

func (l *noopLogger) Close() error { return nil }

// Ensure implementations satisfy the interface.
var (
	_ Logger = (*logger)(nil)
	_ Logger = (*noopLogger)(nil)
)
