package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// The tracer and propagator globals are process-wide, so these tests
// run sequentially and restore whatever they replace.

func TestNewTracer_DisabledDiscardsSpans(t *testing.T) {
	tracer, err := NewTracer(TracerConfig{ServiceName: "obs-test"})
	require.NoError(t, err)
	require.NotNil(t, tracer)

	ctx, span := tracer.StartSpan(context.Background(), "noop-operation")
	span.End()

	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNewTracer_EnabledWithoutEndpoint(t *testing.T) {
	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})

	tracer, err := NewTracer(TracerConfig{
		Enabled:     true,
		ServiceName: "obs-test",
		SampleRatio: 1,
	})
	require.NoError(t, err)

	ctx, span := tracer.StartSpan(context.Background(), "recorded-operation")
	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.SpanContext().IsSampled())
	assert.Equal(t, span, SpanFromContext(ctx))
	span.End()

	require.NoError(t, tracer.Shutdown(context.Background()))
}

func TestTraceContextRoundTrip(t *testing.T) {
	prevPropagator := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prevPropagator) })

	provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	ctx, span := provider.Tracer("obs-test").Start(context.Background(), "outbound")
	defer span.End()

	req := httptest.NewRequest(http.MethodGet, "http://upstream.internal/api", nil)
	InjectTraceContext(ctx, req)

	traceparent := req.Header.Get("traceparent")
	require.NotEmpty(t, traceparent)
	assert.Contains(t, traceparent, span.SpanContext().TraceID().String())

	extracted := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), req))
	require.True(t, extracted.IsValid())
	assert.True(t, extracted.IsRemote())
	assert.Equal(t, span.SpanContext().TraceID(), extracted.TraceID())
	assert.Equal(t, span.SpanContext().SpanID(), extracted.SpanID())
}

func TestCreateSampler(t *testing.T) {
	tests := []struct {
		name     string
		ratio    float64
		contains string
	}{
		{name: "full sampling", ratio: 1.0, contains: "AlwaysOnSampler"},
		{name: "above one clamps to always", ratio: 2.0, contains: "AlwaysOnSampler"},
		{name: "zero disables", ratio: 0, contains: "AlwaysOffSampler"},
		{name: "negative disables", ratio: -0.5, contains: "AlwaysOffSampler"},
		{name: "fractional is ratio based", ratio: 0.25, contains: "TraceIDRatioBased"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, createSampler(tt.ratio).Description(), tt.contains)
		})
	}
}
