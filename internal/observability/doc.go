// Package observability provides logging, metrics, and tracing
// functionality for the gateway.
//
// This package implements the three pillars of observability:
// structured logging via zap, Prometheus metrics collection, and
// distributed tracing via OpenTelemetry with OTLP export. It also
// owns the per-request RequestContext that every pipeline stage
// reads and mutates.
//
// # Logging
//
// The Logger interface provides structured logging:
//
//	logger, err := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("request processed",
//	    observability.String("method", "GET"),
//	    observability.Int("status", 200),
//	)
//
// # Metrics
//
// Prometheus metrics for requests, upstream attempts, service health,
// rate limiting, and authorization decisions:
//
//	metrics := observability.NewMetrics("gateway")
//	handler := metrics.Handler()
//
// # Tracing
//
// OpenTelemetry tracing with OTLP gRPC export. When disabled the
// tracer degrades to a no-op and span operations cost nothing:
//
//	tracer, err := observability.NewTracer(observability.TracerConfig{
//	    ServiceName: "svcgate",
//	    Enabled:     false,
//	})
package observability
