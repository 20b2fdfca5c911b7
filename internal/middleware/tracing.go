package middleware

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// Tracing returns the span stage. Each request runs inside a server
// span named after the method and path; trace context propagated by
// the caller is honored so the gateway joins existing traces, and the
// response status lands on the span when it ends. A nil tracer makes
// the stage a pass-through.
func Tracing(tracer *observability.Tracer) func(http.Handler) http.Handler {
	if tracer == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := observability.ExtractTraceContext(r.Context(), r)

			ctx, span := tracer.StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.host", r.Host),
			)
			if requestID := observability.RequestIDFromContext(ctx); requestID != "" {
				span.SetAttributes(attribute.String("request.id", requestID))
			}

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", rw.status))
			if rw.status >= http.StatusInternalServerError {
				span.SetAttributes(attribute.Bool("error", true))
			}
		})
	}
}
