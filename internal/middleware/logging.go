package middleware

import (
	"net/http"

	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// Logging returns the request lifecycle middleware. It attaches the
// request's observability record, tracks the active request gauge and
// emits the request log line and metrics once the response completes.
func Logging(logger observability.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			rc := observability.NewRequestContext(
				observability.RequestIDFromContext(ctx),
				observability.CorrelationIDFromContext(ctx),
				r.Method,
				r.URL.Path,
			)
			r = r.WithContext(observability.ContextWithRequest(ctx, rc))

			if metrics != nil {
				metrics.IncActiveRequests()
				defer metrics.DecActiveRequests()
			}

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			rc.Finalize(rw.status)

			if metrics != nil {
				metrics.RecordRequest(r.Method, rc.ServiceKey(), rw.status, rc.Latency())
			}

			logger.Info("request completed", rc.Fields()...)
		})
	}
}
