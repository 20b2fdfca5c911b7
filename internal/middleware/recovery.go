package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// Recovery returns a middleware that recovers from handler panics and
// answers 502. Recovered panics are a gateway fault and never count
// against upstream health.
func Recovery(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						observability.String("method", r.Method),
						observability.String("path", r.URL.Path),
						observability.String("request_id", observability.RequestIDFromContext(r.Context())),
						observability.Any("panic", rec),
						observability.String("stack", string(debug.Stack())),
					)

					WriteErrorMessage(w, r, http.StatusBadGateway, "internal gateway error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
