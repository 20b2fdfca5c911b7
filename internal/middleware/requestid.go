package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// RequestID returns a middleware that assigns each request an ID and a
// correlation ID. Inbound values are honored so IDs survive multi-hop
// call chains; a missing request ID is generated, and a missing
// correlation ID defaults to the request ID.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}

			correlationID := r.Header.Get(HeaderXCorrelationID)
			if correlationID == "" {
				correlationID = requestID
			}

			ctx := observability.ContextWithRequestID(r.Context(), requestID)
			ctx = observability.ContextWithCorrelationID(ctx, correlationID)
			r = r.WithContext(ctx)

			w.Header().Set(HeaderXRequestID, requestID)

			next.ServeHTTP(w, r)
		})
	}
}
