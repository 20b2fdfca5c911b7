package middleware

import (
	"net/http"

	"github.com/vyrodovalexey/svcgate/internal/audit"
	"github.com/vyrodovalexey/svcgate/internal/auth"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// Authenticate returns the token verification stage. Requests without
// a valid bearer token are refused with 401 carrying one of the four
// stable error messages; nothing past this stage runs without an
// authenticated identity.
func Authenticate(
	verifier *auth.Verifier,
	auditor audit.Logger,
	metrics *observability.Metrics,
	logger observability.Logger,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.BearerToken(r.Header.Get(HeaderAuthorization))

			var identity *auth.Identity
			if err == nil {
				identity, err = verifier.Verify(token)
			}

			if err != nil {
				reason := auth.FailureReason(err)
				if metrics != nil {
					metrics.RecordAuthFailure(reason)
				}
				if auditor != nil {
					auditor.LogAuthentication(r.Context(), audit.OutcomeDenied, nil, err.Error())
				}
				logger.Debug("authentication failed",
					observability.String("reason", reason),
					observability.String("method", r.Method),
					observability.String("path", r.URL.Path),
				)

				WriteErrorMessage(w, r, http.StatusUnauthorized, err.Error())
				return
			}

			if rc, ok := observability.RequestFromContext(r.Context()); ok {
				rc.SetIdentity(identity.UserID, identity.TenantID, identity.Role)
			}

			next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), identity)))
		})
	}
}
