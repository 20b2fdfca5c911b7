package middleware

import (
	"net/http"

	"github.com/vyrodovalexey/svcgate/internal/auth"
	"github.com/vyrodovalexey/svcgate/internal/authz"
	"github.com/vyrodovalexey/svcgate/internal/util"
)

// Authorize returns the RBAC stage. Services with RBAC disabled skip
// the check; everything else is evaluated against the fixed permission
// table and denied with 403. The authorizer itself audits and counts
// every decision.
func Authorize(authorizer *authz.Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			svc := ServiceFromContext(r.Context())
			if svc == nil {
				WriteError(w, r, util.NewServiceNotFoundError(r.Method, r.URL.Path))
				return
			}

			if !svc.RBAC {
				next.ServeHTTP(w, r)
				return
			}

			identity := auth.IdentityFromContext(r.Context())
			decision := authorizer.Authorize(r.Context(), identity, svc.Key, r.Method, r.URL.Path)
			if !decision.Allowed {
				WriteErrorMessage(w, r, http.StatusForbidden, decision.Reason)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
