package middleware

import (
	"net/http"

	"github.com/vyrodovalexey/svcgate/internal/observability"
	"github.com/vyrodovalexey/svcgate/internal/registry"
	"github.com/vyrodovalexey/svcgate/internal/util"
)

// ResolveService returns the routing stage. The longest configured
// path prefix selects the owning service; unmatched paths get 404.
func ResolveService(reg *registry.Registry, logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			svc, ok := reg.ResolveByPath(r.URL.Path)
			if !ok {
				logger.Debug("no service for path",
					observability.String("method", r.Method),
					observability.String("path", r.URL.Path),
				)
				WriteError(w, r, util.NewServiceNotFoundError(r.Method, r.URL.Path))
				return
			}

			if rc, ok := observability.RequestFromContext(r.Context()); ok {
				rc.SetService(svc.Key)
			}

			next.ServeHTTP(w, r.WithContext(ContextWithService(r.Context(), svc)))
		})
	}
}

// Availability returns the circuit gate. Requests to services that are
// not currently routable are refused with 503. An open circuit whose
// reset timeout has elapsed admits exactly one trial request here.
func Availability(reg *registry.Registry, logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			svc := ServiceFromContext(r.Context())
			if svc == nil {
				WriteError(w, r, util.NewServiceNotFoundError(r.Method, r.URL.Path))
				return
			}

			if !reg.IsRoutable(svc.Key) {
				state := registry.StatusUnknown.String()
				if health, ok := reg.Health(svc.Key); ok {
					state = health.Status.String()
				}
				logger.Debug("service not routable",
					observability.String("service", svc.Key),
					observability.String("state", state),
				)
				WriteError(w, r, util.NewAvailabilityError(svc.Key, state))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
