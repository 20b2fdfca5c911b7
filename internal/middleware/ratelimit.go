package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vyrodovalexey/svcgate/internal/audit"
	"github.com/vyrodovalexey/svcgate/internal/auth"
	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
	"github.com/vyrodovalexey/svcgate/internal/ratelimit"
	"github.com/vyrodovalexey/svcgate/internal/util"
)

// UserRateLimit returns the per-user quota stage. Each user gets a
// sliding window per service, sized by the service override or the
// default quota. Requests beyond the quota are refused with 429 and a
// Retry-After hint; refused requests do not consume quota.
func UserRateLimit(
	limiter *ratelimit.Limiter,
	cfg *config.Config,
	auditor audit.Logger,
	metrics *observability.Metrics,
	logger observability.Logger,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			svc := ServiceFromContext(r.Context())
			if svc == nil {
				WriteError(w, r, util.NewServiceNotFoundError(r.Method, r.URL.Path))
				return
			}

			identity := auth.IdentityFromContext(r.Context())
			if identity == nil {
				WriteErrorMessage(w, r, http.StatusUnauthorized, auth.ErrMissingAuthHeader.Error())
				return
			}

			result := limiter.Allow(identity.UserID, svc.Key, cfg.Quota(svc))

			w.Header().Set(HeaderXRateLimitLimit, strconv.Itoa(result.Limit))
			w.Header().Set(HeaderXRateLimitRemaining, strconv.Itoa(result.Remaining))
			w.Header().Set(HeaderXRateLimitReset, headerSeconds(result.ResetAfter))

			if !result.Allowed {
				if metrics != nil {
					metrics.RecordRateLimitRejection(svc.Key)
				}
				if auditor != nil {
					auditor.LogRateLimit(r.Context(),
						&audit.Subject{ID: identity.UserID, Role: identity.Role, TenantID: identity.TenantID},
						&audit.Resource{Service: svc.Key, Path: r.URL.Path, Method: r.Method},
						result.Limit,
					)
				}
				logger.Debug("rate limit exceeded",
					observability.String("user_id", identity.UserID),
					observability.String("service", svc.Key),
					observability.Int("limit", result.Limit),
				)

				w.Header().Set(HeaderRetryAfter, headerSeconds(result.RetryAfter))
				WriteError(w, r, util.NewRateLimitError(result.Limit, result.RetryAfter))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// headerSeconds formats a duration as whole seconds for retry headers,
// rounding up so a positive wait never renders as zero.
func headerSeconds(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return strconv.Itoa(secs)
}
