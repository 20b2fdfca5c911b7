package middleware

import (
	"net/http"
	"strings"
)

// Header names used by the pipeline.
const (
	HeaderContentType    = "Content-Type"
	HeaderAuthorization  = "Authorization"
	HeaderRetryAfter     = "Retry-After"
	HeaderXRequestID     = "X-Request-ID"
	HeaderXCorrelationID = "X-Correlation-ID"
	HeaderXCache         = "X-Cache"

	HeaderXRateLimitLimit     = "X-RateLimit-Limit"
	HeaderXRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderXRateLimitReset     = "X-RateLimit-Reset"
)

// ContentTypeJSON is the content type for JSON responses.
const ContentTypeJSON = "application/json"

// Cache header values.
const (
	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

// isWebSocketUpgrade reports whether the request asks for a websocket
// upgrade.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
