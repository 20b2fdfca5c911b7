package auth

import "errors"

// Sentinel errors for token verification. Their messages are the
// exact strings returned to clients in 401 bodies, so callers can
// distinguish why authentication failed without leaking anything
// about the secret or signature internals.
var (
	// ErrMissingAuthHeader indicates the Authorization header is absent
	// or does not carry a bearer token.
	ErrMissingAuthHeader = errors.New("missing or invalid authorization header")

	// ErrTokenMalformed indicates the token structure, algorithm, or
	// signature is invalid.
	ErrTokenMalformed = errors.New("invalid or malformed token")

	// ErrTokenExpired indicates the token's expiry is in the past.
	ErrTokenExpired = errors.New("token has expired")

	// ErrMissingClaims indicates the token verified but lacks one of
	// the required claims.
	ErrMissingClaims = errors.New("token missing required claims")
)

// FailureReason returns a bounded-cardinality label for metrics.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingAuthHeader):
		return "missing_header"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrMissingClaims):
		return "missing_claims"
	case errors.Is(err, ErrTokenMalformed):
		return "malformed"
	default:
		return "other"
	}
}
