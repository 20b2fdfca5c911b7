package auth

import "time"

// Claims is the payload the gateway expects inside a bearer token.
type Claims struct {
	// UserID is the unique user identifier.
	UserID string `json:"user_id"`

	// TenantID is the tenant the user belongs to.
	TenantID string `json:"tenant_id"`

	// Role is the user's role for authorization decisions.
	Role string `json:"role"`

	// ExpiresAt is the expiry time as a UNIX timestamp.
	ExpiresAt int64 `json:"exp"`
}

// Identity is the authenticated identity derived from verified claims.
// It is attached to the request context and forwarded to backends.
type Identity struct {
	// UserID is the unique user identifier.
	UserID string

	// TenantID is the tenant the user belongs to.
	TenantID string

	// Role is the user's role for authorization decisions.
	Role string

	// ExpiresAt is when the identity expires.
	ExpiresAt time.Time
}

// Validate checks that all required claims are present. Expiry is
// checked separately so that an expired token yields a distinct error.
func (c *Claims) Validate() error {
	if c.UserID == "" || c.TenantID == "" || c.Role == "" || c.ExpiresAt == 0 {
		return ErrMissingClaims
	}
	return nil
}

// Identity converts the claims into an Identity.
func (c *Claims) Identity() *Identity {
	return &Identity{
		UserID:    c.UserID,
		TenantID:  c.TenantID,
		Role:      c.Role,
		ExpiresAt: time.Unix(c.ExpiresAt, 0),
	}
}
