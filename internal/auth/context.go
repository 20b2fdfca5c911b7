package auth

import "context"

// identityKey is the context key for the authenticated identity.
type identityKey struct{}

// ContextWithIdentity attaches the identity to the context.
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext extracts the identity from the context.
// Returns nil when the request was not authenticated.
func IdentityFromContext(ctx context.Context) *Identity {
	if identity, ok := ctx.Value(identityKey{}).(*Identity); ok {
		return identity
	}
	return nil
}
