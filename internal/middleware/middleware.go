package middleware

import (
	"context"
	"net/http"

	"github.com/vyrodovalexey/svcgate/internal/config"
)

// Chain wraps handler with the given middleware so the first listed
// runs first.
func Chain(handler http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// serviceContextKey is the context key for the resolved service.
type serviceContextKey struct{}

// ContextWithService attaches the resolved service to the context.
func ContextWithService(ctx context.Context, svc *config.ServiceConfig) context.Context {
	return context.WithValue(ctx, serviceContextKey{}, svc)
}

// ServiceFromContext returns the service resolved for the request, or
// nil when routing has not run yet.
func ServiceFromContext(ctx context.Context) *config.ServiceConfig {
	if svc, ok := ctx.Value(serviceContextKey{}).(*config.ServiceConfig); ok {
		return svc
	}
	return nil
}
