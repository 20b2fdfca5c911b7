// Package middleware provides the HTTP middleware pipeline for the
// gateway.
//
// Requests pass through the stages in a fixed order: request ID
// injection, panic recovery, tracing, request logging, the per-client
// edge throttle, token verification, route resolution, authorization,
// the per-user rate limit, the availability gate, and response
// caching. A stage that refuses a request writes the gateway's JSON
// error envelope and stops the chain.
//
// Middleware functions follow the standard Go pattern:
//
//	handler := middleware.Chain(proxyHandler,
//	    middleware.RequestID(),
//	    middleware.Recovery(logger),
//	    middleware.Logging(logger, metrics),
//	)
package middleware
