package observability

import (
	"context"
	"sync"
	"time"
)

// RequestContext carries the mutable per-request state threaded
// through every pipeline stage. It is created exactly once when a
// request enters the pipeline, filled in by the stages that learn
// something about the request (identity, target service, outcome),
// and finalized exactly once when the response is ready. It must
// never be reused across requests.
type RequestContext struct {
	// Immutable after creation.
	RequestID     string
	CorrelationID string
	Method        string
	Path          string
	StartTime     time.Time

	mu         sync.Mutex
	userID     string
	tenantID   string
	role       string
	serviceKey string
	statusCode int
	latency    time.Duration
	errMessage string
	finalized  bool
}

// NewRequestContext creates a RequestContext for a single request.
func NewRequestContext(requestID, correlationID, method, path string) *RequestContext {
	return &RequestContext{
		RequestID:     requestID,
		CorrelationID: correlationID,
		Method:        method,
		Path:          path,
		StartTime:     time.Now(),
	}
}

// SetIdentity records the verified identity on the request.
func (rc *RequestContext) SetIdentity(userID, tenantID, role string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.userID = userID
	rc.tenantID = tenantID
	rc.role = role
}

// SetService records the resolved target service key.
func (rc *RequestContext) SetService(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.serviceKey = key
}

// SetError records an error message for the request outcome.
func (rc *RequestContext) SetError(msg string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.errMessage = msg
}

// Finalize records the response status and latency. Only the first
// call takes effect; it reports whether this call was the one that
// finalized the context.
func (rc *RequestContext) Finalize(statusCode int) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.finalized {
		return false
	}
	rc.finalized = true
	rc.statusCode = statusCode
	rc.latency = time.Since(rc.StartTime)
	return true
}

// Finalized reports whether the context has been finalized.
func (rc *RequestContext) Finalized() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.finalized
}

// Identity returns the recorded user, tenant, and role.
func (rc *RequestContext) Identity() (userID, tenantID, role string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.userID, rc.tenantID, rc.role
}

// ServiceKey returns the resolved service key, or empty if routing
// has not completed.
func (rc *RequestContext) ServiceKey() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.serviceKey
}

// StatusCode returns the finalized status code.
func (rc *RequestContext) StatusCode() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.statusCode
}

// Latency returns the finalized request latency.
func (rc *RequestContext) Latency() time.Duration {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.latency
}

// ErrorMessage returns the recorded error message, if any.
func (rc *RequestContext) ErrorMessage() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.errMessage
}

// Fields returns the current state as logging fields.
func (rc *RequestContext) Fields() []Field {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	fields := []Field{
		String("request_id", rc.RequestID),
		String("correlation_id", rc.CorrelationID),
		String("method", rc.Method),
		String("path", rc.Path),
	}
	if rc.userID != "" {
		fields = append(fields, String("user_id", rc.userID))
	}
	if rc.tenantID != "" {
		fields = append(fields, String("tenant_id", rc.tenantID))
	}
	if rc.role != "" {
		fields = append(fields, String("role", rc.role))
	}
	if rc.serviceKey != "" {
		fields = append(fields, String("service", rc.serviceKey))
	}
	if rc.finalized {
		fields = append(fields,
			Int("status", rc.statusCode),
			Duration("latency", rc.latency),
		)
	}
	if rc.errMessage != "" {
		fields = append(fields, String("error", rc.errMessage))
	}
	return fields
}

// requestContextKey is the context key for the RequestContext.
type requestContextKey struct{}

// ContextWithRequest attaches a RequestContext to the context.
func ContextWithRequest(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestFromContext extracts the RequestContext from the context.
func RequestFromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}
