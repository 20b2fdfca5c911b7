package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of audit event.
type EventType string

// Event types.
const (
	EventTypeAuthentication EventType = "authentication"
	EventTypeAuthorization  EventType = "authorization"
	EventTypeRateLimit      EventType = "rate_limit"
)

// Action represents the action being audited. For authorization
// events this is the permission derived from the HTTP method.
type Action string

// Common actions.
const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"

	ActionTokenValidation   Action = "token_validation"
	ActionRateLimitExceeded Action = "rate_limit_exceeded"
)

// Outcome represents the outcome of an audited action.
type Outcome string

// Outcomes.
const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailure Outcome = "failure"
)

// Event represents an audit event. Events are written as JSON lines,
// one per decision.
type Event struct {
	// ID is a unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Action is the action being audited.
	Action Action `json:"action"`

	// Outcome is the outcome of the action.
	Outcome Outcome `json:"outcome"`

	// Subject is the entity performing the action.
	Subject *Subject `json:"subject,omitempty"`

	// Resource is the resource being accessed.
	Resource *Resource `json:"resource,omitempty"`

	// Reason explains a denial or failure.
	Reason string `json:"reason,omitempty"`

	// RequestID correlates the event with the access log.
	RequestID string `json:"request_id,omitempty"`

	// TraceID is the trace ID for distributed tracing.
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the span ID for distributed tracing.
	SpanID string `json:"span_id,omitempty"`

	// Metadata contains additional metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Subject represents the entity performing an action.
type Subject struct {
	// ID is the user identifier from the token.
	ID string `json:"id"`

	// Role is the user's role.
	Role string `json:"role,omitempty"`

	// TenantID is the tenant identifier.
	TenantID string `json:"tenant_id,omitempty"`

	// IPAddress is the client IP address.
	IPAddress string `json:"ip_address,omitempty"`
}

// Resource represents the resource being accessed.
type Resource struct {
	// Service is the target service key.
	Service string `json:"service,omitempty"`

	// Path is the request path.
	Path string `json:"path,omitempty"`

	// Method is the HTTP method.
	Method string `json:"method,omitempty"`
}

// NewEvent creates a new audit event with default values.
func NewEvent(eventType EventType, action Action, outcome Outcome) *Event {
	return &Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Action:    action,
		Outcome:   outcome,
	}
}

// WithSubject sets the subject.
func (e *Event) WithSubject(subject *Subject) *Event {
	e.Subject = subject
	return e
}

// WithResource sets the resource.
func (e *Event) WithResource(resource *Resource) *Event {
	e.Resource = resource
	return e
}

// WithReason sets the denial or failure reason.
func (e *Event) WithReason(reason string) *Event {
	e.Reason = reason
	return e
}

// WithRequestID sets the request ID.
func (e *Event) WithRequestID(requestID string) *Event {
	e.RequestID = requestID
	return e
}

// WithMetadata adds metadata to the event.
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// generateEventID generates a unique event ID using UUID v4.
func generateEventID() string {
	return uuid.New().String()
}

// AuthenticationEvent creates an authentication audit event.
func AuthenticationEvent(outcome Outcome, subject *Subject, reason string) *Event {
	return NewEvent(EventTypeAuthentication, ActionTokenValidation, outcome).
		WithSubject(subject).
		WithReason(reason)
}

// AuthorizationEvent creates an authorization audit event.
func AuthorizationEvent(action Action, outcome Outcome, subject *Subject, resource *Resource) *Event {
	return NewEvent(EventTypeAuthorization, action, outcome).
		WithSubject(subject).
		WithResource(resource)
}

// RateLimitEvent creates a rate limit audit event.
func RateLimitEvent(subject *Subject, resource *Resource, limit int) *Event {
	return NewEvent(EventTypeRateLimit, ActionRateLimitExceeded, OutcomeDenied).
		WithSubject(subject).
		WithResource(resource).
		WithMetadata("limit", limit)
}
