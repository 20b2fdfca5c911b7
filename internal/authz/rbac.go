// Package authz makes role-based access control decisions for proxied
// requests. The permission table is fixed: owner and admin hold every
// permission, editor everything except delete, viewer read only. The
// table is built once at startup from the service catalog and never
// mutated, so lookups need no locking.
//
// Every decision, allowed or denied, is written to the audit log and
// the decision metric. A missing role, service, or action denies the
// request; authorization never fails open and never panics.
package authz

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vyrodovalexey/svcgate/internal/audit"
	"github.com/vyrodovalexey/svcgate/internal/auth"
	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// Role is a user role carried in the token.
type Role string

// Known roles.
const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Action is a permission derived from the HTTP method.
type Action string

// Actions.
const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// roleActions is the fixed permission table.
var roleActions = map[Role][]Action{
	RoleOwner:  {ActionRead, ActionCreate, ActionUpdate, ActionDelete},
	RoleAdmin:  {ActionRead, ActionCreate, ActionUpdate, ActionDelete},
	RoleEditor: {ActionRead, ActionCreate, ActionUpdate},
	RoleViewer: {ActionRead},
}

// ActionForMethod maps an HTTP method to the permission it requires.
// Unknown methods map to no action and are denied.
func ActionForMethod(method string) (Action, bool) {
	switch method {
	case http.MethodGet, http.MethodHead:
		return ActionRead, true
	case http.MethodPost:
		return ActionCreate, true
	case http.MethodPut, http.MethodPatch:
		return ActionUpdate, true
	case http.MethodDelete:
		return ActionDelete, true
	default:
		return "", false
	}
}

// Decision is the outcome of an authorization check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Action is the permission that was checked.
	Action Action

	// Reason explains a denial in client-safe terms.
	Reason string
}

// Authorizer evaluates the permission table for proxied requests.
type Authorizer struct {
	// permissions holds "role:service:action" keys for every allowed
	// combination. Immutable after construction.
	permissions map[string]struct{}
	auditor     audit.Logger
	metrics     *observability.Metrics
	logger      observability.Logger
}

// Option is a functional option for the Authorizer.
type Option func(*Authorizer)

// WithAuditLogger sets the audit logger.
func WithAuditLogger(auditor audit.Logger) Option {
	return func(a *Authorizer) {
		a.auditor = auditor
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(a *Authorizer) {
		a.metrics = metrics
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(a *Authorizer) {
		a.logger = logger
	}
}

// New builds the permission table for the given service catalog.
func New(services []config.ServiceConfig, opts ...Option) *Authorizer {
	a := &Authorizer{
		permissions: make(map[string]struct{}),
		auditor:     audit.NewNoopLogger(),
		logger:      observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(a)
	}

	for i := range services {
		for role, actions := range roleActions {
			for _, action := range actions {
				a.permissions[permissionKey(role, services[i].Key, action)] = struct{}{}
			}
		}
	}

	return a
}

func permissionKey(role Role, service string, action Action) string {
	return string(role) + ":" + service + ":" + string(action)
}

// Authorize decides whether the identity may perform the request's
// method against the service. The decision is always audited and
// counted before it is returned.
func (a *Authorizer) Authorize(ctx context.Context, identity *auth.Identity, serviceKey, method, path string) Decision {
	decision := a.evaluate(identity, serviceKey, method)

	a.record(ctx, identity, serviceKey, method, path, decision)

	return decision
}

// evaluate computes the decision without side effects.
func (a *Authorizer) evaluate(identity *auth.Identity, serviceKey, method string) Decision {
	if identity == nil {
		return Decision{Allowed: false, Reason: "no authenticated identity"}
	}

	action, ok := ActionForMethod(method)
	if !ok {
		return Decision{Allowed: false, Reason: fmt.Sprintf("method %s is not permitted", method)}
	}

	if _, ok := a.permissions[permissionKey(Role(identity.Role), serviceKey, action)]; !ok {
		return Decision{
			Allowed: false,
			Action:  action,
			Reason:  fmt.Sprintf("role %s is not permitted to %s on service %s", identity.Role, action, serviceKey),
		}
	}

	return Decision{Allowed: true, Action: action}
}

// record writes the mandatory audit event and decision metric.
func (a *Authorizer) record(ctx context.Context, identity *auth.Identity, serviceKey, method, path string, decision Decision) {
	outcome := audit.OutcomeAllowed
	if !decision.Allowed {
		outcome = audit.OutcomeDenied
	}

	var subject *audit.Subject
	if identity != nil {
		subject = &audit.Subject{
			ID:       identity.UserID,
			Role:     identity.Role,
			TenantID: identity.TenantID,
		}
	}

	event := audit.AuthorizationEvent(
		audit.Action(decision.Action),
		outcome,
		subject,
		&audit.Resource{Service: serviceKey, Path: path, Method: method},
	)
	if decision.Reason != "" {
		event.WithReason(decision.Reason)
	}
	a.auditor.LogEvent(ctx, event)

	if a.metrics != nil {
		a.metrics.RecordAuthzDecision(serviceKey, decision.Allowed)
	}

	if !decision.Allowed {
		role := ""
		if identity != nil {
			role = identity.Role
		}
		a.logger.Debug("authorization denied",
			observability.String("service", serviceKey),
			observability.String("method", method),
			observability.String("role", role),
			observability.String("reason", decision.Reason),
		)
	}
}
