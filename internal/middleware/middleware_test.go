package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcgate/internal/audit"
	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
	"github.com/vyrodovalexey/svcgate/internal/registry"
	"github.com/vyrodovalexey/svcgate/internal/util"
)

const testSigningSecret = "middleware-signing-secret"

// mintToken signs a token with jwx so the pipeline is exercised with
// tokens from an independent JWT implementation.
func mintToken(t *testing.T, claims map[string]interface{}) string {
	t.Helper()

	builder := jwt.NewBuilder()
	for k, v := range claims {
		builder = builder.Claim(k, v)
	}
	token, err := builder.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(testSigningSecret)))
	require.NoError(t, err)
	return string(signed)
}

func claimsFor(role string) map[string]interface{} {
	return map[string]interface{}{
		"user_id":   "user-1",
		"tenant_id": "acme",
		"role":      role,
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
}

// testCatalog builds a two-service catalog: orders (RBAC, cacheable,
// under /api/orders/) and search (open, under /api/).
func testCatalog() *config.Config {
	return &config.Config{
		RateLimit: config.RateLimitConfig{DefaultQuota: 100},
		HealthCheck: config.HealthCheckConfig{
			Interval: config.Duration(10 * time.Second),
			Timeout:  config.Duration(2 * time.Second),
		},
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     config.Duration(30 * time.Millisecond),
		},
		Services: []config.ServiceConfig{
			{
				Key:        "orders",
				Name:       "Order Service",
				PathPrefix: "/api/orders/",
				URL:        "http://orders.internal:8080",
				HealthPath: "/health",
				Timeout:    config.Duration(2 * time.Second),
				RBAC:       true,
				Cacheable:  true,
			},
			{
				Key:        "search",
				Name:       "Search Service",
				PathPrefix: "/api/",
				URL:        "http://search.internal:8080",
				HealthPath: "/health",
				Timeout:    config.Duration(2 * time.Second),
			},
		},
	}
}

func newTestRegistry(t *testing.T, cfg *config.Config) *registry.Registry {
	t.Helper()

	reg, err := registry.New(cfg)
	require.NoError(t, err)
	return reg
}

func markHealthy(reg *registry.Registry, keys ...string) {
	for _, key := range keys {
		reg.ReportOutcome(key, registry.Outcome{Success: true})
	}
}

// requestWithService builds a request carrying an already resolved
// service, as if the routing stage had run.
func requestWithService(method, target string, svc *config.ServiceConfig) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	return r.WithContext(ContextWithService(r.Context(), svc))
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// counterValue reads one counter from the metrics registry, matching
// on the subset of labels given.
func counterValue(t *testing.T, m *observability.Metrics, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metric:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue metric
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

// rateLimitRecord captures one LogRateLimit call.
type rateLimitRecord struct {
	subject  *audit.Subject
	resource *audit.Resource
	limit    int
}

// auditRecorder is an audit.Logger that records calls for assertions.
type auditRecorder struct {
	mu            sync.Mutex
	events        []*audit.Event
	authnOutcomes []audit.Outcome
	authnReasons  []string
	rateLimits    []rateLimitRecord
}

func (a *auditRecorder) LogEvent(_ context.Context, event *audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *auditRecorder) LogAuthentication(_ context.Context, outcome audit.Outcome, _ *audit.Subject, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.authnOutcomes = append(a.authnOutcomes, outcome)
	a.authnReasons = append(a.authnReasons, reason)
}

func (a *auditRecorder) LogAuthorization(_ context.Context, _ audit.Action, _ audit.Outcome, _ *audit.Subject, _ *audit.Resource) {
}

func (a *auditRecorder) LogRateLimit(_ context.Context, subject *audit.Subject, resource *audit.Resource, limit int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rateLimits = append(a.rateLimits, rateLimitRecord{subject: subject, resource: resource, limit: limit})
}

func (a *auditRecorder) Close() error { return nil }

func (a *auditRecorder) authnDenials() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.authnReasons))
	copy(out, a.authnReasons)
	return out
}

func (a *auditRecorder) rateLimitCalls() []rateLimitRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]rateLimitRecord, len(a.rateLimits))
	copy(out, a.rateLimits)
	return out
}

var _ audit.Logger = (*auditRecorder)(nil)

func TestChain_FirstListedRunsFirst(t *testing.T) {
	t.Parallel()

	var order []string
	tag := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Chain(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			order = append(order, "handler")
		}),
		tag("outer"), tag("middle"), tag("inner"),
	)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "middle", "inner", "handler"}, order)
}

func TestChain_NoMiddleware(t *testing.T) {
	t.Parallel()

	called := false
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, called)
}

func TestServiceContext_RoundTrip(t *testing.T) {
	t.Parallel()

	svc := &config.ServiceConfig{Key: "orders"}
	ctx := ContextWithService(context.Background(), svc)

	assert.Same(t, svc, ServiceFromContext(ctx))
	assert.Nil(t, ServiceFromContext(context.Background()))
}

func TestWriteError_RendersEnvelope(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/nope", nil)
	r = r.WithContext(observability.ContextWithRequestID(r.Context(), "req-1"))

	WriteError(rec, r, util.NewServiceNotFoundError(http.MethodGet, "/nope"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ContentTypeJSON, rec.Header().Get(HeaderContentType))

	body := decodeErrorBody(t, rec)
	assert.Equal(t, "no service found for GET /nope", body.Error)
	assert.Equal(t, "req-1", body.RequestID)
}

func TestWriteError_StatusFollowsErrorType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"routing miss", util.NewServiceNotFoundError(http.MethodGet, "/x"), http.StatusNotFound},
		{"rate limited", util.NewRateLimitError(5, time.Second), http.StatusTooManyRequests},
		{"circuit open", util.NewAvailabilityError("orders", "circuit_open"), http.StatusServiceUnavailable},
		{"timeout", util.NewTimeoutError("upstream request", time.Second), http.StatusGatewayTimeout},
		{"upstream", util.NewUpstreamError("orders", "boom"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestWriteErrorMessage_OmitsEmptyRequestID(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteErrorMessage(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusUnauthorized, "denied")

	assert.NotContains(t, rec.Body.String(), "requestId")
}

func TestWriteErrorMessage_RecordsOnRequestContext(t *testing.T) {
	t.Parallel()

	rc := observability.NewRequestContext("req-1", "req-1", http.MethodGet, "/")
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(observability.ContextWithRequest(r.Context(), rc))

	WriteErrorMessage(httptest.NewRecorder(), r, http.StatusForbidden, "role viewer is not permitted")

	assert.Equal(t, "role viewer is not permitted", rc.ErrorMessage())
}

func TestIsWebSocketUpgrade(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/api/chat/room", nil)
	assert.False(t, isWebSocketUpgrade(r))

	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	assert.True(t, isWebSocketUpgrade(r))

	r.Header.Set("Upgrade", "h2c")
	assert.False(t, isWebSocketUpgrade(r))
}
