package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcgate/internal/observability"
	"github.com/vyrodovalexey/svcgate/internal/registry"
)

func adminGet(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandleHealth_ReportsProcessInfo(t *testing.T) {
	t.Parallel()

	srv, _ := newGatewayServer(t, WithVersion("1.2.3"))

	rec := adminGet(t, srv, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "svcgate-test", body.Gateway)
	assert.Equal(t, "1.2.3", body.Version)
	assert.False(t, body.Timestamp.IsZero())
}

func TestHandleReady_FollowsLifecycleState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		state      State
		wantCode   int
		wantStatus string
	}{
		{"before start", StateStopped, http.StatusServiceUnavailable, "not ready"},
		{"running", StateRunning, http.StatusOK, "ready"},
		{"draining", StateStopping, http.StatusServiceUnavailable, "draining"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, _ := newGatewayServer(t)
			srv.state.Store(int32(tt.state))

			rec := adminGet(t, srv, "/ready")
			assert.Equal(t, tt.wantCode, rec.Code)

			var body readyResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body.Status)
		})
	}
}

func TestHandleServices_ListsCatalogWithHealth(t *testing.T) {
	t.Parallel()

	srv, reg := newGatewayServer(t)
	reg.ReportOutcome("orders", registry.Outcome{Success: true, Latency: 12 * time.Millisecond})

	rec := adminGet(t, srv, "/services")
	require.Equal(t, http.StatusOK, rec.Code)

	var body servicesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	require.Len(t, body.Services, 2)

	orders := body.Services[0]
	assert.Equal(t, "orders", orders.Key)
	assert.Equal(t, "Order Service", orders.Name)
	assert.Equal(t, "/api/orders/", orders.PathPrefix)
	assert.Equal(t, "healthy", orders.Status)
	assert.Equal(t, "12ms", orders.LastLatency)
	require.NotNil(t, orders.LastCheck)

	search := body.Services[1]
	assert.Equal(t, "search", search.Key)
	assert.Equal(t, "unknown", search.Status)
	assert.Nil(t, search.LastCheck)
	assert.Empty(t, search.LastLatency)
}

func TestHandleServiceHealth_KnownService(t *testing.T) {
	t.Parallel()

	srv, reg := newGatewayServer(t)
	reg.ReportOutcome("orders", registry.Outcome{Latency: 5 * time.Millisecond, Err: errors.New("connection refused")})

	rec := adminGet(t, srv, "/services/orders/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body serviceStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "orders", body.Key)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, 1, body.ConsecutiveFailures)
	assert.Equal(t, "connection refused", body.LastError)
}

func TestHandleServiceHealth_UnknownServiceIs404(t *testing.T) {
	t.Parallel()

	srv, _ := newGatewayServer(t)

	rec := adminGet(t, srv, "/services/billing/health")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown service")
	assert.Contains(t, rec.Body.String(), "billing")
}

func TestMetricsEndpoint_ServesRegistry(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics("gatewaytest")
	metrics.SetBuildInfo("1.2.3", "abc123", "2026-01-01")

	srv, _ := newGatewayServer(t, WithMetrics(metrics))

	rec := adminGet(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gatewaytest_build_info")
}

func TestMetricsEndpoint_AbsentWithoutMetrics(t *testing.T) {
	t.Parallel()

	srv, _ := newGatewayServer(t)

	rec := adminGet(t, srv, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
