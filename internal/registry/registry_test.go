package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

func testService(key, prefix, rawURL string) config.ServiceConfig {
	return config.ServiceConfig{
		Key:        key,
		Name:       key,
		PathPrefix: prefix,
		URL:        rawURL,
		HealthPath: "/health",
		Timeout:    config.Duration(5 * time.Second),
	}
}

func testConfig(services ...config.ServiceConfig) *config.Config {
	return &config.Config{
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     config.Duration(30 * time.Second),
		},
		HealthCheck: config.HealthCheckConfig{
			Interval: config.Duration(10 * time.Second),
			Timeout:  config.Duration(2 * time.Second),
		},
		Services: services,
	}
}

func newTestRegistry(t *testing.T, cfg *config.Config, opts ...Option) *Registry {
	t.Helper()

	reg, err := New(cfg, opts...)
	require.NoError(t, err)
	return reg
}

func TestNew_RejectsMalformedCatalog(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{
			name: "no services",
			mutate: func(cfg *config.Config) {
				cfg.Services = nil
			},
		},
		{
			name: "empty key",
			mutate: func(cfg *config.Config) {
				cfg.Services[0].Key = ""
			},
		},
		{
			name: "duplicate key",
			mutate: func(cfg *config.Config) {
				cfg.Services[1].Key = cfg.Services[0].Key
			},
		},
		{
			name: "duplicate prefix",
			mutate: func(cfg *config.Config) {
				cfg.Services[1].PathPrefix = cfg.Services[0].PathPrefix
			},
		},
		{
			name: "prefix without leading slash",
			mutate: func(cfg *config.Config) {
				cfg.Services[0].PathPrefix = "api/users"
			},
		},
		{
			name: "invalid url",
			mutate: func(cfg *config.Config) {
				cfg.Services[0].URL = "not-a-url"
			},
		},
		{
			name: "non-positive timeout",
			mutate: func(cfg *config.Config) {
				cfg.Services[0].Timeout = 0
			},
		},
		{
			name: "zero failure threshold",
			mutate: func(cfg *config.Config) {
				cfg.CircuitBreaker.FailureThreshold = 0
			},
		},
		{
			name: "zero reset timeout",
			mutate: func(cfg *config.Config) {
				cfg.CircuitBreaker.ResetTimeout = 0
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(
				testService("users", "/api/users", "http://users:8080"),
				testService("orders", "/api/orders", "http://orders:8080"),
			)
			tt.mutate(cfg)

			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestNew_RejectsNilConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	assert.Error(t, err)
}

func TestRegistry_ResolveByPath(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, testConfig(
		testService("users", "/api/users", "http://users:8080"),
		testService("user-admin", "/api/users/admin", "http://admin:8080"),
		testService("orders", "/api/orders", "http://orders:8080"),
	))

	tests := []struct {
		name    string
		path    string
		wantKey string
		wantOK  bool
	}{
		{"simple match", "/api/orders/42", "orders", true},
		{"exact prefix", "/api/users", "users", true},
		{"longest prefix wins", "/api/users/admin/roles", "user-admin", true},
		{"shorter prefix still matches", "/api/users/42", "users", true},
		{"no match", "/api/payments/1", "", false},
		{"root path", "/", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc, ok := reg.ResolveByPath(tt.path)
			require.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantKey, svc.Key)
			}
		})
	}
}

func TestRegistry_IsRoutableOnlyWhenHealthy(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, testConfig(
		testService("users", "/api/users", "http://users:8080"),
	))

	// Fresh services are unknown and not routable until the first
	// successful check.
	assert.False(t, reg.IsRoutable("users"))

	reg.ReportOutcome("users", Outcome{Success: true})
	assert.True(t, reg.IsRoutable("users"))

	reg.ReportOutcome("users", Outcome{Err: context.DeadlineExceeded})
	assert.False(t, reg.IsRoutable("users"))

	assert.False(t, reg.IsRoutable("nonexistent"))
}

func TestRegistry_CircuitOpensAtExactThreshold(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, testConfig(
		testService("users", "/api/users", "http://users:8080"),
	))
	reg.ReportOutcome("users", Outcome{Success: true})

	for i := 0; i < 2; i++ {
		reg.ReportOutcome("users", Outcome{Err: assert.AnError})
		h, ok := reg.Health("users")
		require.True(t, ok)
		assert.Equal(t, StatusUnhealthy, h.Status, "failure %d should not open the circuit", i+1)
		assert.Equal(t, i+1, h.ConsecutiveFailures)
	}

	reg.ReportOutcome("users", Outcome{Err: assert.AnError})
	h, ok := reg.Health("users")
	require.True(t, ok)
	assert.Equal(t, StatusCircuitOpen, h.Status)
	assert.Equal(t, 3, h.ConsecutiveFailures)
	assert.False(t, reg.IsRoutable("users"))
}

func TestRegistry_ThresholdOneOpensOnFirstFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig(testService("users", "/api/users", "http://users:8080"))
	cfg.CircuitBreaker.FailureThreshold = 1
	reg := newTestRegistry(t, cfg)

	reg.ReportOutcome("users", Outcome{Success: true})
	reg.ReportOutcome("users", Outcome{Err: assert.AnError})

	h, _ := reg.Health("users")
	assert.Equal(t, StatusCircuitOpen, h.Status)
}

func TestRegistry_UnhealthyRecoversOnSuccess(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, testConfig(
		testService("users", "/api/users", "http://users:8080"),
	))

	reg.ReportOutcome("users", Outcome{Success: true})
	reg.ReportOutcome("users", Outcome{Err: assert.AnError})
	reg.ReportOutcome("users", Outcome{Err: assert.AnError})

	h, _ := reg.Health("users")
	require.Equal(t, StatusUnhealthy, h.Status)
	require.Equal(t, 2, h.ConsecutiveFailures)

	reg.ReportOutcome("users", Outcome{Success: true})

	h, _ = reg.Health("users")
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.True(t, reg.IsRoutable("users"))
}

func TestRegistry_HalfOpenGrantIsSingleUse(t *testing.T) {
	t.Parallel()

	cfg := testConfig(testService("users", "/api/users", "http://users:8080"))
	cfg.CircuitBreaker.FailureThreshold = 2
	cfg.CircuitBreaker.ResetTimeout = config.Duration(50 * time.Millisecond)
	reg := newTestRegistry(t, cfg)

	reg.ReportOutcome("users", Outcome{Err: assert.AnError})
	reg.ReportOutcome("users", Outcome{Err: assert.AnError})

	h, _ := reg.Health("users")
	require.Equal(t, StatusCircuitOpen, h.Status)
	require.False(t, reg.IsRoutable("users"))

	time.Sleep(60 * time.Millisecond)

	// The elapsed circuit grants exactly one trial.
	assert.True(t, reg.IsRoutable("users"))
	assert.False(t, reg.IsRoutable("users"))

	h, _ = reg.Health("users")
	assert.Equal(t, StatusUnknown, h.Status)
	assert.Equal(t, 2, h.ConsecutiveFailures)
}

func TestRegistry_FailedTrialReopensWithCounterPreserved(t *testing.T) {
	t.Parallel()

	cfg := testConfig(testService("users", "/api/users", "http://users:8080"))
	cfg.CircuitBreaker.FailureThreshold = 2
	cfg.CircuitBreaker.ResetTimeout = config.Duration(50 * time.Millisecond)
	reg := newTestRegistry(t, cfg)

	reg.ReportOutcome("users", Outcome{Err: assert.AnError})
	reg.ReportOutcome("users", Outcome{Err: assert.AnError})

	time.Sleep(60 * time.Millisecond)
	require.True(t, reg.IsRoutable("users"))

	reg.ReportOutcome("users", Outcome{Err: assert.AnError})

	h, _ := reg.Health("users")
	assert.Equal(t, StatusCircuitOpen, h.Status)
	assert.Equal(t, 2, h.ConsecutiveFailures)

	// The failed trial restarted the reset clock.
	assert.False(t, reg.IsRoutable("users"))
}

func TestRegistry_SuccessfulTrialClosesCircuit(t *testing.T) {
	t.Parallel()

	cfg := testConfig(testService("users", "/api/users", "http://users:8080"))
	cfg.CircuitBreaker.FailureThreshold = 2
	cfg.CircuitBreaker.ResetTimeout = config.Duration(50 * time.Millisecond)
	reg := newTestRegistry(t, cfg)

	reg.ReportOutcome("users", Outcome{Err: assert.AnError})
	reg.ReportOutcome("users", Outcome{Err: assert.AnError})

	time.Sleep(60 * time.Millisecond)
	require.True(t, reg.IsRoutable("users"))

	reg.ReportOutcome("users", Outcome{Success: true})

	h, _ := reg.Health("users")
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.True(t, reg.IsRoutable("users"))
}

func TestRegistry_StaleSuccessWhileOpenIsIgnored(t *testing.T) {
	t.Parallel()

	cfg := testConfig(testService("users", "/api/users", "http://users:8080"))
	cfg.CircuitBreaker.FailureThreshold = 1
	reg := newTestRegistry(t, cfg)

	reg.ReportOutcome("users", Outcome{Err: assert.AnError})
	h, _ := reg.Health("users")
	require.Equal(t, StatusCircuitOpen, h.Status)

	reg.ReportOutcome("users", Outcome{Success: true})

	h, _ = reg.Health("users")
	assert.Equal(t, StatusCircuitOpen, h.Status)
}

func TestRegistry_CheckHealth(t *testing.T) {
	t.Parallel()

	t.Run("2xx is success", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		reg := newTestRegistry(t, testConfig(
			testService("users", "/api/users", srv.URL),
		))

		outcome := reg.CheckHealth(context.Background(), "users")
		assert.True(t, outcome.Success)
		assert.NoError(t, outcome.Err)
		assert.Greater(t, outcome.Latency, time.Duration(0))
	})

	t.Run("non-2xx is failure", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		reg := newTestRegistry(t, testConfig(
			testService("users", "/api/users", srv.URL),
		))

		outcome := reg.CheckHealth(context.Background(), "users")
		assert.False(t, outcome.Success)
		assert.ErrorContains(t, outcome.Err, "503")
	})

	t.Run("transport error is failure", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		reg := newTestRegistry(t, testConfig(
			testService("users", "/api/users", srv.URL),
		))

		outcome := reg.CheckHealth(context.Background(), "users")
		assert.False(t, outcome.Success)
		assert.Error(t, outcome.Err)
	})

	t.Run("slow upstream times out", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		cfg := testConfig(testService("users", "/api/users", srv.URL))
		cfg.HealthCheck.Timeout = config.Duration(50 * time.Millisecond)
		reg := newTestRegistry(t, cfg)

		outcome := reg.CheckHealth(context.Background(), "users")
		assert.False(t, outcome.Success)
		assert.Error(t, outcome.Err)
	})

	t.Run("unknown key is failure", func(t *testing.T) {
		t.Parallel()

		reg := newTestRegistry(t, testConfig(
			testService("users", "/api/users", "http://users:8080"),
		))

		outcome := reg.CheckHealth(context.Background(), "nonexistent")
		assert.False(t, outcome.Success)
		assert.Error(t, outcome.Err)
	})
}

func TestRegistry_HealthSnapshotFields(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, testConfig(
		testService("users", "/api/users", "http://users:8080"),
		testService("orders", "/api/orders", "http://orders:8080"),
	))

	reg.ReportOutcome("users", Outcome{
		Latency: 12 * time.Millisecond,
		Err:     assert.AnError,
	})

	h, ok := reg.Health("users")
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Equal(t, 1, h.ConsecutiveFailures)
	assert.Equal(t, 12*time.Millisecond, h.LastLatency)
	assert.Equal(t, assert.AnError.Error(), h.LastError)
	assert.False(t, h.LastCheck.IsZero())

	reg.ReportOutcome("users", Outcome{Success: true, Latency: 3 * time.Millisecond})

	h, _ = reg.Health("users")
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Empty(t, h.LastError)

	snapshot := reg.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, StatusHealthy, snapshot["users"].Status)
	assert.Equal(t, StatusUnknown, snapshot["orders"].Status)

	_, ok = reg.Health("nonexistent")
	assert.False(t, ok)
}

func TestRegistry_ReportOutcomeUnknownKeyIsNoop(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, testConfig(
		testService("users", "/api/users", "http://users:8080"),
	))

	reg.ReportOutcome("nonexistent", Outcome{Success: true})
}

func TestRegistry_CatalogAccessors(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, testConfig(
		testService("users", "/api/users", "http://users:8080"),
		testService("orders", "/api/orders", "http://orders:8080"),
	))

	assert.Equal(t, []string{"orders", "users"}, reg.Keys())

	svc, ok := reg.Service("users")
	require.True(t, ok)
	assert.Equal(t, "/api/users", svc.PathPrefix)

	base, ok := reg.BaseURL("orders")
	require.True(t, ok)
	assert.Equal(t, "http://orders:8080", base.String())

	_, ok = reg.Service("nonexistent")
	assert.False(t, ok)
	_, ok = reg.BaseURL("nonexistent")
	assert.False(t, ok)
}

func TestRegistry_TransitionsEmitMetrics(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics("testregistry")
	cfg := testConfig(testService("users", "/api/users", "http://users:8080"))
	cfg.CircuitBreaker.FailureThreshold = 1
	reg := newTestRegistry(t, cfg, WithMetrics(metrics))

	reg.ReportOutcome("users", Outcome{Success: true})
	reg.ReportOutcome("users", Outcome{Err: assert.AnError})

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)

	var gaugeValue float64
	transitions := map[string]float64{}
	for _, mf := range families {
		switch mf.GetName() {
		case "testregistry_service_health_state":
			for _, m := range mf.GetMetric() {
				gaugeValue = m.GetGauge().GetValue()
			}
		case "testregistry_circuit_transitions_total":
			for _, m := range mf.GetMetric() {
				var to string
				for _, lp := range m.GetLabel() {
					if lp.GetName() == "to" {
						to = lp.GetValue()
					}
				}
				transitions[to] = m.GetCounter().GetValue()
			}
		}
	}

	assert.Equal(t, float64(StatusCircuitOpen), gaugeValue)
	assert.Equal(t, float64(1), transitions["healthy"])
	assert.Equal(t, float64(1), transitions["circuit_open"])
}
