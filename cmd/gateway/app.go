package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vyrodovalexey/svcgate/internal/audit"
	"github.com/vyrodovalexey/svcgate/internal/auth"
	"github.com/vyrodovalexey/svcgate/internal/authz"
	"github.com/vyrodovalexey/svcgate/internal/cache"
	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/gateway"
	"github.com/vyrodovalexey/svcgate/internal/middleware"
	"github.com/vyrodovalexey/svcgate/internal/observability"
	"github.com/vyrodovalexey/svcgate/internal/proxy"
	"github.com/vyrodovalexey/svcgate/internal/ratelimit"
	"github.com/vyrodovalexey/svcgate/internal/registry"
	"github.com/vyrodovalexey/svcgate/internal/secrets"
	"github.com/vyrodovalexey/svcgate/internal/util"
)

// application holds all wired gateway components.
type application struct {
	config   *config.Config
	server   *gateway.Server
	registry *registry.Registry
	prober   *registry.Prober
	limiter  *ratelimit.Limiter
	throttle *middleware.ClientThrottle
	store    cache.Cache
	auditLog audit.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// initApplication wires every component of the gateway: secret
// resolution and the token verifier, the service registry and its
// prober, the rate limiter, the response cache, the proxy engines,
// the middleware pipeline and the HTTP server hosting it all.
func initApplication(
	ctx context.Context,
	cfg *config.Config,
	logger observability.Logger,
) (*application, error) {
	metrics := observability.NewMetrics("gateway")
	metrics.SetBuildInfo(version, gitCommit, buildTime)

	tracer, err := initTracer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	auditLog, err := audit.NewLogger(cfg.Audit.Output,
		audit.WithLoggerLogger(logger),
		audit.WithLoggerRegisterer(metrics.Registry()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit log: %w", err)
	}

	secretSource, err := secrets.NewSource(&cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure secret source: %w", err)
	}

	secret, err := secretSource.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve auth secret: %w", err)
	}

	verifier, err := auth.NewVerifier(secret, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}

	reg, err := registry.New(cfg,
		registry.WithLogger(logger),
		registry.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build service registry: %w", err)
	}

	prober := registry.NewProber(reg, cfg.HealthCheck,
		registry.WithProberLogger(logger),
		registry.WithProberMetrics(metrics),
	)

	limiter := ratelimit.NewLimiter(ratelimit.WithLogger(logger))

	store, err := cache.New(&cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize response cache: %w", err)
	}

	authorizer := authz.New(cfg.Services,
		authz.WithAuditLogger(auditLog),
		authz.WithMetrics(metrics),
		authz.WithLogger(logger),
	)

	engine := proxy.NewEngine(reg,
		proxy.WithEngineLogger(logger),
		proxy.WithEngineMetrics(metrics),
	)
	wsProxy := proxy.NewWebSocketProxy(reg, proxy.WithWebSocketLogger(logger))

	throttleStage, throttle := middleware.ThrottleFromConfig(cfg.Server.ClientRateLimit, logger)

	pipeline := buildPipeline(pipelineDeps{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		auditLog:   auditLog,
		verifier:   verifier,
		authorizer: authorizer,
		registry:   reg,
		limiter:    limiter,
		store:      store,
		engine:     engine,
		wsProxy:    wsProxy,
		throttle:   throttleStage,
	})

	server, err := gateway.New(cfg, reg,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithPipeline(pipeline),
		gateway.WithVersion(version),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway server: %w", err)
	}

	return &application{
		config:   cfg,
		server:   server,
		registry: reg,
		prober:   prober,
		limiter:  limiter,
		throttle: throttle,
		store:    store,
		auditLog: auditLog,
		metrics:  metrics,
		tracer:   tracer,
	}, nil
}

// initTracer builds the tracer from configuration. Disabled tracing
// yields a no-op tracer whose spans are discarded.
func initTracer(cfg *config.Config) (*observability.Tracer, error) {
	serviceName := cfg.Tracing.ServiceName
	if serviceName == "" {
		serviceName = cfg.Gateway.Name
	}
	if serviceName == "" {
		serviceName = "svcgate"
	}

	return observability.NewTracer(observability.TracerConfig{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  serviceName,
		OTLPEndpoint: cfg.Tracing.Endpoint,
		SampleRatio:  cfg.Tracing.SampleRatio,
		Insecure:     cfg.Tracing.Insecure,
	})
}

// pipelineDeps carries everything the request pipeline is wired from.
type pipelineDeps struct {
	cfg        *config.Config
	logger     observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	auditLog   audit.Logger
	verifier   *auth.Verifier
	authorizer *authz.Authorizer
	registry   *registry.Registry
	limiter    *ratelimit.Limiter
	store      cache.Cache
	engine     *proxy.Engine
	wsProxy    *proxy.WebSocketProxy
	throttle   func(http.Handler) http.Handler
}

// buildPipeline assembles the middleware chain in front of the proxy
// handler. The first stage listed runs first.
func buildPipeline(d pipelineDeps) http.Handler {
	return middleware.Chain(proxyHandler(d.engine, d.wsProxy),
		middleware.RequestID(),
		middleware.Recovery(d.logger),
		middleware.Tracing(d.tracer),
		middleware.Logging(d.logger, d.metrics),
		d.throttle,
		middleware.Authenticate(d.verifier, d.auditLog, d.metrics, d.logger),
		middleware.ResolveService(d.registry, d.logger),
		middleware.Authorize(d.authorizer),
		middleware.UserRateLimit(d.limiter, d.cfg, d.auditLog, d.metrics, d.logger),
		middleware.Availability(d.registry, d.logger),
		middleware.CacheResponses(d.store, &d.cfg.Cache, d.metrics, d.logger),
	)
}

// proxyHandler forwards pipeline-approved requests upstream, choosing
// the websocket relay for upgrade requests. Typed proxy errors become
// the gateway's JSON error envelope.
func proxyHandler(engine *proxy.Engine, wsProxy *proxy.WebSocketProxy) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		svc := middleware.ServiceFromContext(r.Context())
		if svc == nil {
			middleware.WriteError(w, r, util.NewServiceNotFoundError(r.Method, r.URL.Path))
			return
		}

		var err error
		if proxy.IsWebSocketRequest(r) {
			err = wsProxy.Proxy(w, r, svc)
		} else {
			err = engine.Proxy(w, r, svc)
		}
		if err != nil {
			middleware.WriteError(w, r, err)
		}
	})
}
