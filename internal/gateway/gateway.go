// Package gateway assembles the HTTP edge of the process: a gin
// engine hosting the unauthenticated admin endpoints and, behind
// NoRoute, the middleware pipeline that fronts every proxied request.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
	"github.com/vyrodovalexey/svcgate/internal/registry"
)

// State represents the gateway lifecycle state.
type State int32

// Gateway states.
const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// DefaultShutdownTimeout bounds graceful shutdown when the
// configuration does not set one.
const DefaultShutdownTimeout = 10 * time.Second

// Server is the gateway edge process. It owns the listening socket,
// serves the admin endpoints directly and hands everything else to the
// proxy pipeline.
type Server struct {
	config   *config.Config
	logger   observability.Logger
	registry *registry.Registry
	metrics  *observability.Metrics
	pipeline http.Handler
	version  string

	engine     *gin.Engine
	httpServer *http.Server
	boundAddr  atomic.Value
	state      atomic.Int32
	startTime  time.Time

	shutdownTimeout time.Duration
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics collector and enables the /metrics
// endpoint.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithPipeline sets the handler serving every request that does not
// match an admin route.
func WithPipeline(h http.Handler) Option {
	return func(s *Server) {
		s.pipeline = h
	}
}

// WithVersion sets the version string reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithShutdownTimeout overrides the graceful shutdown deadline applied
// when Stop receives a context without one.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// New creates the gateway server. The engine and its routes are built
// immediately; Start binds the socket.
func New(cfg *config.Config, reg *registry.Registry, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if reg == nil {
		return nil, errors.New("registry must not be nil")
	}

	s := &Server{
		config:          cfg,
		registry:        reg,
		logger:          observability.NopLogger(),
		shutdownTimeout: DefaultShutdownTimeout,
	}

	for _, opt := range opts {
		opt(s)
	}

	if t := cfg.Server.ShutdownTimeout.Duration(); t > 0 {
		s.shutdownTimeout = t
	}

	ginModeOnce.Do(func() { gin.SetMode(gin.ReleaseMode) })
	s.engine = gin.New()
	s.setupRoutes()

	return s, nil
}

// gin mode is a package-level global in gin; set it exactly once so
// concurrent server construction does not race on it.
var ginModeOnce sync.Once

// setupRoutes registers the admin endpoints and mounts the pipeline as
// the catch-all. Admin routes sit outside the pipeline: they answer
// without authentication and never touch upstream services.
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ready", s.handleReady)
	s.engine.GET("/services", s.handleServices)
	s.engine.GET("/services/:key/health", s.handleServiceHealth)

	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	if s.pipeline != nil {
		s.engine.NoRoute(gin.WrapH(s.pipeline))
	}
}

// Start binds the configured address and begins serving. It returns
// once the listener is accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("gateway is not stopped (state: %s)", s.State())
	}

	s.startTime = time.Now()

	addr := s.config.Server.Address()
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.config.Server.ReadTimeout.Duration(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.Server.WriteTimeout.Duration(),
		IdleTimeout:       s.config.Server.IdleTimeout.Duration(),
		MaxHeaderBytes:    1 << 20,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.boundAddr.Store(ln.Addr().String())

	s.state.Store(int32(StateRunning))

	s.logger.Info("gateway started",
		observability.String("name", s.config.Gateway.Name),
		observability.String("address", ln.Addr().String()),
		observability.Int("services", len(s.config.Services)),
	)

	go s.serve(ln)

	return nil
}

// serve runs the accept loop until the server is shut down.
func (s *Server) serve(ln net.Listener) {
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("gateway server error", observability.Error(err))
		s.state.Store(int32(StateStopped))
	}
}

// Stop drains in-flight requests and stops the server. Readiness
// reports draining from the moment the stop begins. When the context
// carries no deadline the configured shutdown timeout applies.
func (s *Server) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("gateway is not running (state: %s)", s.State())
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}

	s.logger.Info("stopping gateway",
		observability.String("name", s.config.Gateway.Name),
	)

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			err = fmt.Errorf("failed to close gateway server: %w", closeErr)
		}
	}

	s.state.Store(int32(StateStopped))

	if err != nil {
		return fmt.Errorf("failed to stop gateway gracefully: %w", err)
	}

	s.logger.Info("gateway stopped")
	return nil
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// IsRunning returns true while the server is serving requests.
func (s *Server) IsRunning() bool {
	return s.State() == StateRunning
}

// Addr returns the bound listen address, or the empty string before
// Start. With a configured port of zero this is the effective address.
func (s *Server) Addr() string {
	if addr, ok := s.boundAddr.Load().(string); ok {
		return addr
	}
	return ""
}

// Uptime returns the time elapsed since the server started.
func (s *Server) Uptime() time.Duration {
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

// Engine exposes the gin engine, primarily for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
