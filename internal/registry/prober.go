package registry

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// Prober periodically health checks every registered service and feeds
// the results back into the registry's state machine.
type Prober struct {
	registry  *Registry
	interval  time.Duration
	logger    observability.Logger
	metrics   *observability.Metrics
	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	mu        sync.Mutex
}

// ProberOption is a functional option for configuring the prober.
type ProberOption func(*Prober)

// WithProberLogger sets the logger for the prober.
func WithProberLogger(logger observability.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = logger
	}
}

// WithProberMetrics sets the metrics recorder for the prober.
func WithProberMetrics(m *observability.Metrics) ProberOption {
	return func(p *Prober) {
		p.metrics = m
	}
}

// NewProber creates a prober that sweeps the registry's services at the
// configured interval.
func NewProber(reg *Registry, cfg config.HealthCheckConfig, opts ...ProberOption) *Prober {
	interval := cfg.Interval.Duration()
	if interval <= 0 {
		interval = config.DefaultProbeInterval
	}

	p := &Prober{
		registry:  reg,
		interval:  interval,
		logger:    observability.NopLogger(),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start begins the probe loop. The first sweep runs immediately.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop halts the probe loop and waits for in-flight probes to finish.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	<-p.stoppedCh
}

// run is the main probe loop.
func (p *Prober) run(ctx context.Context) {
	defer close(p.stoppedCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep probes all services concurrently, one goroutine per service, so
// a slow probe never delays the others. It returns once every probe in
// the sweep has finished.
func (p *Prober) sweep(ctx context.Context) {
	var wg sync.WaitGroup

	for _, key := range p.registry.Keys() {
		if !p.registry.ShouldProbe(key) {
			p.logger.Debug("skipping probe for open circuit",
				observability.String("service", key),
			)
			continue
		}

		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			p.probe(ctx, key)
		}(key)
	}

	wg.Wait()
}

// probe checks a single service and reports the outcome.
func (p *Prober) probe(ctx context.Context, key string) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	outcome := p.registry.CheckHealth(ctx, key)
	p.registry.ReportOutcome(key, outcome)

	if p.metrics != nil {
		p.metrics.RecordHealthCheck(key, outcome.Success)
	}

	if outcome.Success {
		p.logger.Debug("health check succeeded",
			observability.String("service", key),
			observability.Duration("latency", outcome.Latency),
		)
		return
	}

	p.logger.Warn("health check failed",
		observability.String("service", key),
		observability.Duration("latency", outcome.Latency),
		observability.Error(outcome.Err),
	)
}
