package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// Client throttle defaults.
const (
	// defaultClientTTL bounds how long an idle client keeps its bucket.
	defaultClientTTL = 10 * time.Minute

	// minCleanupInterval is the floor for the sweep period.
	minCleanupInterval = 10 * time.Second

	// maxCleanupInterval is the ceiling for the sweep period.
	maxCleanupInterval = time.Minute
)

// throttleEntry holds a token bucket and its last access time for
// TTL-based cleanup.
type throttleEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ClientThrottle tracks a token bucket per client address. It is an
// anonymous-traffic guard in front of authentication, unrelated to the
// per-user quotas applied after it.
type ClientThrottle struct {
	rps       float64
	burst     int
	clients   map[string]*throttleEntry
	mu        sync.Mutex
	logger    observability.Logger
	clientTTL time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewClientThrottle creates a throttle allowing rps requests per second
// with the given burst per client address.
func NewClientThrottle(rps float64, burst int, logger observability.Logger) *ClientThrottle {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &ClientThrottle{
		rps:       rps,
		burst:     burst,
		clients:   make(map[string]*throttleEntry),
		logger:    logger,
		clientTTL: defaultClientTTL,
		stopCh:    make(chan struct{}),
	}
}

// Allow reports whether the client may proceed, consuming one token.
func (ct *ClientThrottle) Allow(clientAddr string) bool {
	now := time.Now()

	ct.mu.Lock()
	entry, ok := ct.clients[clientAddr]
	if !ok {
		entry = &throttleEntry{
			limiter:    rate.NewLimiter(rate.Limit(ct.rps), ct.burst),
			lastAccess: now,
		}
		ct.clients[clientAddr] = entry
	} else {
		entry.lastAccess = now
	}
	limiter := entry.limiter
	ct.mu.Unlock()

	return limiter.Allow()
}

// sweep removes buckets idle longer than the TTL.
func (ct *ClientThrottle) sweep() {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	now := time.Now()
	removed := 0
	for addr, entry := range ct.clients {
		if now.Sub(entry.lastAccess) > ct.clientTTL {
			delete(ct.clients, addr)
			removed++
		}
	}

	if removed > 0 {
		ct.logger.Debug("removed idle throttle buckets",
			observability.Int("removed", removed),
			observability.Int("remaining", len(ct.clients)),
		)
	}
}

// startCleanup sweeps idle buckets until Stop is called.
func (ct *ClientThrottle) startCleanup() {
	go func() {
		interval := ct.clientTTL / 2
		if interval > maxCleanupInterval {
			interval = maxCleanupInterval
		}
		if interval < minCleanupInterval {
			interval = minCleanupInterval
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ct.sweep()
			case <-ct.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (ct *ClientThrottle) Stop() {
	ct.stopOnce.Do(func() {
		close(ct.stopCh)
	})
}

// Throttle returns a middleware enforcing the per-client token bucket.
// It runs before authentication so unauthenticated floods are shed
// without spending signature checks on them.
func Throttle(ct *ClientThrottle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientAddr(r)

			if !ct.Allow(addr) {
				ct.logger.Warn("client throttled",
					observability.String("client_addr", addr),
					observability.String("path", r.URL.Path),
				)

				w.Header().Set(HeaderRetryAfter, "1")
				WriteErrorMessage(w, r, http.StatusTooManyRequests, "too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ThrottleFromConfig builds the throttle middleware from server config.
// When throttling is disabled it returns a pass-through and a nil
// throttle. The caller owns the returned throttle and should call Stop
// during shutdown.
func ThrottleFromConfig(
	cfg config.ClientRateLimitConfig,
	logger observability.Logger,
) (func(http.Handler) http.Handler, *ClientThrottle) {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler {
			return next
		}, nil
	}

	ct := NewClientThrottle(cfg.RequestsPerSecond, cfg.Burst, logger)
	ct.startCleanup()

	return Throttle(ct), ct
}

// clientAddr returns the peer IP without the port. Forwarding headers
// are not consulted: the throttle keys on the direct connection.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
