// Package ratelimit enforces per-user request quotas using a sliding
// window. Each (user, service) pair gets its own window; the limit is
// supplied per call so services can override the default quota.
package ratelimit

import (
	"sync"
	"time"

	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// DefaultWindow is the sliding window size.
const DefaultWindow = time.Minute

// janitorSweeps is how many windows pass between idle-key sweeps.
const janitorSweeps = 2

// Result represents the outcome of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Limit is the maximum number of requests allowed in the window.
	Limit int

	// Remaining is the number of requests remaining in the current window.
	Remaining int

	// ResetAfter is the duration until the oldest request leaves the window.
	ResetAfter time.Duration

	// RetryAfter is the duration to wait before retrying (when not allowed).
	RetryAfter time.Duration
}

// windowState holds the request timestamps for one key.
type windowState struct {
	mu       sync.Mutex
	requests []time.Time
}

// Limiter is a sliding window rate limiter keyed by user and service.
type Limiter struct {
	window time.Duration
	logger observability.Logger

	windows sync.Map

	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once
}

// Option is a functional option for the Limiter.
type Option func(*Limiter)

// WithWindow overrides the sliding window size.
func WithWindow(window time.Duration) Option {
	return func(l *Limiter) {
		if window > 0 {
			l.window = window
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// NewLimiter creates a Limiter and starts its janitor goroutine. Call
// Stop to release it.
func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{
		window:    DefaultWindow,
		logger:    observability.NopLogger(),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	go l.janitor()

	return l
}

// Key builds the limiter key for a user and service.
func Key(userID, serviceKey string) string {
	return userID + ":" + serviceKey
}

// Allow records a request for the (user, service) pair if it fits
// within limit requests per window, and reports the outcome. Requests
// older than the window are pruned before the check; a denied request
// is not recorded, so it does not extend the window.
func (l *Limiter) Allow(userID, serviceKey string, limit int) *Result {
	now := time.Now()
	ws := l.getOrCreateWindowState(Key(userID, serviceKey))

	ws.mu.Lock()
	defer ws.mu.Unlock()

	l.pruneExpired(ws, now)

	currentCount := len(ws.requests)
	allowed := currentCount+1 <= limit

	if allowed {
		ws.requests = append(ws.requests, now)
		currentCount++
	}

	remaining := limit - currentCount
	if remaining < 0 {
		remaining = 0
	}

	return &Result{
		Allowed:    allowed,
		Limit:      limit,
		Remaining:  remaining,
		ResetAfter: l.resetAfter(ws, now),
		RetryAfter: l.retryAfter(ws, now, allowed, limit),
	}
}

// getOrCreateWindowState retrieves or creates the window state for a key.
func (l *Limiter) getOrCreateWindowState(key string) *windowState {
	value, _ := l.windows.LoadOrStore(key, &windowState{
		requests: make([]time.Time, 0),
	})
	return value.(*windowState)
}

// pruneExpired removes requests outside the current window.
func (l *Limiter) pruneExpired(ws *windowState, now time.Time) {
	windowStart := now.Add(-l.window)
	valid := ws.requests[:0]
	for _, t := range ws.requests {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	ws.requests = valid
}

// resetAfter computes the time until the oldest request leaves the window.
func (l *Limiter) resetAfter(ws *windowState, now time.Time) time.Duration {
	if len(ws.requests) == 0 {
		return l.window
	}

	resetAfter := ws.requests[0].Add(l.window).Sub(now)
	if resetAfter < 0 {
		resetAfter = 0
	}
	return resetAfter
}

// retryAfter computes how long a denied caller must wait for one slot
// to free up.
func (l *Limiter) retryAfter(ws *windowState, now time.Time, allowed bool, limit int) time.Duration {
	if allowed || len(ws.requests) == 0 {
		return 0
	}

	// One request over the limit: the oldest recorded request is the
	// one whose expiry frees a slot.
	excess := len(ws.requests) + 1 - limit
	if excess <= 0 || excess > len(ws.requests) {
		return 0
	}

	retryAfter := ws.requests[excess-1].Add(l.window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return retryAfter
}

// janitor periodically drops keys with no requests in the window so
// departed users do not pin memory.
func (l *Limiter) janitor() {
	defer close(l.stoppedCh)

	ticker := time.NewTicker(l.window * janitorSweeps)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

// sweep removes idle window states.
func (l *Limiter) sweep(now time.Time) {
	windowStart := now.Add(-l.window)
	removed := 0

	l.windows.Range(func(key, value interface{}) bool {
		ws := value.(*windowState)
		ws.mu.Lock()
		idle := len(ws.requests) == 0 || !ws.requests[len(ws.requests)-1].After(windowStart)
		ws.mu.Unlock()

		if idle {
			l.windows.Delete(key)
			removed++
		}
		return true
	})

	if removed > 0 {
		l.logger.Debug("rate limiter swept idle keys",
			observability.Int("removed", removed),
		)
	}
}

// Stop terminates the janitor goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	<-l.stoppedCh
}
