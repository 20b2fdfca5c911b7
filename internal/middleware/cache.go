package middleware

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vyrodovalexey/svcgate/internal/auth"
	"github.com/vyrodovalexey/svcgate/internal/cache"
	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// maxCacheBodySize is the largest response body buffered for caching.
// Bigger responses still reach the client but are not stored.
const maxCacheBodySize = 10 << 20 // 10MB

// cachedResponse holds a serialized HTTP response for cache storage.
type cachedResponse struct {
	StatusCode int                 `json:"statusCode"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

// cacheStage holds the state for the response cache middleware.
type cacheStage struct {
	store   cache.Cache
	ttl     time.Duration
	metrics *observability.Metrics
	logger  observability.Logger
}

// CacheResponses returns the response cache stage. Only GET requests to
// services marked cacheable are considered, and only 200 responses are
// stored. Cache-Control no-store and no-cache on the request skip the
// cache entirely. For tenant-scoped services the tenant id is part of
// the key, so tenants never see each other's entries.
func CacheResponses(
	store cache.Cache,
	cfg *config.CacheConfig,
	metrics *observability.Metrics,
	logger observability.Logger,
) func(http.Handler) http.Handler {
	if store == nil || cfg == nil || !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	if logger == nil {
		logger = observability.NopLogger()
	}

	ttl := cfg.TTL.Duration()
	if ttl == 0 {
		ttl = config.DefaultCacheTTL
	}

	cs := &cacheStage{store: store, ttl: ttl, metrics: metrics, logger: logger}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			svc := ServiceFromContext(r.Context())
			if svc == nil || !svc.Cacheable {
				next.ServeHTTP(w, r)
				return
			}

			if !cacheableRequest(r) {
				cs.event(svc.Key, "bypass")
				next.ServeHTTP(w, r)
				return
			}

			tenantID := ""
			if identity := auth.IdentityFromContext(r.Context()); identity != nil {
				tenantID = identity.TenantID
			}
			key := cache.BuildKey(svc.Key, r.URL.Path, r.URL.Query(), tenantID, svc.TenantScoped)

			if cs.serveFromCache(w, r, svc.Key, key) {
				return
			}

			cs.event(svc.Key, "miss")
			w.Header().Set(HeaderXCache, CacheMiss)
			cs.captureAndStore(w, r, next, svc.Key, key)
		})
	}
}

// cacheableRequest reports whether the request itself is eligible.
// WebSocket upgrades are never cached regardless of method.
func cacheableRequest(r *http.Request) bool {
	if r.Method != http.MethodGet || isWebSocketUpgrade(r) {
		return false
	}
	cc := r.Header.Get("Cache-Control")
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
}

// serveFromCache writes a stored response if one exists. Returns false
// on a miss or an unreadable entry, letting the request proceed
// upstream.
func (cs *cacheStage) serveFromCache(w http.ResponseWriter, r *http.Request, serviceKey, key string) bool {
	data, err := cs.store.Get(r.Context(), key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			cs.logger.Debug("cache lookup failed",
				observability.String("key", key),
				observability.Error(err),
			)
		}
		return false
	}

	var cached cachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		cs.logger.Debug("cached entry is unreadable, treating as miss",
			observability.String("key", key),
		)
		return false
	}

	for k, vals := range cached.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	// Set, not Add: stored headers may carry the MISS marker from the
	// request that populated the entry.
	w.Header().Set(HeaderXCache, CacheHit)
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)

	cs.event(serviceKey, "hit")
	cs.logger.Debug("served response from cache",
		observability.String("service", serviceKey),
		observability.String("path", r.URL.Path),
	)
	return true
}

// captureAndStore runs the handler through a recorder and stores the
// response when it qualifies.
func (cs *cacheStage) captureAndStore(
	w http.ResponseWriter,
	r *http.Request,
	next http.Handler,
	serviceKey, key string,
) {
	recorder := &cacheRecorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}

	next.ServeHTTP(recorder, r)

	if recorder.statusCode != http.StatusOK {
		return
	}

	if recorder.bufferExceeded {
		cs.logger.Debug("response too large to cache",
			observability.String("service", serviceKey),
			observability.String("path", r.URL.Path),
		)
		return
	}

	cached := cachedResponse{
		StatusCode: recorder.statusCode,
		Headers:    cloneHeaderMap(recorder.Header()),
		Body:       recorder.body.Bytes(),
	}

	serialized, err := json.Marshal(cached)
	if err != nil {
		return
	}

	if err := cs.store.Set(r.Context(), key, serialized, cs.ttl); err != nil {
		cs.logger.Debug("failed to store response in cache",
			observability.String("key", key),
			observability.Error(err),
		)
		return
	}

	cs.event(serviceKey, "store")
}

func (cs *cacheStage) event(service, result string) {
	if cs.metrics != nil {
		cs.metrics.RecordCacheEvent(service, result)
	}
}

// cloneHeaderMap deep-copies headers into a plain map for storage.
func cloneHeaderMap(h http.Header) map[string][]string {
	clone := make(map[string][]string, len(h))
	for k, v := range h {
		vc := make([]string, len(v))
		copy(vc, v)
		clone[k] = vc
	}
	return clone
}

// cacheRecorder captures the response for storage while writing it
// through to the client.
type cacheRecorder struct {
	http.ResponseWriter
	statusCode     int
	body           *bytes.Buffer
	headerWritten  bool
	bufferExceeded bool
}

// WriteHeader forwards the status exactly once. Duplicate calls are
// suppressed to avoid superfluous WriteHeader warnings from net/http.
func (r *cacheRecorder) WriteHeader(code int) {
	if !r.headerWritten {
		r.statusCode = code
		r.headerWritten = true
		r.ResponseWriter.WriteHeader(code)
	}
}

// Write buffers the body up to maxCacheBodySize and always writes
// through. An implicit 200 is sent if WriteHeader was never called.
func (r *cacheRecorder) Write(b []byte) (int, error) {
	if !r.headerWritten {
		r.statusCode = http.StatusOK
		r.headerWritten = true
		r.ResponseWriter.WriteHeader(http.StatusOK)
	}

	if !r.bufferExceeded {
		if int64(r.body.Len())+int64(len(b)) > maxCacheBodySize {
			r.bufferExceeded = true
			r.body.Reset()
		} else {
			r.body.Write(b)
		}
	}

	return r.ResponseWriter.Write(b)
}

// Flush implements http.Flusher for streaming responses.
func (r *cacheRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker so upgraded connections pass through.
func (r *cacheRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}
