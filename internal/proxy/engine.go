// Package proxy forwards authenticated requests to upstream services,
// retrying transient failures with linear backoff and reporting one
// health outcome per request to the service registry.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyrodovalexey/svcgate/internal/auth"
	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
	"github.com/vyrodovalexey/svcgate/internal/registry"
	"github.com/vyrodovalexey/svcgate/internal/util"
)

// hopHeaders are hop-by-hop headers stripped before forwarding in
// either direction, per RFC 7230 section 6.1.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// OutcomeReporter receives the health outcome of a proxied request.
// *registry.Registry satisfies it.
type OutcomeReporter interface {
	ReportOutcome(key string, outcome registry.Outcome)
}

// Engine proxies HTTP requests to upstream services. Requests that
// fail with an attempt timeout or an upstream 503/504 are retried up
// to the service's configured attempt budget; all other responses are
// relayed to the client unchanged.
type Engine struct {
	reporter  OutcomeReporter
	transport http.RoundTripper
	logger    observability.Logger
	metrics   *observability.Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger observability.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEngineMetrics sets the metrics recorder for upstream attempts.
func WithEngineMetrics(metrics *observability.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithEngineTransport replaces the upstream transport.
func WithEngineTransport(transport http.RoundTripper) EngineOption {
	return func(e *Engine) {
		e.transport = transport
	}
}

// NewEngine creates a proxy engine that reports health outcomes to the
// given reporter. All upstream calls share one pooled transport.
func NewEngine(reporter OutcomeReporter, opts ...EngineOption) *Engine {
	e := &Engine{
		reporter:  reporter,
		transport: newTransport(),
		logger:    observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Proxy forwards the request to the service and relays the upstream
// response. It returns a typed error when no response could be relayed;
// the caller is responsible for writing the error response. Exactly one
// health outcome is reported per call, except when the inbound request
// context is canceled first.
func (e *Engine) Proxy(w http.ResponseWriter, r *http.Request, svc *config.ServiceConfig) error {
	ctx := r.Context()

	base, err := url.Parse(svc.URL)
	if err != nil {
		return util.NewUpstreamErrorWithCause(svc.Key, "invalid upstream URL", err)
	}

	body, err := bufferBody(r)
	if err != nil {
		return util.NewUpstreamErrorWithCause(svc.Key, "reading request body", err)
	}

	target := buildTargetURL(base, r.URL)
	header := buildUpstreamHeader(r)

	maxAttempts := svc.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	timeout := svc.Timeout.Duration()
	backoffBase := svc.Retry.BackoffBase.Duration()

	var lastStatus int
	var lastErr error
	var lastLatency time.Duration
	timedOut := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		e.logger.Debug("forwarding request upstream",
			observability.String("service", svc.Key),
			observability.String("target", target),
			observability.Int("attempt", attempt),
			observability.Int("max_attempts", maxAttempts))

		resp, latency, err := e.attempt(ctx, r, base, target, header, body, timeout)
		if err != nil {
			// A dead client cannot receive a response and says
			// nothing about upstream health.
			if ctx.Err() != nil {
				return fmt.Errorf("request aborted: %w", ctx.Err())
			}

			if isTimeout(err) {
				e.recordAttempt(svc.Key, observability.OutcomeTimeout)
				e.logger.Warn("upstream attempt timed out",
					observability.String("service", svc.Key),
					observability.Int("attempt", attempt),
					observability.Duration("timeout", timeout))

				timedOut = true
				lastErr = err
				lastLatency = latency
				if attempt < maxAttempts {
					if err := e.backoff(ctx, backoffBase, attempt); err != nil {
						return fmt.Errorf("request aborted: %w", err)
					}
					continue
				}
				break
			}

			// Connection-level failures are terminal: the upstream
			// never produced a response and a retry against the same
			// address is unlikely to fare better within this request.
			e.recordAttempt(svc.Key, observability.OutcomeTransportError)
			e.logger.Warn("upstream attempt failed",
				observability.String("service", svc.Key),
				observability.Int("attempt", attempt),
				observability.Error(err))

			e.report(svc.Key, registry.Outcome{Latency: latency, Err: err})
			return util.NewUpstreamErrorWithCause(svc.Key, "upstream request failed", err)
		}

		if isRetriableStatus(resp.StatusCode) {
			drainAndClose(resp.Body)
			e.recordAttempt(svc.Key, observability.OutcomeRetriableState)
			e.logger.Warn("upstream returned retriable status",
				observability.String("service", svc.Key),
				observability.Int("attempt", attempt),
				observability.Int("status", resp.StatusCode))

			timedOut = false
			lastStatus = resp.StatusCode
			lastErr = fmt.Errorf("upstream returned status %d", resp.StatusCode)
			lastLatency = latency
			if attempt < maxAttempts {
				if err := e.backoff(ctx, backoffBase, attempt); err != nil {
					return fmt.Errorf("request aborted: %w", err)
				}
				continue
			}
			break
		}

		// Anything else, including other 4xx/5xx, is the upstream's
		// answer and relays unchanged.
		e.recordAttempt(svc.Key, observability.OutcomeSuccess)
		e.report(svc.Key, registry.Outcome{Success: true, Latency: latency})
		e.relay(w, resp, svc.Key)
		return nil
	}

	e.report(svc.Key, registry.Outcome{Latency: lastLatency, Err: lastErr})

	if timedOut {
		return util.NewTimeoutErrorWithCause("upstream request", timeout, lastErr)
	}
	return util.NewUpstreamErrorWithCause(svc.Key,
		fmt.Sprintf("upstream returned status %d after %d attempts", lastStatus, maxAttempts),
		util.ErrUpstreamUnavail)
}

// attempt issues a single upstream call bounded by the service timeout.
// The returned response body carries the attempt's cancel func so the
// deadline stays armed until the body is fully consumed.
func (e *Engine) attempt(ctx context.Context, r *http.Request, base *url.URL, target string, header http.Header, body []byte, timeout time.Duration) (*http.Response, time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(attemptCtx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, 0, err
	}
	req.Header = header.Clone()
	req.Host = base.Host
	req.ContentLength = int64(len(body))
	observability.InjectTraceContext(attemptCtx, req)

	start := time.Now()
	resp, err := e.transport.RoundTrip(req)
	latency := time.Since(start)
	if err != nil {
		cancel()
		return nil, latency, err
	}

	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, latency, nil
}

// buildUpstreamHeader copies the inbound headers minus hop-by-hop ones
// and injects the gateway's identity and forwarding headers.
func buildUpstreamHeader(r *http.Request) http.Header {
	header := r.Header.Clone()
	removeHopHeaders(header)

	ctx := r.Context()
	if identity := auth.IdentityFromContext(ctx); identity != nil {
		header.Set("X-User-ID", identity.UserID)
		header.Set("X-Tenant-ID", identity.TenantID)
		header.Set("X-User-Role", identity.Role)
	}
	if requestID := observability.RequestIDFromContext(ctx); requestID != "" {
		header.Set("X-Request-ID", requestID)
	}
	if correlationID := observability.CorrelationIDFromContext(ctx); correlationID != "" {
		header.Set("X-Correlation-ID", correlationID)
	}

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		header.Set("X-Forwarded-For", clientIP)
	}

	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	header.Set("X-Forwarded-Proto", proto)
	header.Set("X-Forwarded-Host", r.Host)

	return header
}

// relay writes the upstream response to the client.
func (e *Engine) relay(w http.ResponseWriter, resp *http.Response, service string) {
	defer resp.Body.Close()

	respHeader := resp.Header.Clone()
	removeHopHeaders(respHeader)
	for key, values := range respHeader {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// The status line is already committed; nothing left but to
		// note the broken stream.
		e.logger.Debug("response relay interrupted",
			observability.String("service", service),
			observability.Error(err))
	}
}

// backoff sleeps for base multiplied by the attempt number, or returns
// early when the inbound request goes away.
func (e *Engine) backoff(ctx context.Context, base time.Duration, attempt int) error {
	if base <= 0 {
		return nil
	}

	timer := time.NewTimer(base * time.Duration(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) report(key string, outcome registry.Outcome) {
	if e.reporter != nil {
		e.reporter.ReportOutcome(key, outcome)
	}
}

func (e *Engine) recordAttempt(service, outcome string) {
	if e.metrics != nil {
		e.metrics.RecordUpstreamAttempt(service, outcome)
	}
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func buildTargetURL(base *url.URL, inbound *url.URL) string {
	target := *base
	target.Path = strings.TrimSuffix(base.Path, "/") + inbound.Path
	target.RawQuery = inbound.RawQuery
	return target.String()
}

func removeHopHeaders(header http.Header) {
	for _, name := range hopHeaders {
		header.Del(name)
	}
}

func isRetriableStatus(status int) bool {
	return status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}

// cancelBody ties an attempt's cancel func to its response body so the
// attempt context survives until the caller finishes reading.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
