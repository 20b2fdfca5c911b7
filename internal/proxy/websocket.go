package proxy

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
	"github.com/vyrodovalexey/svcgate/internal/registry"
	"github.com/vyrodovalexey/svcgate/internal/util"
)

const websocketCloseGrace = time.Second

// WebSocketProxy relays websocket sessions between clients and
// upstream services. A session is dialed once; the retry budget does
// not apply to upgrades.
type WebSocketProxy struct {
	reporter OutcomeReporter
	logger   observability.Logger
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
}

// WebSocketOption configures a WebSocketProxy.
type WebSocketOption func(*WebSocketProxy)

// WithWebSocketLogger sets the websocket proxy logger.
func WithWebSocketLogger(logger observability.Logger) WebSocketOption {
	return func(p *WebSocketProxy) {
		p.logger = logger
	}
}

// NewWebSocketProxy creates a websocket proxy that reports dial
// outcomes to the given reporter.
func NewWebSocketProxy(reporter OutcomeReporter, opts ...WebSocketOption) *WebSocketProxy {
	p := &WebSocketProxy{
		reporter: reporter,
		logger:   observability.NopLogger(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checks happen upstream of the proxy, at the
			// authentication layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// IsWebSocketRequest reports whether the request asks for a websocket
// upgrade.
func IsWebSocketRequest(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Proxy dials the upstream websocket endpoint, upgrades the client
// connection and relays messages in both directions until either side
// closes. A handshake rejected by the upstream is relayed to the
// client unchanged.
func (p *WebSocketProxy) Proxy(w http.ResponseWriter, r *http.Request, svc *config.ServiceConfig) error {
	base, err := url.Parse(svc.URL)
	if err != nil {
		return util.NewUpstreamErrorWithCause(svc.Key, "invalid upstream URL", err)
	}

	target := buildBackendWSURL(base, r.URL)

	start := time.Now()
	backendConn, resp, err := p.dialer.DialContext(r.Context(), target, websocketDialHeader(r))
	if err != nil {
		if resp != nil {
			// The upstream answered but refused the upgrade.
			p.report(svc.Key, registry.Outcome{Success: true, Latency: time.Since(start)})
			p.relayHandshakeRejection(w, resp)
			return nil
		}
		p.report(svc.Key, registry.Outcome{Latency: time.Since(start), Err: err})
		return util.NewUpstreamErrorWithCause(svc.Key, "websocket dial failed", err)
	}
	defer backendConn.Close()
	p.report(svc.Key, registry.Outcome{Success: true, Latency: time.Since(start)})

	clientConn, err := p.upgrader.Upgrade(w, r, upgradeResponseHeader(resp))
	if err != nil {
		// Upgrade already wrote its error response.
		p.logger.Warn("websocket client upgrade failed",
			observability.String("service", svc.Key),
			observability.Error(err))
		return nil
	}
	defer clientConn.Close()

	p.logger.Debug("websocket session established",
		observability.String("service", svc.Key),
		observability.String("target", target))

	p.relaySession(clientConn, backendConn, svc.Key)
	return nil
}

// relaySession pumps messages between the two connections until one
// side fails or closes, then tells both peers the session is over.
func (p *WebSocketProxy) relaySession(client, backend *websocket.Conn, service string) {
	var sent, received atomic.Int64
	errCh := make(chan error, 2)

	go pump(backend, client, &sent, errCh)
	go pump(client, backend, &received, errCh)

	err := <-errCh

	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	deadline := time.Now().Add(websocketCloseGrace)
	_ = client.WriteControl(websocket.CloseMessage, closeMessage, deadline)
	_ = backend.WriteControl(websocket.CloseMessage, closeMessage, deadline)

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		p.logger.Warn("websocket session ended abnormally",
			observability.String("service", service),
			observability.Error(err))
	}

	p.logger.Info("websocket session closed",
		observability.String("service", service),
		observability.Int64("messages_to_client", sent.Load()),
		observability.Int64("messages_to_backend", received.Load()))
}

func pump(src, dst *websocket.Conn, count *atomic.Int64, errCh chan<- error) {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			errCh <- err
			return
		}
		count.Add(1)
	}
}

// relayHandshakeRejection forwards the upstream's non-101 handshake
// response to the client.
func (p *WebSocketProxy) relayHandshakeRejection(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	header := resp.Header.Clone()
	removeHopHeaders(header)
	for name, values := range header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}

	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (p *WebSocketProxy) report(key string, outcome registry.Outcome) {
	if p.reporter != nil {
		p.reporter.ReportOutcome(key, outcome)
	}
}

// buildBackendWSURL converts the service base URL to its websocket
// equivalent and appends the inbound path and query.
func buildBackendWSURL(base *url.URL, inbound *url.URL) string {
	target := *base
	if base.Scheme == "https" {
		target.Scheme = "wss"
	} else {
		target.Scheme = "ws"
	}
	target.Path = strings.TrimSuffix(base.Path, "/") + inbound.Path
	target.RawQuery = inbound.RawQuery
	return target.String()
}

// websocketDialHeader keeps the gateway's forwarding headers but drops
// the handshake headers, which the dialer negotiates itself.
func websocketDialHeader(r *http.Request) http.Header {
	header := buildUpstreamHeader(r)
	for name := range header {
		if strings.HasPrefix(strings.ToLower(name), "sec-websocket-") {
			header.Del(name)
		}
	}
	return header
}

// upgradeResponseHeader selects which upstream handshake headers to
// echo on the client upgrade. The upgrader owns the handshake fields.
func upgradeResponseHeader(resp *http.Response) http.Header {
	if resp == nil {
		return nil
	}

	header := http.Header{}
	for name, values := range resp.Header {
		lower := strings.ToLower(name)
		if lower == "upgrade" || lower == "connection" || strings.HasPrefix(lower, "sec-websocket-") {
			continue
		}
		header[name] = values
	}
	return header
}
