package proxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcgate/internal/util"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, message); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestWebSocketProxy_RelaysMessages(t *testing.T) {
	t.Parallel()

	upstream := echoServer(t)
	defer upstream.Close()

	reporter := &fakeReporter{}
	wsProxy := NewWebSocketProxy(reporter)
	svc := proxyService("chat", upstream.URL)

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = wsProxy.Proxy(w, r, svc)
	}))
	defer gateway.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(gateway.URL)+"/api/chat", nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, message, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, messageType)
	assert.Equal(t, "ping", string(message))

	key, outcome := reporter.last(t)
	assert.Equal(t, "chat", key)
	assert.True(t, outcome.Success)
}

func TestWebSocketProxy_DialFailureReturnsBadGateway(t *testing.T) {
	t.Parallel()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := dead.URL
	dead.Close()

	reporter := &fakeReporter{}
	wsProxy := NewWebSocketProxy(reporter)
	svc := proxyService("chat", target)

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := wsProxy.Proxy(w, r, svc); err != nil {
			w.WriteHeader(util.HTTPStatus(err))
		}
	}))
	defer gateway.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(gateway.URL)+"/api/chat", nil)
	require.Error(t, err)
	assert.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	_, outcome := reporter.last(t)
	assert.False(t, outcome.Success)
	assert.Error(t, outcome.Err)
}

func TestWebSocketProxy_HandshakeRejectionIsRelayed(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Reject-Reason", "maintenance")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("denied"))
	}))
	defer upstream.Close()

	reporter := &fakeReporter{}
	wsProxy := NewWebSocketProxy(reporter)
	svc := proxyService("chat", upstream.URL)

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = wsProxy.Proxy(w, r, svc)
	}))
	defer gateway.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(gateway.URL)+"/api/chat", nil)
	require.Error(t, err)
	assert.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "maintenance", resp.Header.Get("X-Reject-Reason"))

	_, outcome := reporter.last(t)
	assert.True(t, outcome.Success, "an upstream that answers the handshake is reachable")
}

func TestIsWebSocketRequest(t *testing.T) {
	t.Parallel()

	plain := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	assert.False(t, IsWebSocketRequest(plain))

	upgrade := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	upgrade.Header.Set("Connection", "Upgrade")
	upgrade.Header.Set("Upgrade", "websocket")
	assert.True(t, IsWebSocketRequest(upgrade))
}

func TestBuildBackendWSURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		base    string
		inbound string
		want    string
	}{
		{
			name:    "http to ws",
			base:    "http://chat:9000",
			inbound: "/api/chat/room?id=7",
			want:    "ws://chat:9000/api/chat/room?id=7",
		},
		{
			name:    "https to wss",
			base:    "https://chat:9443",
			inbound: "/api/chat",
			want:    "wss://chat:9443/api/chat",
		},
		{
			name:    "base path joined",
			base:    "http://chat:9000/ws/",
			inbound: "/api/chat",
			want:    "ws://chat:9000/ws/api/chat",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			base, err := url.Parse(tt.base)
			require.NoError(t, err)
			inbound, err := url.Parse(tt.inbound)
			require.NoError(t, err)

			assert.Equal(t, tt.want, buildBackendWSURL(base, inbound))
		})
	}
}
