package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barkerja/burrow/internal/id"
	"github.com/barkerja/burrow/internal/pending"
	"github.com/barkerja/burrow/internal/registry"
	"github.com/barkerja/burrow/internal/session"
	"github.com/barkerja/burrow/internal/tcpmgr"
	"github.com/barkerja/burrow/internal/wire"
	"github.com/barkerja/burrow/internal/wsproxy"
)

type harness struct {
	reg       *registry.Registry
	pendingT  *pending.Table
	wsProxies *wsproxy.Registry
	sessions  *session.Directory
	tunnelID  id.ID
	clientWS  *websocket.Conn
	fwd       *Forwarder
	stop      func()
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reg := registry.New()
	pendingT := pending.New()
	wsProxies := wsproxy.New(time.Second)
	sessions := session.NewDirectory()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	var clientSession *session.Session
	ready := make(chan struct{})

	tunnelSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		clientSession = session.New(conn, session.Config{
			Registry:   reg,
			Pending:    pendingT,
			WSProxies:  wsProxies,
			TCP:        tcpmgr.New(tcpmgr.PortRange{Min: 19500, Max: 19550}, nil),
			BaseDomain: "burrow.test",
			Directory:  sessions,
		})
		close(ready)
		clientSession.Run(context.Background())
	}))

	wsURL := "ws" + strings.TrimPrefix(tunnelSrv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	tunnelID := id.New()

	<-ready

	// Register an HTTP tunnel directly (bypassing the wire registration
	// handshake, which is covered by internal/session's own tests).
	_, err = reg.Register(context.Background(), registry.TunnelInfo{
		TunnelID:  tunnelID,
		Subdomain: "myapp",
		SessionID: clientSession.ID(),
		PublicKey: "testkey",
		LocalHost: "localhost",
		LocalPort: 3000,
	})
	require.NoError(t, err)

	fwd := New(reg, pendingT, wsProxies, sessions, Config{RequestTimeout: time.Second, WSUpgradeTimeout: time.Second}, nil)

	return &harness{
		reg: reg, pendingT: pendingT, wsProxies: wsProxies, sessions: sessions,
		tunnelID: tunnelID, clientWS: clientConn, fwd: fwd,
		stop: func() { clientConn.Close(); tunnelSrv.Close() },
	}
}

func TestServeSubdomainUnknownReturns404(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	req := httptest.NewRequest(http.MethodGet, "http://ghost.burrow.test/", nil)
	rec := httptest.NewRecorder()
	h.fwd.ServeSubdomain(rec, req, "ghost")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeSubdomainHTTPRoundTrip(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, raw, err := h.clientWS.ReadMessage()
		if err != nil {
			return
		}
		var req wire.TunnelRequest
		if wire.Decode(raw, &req) != nil {
			return
		}
		resp := wire.TunnelResponse{
			Type:      wire.TypeTunnelResponse,
			RequestID: req.RequestID,
			Status:    http.StatusOK,
			Headers:   []wire.HeaderPair{{"Content-Type", "text/plain"}},
			Body:      "hello from upstream",
		}
		out, _ := wire.Encode(resp)
		_ = h.clientWS.WriteMessage(websocket.TextMessage, out)
	}()

	req := httptest.NewRequest(http.MethodGet, "http://myapp.burrow.test/hi", nil)
	rec := httptest.NewRecorder()
	h.fwd.ServeSubdomain(rec, req, "myapp")

	<-done
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello from upstream", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestServeSubdomainTimeoutYields504(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	// The fake client never responds; the forwarder's 1s RequestTimeout fires.
	req := httptest.NewRequest(http.MethodGet, "http://myapp.burrow.test/slow", nil)
	rec := httptest.NewRecorder()
	h.fwd.ServeSubdomain(rec, req, "myapp")

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestServeSubdomainRecognizesTunnelErrorPrefix(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, raw, err := h.clientWS.ReadMessage()
		if err != nil {
			return
		}
		var req wire.TunnelRequest
		require.NoError(t, wire.Decode(raw, &req))
		resp := wire.TunnelResponse{
			Type:      wire.TypeTunnelResponse,
			RequestID: req.RequestID,
			Status:    http.StatusBadGateway,
			Body:      "Bad Gateway: upstream connection refused",
		}
		out, _ := wire.Encode(resp)
		_ = h.clientWS.WriteMessage(websocket.TextMessage, out)
	}()

	req := httptest.NewRequest(http.MethodGet, "http://myapp.burrow.test/broken", nil)
	rec := httptest.NewRecorder()
	h.fwd.ServeSubdomain(rec, req, "myapp")

	<-done
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream connection refused")
}
