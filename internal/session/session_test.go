package session

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barkerja/burrow/internal/pending"
	"github.com/barkerja/burrow/internal/registry"
	"github.com/barkerja/burrow/internal/tcpmgr"
	"github.com/barkerja/burrow/internal/wire"
	"github.com/barkerja/burrow/internal/wsproxy"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func newTestHarness(t *testing.T) (*websocket.Conn, func()) {
	t.Helper()
	cfg := Config{
		Registry:   registry.New(),
		Pending:    pending.New(),
		WSProxies:  wsproxy.New(time.Second),
		TCP:        tcpmgr.New(tcpmgr.PortRange{Min: 19000, Max: 19050}, nil),
		BaseDomain: "burrow.test",
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		sess := New(conn, cfg)
		sess.Run(context.Background())
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	return clientConn, func() {
		clientConn.Close()
		srv.Close()
	}
}

func signedAttestation(t *testing.T, requestedSubdomain string) (ed25519.PublicKey, wire.Attestation) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	timestamp := time.Now().Unix()
	message := fmt.Sprintf("burrow:register:%d:%s", timestamp, requestedSubdomain)
	sig := ed25519.Sign(priv, []byte(message))

	return pub, wire.Attestation{
		PublicKey:          hex.EncodeToString(pub),
		Timestamp:          timestamp,
		Signature:          hex.EncodeToString(sig),
		RequestedSubdomain: requestedSubdomain,
	}
}

func TestRegisterTunnelSuccess(t *testing.T) {
	clientConn, cleanup := newTestHarness(t)
	defer cleanup()

	_, attestation := signedAttestation(t, "")
	raw, err := wire.Encode(wire.RegisterTunnel{
		Type:        wire.TypeRegisterTunnel,
		Attestation: attestation,
		LocalHost:   "localhost",
		LocalPort:   3000,
	})
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, raw))

	_, resp, err := clientConn.ReadMessage()
	require.NoError(t, err)

	typ, err := wire.PeekType(resp)
	require.NoError(t, err)
	require.Equal(t, wire.TypeTunnelRegistered, typ)

	var registered wire.TunnelRegistered
	require.NoError(t, wire.Decode(resp, &registered))
	assert.NotEmpty(t, registered.Subdomain)
	assert.Contains(t, registered.FullURL, registered.Subdomain)
}

func TestRegisterTunnelRejectsBadSignature(t *testing.T) {
	clientConn, cleanup := newTestHarness(t)
	defer cleanup()

	_, attestation := signedAttestation(t, "")
	attestation.Signature = hex.EncodeToString([]byte("not-a-real-signature-000000000000000000000000000000000000000000"))

	raw, err := wire.Encode(wire.RegisterTunnel{Type: wire.TypeRegisterTunnel, Attestation: attestation, LocalHost: "localhost", LocalPort: 3000})
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, raw))

	_, resp, err := clientConn.ReadMessage()
	require.NoError(t, err)

	var errFrame wire.Error
	require.NoError(t, wire.Decode(resp, &errFrame))
	assert.Equal(t, wire.CodeInvalidSignature, errFrame.Code)
}

func TestRegisterTunnelRejectsExpiredAttestation(t *testing.T) {
	clientConn, cleanup := newTestHarness(t)
	defer cleanup()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	staleTimestamp := time.Now().Add(-1 * time.Hour).Unix()
	message := fmt.Sprintf("burrow:register:%d:", staleTimestamp)
	sig := ed25519.Sign(priv, []byte(message))

	raw, err := wire.Encode(wire.RegisterTunnel{
		Type: wire.TypeRegisterTunnel,
		Attestation: wire.Attestation{
			PublicKey: hex.EncodeToString(pub),
			Timestamp: staleTimestamp,
			Signature: hex.EncodeToString(sig),
		},
		LocalHost: "localhost",
		LocalPort: 3000,
	})
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, raw))

	_, resp, err := clientConn.ReadMessage()
	require.NoError(t, err)

	var errFrame wire.Error
	require.NoError(t, wire.Decode(resp, &errFrame))
	assert.Equal(t, wire.CodeAttestationExpired, errFrame.Code)
}

func TestFramesBeforeRegistrationAreRejected(t *testing.T) {
	clientConn, cleanup := newTestHarness(t)
	defer cleanup()

	raw, err := wire.Encode(wire.Heartbeat{Type: wire.TypeHeartbeat, Timestamp: time.Now().Unix()})
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, raw))

	_, resp, err := clientConn.ReadMessage()
	require.NoError(t, err)

	var errFrame wire.Error
	require.NoError(t, wire.Decode(resp, &errFrame))
	assert.Equal(t, wire.CodeUnknownMessage, errFrame.Code)
}

func TestHeartbeatRepliesAfterRegistration(t *testing.T) {
	clientConn, cleanup := newTestHarness(t)
	defer cleanup()

	_, attestation := signedAttestation(t, "")
	raw, _ := wire.Encode(wire.RegisterTunnel{Type: wire.TypeRegisterTunnel, Attestation: attestation, LocalHost: "localhost", LocalPort: 3000})
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, raw))
	_, _, err := clientConn.ReadMessage() // tunnel_registered
	require.NoError(t, err)

	hb, _ := wire.Encode(wire.Heartbeat{Type: wire.TypeHeartbeat, Timestamp: time.Now().Unix()})
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, hb))

	_, resp, err := clientConn.ReadMessage()
	require.NoError(t, err)

	typ, err := wire.PeekType(resp)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeHeartbeat, typ)
}

func TestUnknownFrameTypeAfterRegistrationKeepsSessionOpen(t *testing.T) {
	clientConn, cleanup := newTestHarness(t)
	defer cleanup()

	_, attestation := signedAttestation(t, "")
	raw, _ := wire.Encode(wire.RegisterTunnel{Type: wire.TypeRegisterTunnel, Attestation: attestation, LocalHost: "localhost", LocalPort: 3000})
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, raw))
	_, _, err := clientConn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"not_a_real_type"}`)))
	_, resp, err := clientConn.ReadMessage()
	require.NoError(t, err)

	var errFrame wire.Error
	require.NoError(t, wire.Decode(resp, &errFrame))
	assert.Equal(t, wire.CodeUnknownMessage, errFrame.Code)

	// Session is still open: a second heartbeat still gets a reply.
	hb, _ := wire.Encode(wire.Heartbeat{Type: wire.TypeHeartbeat, Timestamp: time.Now().Unix()})
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, hb))
	_, resp2, err := clientConn.ReadMessage()
	require.NoError(t, err)
	typ, err := wire.PeekType(resp2)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeHeartbeat, typ)
}
