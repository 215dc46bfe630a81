package forwarder

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/barkerja/burrow/internal/id"
	"github.com/barkerja/burrow/internal/session"
	"github.com/barkerja/burrow/internal/wire"
	"github.com/barkerja/burrow/internal/wsproxy"
)

// publicProxy is the per-socket component described in spec §4.11: it
// pumps frames between the public-side WebSocket and the owning tunnel
// session, via the WS-proxy registry.
type publicProxy struct {
	wsID    id.ID
	conn    *websocket.Conn
	session *session.Session
	logger  *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newPublicProxy(wsID id.ID, conn *websocket.Conn, sess *session.Session, logger *slog.Logger) *publicProxy {
	return &publicProxy{wsID: wsID, conn: conn, session: sess, logger: logger.With("ws_id", wsID)}
}

// Deliver implements wsproxy.Proxy: a frame arriving from the tunnel
// client is written to the public socket in its matching frame type.
func (p *publicProxy) Deliver(f wsproxy.Frame) {
	msgType, ok := toGorillaOpcode(f.Opcode)
	if !ok {
		return
	}
	p.writeMu.Lock()
	err := p.conn.WriteMessage(msgType, f.Data)
	p.writeMu.Unlock()
	if err != nil {
		p.logger.Warn("failed writing frame to public socket", "error", err)
		p.conn.Close()
	}
}

// Closed implements wsproxy.Proxy: the tunnel side closed or errored.
func (p *publicProxy) Closed(reason string) {
	p.closeOnce.Do(func() {
		p.writeMu.Lock()
		_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
		p.writeMu.Unlock()
		p.conn.Close()
	})
}

// pumpInbound reads frames from the public socket until it closes, and
// forwards each to the tunnel client as a ws_frame. On termination it
// notifies the registry and the tunnel client with ws_close.
func (p *publicProxy) pumpInbound(registry *wsproxy.Registry) {
	defer func() {
		registry.Close(p.wsID, "public socket closed")
		_ = p.session.SendWSClose(wire.WSClose{Type: wire.TypeWSClose, WSID: p.wsID.String(), Code: websocket.CloseNormalClosure, Reason: "public socket closed"})
	}()

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}

		opcode, ok := fromGorillaOpcode(msgType)
		if !ok {
			continue
		}
		body, encoding := encodeFramePayload(opcode, data)
		if err := p.session.SendWSFrame(wire.WSFrame{
			Type:         wire.TypeWSFrame,
			WSID:         p.wsID.String(),
			Opcode:       wire.Opcode(opcode),
			Data:         body,
			DataEncoding: encoding,
		}); err != nil {
			return
		}
	}
}

// encodeFramePayload follows spec §4.11: text frames are sent as raw
// UTF-8; every other opcode's payload is always base64-encoded, even if it
// happens to be valid UTF-8.
func encodeFramePayload(opcode string, data []byte) (body string, encoding string) {
	if opcode == "text" {
		return string(data), ""
	}
	return wire.EncodeBase64(data), wire.EncodingBase64
}

func toGorillaOpcode(op wsproxy.Opcode) (int, bool) {
	switch op {
	case "text":
		return websocket.TextMessage, true
	case "binary":
		return websocket.BinaryMessage, true
	case "ping":
		return websocket.PingMessage, true
	case "pong":
		return websocket.PongMessage, true
	case "close":
		return websocket.CloseMessage, true
	default:
		return 0, false
	}
}

func fromGorillaOpcode(msgType int) (string, bool) {
	switch msgType {
	case websocket.TextMessage:
		return "text", true
	case websocket.BinaryMessage:
		return "binary", true
	case websocket.PingMessage:
		return "ping", true
	case websocket.PongMessage:
		return "pong", true
	case websocket.CloseMessage:
		return "close", true
	default:
		return "", false
	}
}
