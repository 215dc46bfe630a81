// Package session implements the tunnel session state machine (spec
// §4.8): one instance per WebSocket connection from a tunnel client,
// dispatching every control frame and owning that connection's write
// serialization, keepalive, and teardown cascade.
package session

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/barkerja/burrow/internal/id"
	"github.com/barkerja/burrow/internal/pending"
	"github.com/barkerja/burrow/internal/registry"
	"github.com/barkerja/burrow/internal/subdomain"
	"github.com/barkerja/burrow/internal/tcpmgr"
	"github.com/barkerja/burrow/internal/wire"
	"github.com/barkerja/burrow/internal/wsproxy"
)

// State is the session's position in the spec §4.8 state machine.
type State int

const (
	StateAwaitingRegistration State = iota
	StateConnected
)

const (
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
	attestationMaxAge   = 300 * time.Second
	attestationSkew     = 60 * time.Second
)

// ReservationGate is the opaque collaborator call spec §4.8 describes for
// restricting subdomain availability per public key, beyond plain registry
// availability.
type ReservationGate func(publicKeyHex, subdomain string) bool

// AlwaysAllow is the default ReservationGate used when no accounts module
// is wired in: every requested subdomain is allowed once the registry
// confirms it is free.
func AlwaysAllow(string, string) bool { return true }

// Config bundles the fixed, process-wide collaborators and tunables every
// session shares.
type Config struct {
	Registry        *registry.Registry
	Pending         *pending.Table
	WSProxies       *wsproxy.Registry
	TCP             *tcpmgr.Manager
	BaseDomain      string
	ReservationGate ReservationGate
	Logger          *slog.Logger
	Directory       *Directory // optional; lets the forwarder reach this session by ID

	// PingInterval overrides the keepalive ping cadence (spec §6.3
	// heartbeat_interval). Defaults to 30s.
	PingInterval time.Duration
}

// Session owns one tunnel client's WebSocket connection.
type Session struct {
	id     id.ID
	conn   *websocket.Conn
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	state   State
	tunnels map[id.ID]struct{} // HTTP and TCP tunnel IDs owned by this session

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps an accepted WebSocket connection in a fresh session, in the
// initial awaiting-registration state.
func New(conn *websocket.Conn, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReservationGate == nil {
		cfg.ReservationGate = AlwaysAllow
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	sessionID := id.New()
	s := &Session{
		id:      sessionID,
		conn:    conn,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "session", "session_id", sessionID),
		state:   StateAwaitingRegistration,
		tunnels: make(map[id.ID]struct{}),
		done:    make(chan struct{}),
	}
	if cfg.Directory != nil {
		cfg.Directory.register(s)
	}
	return s
}

// ID returns the session's identifier.
func (s *Session) ID() id.ID { return s.id }

// Run reads and dispatches frames until the connection closes or ctx is
// cancelled. It always tears the session down before returning.
func (s *Session) Run(ctx context.Context) {
	defer s.terminate()

	go s.pingLoop(ctx)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Info("tunnel connection closed", "error", err)
			return
		}

		if err := s.dispatch(ctx, raw); err != nil {
			s.logger.Warn("frame dispatch failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Session) dispatch(ctx context.Context, raw []byte) error {
	typ, err := wire.PeekType(raw)
	if err != nil {
		return s.sendError(wire.CodeInvalidJSON, err.Error())
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateAwaitingRegistration && typ != wire.TypeRegisterTunnel && typ != wire.TypeRegisterTCPTunnel {
		return s.sendError(wire.CodeUnknownMessage, "registration required before any other frame")
	}

	switch typ {
	case wire.TypeRegisterTunnel:
		return s.handleRegisterTunnel(ctx, raw)
	case wire.TypeRegisterTCPTunnel:
		return s.handleRegisterTCPTunnel(raw)
	case wire.TypeTunnelResponse:
		return s.handleTunnelResponse(raw)
	case wire.TypeWSUpgraded:
		return s.handleWSUpgraded(raw)
	case wire.TypeWSFrame:
		return s.handleWSFrame(raw)
	case wire.TypeWSClose:
		return s.handleWSClose(raw)
	case wire.TypeTCPConnected:
		return s.handleTCPConnected(raw)
	case wire.TypeTCPData:
		return s.handleTCPData(raw)
	case wire.TypeTCPClose:
		return s.handleTCPClose(raw)
	case wire.TypeHeartbeat:
		return s.handleHeartbeat(raw)
	default:
		return s.sendError(wire.CodeUnknownMessage, fmt.Sprintf("unknown frame type %q", typ))
	}
}

func (s *Session) handleRegisterTunnel(ctx context.Context, raw []byte) error {
	var frame wire.RegisterTunnel
	if err := wire.Decode(raw, &frame); err != nil {
		return s.sendError(wire.CodeInvalidJSON, err.Error())
	}

	pubKey, err := hex.DecodeString(frame.Attestation.PublicKey)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return s.sendError(wire.CodeMissingAttestation, "malformed public key")
	}

	if err := verifyAttestation(pubKey, frame.Attestation); err != nil {
		if errors.Is(err, errAttestationExpired) {
			return s.sendError(wire.CodeAttestationExpired, err.Error())
		}
		return s.sendError(wire.CodeInvalidSignature, err.Error())
	}

	chosen, err := s.assignSubdomain(frame.Attestation.PublicKey, frame.Attestation.RequestedSubdomain)
	if err != nil {
		return s.sendError(wire.CodeSubdomainTaken, err.Error())
	}

	tunnelID := id.New()
	_, err = s.cfg.Registry.Register(ctx, registry.TunnelInfo{
		TunnelID:  tunnelID,
		Subdomain: chosen,
		SessionID: s.id,
		PublicKey: frame.Attestation.PublicKey,
		LocalHost: frame.LocalHost,
		LocalPort: frame.LocalPort,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return s.sendError(wire.CodeSubdomainTaken, err.Error())
	}

	s.mu.Lock()
	s.state = StateConnected
	s.tunnels[tunnelID] = struct{}{}
	s.mu.Unlock()

	return s.send(wire.TunnelRegistered{
		Type:      wire.TypeTunnelRegistered,
		TunnelID:  tunnelID.String(),
		Subdomain: chosen,
		FullURL:   fmt.Sprintf("https://%s.%s", chosen, s.cfg.BaseDomain),
	})
}

// assignSubdomain implements the spec §4.8 assignment rule: an empty or
// invalid requested subdomain falls back to the key-derived subdomain; a
// valid one is assigned if it is free and the reservation gate allows it,
// and otherwise fails as taken (no fallback).
func (s *Session) assignSubdomain(publicKeyHex, requested string) (string, error) {
	if requested != "" && subdomain.Valid(requested) {
		if _, err := s.cfg.Registry.Lookup(context.Background(), requested); err == nil {
			return "", errors.New("subdomain-taken")
		}
		if !s.cfg.ReservationGate(publicKeyHex, requested) {
			return "", errors.New("subdomain-taken")
		}
		return requested, nil
	}

	pubKeyBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return "", err
	}
	return subdomain.DeriveFromPublicKey(pubKeyBytes), nil
}

func (s *Session) handleRegisterTCPTunnel(raw []byte) error {
	var frame wire.RegisterTCPTunnel
	if err := wire.Decode(raw, &frame); err != nil {
		return s.sendError(wire.CodeInvalidJSON, err.Error())
	}

	tunnelID := id.New()
	serverPort, err := s.cfg.TCP.RegisterTunnel(tunnelID, s)
	if err != nil {
		return s.sendError(wire.CodeNoPortsAvailable, err.Error())
	}

	s.mu.Lock()
	s.state = StateConnected
	s.tunnels[tunnelID] = struct{}{}
	s.mu.Unlock()

	return s.send(wire.TCPTunnelRegistered{
		Type:        wire.TypeTCPTunnelRegistered,
		TCPTunnelID: tunnelID.String(),
		ServerPort:  serverPort,
		LocalPort:   frame.LocalPort,
	})
}

func (s *Session) handleTunnelResponse(raw []byte) error {
	var frame wire.TunnelResponse
	if err := wire.Decode(raw, &frame); err != nil {
		return s.sendError(wire.CodeInvalidJSON, err.Error())
	}
	s.cfg.Pending.Complete(id.ID(frame.RequestID), frame)
	return nil
}

func (s *Session) handleWSUpgraded(raw []byte) error {
	var frame wire.WSUpgraded
	if err := wire.Decode(raw, &frame); err != nil {
		return s.sendError(wire.CodeInvalidJSON, err.Error())
	}
	headers := make([][2]string, len(frame.Headers))
	for i, h := range frame.Headers {
		headers[i] = [2]string(h)
	}
	s.cfg.WSProxies.CompletePending(id.ID(frame.WSID), wsproxy.UpgradeOutcome{OK: true, Headers: headers})
	return nil
}

func (s *Session) handleWSFrame(raw []byte) error {
	var frame wire.WSFrame
	if err := wire.Decode(raw, &frame); err != nil {
		return s.sendError(wire.CodeInvalidJSON, err.Error())
	}
	data, err := wire.DecodeBody(frame.Data, frame.DataEncoding)
	if err != nil {
		return s.sendError(wire.CodeInvalidJSON, err.Error())
	}
	s.cfg.WSProxies.Forward(id.ID(frame.WSID), wsproxy.Frame{
		Opcode:    wsproxy.Opcode(frame.Opcode),
		Data:      data,
		EnqueueAt: time.Now(),
	})
	return nil
}

func (s *Session) handleWSClose(raw []byte) error {
	var frame wire.WSClose
	if err := wire.Decode(raw, &frame); err != nil {
		return s.sendError(wire.CodeInvalidJSON, err.Error())
	}
	s.cfg.WSProxies.Close(id.ID(frame.WSID), frame.Reason)
	return nil
}

func (s *Session) handleTCPConnected(raw []byte) error {
	var frame wire.TCPConnected
	if err := wire.Decode(raw, &frame); err != nil {
		return s.sendError(wire.CodeInvalidJSON, err.Error())
	}
	s.cfg.TCP.Activate(id.ID(frame.TCPID))
	return nil
}

func (s *Session) handleTCPData(raw []byte) error {
	var frame wire.TCPData
	if err := wire.Decode(raw, &frame); err != nil {
		return s.sendError(wire.CodeInvalidJSON, err.Error())
	}
	data, err := wire.DecodeBody(frame.Data, frame.DataEncoding)
	if err != nil {
		s.logger.Warn("dropping malformed tcp_data frame", "tcp_id", frame.TCPID, "error", err)
		return nil
	}
	s.cfg.TCP.Inbound(id.ID(frame.TCPID), data)
	return nil
}

func (s *Session) handleTCPClose(raw []byte) error {
	var frame wire.TCPClose
	if err := wire.Decode(raw, &frame); err != nil {
		return s.sendError(wire.CodeInvalidJSON, err.Error())
	}
	s.cfg.TCP.CloseFromClient(id.ID(frame.TCPID))
	return nil
}

func (s *Session) handleHeartbeat(raw []byte) error {
	var frame wire.Heartbeat
	if err := wire.Decode(raw, &frame); err != nil {
		return s.sendError(wire.CodeInvalidJSON, err.Error())
	}
	return s.send(wire.Heartbeat{Type: wire.TypeHeartbeat, Timestamp: time.Now().Unix()})
}

func (s *Session) sendError(code, message string) error {
	return s.send(wire.Error{Type: wire.TypeError, Code: code, Message: message})
}

// send serializes frame and writes it to the connection, guarded against
// concurrent writers (spec §5: "each tunnel session serializes its own
// WebSocket writes").
func (s *Session) send(frame interface{}) error {
	raw, err := wire.Encode(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// SendTCPConnect, SendTCPData, and SendTCPClose implement tcpmgr.Session,
// letting the TCP-listener manager notify this session's client without
// importing it.
func (s *Session) SendTCPConnect(tcpID, tunnelID id.ID) error {
	return s.send(wire.TCPConnect{Type: wire.TypeTCPConnect, TCPID: tcpID.String(), TCPTunnelID: tunnelID.String()})
}

func (s *Session) SendTCPData(tcpID id.ID, data []byte) error {
	return s.send(wire.TCPData{Type: wire.TypeTCPData, TCPID: tcpID.String(), Data: wire.EncodeBase64(data), DataEncoding: wire.EncodingBase64})
}

func (s *Session) SendTCPClose(tcpID id.ID) error {
	return s.send(wire.TCPClose{Type: wire.TypeTCPClose, TCPID: tcpID.String(), Reason: "local close"})
}

// SendTunnelRequest delivers a tunnel_request frame, used by the request
// forwarder to hand off a public HTTP request to this session's client.
func (s *Session) SendTunnelRequest(frame wire.TunnelRequest) error {
	return s.send(frame)
}

// SendWSUpgrade delivers a ws_upgrade frame, used by the request forwarder
// when a public request is a WebSocket upgrade.
func (s *Session) SendWSUpgrade(frame wire.WSUpgrade) error {
	return s.send(frame)
}

// SendWSFrame forwards a public-side WS frame to the tunnel client.
func (s *Session) SendWSFrame(frame wire.WSFrame) error {
	return s.send(frame)
}

// SendWSClose notifies the tunnel client that a WS proxy closed.
func (s *Session) SendWSClose(frame wire.WSClose) error {
	return s.send(frame)
}

// terminate runs the full disposal cascade exactly once (spec §4.8
// termination contract): unregister every HTTP tunnel, stop every TCP
// listener, cancel every pending request this session's tunnels own.
func (s *Session) terminate() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()

		if s.cfg.Directory != nil {
			s.cfg.Directory.unregister(s.id)
		}

		s.mu.Lock()
		tunnelIDs := make([]id.ID, 0, len(s.tunnels))
		for tid := range s.tunnels {
			tunnelIDs = append(tunnelIDs, tid)
		}
		s.mu.Unlock()

		ctx := context.Background()
		s.cfg.Registry.UnregisterSession(ctx, s.id)
		for _, tid := range tunnelIDs {
			s.cfg.Pending.CancelForTunnel(tid)
			s.cfg.TCP.UnregisterTunnel(tid)
		}
	})
}

var errAttestationExpired = errors.New("attestation expired or not yet valid")

// verifyAttestation checks the Ed25519 signature and clock-skew bounds
// described in spec §4.8.
func verifyAttestation(publicKey ed25519.PublicKey, a wire.Attestation) error {
	now := time.Now().Unix()
	age := now - a.Timestamp
	if age > int64(attestationMaxAge.Seconds()) || -age > int64(attestationSkew.Seconds()) {
		return errAttestationExpired
	}

	sig, err := hex.DecodeString(a.Signature)
	if err != nil {
		return errors.New("malformed signature")
	}

	message := fmt.Sprintf("burrow:register:%d:%s", a.Timestamp, a.RequestedSubdomain)
	if !ed25519.Verify(publicKey, []byte(message), sig) {
		return errors.New("invalid signature")
	}
	return nil
}
