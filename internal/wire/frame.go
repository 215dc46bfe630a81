// Package wire implements the framed JSON control protocol exchanged over
// the tunnel control WebSocket (spec §4.3, §6.2).
package wire

// Type identifies the kind of a control frame.
type Type string

const (
	TypeRegisterTunnel      Type = "register_tunnel"
	TypeTunnelRegistered    Type = "tunnel_registered"
	TypeTunnelRequest       Type = "tunnel_request"
	TypeTunnelResponse      Type = "tunnel_response"
	TypeWSUpgrade           Type = "ws_upgrade"
	TypeWSUpgraded          Type = "ws_upgraded"
	TypeWSFrame             Type = "ws_frame"
	TypeWSClose             Type = "ws_close"
	TypeRegisterTCPTunnel   Type = "register_tcp_tunnel"
	TypeTCPTunnelRegistered Type = "tcp_tunnel_registered"
	TypeTCPConnect          Type = "tcp_connect"
	TypeTCPConnected        Type = "tcp_connected"
	TypeTCPData             Type = "tcp_data"
	TypeTCPClose            Type = "tcp_close"
	TypeHeartbeat           Type = "heartbeat"
	TypeError               Type = "error"
)

// Encoding is the literal value carried in body_encoding/data_encoding
// fields when a payload is not raw UTF-8.
const EncodingBase64 = "base64"

// Header pair as transmitted on the wire: ["Name", "value"].
type HeaderPair [2]string

// Attestation proves control of a public key (spec §4.8).
type Attestation struct {
	PublicKey          string `json:"public_key"`
	Timestamp          int64  `json:"timestamp"`
	Signature          string `json:"signature"`
	RequestedSubdomain string `json:"requested_subdomain,omitempty"`
}

// RegisterTunnel is the C→S register_tunnel frame.
type RegisterTunnel struct {
	Type        Type        `json:"type"`
	Attestation Attestation `json:"attestation"`
	LocalHost   string      `json:"local_host"`
	LocalPort   int         `json:"local_port"`
}

// TunnelRegistered is the S→C success response.
type TunnelRegistered struct {
	Type      Type   `json:"type"`
	TunnelID  string `json:"tunnel_id"`
	Subdomain string `json:"subdomain"`
	FullURL   string `json:"full_url"`
}

// TunnelRequest delivers a public request to the client.
type TunnelRequest struct {
	Type         Type         `json:"type"`
	RequestID    string       `json:"request_id"`
	TunnelID     string       `json:"tunnel_id"`
	Method       string       `json:"method"`
	Path         string       `json:"path"`
	QueryString  string       `json:"query_string"`
	Headers      []HeaderPair `json:"headers"`
	Body         string       `json:"body"`
	BodyEncoding string       `json:"body_encoding,omitempty"`
	ClientIP     string       `json:"client_ip"`
}

// TunnelResponse completes a request.
type TunnelResponse struct {
	Type         Type         `json:"type"`
	RequestID    string       `json:"request_id"`
	Status       int          `json:"status"`
	Headers      []HeaderPair `json:"headers"`
	Body         string       `json:"body"`
	BodyEncoding string       `json:"body_encoding,omitempty"`
}

// WSUpgrade asks the client to open an upstream WebSocket.
type WSUpgrade struct {
	Type     Type         `json:"type"`
	WSID     string       `json:"ws_id"`
	TunnelID string       `json:"tunnel_id"`
	Path     string       `json:"path"`
	Headers  []HeaderPair `json:"headers"`
}

// WSUpgraded confirms the upstream WebSocket handshake succeeded.
type WSUpgraded struct {
	Type    Type         `json:"type"`
	WSID    string       `json:"ws_id"`
	Headers []HeaderPair `json:"headers"`
}

// Opcode identifies the kind of WebSocket frame carried by ws_frame.
type Opcode string

const (
	OpcodeText   Opcode = "text"
	OpcodeBinary Opcode = "binary"
	OpcodePing   Opcode = "ping"
	OpcodePong   Opcode = "pong"
	OpcodeClose  Opcode = "close"
)

// WSFrame forwards one WebSocket frame in either direction.
type WSFrame struct {
	Type         Type   `json:"type"`
	WSID         string `json:"ws_id"`
	Opcode       Opcode `json:"opcode"`
	Data         string `json:"data"`
	DataEncoding string `json:"data_encoding,omitempty"`
}

// WSClose closes a WS proxy in either direction.
type WSClose struct {
	Type   Type   `json:"type"`
	WSID   string `json:"ws_id"`
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// RegisterTCPTunnel asks for a TCP tunnel.
type RegisterTCPTunnel struct {
	Type      Type `json:"type"`
	LocalPort int  `json:"local_port"`
}

// TCPTunnelRegistered is the success response.
type TCPTunnelRegistered struct {
	Type        Type   `json:"type"`
	TCPTunnelID string `json:"tcp_tunnel_id"`
	ServerPort  int    `json:"server_port"`
	LocalPort   int    `json:"local_port"`
}

// TCPConnect announces a new public TCP connection.
type TCPConnect struct {
	Type        Type   `json:"type"`
	TCPID       string `json:"tcp_id"`
	TCPTunnelID string `json:"tcp_tunnel_id"`
}

// TCPConnected confirms the client opened the upstream TCP connection.
type TCPConnected struct {
	Type  Type   `json:"type"`
	TCPID string `json:"tcp_id"`
}

// TCPData forwards TCP bytes in either direction. DataEncoding is always
// "base64" per spec §6.2.
type TCPData struct {
	Type         Type   `json:"type"`
	TCPID        string `json:"tcp_id"`
	Data         string `json:"data"`
	DataEncoding string `json:"data_encoding"`
}

// TCPClose closes a TCP proxy in either direction.
type TCPClose struct {
	Type   Type   `json:"type"`
	TCPID  string `json:"tcp_id"`
	Reason string `json:"reason"`
}

// Heartbeat is the bidirectional keepalive frame.
type Heartbeat struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

// Error is an out-of-band control-channel error notification.
type Error struct {
	Type    Type   `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error taxonomy codes (spec §7).
const (
	CodeInvalidJSON        = "invalid_json"
	CodeUnsupportedFormat  = "unsupported_format"
	CodeUnknownMessage     = "unknown_message"
	CodeMissingAttestation = "missing_attestation"
	CodeInvalidSignature   = "invalid_signature"
	CodeAttestationExpired = "attestation_expired"
	CodeSubdomainTaken     = "subdomain_taken"
	CodeNoPortsAvailable   = "no_ports_available"
	CodeRegistrationFailed = "registration_failed"
	CodeTimeout            = "timeout"
	CodeBodyTooLarge       = "body_too_large"
	CodeBadGateway         = "bad_gateway"
)
