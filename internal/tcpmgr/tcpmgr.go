// Package tcpmgr implements the TCP-listener manager (spec §4.7): one
// listener per registered TCP tunnel, a connection-proxy per accepted
// socket, and bidirectional byte forwarding framed as tcp_data control
// messages to the owning tunnel session.
package tcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sourcegraph/conc"

	"github.com/barkerja/burrow/internal/id"
)

// ErrNoPortsAvailable is returned by RegisterTunnel when every port in the
// configured range is already bound.
var ErrNoPortsAvailable = errors.New("tcpmgr: no ports available in configured range")

// Session is the subset of tunnel-session behaviour a Manager needs in
// order to notify the tunnel client of connection lifecycle events.
type Session interface {
	SendTCPConnect(tcpID, tunnelID id.ID) error
	SendTCPData(tcpID id.ID, data []byte) error
	SendTCPClose(tcpID id.ID) error
}

// PortRange bounds the ports a Manager may bind tunnel listeners on.
type PortRange struct {
	Min int
	Max int
}

// Manager owns every TCP listener opened on behalf of tunnel sessions.
type Manager struct {
	portRange PortRange
	logger    *slog.Logger
	readLoops conc.WaitGroup // tracks in-flight connection read loops for Close

	mu        sync.Mutex
	listeners map[id.ID]*tunnelListener // by tunnelID
	conns     map[id.ID]*connProxy      // by tcpID
}

type tunnelListener struct {
	tunnelID   id.ID
	serverPort int
	ln         net.Listener
	session    Session
	cancel     context.CancelFunc
}

type connProxy struct {
	tcpID   id.ID
	conn    net.Conn
	session Session
	once    sync.Once
}

// New creates a Manager bound to the given bindable port range.
func New(portRange PortRange, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		portRange: portRange,
		logger:    logger.With("component", "tcpmgr"),
		listeners: make(map[id.ID]*tunnelListener),
		conns:     make(map[id.ID]*connProxy),
	}
}

// RegisterTunnel binds the first available port in the configured range
// and starts an accept loop, returning the bound port to hand back to the
// tunnel client in tcp_tunnel_registered.
func (m *Manager) RegisterTunnel(tunnelID id.ID, session Session) (int, error) {
	ln, port, err := m.bindFirstAvailable()
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	tl := &tunnelListener{tunnelID: tunnelID, serverPort: port, ln: ln, session: session, cancel: cancel}

	m.mu.Lock()
	m.listeners[tunnelID] = tl
	m.mu.Unlock()

	go m.acceptLoop(ctx, tl)
	return port, nil
}

func (m *Manager) bindFirstAvailable() (net.Listener, int, error) {
	for port := m.portRange.Min; port <= m.portRange.Max; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, ErrNoPortsAvailable
}

// acceptLoop accepts connections until ctx is cancelled, applying jittered
// backoff on transient accept errors so a flaky NIC doesn't spin the loop.
func (m *Manager) acceptLoop(ctx context.Context, tl *tunnelListener) {
	defer tl.ln.Close()

	retry := &backoff.Backoff{Min: 10 * time.Millisecond, Max: 2 * time.Second, Factor: 2}

	for {
		conn, err := tl.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				time.Sleep(retry.Duration())
				continue
			}
			m.logger.Error("accept failed, stopping listener", "tunnel_id", tl.tunnelID, "error", err)
			return
		}
		retry.Reset()

		tcpID := id.New()
		cp := &connProxy{tcpID: tcpID, conn: conn, session: tl.session}

		m.mu.Lock()
		m.conns[tcpID] = cp
		m.mu.Unlock()

		if err := tl.session.SendTCPConnect(tcpID, tl.tunnelID); err != nil {
			m.logger.Warn("failed to announce tcp_connect, dropping socket", "tcp_id", tcpID, "error", err)
			m.removeConn(tcpID)
			conn.Close()
			continue
		}
	}
}

// Activate begins the connection's read path: bytes read from the local
// socket are forwarded to the tunnel client as tcp_data frames. The read
// path stays idle until the client acknowledges with tcp_connected.
func (m *Manager) Activate(tcpID id.ID) {
	m.mu.Lock()
	cp, ok := m.conns[tcpID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.readLoops.Go(func() { m.readLoop(cp) })
}

// Close waits for every in-flight read loop to observe its socket closing.
// Callers unregister tunnels first so accept loops stop producing new
// connections before Close blocks.
func (m *Manager) Close() {
	m.readLoops.Wait()
}

func (m *Manager) readLoop(cp *connProxy) {
	buf := make([]byte, 32*1024)
	for {
		n, err := cp.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := cp.session.SendTCPData(cp.tcpID, chunk); sendErr != nil {
				m.teardown(cp, true)
				return
			}
		}
		if err != nil {
			m.teardown(cp, true)
			return
		}
	}
}

// Inbound writes data arriving from the tunnel client to the local socket.
// A write failure tears the proxy down and notifies the client, with no
// buffering of unacked bytes (spec §4.7 backpressure rule).
func (m *Manager) Inbound(tcpID id.ID, data []byte) {
	m.mu.Lock()
	cp, ok := m.conns[tcpID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if _, err := cp.conn.Write(data); err != nil {
		m.teardown(cp, true)
	}
}

// CloseFromClient handles a tcp_close frame initiated by the tunnel
// client: the socket is closed without echoing tcp_close back.
func (m *Manager) CloseFromClient(tcpID id.ID) {
	m.mu.Lock()
	cp, ok := m.conns[tcpID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.teardown(cp, false)
}

func (m *Manager) teardown(cp *connProxy, notifyClient bool) {
	cp.once.Do(func() {
		cp.conn.Close()
		m.removeConn(cp.tcpID)
		if notifyClient {
			_ = cp.session.SendTCPClose(cp.tcpID)
		}
	})
}

func (m *Manager) removeConn(tcpID id.ID) {
	m.mu.Lock()
	delete(m.conns, tcpID)
	m.mu.Unlock()
}

// UnregisterTunnel stops tunnelID's listener and tears down every
// connection proxy opened through it. Closing the listener is what
// actually unblocks acceptLoop's blocking Accept call; cancel alone
// would leave the goroutine (and the bound port) stuck until the next
// inbound connection.
func (m *Manager) UnregisterTunnel(tunnelID id.ID) {
	m.mu.Lock()
	tl, ok := m.listeners[tunnelID]
	delete(m.listeners, tunnelID)
	m.mu.Unlock()
	if !ok {
		return
	}
	tl.cancel()
	tl.ln.Close()
}

// ConnCount exists for metrics wiring.
func (m *Manager) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// ListenerCount exists for metrics wiring.
func (m *Manager) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}
