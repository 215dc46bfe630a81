package main

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/barkerja/burrow/internal/clusternode"
	"github.com/barkerja/burrow/internal/metrics"
	"github.com/barkerja/burrow/internal/registry"
	"github.com/barkerja/burrow/internal/session"
)

// controlSurface implements dispatch.ControlSurface: the non-tunnel
// traffic a request to the base domain, localhost, or an IP literal
// can carry (spec §4.9) — tunnel client registration, health checks,
// and metrics. The auth UI and request-inspector spec.md mentions as
// external collaborators are out of scope.
type controlSurface struct {
	sessionCfg session.Config
	registry   *registry.Registry
	metrics    *metrics.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

func newControlSurface(sessionCfg session.Config, reg *registry.Registry, m *metrics.Metrics, logger *slog.Logger) *controlSurface {
	return &controlSurface{
		sessionCfg: sessionCfg,
		registry:   reg,
		metrics:    m,
		logger:     logger,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

func (c *controlSurface) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/connect":
		c.serveConnect(w, r)
	case "/healthz":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	case "/metrics":
		if c.metrics != nil {
			c.metrics.Handler().ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
	default:
		if c.maybeServePeerLookup(w, r) {
			return
		}
		http.NotFound(w, r)
	}
}

// serveConnect upgrades a tunnel client's control connection and runs
// its session until the socket closes.
func (c *controlSurface) serveConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("control upgrade failed", "error", err)
		return
	}
	sess := session.New(conn, c.sessionCfg)
	sess.Run(r.Context())
}

// maybeServePeerLookup answers internal cluster lookups (spec §9) at
// /internal/tunnels/{subdomain} for peer nodes fetching this node's
// local tunnel info. It is mounted on the same control surface for
// simplicity; a production deployment would put it behind an
// internal-only listener.
func (c *controlSurface) maybeServePeerLookup(w http.ResponseWriter, r *http.Request) bool {
	const prefix = "/internal/tunnels/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		return false
	}
	clusternode.NewPeerHandler(c.registry).ServeHTTP(w, r)
	return true
}
