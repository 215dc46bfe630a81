// Package forwarder implements the request forwarder (spec §4.10) and the
// public-side WebSocket proxy (spec §4.11): given a public HTTP request
// and a resolved tunnel, deliver the downstream response (or a styled
// error page) on the same public socket.
package forwarder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/barkerja/burrow/internal/id"
	"github.com/barkerja/burrow/internal/pending"
	"github.com/barkerja/burrow/internal/registry"
	"github.com/barkerja/burrow/internal/session"
	"github.com/barkerja/burrow/internal/wire"
	"github.com/barkerja/burrow/internal/wsproxy"
)

// Config tunes the forwarder's timeouts and body-size cap (spec §6.3).
type Config struct {
	RequestTimeout   time.Duration // default 30s
	WSUpgradeTimeout time.Duration // default 10s
	MaxRequestBody   int64         // default 10 MiB
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.WSUpgradeTimeout <= 0 {
		c.WSUpgradeTimeout = 10 * time.Second
	}
	if c.MaxRequestBody <= 0 {
		c.MaxRequestBody = 10 << 20
	}
	return c
}

// Forwarder routes a resolved subdomain's requests to its tunnel session.
type Forwarder struct {
	registry  *registry.Registry
	pending   *pending.Table
	wsProxies *wsproxy.Registry
	sessions  *session.Directory
	cfg       Config
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// New creates a request forwarder wired to the shared process registries.
func New(reg *registry.Registry, pendingTbl *pending.Table, wsProxies *wsproxy.Registry, sessions *session.Directory, cfg Config, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		registry:  reg,
		pending:   pendingTbl,
		wsProxies: wsProxies,
		sessions:  sessions,
		cfg:       cfg.withDefaults(),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:    logger.With("component", "forwarder"),
	}
}

// ServeSubdomain implements dispatch.Forwarder.
func (f *Forwarder) ServeSubdomain(w http.ResponseWriter, r *http.Request, sub string) {
	info, err := f.registry.Lookup(r.Context(), sub)
	if err != nil {
		renderErrorPage(w, http.StatusNotFound, "No tunnel is listening on this address.")
		return
	}

	sess, ok := f.sessions.Get(info.SessionID)
	if !ok {
		renderErrorPage(w, http.StatusNotFound, "The tunnel's client has disconnected.")
		return
	}

	if isWebSocketUpgrade(r) {
		f.serveWebSocket(w, r, info, sess)
		return
	}
	f.serveHTTP(w, r, info, sess)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (f *Forwarder) serveHTTP(w http.ResponseWriter, r *http.Request, info registry.TunnelInfo, sess *session.Session) {
	body, err := io.ReadAll(io.LimitReader(r.Body, f.cfg.MaxRequestBody+1))
	if err != nil {
		renderErrorPage(w, http.StatusBadGateway, "Failed to read the request body.")
		return
	}
	if int64(len(body)) > f.cfg.MaxRequestBody {
		renderErrorPage(w, http.StatusRequestEntityTooLarge, "Request body exceeds the allowed size.")
		return
	}

	requestID := id.New()
	encodedBody, bodyEncoding := wire.EncodeBody(body)

	// r.Context() is passed as-is so pending.Table's own timer is the sole
	// timeout authority; wrapping it in a second same-duration
	// context.WithTimeout here would race the two timers and make the
	// 502-vs-504 outcome nondeterministic.
	resultCh := f.pending.Register(r.Context(), requestID, info.TunnelID, f.cfg.RequestTimeout)

	frame := wire.TunnelRequest{
		Type:         wire.TypeTunnelRequest,
		RequestID:    requestID.String(),
		TunnelID:     info.TunnelID.String(),
		Method:       r.Method,
		Path:         r.URL.Path,
		QueryString:  r.URL.RawQuery,
		Headers:      headerPairs(r.Header),
		Body:         encodedBody,
		BodyEncoding: bodyEncoding,
		ClientIP:     clientIP(r),
	}
	if err := sess.SendTunnelRequest(frame); err != nil {
		f.pending.Cancel(requestID)
		renderErrorPage(w, http.StatusBadGateway, "Failed to reach the tunnel client.")
		return
	}

	resolution := <-resultCh
	if resolution.Err != nil {
		if errors.Is(resolution.Err, pending.ErrTimeout) {
			renderErrorPage(w, http.StatusGatewayTimeout, "The tunnel client did not respond in time.")
			return
		}
		renderErrorPage(w, http.StatusBadGateway, "The tunnel client disconnected before responding.")
		return
	}

	resp, ok := resolution.Response.(wire.TunnelResponse)
	if !ok {
		renderErrorPage(w, http.StatusBadGateway, "The tunnel client sent a malformed response.")
		return
	}

	respBody, err := wire.DecodeBody(resp.Body, resp.BodyEncoding)
	if err != nil {
		renderErrorPage(w, http.StatusBadGateway, "The tunnel client's response body was malformed.")
		return
	}

	if reason, ok := tunnelErrorReason(resp.Status, respBody); ok {
		renderErrorPage(w, resp.Status, reason)
		return
	}

	for _, h := range resp.Headers {
		if isHopByHop(h[0]) {
			continue
		}
		w.Header().Add(h[0], h[1])
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(respBody)
}

// tunnelErrorReason recognizes the server's own upstream-failure string
// convention so it can be replaced with the styled error page instead of
// being relayed to the public client verbatim.
func tunnelErrorReason(status int, body []byte) (string, bool) {
	if status != http.StatusBadGateway && status != http.StatusGatewayTimeout {
		return "", false
	}
	text := string(body)
	switch {
	case strings.HasPrefix(text, "Bad Gateway:"):
		return strings.TrimSpace(strings.TrimPrefix(text, "Bad Gateway:")), true
	case strings.HasPrefix(text, "Gateway Timeout:"):
		return strings.TrimSpace(strings.TrimPrefix(text, "Gateway Timeout:")), true
	default:
		return "", false
	}
}

func (f *Forwarder) serveWebSocket(w http.ResponseWriter, r *http.Request, info registry.TunnelInfo, sess *session.Session) {
	wsID := id.New()
	resultCh := f.wsProxies.BeginUpgrade(wsID)

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	if err := sess.SendWSUpgrade(wire.WSUpgrade{
		Type:     wire.TypeWSUpgrade,
		WSID:     wsID.String(),
		TunnelID: info.TunnelID.String(),
		Path:     path,
		Headers:  headerPairs(r.Header),
	}); err != nil {
		f.wsProxies.CompletePending(wsID, wsproxy.UpgradeOutcome{})
		renderErrorPage(w, http.StatusBadGateway, "Failed to reach the tunnel client.")
		return
	}

	var outcome wsproxy.UpgradeOutcome
	select {
	case outcome = <-resultCh:
	case <-time.After(f.cfg.WSUpgradeTimeout):
		f.wsProxies.CompletePending(wsID, wsproxy.UpgradeOutcome{})
		renderErrorPage(w, http.StatusGatewayTimeout, "The tunnel client did not complete the WebSocket handshake in time.")
		return
	}

	if !outcome.OK {
		renderErrorPage(w, http.StatusBadGateway, "The tunnel client refused the WebSocket upgrade.")
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, upgradeResponseHeaders(outcome.Headers))
	if err != nil {
		f.logger.Warn("public-side websocket upgrade failed", "ws_id", wsID, "error", err)
		return
	}

	proxy := newPublicProxy(wsID, conn, sess, f.logger)
	f.wsProxies.Attach(wsID, proxy)
	proxy.pumpInbound(f.wsProxies)
}

func upgradeResponseHeaders(pairs [][2]string) http.Header {
	h := http.Header{}
	for _, p := range pairs {
		h.Add(p[0], p[1])
	}
	return h
}

func headerPairs(h http.Header) []wire.HeaderPair {
	pairs := make([]wire.HeaderPair, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			pairs = append(pairs, wire.HeaderPair{name, v})
		}
	}
	return pairs
}

var hopByHop = map[string]struct{}{
	"content-length":    {},
	"transfer-encoding": {},
	"connection":        {},
	"keep-alive":        {},
	"upgrade":           {},
}

func isHopByHop(name string) bool {
	_, ok := hopByHop[strings.ToLower(name)]
	return ok
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
	}
	return r.RemoteAddr
}

const errorPageTemplate = `<!DOCTYPE html>
<html><head><title>%d %s</title></head>
<body style="font-family:sans-serif;text-align:center;padding:4rem">
<h1>%d %s</h1>
<p>%s</p>
<hr><p><small>burrow</small></p>
</body></html>`

func renderErrorPage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, errorPageTemplate, status, http.StatusText(status), status, http.StatusText(status), message)
}
