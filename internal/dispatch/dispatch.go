// Package dispatch implements the hostname dispatcher (spec §4.9): on
// each inbound public request, route to the control surface or to the
// request forwarder depending on the Host header.
package dispatch

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/barkerja/burrow/internal/subdomain"
)

// ControlSurface serves health checks, auth UI, and the request inspector
// — external collaborators this core only routes to, never implements.
type ControlSurface interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Forwarder delivers a request addressed to a specific subdomain.
type Forwarder interface {
	ServeSubdomain(w http.ResponseWriter, r *http.Request, sub string)
}

// NewRouter builds the public listener's top-level route table: any host
// that is the base domain, "localhost", or an IP literal goes to control;
// everything else is treated as a tunnel subdomain.
func NewRouter(baseDomain string, control ControlSurface, fwd Forwarder) http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	r.MatcherFunc(func(req *http.Request, _ *mux.RouteMatch) bool {
		return isControlHost(req.Host, baseDomain)
	}).Handler(control)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sub, err := subdomain.ExtractFromHost(req.Host, baseDomain)
		if err != nil {
			control.ServeHTTP(w, req)
			return
		}
		fwd.ServeSubdomain(w, req, sub)
	})

	return r
}

func isControlHost(host, baseDomain string) bool {
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		h = host
	}
	h = strings.ToLower(h)

	if h == baseDomain || h == "localhost" {
		return true
	}
	return net.ParseIP(h) != nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("handled request", "host", r.Host, "path", r.URL.Path, "duration", time.Since(start))
	})
}
