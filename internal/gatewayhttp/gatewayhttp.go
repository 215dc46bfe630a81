// Package gatewayhttp wires Burrow's public listener(s): the
// TLS-terminating HTTPS server carrying both control-surface and
// subdomain traffic, a plaintext HTTP server that redirects every
// request to HTTPS (it does not answer ACME HTTP-01 challenges itself),
// and the graceful-shutdown shape the teacher's own main.go uses.
package gatewayhttp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Config configures the listeners gatewayhttp starts.
type Config struct {
	// ListenAddr is the TLS listener address, e.g. ":443".
	ListenAddr string
	// HTTPAddr is the plaintext listener address, e.g. ":80". Empty
	// disables the plaintext listener entirely.
	HTTPAddr string
	// TLSCertFile/TLSKeyFile, when both set, enable TLS on ListenAddr.
	// When empty, ListenAddr serves plaintext (useful behind an
	// externally terminated load balancer, or in development).
	TLSCertFile string
	TLSKeyFile  string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Gateway owns the public-facing HTTP/TLS servers.
type Gateway struct {
	cfg        Config
	logger     *slog.Logger
	mainServer *http.Server
	httpServer *http.Server
}

// New builds a Gateway serving handler (the dispatch router) on
// cfg.ListenAddr, optionally over TLS, plus a plaintext redirect
// server on cfg.HTTPAddr.
func New(cfg Config, handler http.Handler, logger *slog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{cfg: cfg, logger: logger}

	g.mainServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	if cfg.HTTPAddr != "" {
		g.httpServer = &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      http.HandlerFunc(g.serveHTTPFallback),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		}
	}

	return g
}

func (g *Gateway) tlsEnabled() bool {
	return g.cfg.TLSCertFile != "" && g.cfg.TLSKeyFile != ""
}

// serveHTTPFallback answers every request, ACME HTTP-01 challenge paths
// included, with a redirect to the HTTPS listener; when TLS is
// disabled it has nothing useful to redirect to and returns 404, the
// same contract a load-balancer-terminated deployment expects.
func (g *Gateway) serveHTTPFallback(w http.ResponseWriter, r *http.Request) {
	if !g.tlsEnabled() {
		http.NotFound(w, r)
		return
	}
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// Run starts all configured listeners and blocks until ctx is
// cancelled, then performs a graceful shutdown bounded by
// ShutdownTimeout. It returns the first listener error encountered,
// if any.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("public listener starting", "addr", g.cfg.ListenAddr, "tls", g.tlsEnabled())
		var err error
		if g.tlsEnabled() {
			err = g.mainServer.ListenAndServeTLS(g.cfg.TLSCertFile, g.cfg.TLSKeyFile)
		} else {
			err = g.mainServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("public listener error: %w", err)
		}
	}()

	if g.httpServer != nil {
		go func() {
			g.logger.Info("plaintext fallback listener starting", "addr", g.cfg.HTTPAddr)
			if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("plaintext listener error: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		g.logger.Info("shutdown requested")
	case err := <-errCh:
		g.logger.Error("listener error, shutting down", "error", err)
		g.shutdown()
		return err
	}

	g.shutdown()
	return nil
}

func (g *Gateway) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.ShutdownTimeout)
	defer cancel()

	if err := g.mainServer.Shutdown(shutdownCtx); err != nil {
		g.logger.Error("public listener shutdown error", "error", err)
	}
	if g.httpServer != nil {
		if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
			g.logger.Error("plaintext listener shutdown error", "error", err)
		}
	}
}

// MinTLSConfig returns a conservative tls.Config (TLS 1.2 minimum)
// for callers that need to customize the TLS listener beyond
// cert/key files, e.g. to set NextProtos for HTTP/2.
func MinTLSConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}
