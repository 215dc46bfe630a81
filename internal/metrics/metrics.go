// Package metrics exports Prometheus gauges that mirror the count()
// and cluster_count() operations spec §7 describes for the tunnel
// registry, the pending-request table, the WS-proxy registry, and the
// TCP listener manager.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/barkerja/burrow/internal/pending"
	"github.com/barkerja/burrow/internal/registry"
	"github.com/barkerja/burrow/internal/tcpmgr"
	"github.com/barkerja/burrow/internal/wsproxy"
)

const namespace = "burrow"

// Collectors groups the dependencies metrics.Handler polls on every
// scrape. Any of them may be nil, in which case the corresponding
// gauges stay at zero.
type Collectors struct {
	Registry  *registry.Registry
	Pending   *pending.Table
	WSProxies *wsproxy.Registry
	TCP       *tcpmgr.Manager
}

// Metrics holds the gauges it registers in its own registry and
// refreshes before each scrape.
type Metrics struct {
	reg *prometheus.Registry
	c   Collectors

	tunnelsLocal   prometheus.Gauge
	tunnelsCluster prometheus.Gauge
	pendingTotal   prometheus.Gauge
	wsPending      prometheus.Gauge
	wsActive       prometheus.Gauge
	tcpConns       prometheus.Gauge
	tcpListeners   prometheus.Gauge
}

// New builds a Metrics collector wired to c and registers its gauges
// into a dedicated prometheus.Registry (rather than the global
// default registerer, so multiple Burrow instances in the same
// process never collide).
func New(c Collectors) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		c:   c,
		tunnelsLocal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_local",
			Help:      "Number of tunnels registered on this node.",
		}),
		tunnelsCluster: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_cluster",
			Help:      "Number of tunnels registered across the cluster, as seen from this node.",
		}),
		pendingTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Number of tunnel_request frames awaiting a tunnel_response.",
		}),
		wsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_upgrades_pending",
			Help:      "Number of WebSocket upgrades awaiting ws_upgraded from the tunnel client.",
		}),
		wsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_proxies_active",
			Help:      "Number of active public-to-tunnel WebSocket proxies.",
		}),
		tcpConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_connections",
			Help:      "Number of active raw TCP tunnel connections.",
		}),
		tcpListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_listeners",
			Help:      "Number of bound TCP tunnel listeners.",
		}),
	}

	m.reg.MustRegister(
		m.tunnelsLocal,
		m.tunnelsCluster,
		m.pendingTotal,
		m.wsPending,
		m.wsActive,
		m.tcpConns,
		m.tcpListeners,
	)
	return m
}

// refresh polls every wired collector and updates the gauges. Called
// on every scrape so values are never more than one request stale.
func (m *Metrics) refresh(ctx context.Context) {
	if m.c.Registry != nil {
		m.tunnelsLocal.Set(float64(m.c.Registry.Count()))
		m.tunnelsCluster.Set(float64(m.c.Registry.ClusterCount(ctx)))
	}
	if m.c.Pending != nil {
		m.pendingTotal.Set(float64(m.c.Pending.Count()))
	}
	if m.c.WSProxies != nil {
		m.wsPending.Set(float64(m.c.WSProxies.PendingCount()))
		m.wsActive.Set(float64(m.c.WSProxies.ActiveCount()))
	}
	if m.c.TCP != nil {
		m.tcpConns.Set(float64(m.c.TCP.ConnCount()))
		m.tcpListeners.Set(float64(m.c.TCP.ListenerCount()))
	}
}

// Handler returns the HTTP handler burrowd's control surface serves at
// /metrics. It
// refreshes the gauges from live collector state on every scrape
// rather than on a background ticker, so a slow or idle deployment
// still reports accurate counts.
func (m *Metrics) Handler() http.Handler {
	inner := promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.refresh(r.Context())
		inner.ServeHTTP(w, r)
	})
}
