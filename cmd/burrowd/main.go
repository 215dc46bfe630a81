// Command burrowd is the Burrow gateway process: it terminates public
// HTTPS/WebSocket/TCP traffic, dispatches it to the owning tunnel
// client over a control WebSocket, and can run either as a foreground
// process or as an OS service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/barkerja/burrow/internal/clusternode"
	"github.com/barkerja/burrow/internal/config"
	"github.com/barkerja/burrow/internal/dispatch"
	"github.com/barkerja/burrow/internal/forwarder"
	"github.com/barkerja/burrow/internal/gatewayhttp"
	"github.com/barkerja/burrow/internal/metrics"
	"github.com/barkerja/burrow/internal/pending"
	"github.com/barkerja/burrow/internal/registry"
	"github.com/barkerja/burrow/internal/session"
	"github.com/barkerja/burrow/internal/tcpmgr"
	"github.com/barkerja/burrow/internal/wsproxy"
)

// version is injected at build time via -ldflags.
var version = "devel"

const (
	serviceName        = "burrowd"
	serviceDisplayName = "Burrow Gateway"
	serviceDescription = "Reverse tunneling gateway: public listener, tunnel registry, and request dispatch"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "burrowd",
		Short:         "Burrow reverse tunneling gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default "+config.DefaultConfigPath+")")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newServiceCmd(&configPath))

	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	level := newLogLevelFlag()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = level.String()
			}
			initLogger(cfg.LogLevel)
			return runGateway(cmd.Context(), cfg)
		},
	}
	cmd.Flags().Var(level, "log-level", "override the configured log level (debug, info, warn, error)")
	return cmd
}

// logLevelFlag is a pflag.Value restricting --log-level to the levels
// initLogger understands, rather than accepting and silently defaulting
// on any typo.
type logLevelFlag struct{ value string }

func newLogLevelFlag() *logLevelFlag { return &logLevelFlag{value: "info"} }

func (f *logLevelFlag) String() string { return f.value }
func (f *logLevelFlag) Type() string   { return "string" }
func (f *logLevelFlag) Set(s string) error {
	switch s {
	case "debug", "info", "warn", "error":
		f.value = s
		return nil
	default:
		return fmt.Errorf("invalid log level %q (want debug, info, warn, or error)", s)
	}
}

var _ pflag.Value = (*logLevelFlag)(nil)

// newServiceCmd wires kardianos/service lifecycle management, mirroring
// the teacher's host-agent install/uninstall/run split.
func newServiceCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install, uninstall, or run burrowd as an OS service",
	}

	newSvc := func() (service.Service, *gatewayService, error) {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading config: %w", err)
		}
		initLogger(cfg.LogLevel)

		gs := &gatewayService{cfg: cfg}
		svcCfg := &service.Config{
			Name:        serviceName,
			DisplayName: serviceDisplayName,
			Description: serviceDescription,
		}
		svc, err := service.New(gs, svcCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("constructing service: %w", err)
		}
		return svc, gs, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install burrowd as an OS service",
		RunE: func(*cobra.Command, []string) error {
			svc, _, err := newSvc()
			if err != nil {
				return err
			}
			return svc.Install()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the burrowd OS service",
		RunE: func(*cobra.Command, []string) error {
			svc, _, err := newSvc()
			if err != nil {
				return err
			}
			return svc.Uninstall()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run under the OS service manager",
		RunE: func(*cobra.Command, []string) error {
			svc, _, err := newSvc()
			if err != nil {
				return err
			}
			return svc.Run()
		},
	})

	return cmd
}

// gatewayService adapts runGateway to kardianos/service.Interface.
type gatewayService struct {
	cfg    *config.Config
	cancel context.CancelFunc
}

func (g *gatewayService) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go func() {
		if err := runGateway(ctx, g.cfg); err != nil {
			slog.Error("gateway exited with error", "error", err)
		}
	}()
	return nil
}

func (g *gatewayService) Stop(s service.Service) error {
	if g.cancel != nil {
		g.cancel()
	}
	return nil
}

// runGateway assembles every component in dependency order and blocks
// until ctx is cancelled, then tears them down in reverse order,
// aggregating any shutdown errors.
func runGateway(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()
	logger.Info("starting burrowd", "base_domain", cfg.BaseDomain, "listener_port", cfg.ListenerPort)

	var clusterOpt registry.Option
	var redisDir *clusternode.RedisDirectory
	if cfg.RedisAddr != "" {
		redisDir = clusternode.NewRedisDirectory(cfg.RedisAddr)
		if err := redisDir.Ping(ctx); err != nil {
			return fmt.Errorf("connecting to cluster redis: %w", err)
		}
		resolver := staticPeerResolver(cfg)
		nodeClient := clusternode.NewHTTPNodeClient(resolver, 5*time.Second)
		clusterOpt = registry.WithCluster(cfg.NodeID, redisDir, nodeClient)
		logger.Info("cluster mode enabled", "node_id", cfg.NodeID, "redis_addr", cfg.RedisAddr)
	}

	var regOpts []registry.Option
	if clusterOpt != nil {
		regOpts = append(regOpts, clusterOpt)
	}
	reg := registry.New(regOpts...)
	pendingTbl := pending.New()
	wsProxies := wsproxy.New(cfg.WSBufferTTL)
	tcp := tcpmgr.New(tcpmgr.PortRange{Min: cfg.TCPPortRange.Low, Max: cfg.TCPPortRange.High}, logger)
	sessions := session.NewDirectory()

	sessionCfg := session.Config{
		Registry:        reg,
		Pending:         pendingTbl,
		WSProxies:       wsProxies,
		TCP:             tcp,
		BaseDomain:      cfg.BaseDomain,
		ReservationGate: session.AlwaysAllow,
		Logger:          logger,
		Directory:       sessions,
		PingInterval:    cfg.HeartbeatInterval,
	}

	m := metrics.New(metrics.Collectors{Registry: reg, Pending: pendingTbl, WSProxies: wsProxies, TCP: tcp})

	control := newControlSurface(sessionCfg, reg, m, logger)
	fwd := forwarder.New(reg, pendingTbl, wsProxies, sessions, forwarder.Config{
		RequestTimeout:   cfg.RequestTimeout,
		WSUpgradeTimeout: cfg.WSUpgradeTimeout,
		MaxRequestBody:   cfg.MaxRequestBody,
	}, logger)

	router := dispatch.NewRouter(cfg.BaseDomain, control, fwd)

	gw := gatewayhttp.New(gatewayhttp.Config{
		ListenAddr:  fmt.Sprintf(":%d", cfg.ListenerPort),
		HTTPAddr:    fmt.Sprintf(":%d", cfg.HTTPListenerPort),
		TLSCertFile: cfg.TLSCertFile,
		TLSKeyFile:  cfg.TLSKeyFile,
	}, router, logger)

	err := gw.Run(ctx)

	logger.Info("shutting down gateway components")
	tcp.Close()
	reg.Close()
	if redisDir != nil {
		err = multierr.Append(err, redisDir.Close())
	}

	logger.Info("burrowd shut down cleanly")
	return err
}

// staticPeerResolver builds a PeerResolver from config. Burrow's
// expanded spec does not define a full service-discovery mechanism for
// cluster peers; operators are expected to run cluster members behind
// stable internal DNS names reachable as https://<node-id>.internal.
func staticPeerResolver(cfg *config.Config) clusternode.PeerResolver {
	return func(nodeID string) (string, bool) {
		if nodeID == "" {
			return "", false
		}
		return fmt.Sprintf("https://%s.internal", nodeID), true
	}
}

func initLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
