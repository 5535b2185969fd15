// Command ocxrun is the sandbox runner's entrypoint: it loads
// configuration, wires the control-plane client, sandbox factory,
// intercepting proxy, and realtime subscription, and runs the
// dispatcher loop until a termination signal drains it to a stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ocx/sandboxrunner/internal/config"
	"github.com/ocx/sandboxrunner/internal/controlplane"
	"github.com/ocx/sandboxrunner/internal/dispatcher"
	"github.com/ocx/sandboxrunner/internal/executor"
	"github.com/ocx/sandboxrunner/internal/metrics"
	"github.com/ocx/sandboxrunner/internal/netnspool"
	"github.com/ocx/sandboxrunner/internal/overlaypool"
	"github.com/ocx/sandboxrunner/internal/proxy"
	"github.com/ocx/sandboxrunner/internal/realtime"
	"github.com/ocx/sandboxrunner/internal/runnerstatus"
	"github.com/ocx/sandboxrunner/internal/sandbox"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ocxrun",
		Short:         "Runs sandboxed agent jobs claimed from the OCX control plane",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       version,
	}

	root.AddCommand(newStartCmd())
	return root
}

func newStartCmd() *cobra.Command {
	var (
		configPath  string
		apiURL      string
		token       string
		group       string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the runner dispatcher loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configPath, apiURL, token, group, metricsAddr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to config.yaml (default: $CONFIG_PATH or ./config.yaml)")
	flags.StringVar(&apiURL, "api-url", "", "control plane API URL (overrides config and OCX_API_URL)")
	flags.StringVar(&token, "token", "", "runner-group API token (overrides config and OCX_API_TOKEN)")
	flags.StringVar(&group, "group", "", "runner group name (overrides config and OCX_RUNNER_GROUP)")
	flags.StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	return cmd
}

// runStart wires every component per the loaded config and blocks until
// the dispatcher drains to a stop.
func runStart(configPath, apiURL, token, group, metricsAddr string) error {
	// CLI flags win over environment, which config.Get() already applies
	// over the file; setting env here before Get() preserves that order.
	if configPath != "" {
		os.Setenv("CONFIG_PATH", configPath)
	}
	if apiURL != "" {
		os.Setenv("OCX_API_URL", apiURL)
	}
	if token != "" {
		os.Setenv("OCX_API_TOKEN", token)
	}
	if group != "" {
		os.Setenv("OCX_RUNNER_GROUP", group)
	}

	cfg := config.Get()
	if cfg.ControlPlane.APIURL == "" || cfg.ControlPlane.Token == "" {
		return fmt.Errorf("ocxrun: control plane api-url and token are required (flag, env, or config file)")
	}

	log := slogLogger{}
	ctx := context.Background()

	api := controlplane.NewClient(cfg.ControlPlane.APIURL, cfg.ControlPlane.Token)

	var overlayCreator overlaypool.Creator = overlaypool.Ext4Creator{}
	if cfg.Runner.IsSnapshot {
		overlayCreator = overlaypool.SnapshotCopyCreator{Source: cfg.Hypervisor.RootfsPath}
	}

	factory, err := sandbox.NewFactory(ctx, sandbox.FactoryConfig{
		HostConfig: sandbox.HostConfig{
			BinaryPath: cfg.Hypervisor.BinaryPath,
			KernelPath: cfg.Hypervisor.KernelPath,
			RootfsPath: cfg.Hypervisor.RootfsPath,
			Username:   cfg.Hypervisor.Username,
			Log:        log,
		},
		BaseDir:  cfg.Runner.BaseDir,
		PoolSize: cfg.Pools.Size,
		NetnsPool: netnspool.Config{
			ProxyPort:   cfg.Pools.Netns.ProxyPort,
			LockDir:     cfg.Pools.Netns.LockDir,
			IndexPrefix: cfg.Pools.Netns.IndexPrefix,
		},
		OverlayReplenish: cfg.Pools.Overlay.ReplenishThreshold,
		OverlayCreator:   overlayCreator,
	})
	if err != nil {
		return fmt.Errorf("ocxrun: create sandbox factory: %w", err)
	}

	m := metrics.New()

	var proxySupervisor dispatcher.ProxySupervisor
	var registry executor.ProxyRegistry
	if cfg.Proxy.Enabled {
		var redisMirror *proxy.RedisMirror
		if cfg.Proxy.RedisAddr != "" {
			redisMirror = proxy.NewRedisMirror(cfg.Proxy.RedisAddr, "", 0)
		}

		p, err := proxy.New(proxy.Config{
			MitmdumpBin:  cfg.Proxy.MitmdumpBin,
			CADir:        cfg.Proxy.CADir,
			AddonPath:    cfg.Proxy.AddonPath,
			RegistryPath: cfg.Proxy.RegistryPath,
			APIURL:       cfg.ControlPlane.APIURL,
			Redis:        redisMirror,
			Log:          log,
		})
		if err != nil {
			return fmt.Errorf("ocxrun: create proxy: %w", err)
		}
		proxySupervisor = p
		registry = p
	}

	var rtConfig *realtime.Config
	if cfg.Realtime.Host != "" {
		rtConfig = &realtime.Config{
			Host:          cfg.Realtime.Host,
			RestHost:      cfg.Realtime.RestHost,
			Channel:       cfg.Realtime.Channel,
			ChannelParams: cfg.Realtime.ChannelParams,
			GetToken: func(ctx context.Context) (realtime.TokenRequest, error) {
				return api.RealtimeToken(ctx, cfg.Runner.Group)
			},
			Timing: realtime.DefaultTiming(),
		}
	}

	status := runnerstatus.New(cfg.Status.Path)

	d := dispatcher.New(dispatcher.Config{
		Group:         cfg.Runner.Group,
		MaxConcurrent: cfg.Runner.MaxConcurrent,
		API:           api,
		Factory:       factory,
		ExecConf: executor.Config{
			APIURL:     cfg.ControlPlane.APIURL,
			VCPU:       cfg.Runner.VCPU,
			MemoryMB:   cfg.Runner.MemoryMB,
			IsSnapshot: cfg.Runner.IsSnapshot,
			Registry:   registry,
			Log:        log,
		},
		Status:   status,
		Realtime: rtConfig,
		Proxy:    proxySupervisor,
		Metrics:  m,
		Log:      log,
	})

	metricsDone := serveMetrics(metricsAddr, m, log)
	poolGaugeDone := reportPoolGauges(ctx, m, factory)
	defer close(poolGaugeDone)

	runErr := d.Run(ctx)

	factory.Shutdown(ctx)
	if metricsDone != nil {
		_ = metricsDone.Shutdown(ctx)
	}
	return runErr
}

// reportPoolGauges periodically syncs pool-occupancy gauges from
// factory until the returned channel is closed.
func reportPoolGauges(ctx context.Context, m *metrics.Metrics, factory *sandbox.Factory) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.SetPoolGauges(factory)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return stop
}

// serveMetrics starts the /metrics endpoint in the background. A
// listener failure is logged, not fatal — the dispatcher still runs
// without observability.
func serveMetrics(addr string, m *metrics.Metrics, log slogLogger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnf("ocxrun: metrics server exited: %v", err)
		}
	}()
	return srv
}

// slogLogger adapts log/slog to every internal package's small
// Infof/Warnf/Errorf logging interface.
type slogLogger struct{}

func (slogLogger) Infof(format string, args ...any)  { slog.Info(fmt.Sprintf(format, args...)) }
func (slogLogger) Warnf(format string, args ...any)  { slog.Warn(fmt.Sprintf(format, args...)) }
func (slogLogger) Errorf(format string, args ...any) { slog.Error(fmt.Sprintf(format, args...)) }
