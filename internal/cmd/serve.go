package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/llmjob/coordinator/internal/config"
	"github.com/llmjob/coordinator/internal/observability"
	"github.com/llmjob/coordinator/internal/server"
	"github.com/llmjob/coordinator/internal/server/handlers"
	"github.com/llmjob/coordinator/pkg/archive"
	"github.com/llmjob/coordinator/pkg/broker"
	"github.com/llmjob/coordinator/pkg/chunkaggregator"
	"github.com/llmjob/coordinator/pkg/jobstore"
	"github.com/llmjob/coordinator/pkg/kvstore"
	"github.com/llmjob/coordinator/pkg/kvstore/memstore"
	"github.com/llmjob/coordinator/pkg/kvstore/sqlstore"
	"github.com/llmjob/coordinator/pkg/lockmanager"
	"github.com/llmjob/coordinator/pkg/noderegistry"
	providerfile "github.com/llmjob/coordinator/pkg/provider/file"
	providers3 "github.com/llmjob/coordinator/pkg/provider/s3"
	"github.com/llmjob/coordinator/pkg/scheduler"
	"github.com/llmjob/coordinator/pkg/sweeper"
)

// signalHealthChecker is a no-op check wired under the name "signal": its
// presence in the health manager tells operators the process is responsive
// to the health endpoint at all, independent of any real dependency.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

// telemetryHealthChecker reports unhealthy until runServe has started the
// metrics pipeline.
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil && observability.PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker confirms the process identity needed for config
// discovery and env-var binding was actually set.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	if c.binaryName == "" {
		return errors.New("missing binary name")
	}
	if c.envPrefix == "" {
		return errors.New("missing env prefix")
	}
	if c.configName == "" {
		return errors.New("missing config name")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	kv, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)
	observability.TelemetrySystem = metrics
	observability.PrometheusExporter = promReg

	jobs := jobstore.New(kv)
	nodes := noderegistry.New(kv, cfg.Node.SoftTTL, cfg.Node.OnlineWindow)
	locks := lockmanager.New(kv)
	sched := scheduler.New(jobs, locks)
	chunks := chunkaggregator.New(kv, locks)

	defaults := broker.Defaults{
		Model:       cfg.Defaults.Model,
		MaxTokens:   cfg.Defaults.MaxTokens,
		Temperature: cfg.Defaults.Temperature,
		Priority:    cfg.Defaults.Priority,
	}
	b := broker.New(jobs, nodes, locks, sched, chunks, defaults, metrics)

	sw := sweeper.New(jobs, locks, cfg.Lease.SweepInterval, cfg.Lease.HeartbeatStaleTimeout, log, metrics)

	if cfg.Archive.Enabled {
		archiver, err := setupArchiver(ctx, cfg.Archive)
		if err != nil {
			log.Warnw("archive configured but unavailable, continuing without it", "error", err)
		} else {
			b.SetArchiver(archiver)
		}
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port)
	srv.RegisterBroker(b, sw)
	srv.RegisterMetrics(promReg)
	srv.EnableRateLimiting(cfg.RateLimit.SubmitRPS, cfg.RateLimit.SubmitBurst, cfg.RateLimit.NodeRPS, cfg.RateLimit.NodeBurst)
	server.SetSignalHandler(func(ctx context.Context, signal string) error {
		if signal == "sweep-now" {
			_, err := sw.Reclaim(ctx)
			return err
		}
		return fmt.Errorf("unknown signal %q", signal)
	})

	identity := GetAppIdentity()
	binaryName, envPrefix, configName := "coordinatord", "COORDINATOR", "coordinator"
	if identity != nil {
		binaryName, envPrefix, configName = identity.BinaryName, identity.EnvPrefix, identity.ConfigName
	}

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signal", signalHealthChecker{})
	hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	hm.RegisterChecker("identity", identityHealthChecker{binaryName: binaryName, envPrefix: envPrefix, configName: configName})

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go sw.Run(sweepCtx)

	httpServer := &http.Server{
		Addr:         srv.Addr(),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("coordinator listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case sig := <-stop:
		log.Infow("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openStore builds the kvstore.Adapter named by cfg.Backend, returning a
// close function the caller must defer.
func openStore(ctx context.Context, cfg config.StoreConfig) (kvstore.Adapter, func(), error) {
	switch cfg.Backend {
	case "", "memory":
		return memstore.New(), func() {}, nil
	case "sqlite":
		db, err := sqlstore.Open(ctx, sqlstore.Config{Path: cfg.Path})
		if err != nil {
			return nil, nil, err
		}
		return sqlstore.New(db), func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// setupArchiver builds the optional result archiver over the configured
// provider.Provider backend. Its single caller only logs a warning on
// failure: archival is best-effort and must never block serving jobs.
func setupArchiver(ctx context.Context, cfg config.ArchiveConfig) (*archive.Archiver, error) {
	switch cfg.Backend {
	case "", "s3":
		store, err := providers3.New(ctx, providers3.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, err
		}
		return archive.New(store, cfg.Prefix)
	case "file":
		store, err := providerfile.New(providerfile.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, err
		}
		return archive.New(store, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

