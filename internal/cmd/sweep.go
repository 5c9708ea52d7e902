package cmd

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/llmjob/coordinator/internal/config"
	"github.com/llmjob/coordinator/internal/observability"
	"github.com/llmjob/coordinator/pkg/jobstore"
	"github.com/llmjob/coordinator/pkg/lockmanager"
	"github.com/llmjob/coordinator/pkg/sweeper"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single lease-reclaim pass against the configured store and exit",
	Long: `sweep runs exactly one sweep pass: it scans the assigned queue for jobs
whose lock has expired or whose heartbeat has gone stale, requeues them as
pending, and prints the reclaimed job IDs. It is meant for cron-driven
deployments that run the sweep out-of-process instead of via serve's
background loop.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
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

	jobs := jobstore.New(kv)
	locks := lockmanager.New(kv)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	sw := sweeper.New(jobs, locks, cfg.Lease.SweepInterval, cfg.Lease.HeartbeatStaleTimeout, log, metrics)

	reclaimed, err := sw.Reclaim(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	if len(reclaimed) == 0 {
		fmt.Println("no jobs reclaimed")
		return nil
	}
	fmt.Printf("reclaimed %s job(s):\n", humanize.Comma(int64(len(reclaimed))))
	for _, id := range reclaimed {
		fmt.Println(" ", id)
	}
	return nil
}
