// Package sweeper reclaims abandoned job leases, per spec.md §4.8: a
// periodic scan of the assigned queue that requeues any job whose lock has
// lapsed or whose heartbeat has gone stale. The ticker-and-cancel idiom is
// grounded on the teacher's startManagedHeartbeat helper in
// internal/cmd/index_build_heartbeat.go.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/llmjob/coordinator/internal/observability"
	"github.com/llmjob/coordinator/pkg/jobstore"
	"github.com/llmjob/coordinator/pkg/kvstore"
	"github.com/llmjob/coordinator/pkg/lockmanager"
)

// Sweeper periodically requeues jobs whose lease has lapsed.
type Sweeper struct {
	jobs                  *jobstore.Store
	locks                 *lockmanager.Manager
	interval              time.Duration
	heartbeatStaleTimeout time.Duration
	log                   *zap.SugaredLogger
	metrics               *observability.Metrics
	now                   func() time.Time
}

func New(jobs *jobstore.Store, locks *lockmanager.Manager, interval, heartbeatStaleTimeout time.Duration, log *zap.SugaredLogger, metrics *observability.Metrics) *Sweeper {
	return &Sweeper{
		jobs:                  jobs,
		locks:                 locks,
		interval:              interval,
		heartbeatStaleTimeout: heartbeatStaleTimeout,
		log:                   log,
		metrics:               metrics,
		now:                   time.Now,
	}
}

// Run starts the periodic sweep loop and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Errorw("sweep pass failed", "error", err)
			}
		}
	}
}

// Sweep runs a single pass over the assigned queue, reclaiming any job
// whose lock has lapsed (kvstore.MissingTTL) per spec.md §4.8. A job whose
// lock is still held but whose heartbeat predates heartbeatStaleTimeout is
// also reclaimed, covering a worker that holds the lease but has gone
// silent without the TTL yet expiring.
func (s *Sweeper) Sweep(ctx context.Context) error {
	_, err := s.Reclaim(ctx)
	return err
}

// Reclaim runs a single sweep pass and returns the IDs of jobs it requeued,
// so callers like the POST /jobs/check-timeouts endpoint can report exactly
// which jobs were reset instead of only a count.
func (s *Sweeper) Reclaim(ctx context.Context) ([]string, error) {
	ids, err := s.jobs.AssignedIDs(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var reclaimed []string
	for _, jobID := range ids {
		job, err := s.jobs.Get(ctx, jobID)
		if err != nil {
			continue
		}

		ttl, err := s.locks.TTL(ctx, jobID)
		if err != nil {
			return reclaimed, err
		}

		abandoned := ttl == kvstore.MissingTTL
		if !abandoned && job.LastHeartbeat != 0 {
			lastBeat := time.UnixMilli(job.LastHeartbeat)
			if now.Sub(lastBeat) > s.heartbeatStaleTimeout {
				abandoned = true
			}
		}
		if !abandoned {
			continue
		}

		if holder, ok, _ := s.locks.Holder(ctx, jobID); ok {
			_, _ = s.locks.Release(ctx, jobID, holder)
		}

		if err := s.jobs.Requeue(ctx, job, "lease expired", now); err != nil {
			return reclaimed, err
		}
		reclaimed = append(reclaimed, jobID)
	}

	if s.metrics != nil {
		s.metrics.SweepsRun.Inc()
		if len(reclaimed) > 0 {
			s.metrics.LeasesExpired.Add(float64(len(reclaimed)))
		}
	}
	if len(reclaimed) > 0 {
		s.log.Infow("sweep reclaimed abandoned jobs", "count", len(reclaimed))
	}
	return reclaimed, nil
}
