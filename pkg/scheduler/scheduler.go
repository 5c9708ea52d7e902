// Package scheduler implements spec.md §4.4's assign operation: pull
// candidates off the pending queue in priority order and hand each one to
// the polling node by winning its exclusive lock.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/llmjob/coordinator/pkg/jobstore"
	"github.com/llmjob/coordinator/pkg/lockmanager"
)

// Scheduler assigns pending jobs to polling nodes.
type Scheduler struct {
	jobs  *jobstore.Store
	locks *lockmanager.Manager
	now   func() time.Time
}

func New(jobs *jobstore.Store, locks *lockmanager.Manager) *Scheduler {
	return &Scheduler{jobs: jobs, locks: locks, now: time.Now}
}

// Assign pulls up to maxJobs pending jobs for nodeID, in ascending pending
// score order (highest priority, then oldest). Candidates that lose the
// lock race to another poller are skipped rather than retried, per
// spec.md §4.4.
func (s *Scheduler) Assign(ctx context.Context, nodeID string, maxJobs int) ([]*jobstore.Job, error) {
	if maxJobs <= 0 {
		maxJobs = 1
	}

	// Pull more candidates than needed: some will lose the lock race.
	candidateCount := maxJobs * 4
	if candidateCount < 16 {
		candidateCount = 16
	}
	candidates, err := s.jobs.ListPending(ctx, candidateCount)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list pending: %w", err)
	}

	now := s.now()
	assigned := make([]*jobstore.Job, 0, maxJobs)
	for _, jobID := range candidates {
		if len(assigned) >= maxJobs {
			break
		}

		won, err := s.locks.Acquire(ctx, jobID, nodeID, lockmanager.DefaultTTL)
		if err != nil {
			return nil, fmt.Errorf("scheduler: acquire lock for %q: %w", jobID, err)
		}
		if !won {
			continue
		}

		job, err := s.jobs.Get(ctx, jobID)
		if err != nil {
			// The job vanished between listing and locking (e.g. cancelled).
			_, _ = s.locks.Release(ctx, jobID, nodeID)
			continue
		}
		if job.Status != jobstore.StatePending {
			// Already moved by a racing scheduler pass; release and move on.
			_, _ = s.locks.Release(ctx, jobID, nodeID)
			continue
		}

		if err := s.jobs.MoveToAssigned(ctx, job, nodeID, now); err != nil {
			return nil, fmt.Errorf("scheduler: move to assigned %q: %w", jobID, err)
		}
		assigned = append(assigned, job)
	}

	return assigned, nil
}
