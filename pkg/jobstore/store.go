package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	apierrors "github.com/llmjob/coordinator/internal/errors"
	"github.com/llmjob/coordinator/pkg/kvstore"
)

const (
	keyPrefix    = "job:"
	setPending   = "jobs:pending"
	setAssigned  = "jobs:assigned"
	setRunning   = "jobs:running"
	setCompleted = "jobs:completed"
	setFailed    = "jobs:failed"

	negInf = -1 << 62
	posInf = 1 << 62
)

// Store persists Job records and the ordered sets that back the scheduler,
// the sweeper, and the stats endpoint.
type Store struct {
	kv kvstore.Adapter
}

func New(kv kvstore.Adapter) *Store {
	return &Store{kv: kv}
}

func jobKey(id string) string { return keyPrefix + id }

// Create writes a new job in pending state and enqueues it.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job.ID == "" {
		return apierrors.BadRequest("job id is required")
	}
	now := epochMillis(time.Now())
	job.Status = StatePending
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := s.put(ctx, job); err != nil {
		return err
	}
	return s.kv.ZAdd(ctx, setPending, job.ID, pendingScore(job.Priority, job.CreatedAt))
}

func (s *Store) put(ctx context.Context, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobstore: marshal job %q: %w", job.ID, err)
	}
	if err := s.kv.Set(ctx, jobKey(job.ID), string(b), kvstore.NoExpiry); err != nil {
		return fmt.Errorf("jobstore: put job %q: %w", job.ID, err)
	}
	return nil
}

// Get loads a job record. Returns apierrors.NotFound if absent.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	raw, ok, err := s.kv.Get(ctx, jobKey(id))
	if err != nil {
		return nil, fmt.Errorf("jobstore: get job %q: %w", id, err)
	}
	if !ok {
		return nil, apierrors.NotFound("job not found")
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("jobstore: decode job %q: %w", id, err)
	}
	return &job, nil
}

// Update loads a job, applies mutate, stamps updated_at, and persists it.
// It does not touch queue membership; callers that change lifecycle state
// use the Move* helpers, which update both the record and its queue.
func (s *Store) Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(job); err != nil {
		return nil, err
	}
	job.UpdatedAt = epochMillis(time.Now())
	if err := s.put(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Delete removes a job record and its membership in every queue.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, jobKey(id)); err != nil {
		return err
	}
	for _, set := range []string{setPending, setAssigned, setRunning, setCompleted, setFailed} {
		if err := s.kv.ZRem(ctx, set, id); err != nil {
			return err
		}
	}
	return nil
}

// ListPending returns up to limit pending job ids, highest-priority-oldest
// first (spec.md §4.4). limit <= 0 means unlimited.
func (s *Store) ListPending(ctx context.Context, limit int) ([]string, error) {
	return s.kv.ZRangeByScore(ctx, setPending, negInf, posInf, limit)
}

// MoveToAssigned transitions a job out of pending into assigned, per
// spec.md §4.4 step 2: remove from pending, add to assigned with score=now,
// and stamp the job fields.
func (s *Store) MoveToAssigned(ctx context.Context, job *Job, nodeID string, now time.Time) error {
	nowMs := epochMillis(now)
	job.Status = StateAssigned
	job.AssignedTo = nodeID
	job.AssignedAt = nowMs
	job.UpdatedAt = nowMs

	if err := s.put(ctx, job); err != nil {
		return err
	}
	if err := s.kv.ZRem(ctx, setPending, job.ID); err != nil {
		return err
	}
	return s.kv.ZAdd(ctx, setAssigned, job.ID, float64(nowMs))
}

// MarkRunning transitions an assigned job to running on its first
// heartbeat (spec.md §4.6), setting startedAt once and joining the
// distinct running set used for stats. The job stays a member of the
// assigned set: the sweeper still needs to find it via the lock TTL.
func (s *Store) MarkRunning(ctx context.Context, job *Job, now time.Time) error {
	if job.Status != StateAssigned {
		return nil
	}
	nowMs := epochMillis(now)
	job.Status = StateRunning
	job.StartedAt = nowMs
	job.UpdatedAt = nowMs

	if err := s.put(ctx, job); err != nil {
		return err
	}
	return s.kv.SAdd(ctx, setRunning, job.ID)
}

// MoveToCompleted transitions a job to its terminal completed state.
func (s *Store) MoveToCompleted(ctx context.Context, job *Job, result string, now time.Time) error {
	nowMs := epochMillis(now)
	job.Status = StateCompleted
	job.Result = result
	job.UpdatedAt = nowMs

	if err := s.put(ctx, job); err != nil {
		return err
	}
	if err := s.kv.ZRem(ctx, setAssigned, job.ID); err != nil {
		return err
	}
	if err := s.kv.SRem(ctx, setRunning, job.ID); err != nil {
		return err
	}
	return s.kv.ZAdd(ctx, setCompleted, job.ID, float64(nowMs))
}

// MoveToFailed transitions a job to its terminal failed state.
func (s *Store) MoveToFailed(ctx context.Context, job *Job, reason string, now time.Time) error {
	nowMs := epochMillis(now)
	job.Status = StateFailed
	job.FailureReason = reason
	job.UpdatedAt = nowMs

	if err := s.put(ctx, job); err != nil {
		return err
	}
	if err := s.kv.ZRem(ctx, setAssigned, job.ID); err != nil {
		return err
	}
	if err := s.kv.SRem(ctx, setRunning, job.ID); err != nil {
		return err
	}
	return s.kv.ZAdd(ctx, setFailed, job.ID, float64(nowMs))
}

// Requeue moves an abandoned assigned job back to pending (spec.md §4.8's
// sweeper behavior): original priority is preserved but the arrival
// timestamp becomes now, sending it to the back of its priority class.
func (s *Store) Requeue(ctx context.Context, job *Job, timeoutReason string, now time.Time) error {
	nowMs := epochMillis(now)
	job.Status = StatePending
	job.TimeoutReason = timeoutReason
	job.Attempts++
	job.AssignedTo = ""
	job.UpdatedAt = nowMs

	if err := s.put(ctx, job); err != nil {
		return err
	}
	if err := s.kv.ZRem(ctx, setAssigned, job.ID); err != nil {
		return err
	}
	if err := s.kv.SRem(ctx, setRunning, job.ID); err != nil {
		return err
	}
	return s.kv.ZAdd(ctx, setPending, job.ID, pendingScore(job.Priority, nowMs))
}

// AssignedIDs returns the ids of every job currently leased, for the
// sweeper's abandonment scan.
func (s *Store) AssignedIDs(ctx context.Context) ([]string, error) {
	return s.kv.ZRangeByScore(ctx, setAssigned, negInf, posInf, 0)
}

// Stats summarizes queue depths for the public stats endpoint.
type Stats struct {
	Pending   int `json:"pending"`
	Assigned  int `json:"assigned"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	var err error
	if stats.Pending, err = s.kv.ZCard(ctx, setPending); err != nil {
		return stats, err
	}
	if stats.Assigned, err = s.kv.ZCard(ctx, setAssigned); err != nil {
		return stats, err
	}
	running, err := s.kv.SMembers(ctx, setRunning)
	if err != nil {
		return stats, err
	}
	stats.Running = len(running)
	if stats.Completed, err = s.kv.ZCard(ctx, setCompleted); err != nil {
		return stats, err
	}
	if stats.Failed, err = s.kv.ZCard(ctx, setFailed); err != nil {
		return stats, err
	}
	return stats, nil
}

// CleanupOlderThan deletes completed/failed jobs whose terminal timestamp
// is older than maxAge, returning the count removed. Deletes for each
// terminal set run concurrently through a conc pool since they touch
// disjoint job IDs and a single slow deletion should not serialize the
// whole sweep.
func (s *Store) CleanupOlderThan(ctx context.Context, maxAge time.Duration, now time.Time) (int, error) {
	cutoff := float64(epochMillis(now.Add(-maxAge)))

	var allIDs []string
	for _, set := range []string{setCompleted, setFailed} {
		ids, err := s.kv.ZRangeByScore(ctx, set, negInf, cutoff, 0)
		if err != nil {
			return 0, err
		}
		allIDs = append(allIDs, ids...)
	}

	var (
		mu      sync.Mutex
		removed int
	)
	p := pool.New().WithMaxGoroutines(cleanupConcurrency).WithErrors()
	for _, id := range allIDs {
		id := id
		p.Go(func() error {
			if err := s.Delete(ctx, id); err != nil {
				return err
			}
			mu.Lock()
			removed++
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return removed, err
	}
	return removed, nil
}

// cleanupConcurrency caps how many deletes CleanupOlderThan runs at once
// against the backing store.
const cleanupConcurrency = 8
