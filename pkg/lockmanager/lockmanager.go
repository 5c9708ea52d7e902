// Package lockmanager implements the per-job exclusive lease described in
// spec.md §4.5: a single kvstore string key per job, acquired with
// set-if-absent and released with compare-and-delete, so that only the
// node holding the lease can mutate a job's state.
package lockmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/llmjob/coordinator/pkg/kvstore"
)

const lockKeyPrefix = "lock:"

// DefaultTTL is the canonical lock lease lifetime from spec.md §9 (300s).
const DefaultTTL = 300 * time.Second

// Manager acquires, checks, extends, and releases job locks.
type Manager struct {
	kv kvstore.Adapter
}

func New(kv kvstore.Adapter) *Manager {
	return &Manager{kv: kv}
}

func lockKey(jobID string) string { return lockKeyPrefix + jobID }

// Acquire attempts to take the lock for nodeID. false means another node
// already holds it.
func (m *Manager) Acquire(ctx context.Context, jobID, nodeID string, ttl time.Duration) (bool, error) {
	ok, err := m.kv.SetNX(ctx, lockKey(jobID), nodeID, ttl)
	if err != nil {
		return false, fmt.Errorf("lockmanager: acquire %q: %w", jobID, err)
	}
	return ok, nil
}

// Check reports whether nodeID currently holds the lock.
func (m *Manager) Check(ctx context.Context, jobID, nodeID string) (bool, error) {
	value, ok, err := m.kv.Get(ctx, lockKey(jobID))
	if err != nil {
		return false, fmt.Errorf("lockmanager: check %q: %w", jobID, err)
	}
	return ok && value == nodeID, nil
}

// Extend resets the lock's TTL, but only if nodeID is the current holder.
func (m *Manager) Extend(ctx context.Context, jobID, nodeID string, ttl time.Duration) (bool, error) {
	holds, err := m.Check(ctx, jobID, nodeID)
	if err != nil {
		return false, err
	}
	if !holds {
		return false, nil
	}
	if err := m.kv.Expire(ctx, lockKey(jobID), ttl); err != nil {
		return false, fmt.Errorf("lockmanager: extend %q: %w", jobID, err)
	}
	return true, nil
}

// Release deletes the lock only if nodeID is the current holder
// (compare-and-delete); otherwise it is a no-op and returns false.
func (m *Manager) Release(ctx context.Context, jobID, nodeID string) (bool, error) {
	ok, err := m.kv.CompareAndDelete(ctx, lockKey(jobID), nodeID)
	if err != nil {
		return false, fmt.Errorf("lockmanager: release %q: %w", jobID, err)
	}
	return ok, nil
}

// TTL returns the lock's remaining lifetime. kvstore.MissingTTL means the
// lock does not exist — the sweeper's signal that a lease has lapsed.
func (m *Manager) TTL(ctx context.Context, jobID string) (time.Duration, error) {
	ttl, err := m.kv.TTL(ctx, lockKey(jobID))
	if err != nil {
		return 0, fmt.Errorf("lockmanager: ttl %q: %w", jobID, err)
	}
	return ttl, nil
}

// Holder returns the current lessee's nodeId, if any.
func (m *Manager) Holder(ctx context.Context, jobID string) (string, bool, error) {
	value, ok, err := m.kv.Get(ctx, lockKey(jobID))
	if err != nil {
		return "", false, fmt.Errorf("lockmanager: holder %q: %w", jobID, err)
	}
	return value, ok, nil
}
