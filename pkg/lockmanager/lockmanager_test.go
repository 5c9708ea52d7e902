package lockmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmjob/coordinator/pkg/kvstore"
	"github.com/llmjob/coordinator/pkg/kvstore/memstore"
)

func TestAcquireIsExclusive(t *testing.T) {
	m := New(memstore.New())
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "job-1", "node-a", DefaultTTL)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Acquire(ctx, "job-1", "node-b", DefaultTTL)
	require.NoError(t, err)
	assert.False(t, ok, "a second node must not win a race for the same lock")
}

func TestCheck(t *testing.T) {
	m := New(memstore.New())
	ctx := context.Background()
	_, err := m.Acquire(ctx, "job-1", "node-a", DefaultTTL)
	require.NoError(t, err)

	holds, err := m.Check(ctx, "job-1", "node-a")
	require.NoError(t, err)
	assert.True(t, holds)

	holds, err = m.Check(ctx, "job-1", "node-b")
	require.NoError(t, err)
	assert.False(t, holds)
}

func TestExtendOnlyForHolder(t *testing.T) {
	m := New(memstore.New())
	ctx := context.Background()
	_, err := m.Acquire(ctx, "job-1", "node-a", time.Minute)
	require.NoError(t, err)

	ok, err := m.Extend(ctx, "job-1", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Extend(ctx, "job-1", "node-a", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseRequiresMatchingHolder(t *testing.T) {
	m := New(memstore.New())
	ctx := context.Background()
	_, err := m.Acquire(ctx, "job-1", "node-a", DefaultTTL)
	require.NoError(t, err)

	ok, err := m.Release(ctx, "job-1", "node-b")
	require.NoError(t, err)
	assert.False(t, ok, "wrong holder must not release the lock")

	ok, err = m.Release(ctx, "job-1", "node-a")
	require.NoError(t, err)
	assert.True(t, ok)

	holds, err := m.Check(ctx, "job-1", "node-a")
	require.NoError(t, err)
	assert.False(t, holds)
}

func TestTTLMissingAfterExpiry(t *testing.T) {
	m := New(memstore.New())
	ctx := context.Background()

	ttl, err := m.TTL(ctx, "no-such-job")
	require.NoError(t, err)
	assert.Equal(t, kvstore.MissingTTL, ttl)
}
