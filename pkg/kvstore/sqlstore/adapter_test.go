package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmjob/coordinator/pkg/kvstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestStringRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v", kvstore.NoExpiry))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestSetNX(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock:job1", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "lock:job1", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	v, _, _ := s.Get(ctx, "lock:job1")
	assert.Equal(t, "node-a", v)
}

func TestSetNXReclaimsExpiredKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "lock:job1", "node-a", time.Nanosecond))
	time.Sleep(2 * time.Millisecond)

	ok, err := s.SetNX(ctx, "lock:job1", "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lock must be reclaimable")
}

func TestCompareAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "lock:job1", "node-a", time.Minute))

	ok, err := s.CompareAndDelete(ctx, "lock:job1", "node-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndDelete(ctx, "lock:job1", "node-a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, _ = s.Get(ctx, "lock:job1")
	assert.False(t, ok)
}

func TestTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	ttl, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Second)

	require.NoError(t, s.Set(ctx, "k2", "v", kvstore.NoExpiry))
	ttl, err = s.TTL(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, kvstore.NoExpiryTTL, ttl)

	ttl, err = s.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, kvstore.MissingTTL, ttl)
}

func TestExpireRequiresExistingKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Expire(ctx, "missing", time.Minute)
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "node:abc123", map[string]string{"status": "online"}))
	require.NoError(t, s.HSet(ctx, "node:abc123", map[string]string{"region": "us-east"}))

	h, err := s.HGetAll(ctx, "node:abc123")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"status": "online", "region": "us-east"}, h)

	require.NoError(t, s.HDelete(ctx, "node:abc123"))
	h, err = s.HGetAll(ctx, "node:abc123")
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "users:u1", "job1", "job2"))
	require.NoError(t, s.SAdd(ctx, "users:u1", "job3"))

	members, err := s.SMembers(ctx, "users:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"job1", "job2", "job3"}, members)

	require.NoError(t, s.SRem(ctx, "users:u1", "job2"))
	members, err = s.SMembers(ctx, "users:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"job1", "job3"}, members)
}

func TestZRangeByScoreOrdersByScoreThenMember(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "jobs:pending", "job-b", 10))
	require.NoError(t, s.ZAdd(ctx, "jobs:pending", "job-a", 10))
	require.NoError(t, s.ZAdd(ctx, "jobs:pending", "job-c", 5))

	members, err := s.ZRangeByScore(ctx, "jobs:pending", 0, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-c", "job-a", "job-b"}, members)

	card, err := s.ZCard(ctx, "jobs:pending")
	require.NoError(t, err)
	assert.Equal(t, 3, card)
}

func TestZRangeByScoreLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, m := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.ZAdd(ctx, "z", m, float64(i)))
	}

	members, err := s.ZRangeByScore(ctx, "z", 0, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)
}

func TestZRem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "z", "m1", 1))
	require.NoError(t, s.ZRem(ctx, "z", "m1"))

	_, ok, err := s.ZScore(ctx, "z", "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeysGlob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "job:1:status", "pending", kvstore.NoExpiry))
	require.NoError(t, s.Set(ctx, "job:2:status", "pending", kvstore.NoExpiry))
	require.NoError(t, s.Set(ctx, "node:1:status", "online", kvstore.NoExpiry))

	keys, err := s.Keys(ctx, "job:*:status")
	require.NoError(t, err)
	assert.Equal(t, []string{"job:1:status", "job:2:status"}, keys)
}
