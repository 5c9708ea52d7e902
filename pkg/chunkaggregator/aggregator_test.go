package chunkaggregator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/llmjob/coordinator/internal/errors"
	"github.com/llmjob/coordinator/pkg/kvstore/memstore"
	"github.com/llmjob/coordinator/pkg/lockmanager"
)

func TestStoreChunkRequiresLock(t *testing.T) {
	kv := memstore.New()
	locks := lockmanager.New(kv)
	agg := New(kv, locks)
	ctx := context.Background()

	err := agg.StoreChunk(ctx, "job-1", "node-a", Chunk{Index: 0, Content: "hello"})
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeForbidden, apierrors.As(err).Code)
}

func TestStoreAndAssembleOutOfOrder(t *testing.T) {
	kv := memstore.New()
	locks := lockmanager.New(kv)
	agg := New(kv, locks)
	ctx := context.Background()

	ok, err := locks.Acquire(ctx, "job-1", "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, agg.StoreChunk(ctx, "job-1", "node-a", Chunk{Index: 1, Content: " world"}))
	require.NoError(t, agg.StoreChunk(ctx, "job-1", "node-a", Chunk{Index: 0, Content: "hello"}))

	result, count, err := agg.Assemble(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "hello world", result)
	assert.Equal(t, 2, count)
}

func TestStoreChunkRejectsWrongHolder(t *testing.T) {
	kv := memstore.New()
	locks := lockmanager.New(kv)
	agg := New(kv, locks)
	ctx := context.Background()

	ok, err := locks.Acquire(ctx, "job-1", "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = agg.StoreChunk(ctx, "job-1", "node-b", Chunk{Index: 0, Content: "x"})
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeForbidden, apierrors.As(err).Code)
}

func TestDuplicateIndexOverwrites(t *testing.T) {
	kv := memstore.New()
	locks := lockmanager.New(kv)
	agg := New(kv, locks)
	ctx := context.Background()

	_, err := locks.Acquire(ctx, "job-1", "node-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, agg.StoreChunk(ctx, "job-1", "node-a", Chunk{Index: 0, Content: "first"}))
	require.NoError(t, agg.StoreChunk(ctx, "job-1", "node-a", Chunk{Index: 0, Content: "second"}))

	result, count, err := agg.Assemble(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "second", result)
	assert.Equal(t, 1, count)
}

func TestDeleteLog(t *testing.T) {
	kv := memstore.New()
	locks := lockmanager.New(kv)
	agg := New(kv, locks)
	ctx := context.Background()

	_, err := locks.Acquire(ctx, "job-1", "node-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, agg.StoreChunk(ctx, "job-1", "node-a", Chunk{Index: 0, Content: "x"}))

	require.NoError(t, agg.DeleteLog(ctx, "job-1"))
	chunks, err := agg.List(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
