package archive

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmjob/coordinator/pkg/provider"
)

// fakeStore is a minimal in-memory provider.Provider used to exercise the
// Archiver without a real object store.
type fakeStore struct {
	objects map[string][]byte
	closed  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	return &provider.ListResult{}, nil
}

func (f *fakeStore) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	body, ok := f.objects[key]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &provider.ObjectMeta{ObjectSummary: provider.ObjectSummary{Key: key, Size: int64(len(body))}}, nil
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func (f *fakeStore) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeStore) DeleteObject(ctx context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, 0, provider.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

var (
	_ provider.Provider      = (*fakeStore)(nil)
	_ provider.ObjectPutter  = (*fakeStore)(nil)
	_ provider.ObjectDeleter = (*fakeStore)(nil)
	_ provider.ObjectGetter  = (*fakeStore)(nil)
)

func TestPutGetRoundTrip(t *testing.T) {
	store := newFakeStore()
	a, err := New(store, "jobs")
	require.NoError(t, err)

	rec := Record{JobID: "job-1", Status: "completed", Result: "hello"}
	require.NoError(t, a.Put(context.Background(), rec))

	got, err := a.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, rec, *got)
	assert.Contains(t, store.objects, "jobs/job-1.json")
}

func TestGetMissingReturnsProviderNotFound(t *testing.T) {
	store := newFakeStore()
	a, err := New(store, "jobs")
	require.NoError(t, err)

	_, err = a.Get(context.Background(), "missing")
	require.ErrorIs(t, err, provider.ErrNotFound)
}

func TestDeleteRemovesObject(t *testing.T) {
	store := newFakeStore()
	a, err := New(store, "jobs")
	require.NoError(t, err)

	require.NoError(t, a.Put(context.Background(), Record{JobID: "job-1"}))
	require.NoError(t, a.Delete(context.Background(), "job-1"))

	_, err = a.Get(context.Background(), "job-1")
	require.ErrorIs(t, err, provider.ErrNotFound)
}

func TestNewRejectsStoreWithNoReadOrWrite(t *testing.T) {
	store := &readOnlyNoGetStore{}
	_, err := New(store, "jobs")
	require.Error(t, err)
}

// readOnlyNoGetStore implements only provider.Provider, with no put/get/delete
// capability, to exercise New's misconfiguration guard.
type readOnlyNoGetStore struct{}

func (r *readOnlyNoGetStore) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	return &provider.ListResult{}, nil
}
func (r *readOnlyNoGetStore) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	return nil, provider.ErrNotFound
}
func (r *readOnlyNoGetStore) Close() error { return nil }
