// Package archive offloads completed job results to cold object storage,
// per spec.md §9's optional archival extension. It sits entirely outside
// the hot path: jobstore.CleanupOlderThan already deletes a job's kvstore
// record, and archival is a best-effort side trip taken before that delete
// so operators who configure a bucket don't lose results to the sweep.
//
// Built on the teacher's pkg/provider abstraction (feature-detected via the
// ObjectPutter/ObjectGetter/ObjectDeleter capability interfaces) rather than
// the raw AWS SDK, so any provider.Provider implementation -- S3 today,
// whatever lands in pkg/provider tomorrow -- works without changes here.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/llmjob/coordinator/pkg/provider"
)

// Record is the archived shape of a completed or failed job.
type Record struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	Prompt        string `json:"prompt"`
	Model         string `json:"model"`
	Result        string `json:"result,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	CompletedAt   int64  `json:"completed_at"`
}

// Archiver writes and reads job records against a backing object store.
type Archiver struct {
	store  provider.Provider
	putter provider.ObjectPutter
	getter provider.ObjectGetter
	deller provider.ObjectDeleter
	prefix string
}

// New builds an Archiver over store. It returns an error if store supports
// neither writing nor reading objects, since an archiver that can do
// neither is a misconfiguration rather than a degraded mode.
func New(store provider.Provider, keyPrefix string) (*Archiver, error) {
	putter, _ := store.(provider.ObjectPutter)
	getter, _ := store.(provider.ObjectGetter)
	deleter, _ := store.(provider.ObjectDeleter)
	if putter == nil && getter == nil {
		return nil, fmt.Errorf("archive: store %T supports neither writing nor reading objects", store)
	}
	return &Archiver{store: store, putter: putter, getter: getter, deller: deleter, prefix: keyPrefix}, nil
}

func (a *Archiver) key(jobID string) string {
	if a.prefix == "" {
		return jobID + ".json"
	}
	return a.prefix + "/" + jobID + ".json"
}

// Put persists a job record. Returns an error if the backing store was
// opened without write support.
func (a *Archiver) Put(ctx context.Context, rec Record) error {
	if a.putter == nil {
		return fmt.Errorf("archive: backing store does not support writes")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: marshal record: %w", err)
	}
	return a.putter.PutObject(ctx, a.key(rec.JobID), bytes.NewReader(body), int64(len(body)))
}

// Get retrieves a previously archived job record.
func (a *Archiver) Get(ctx context.Context, jobID string) (*Record, error) {
	if a.getter == nil {
		return nil, fmt.Errorf("archive: backing store does not support reads")
	}
	body, _, err := a.getter.GetObject(ctx, a.key(jobID))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("archive: read record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("archive: unmarshal record: %w", err)
	}
	return &rec, nil
}

// Delete removes an archived job record, if the store supports deletion.
func (a *Archiver) Delete(ctx context.Context, jobID string) error {
	if a.deller == nil {
		return nil
	}
	return a.deller.DeleteObject(ctx, a.key(jobID))
}

// Close releases the backing provider's resources.
func (a *Archiver) Close() error {
	return a.store.Close()
}
