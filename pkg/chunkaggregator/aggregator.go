// Package chunkaggregator stores per-job result chunks keyed by index and
// assembles them into a final result in ascending index order. The
// ordered-log idiom is grounded on the teacher's pkg/stream.Writer: a
// mutex-free design here since ordering is restored at read time rather
// than enforced at write time (spec.md §4.7).
package chunkaggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	apierrors "github.com/llmjob/coordinator/internal/errors"
	"github.com/llmjob/coordinator/pkg/kvstore"
	"github.com/llmjob/coordinator/pkg/lockmanager"
)

const chunkKeyPrefix = "chunks:"

// Chunk is a single stored chunk record.
type Chunk struct {
	Index     int            `json:"index"`
	Content   string         `json:"content"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Aggregator verifies the caller's lock and appends chunks to a job's
// chunk log, keyed by index in a kvstore hash.
type Aggregator struct {
	kv    kvstore.Adapter
	locks *lockmanager.Manager
}

func New(kv kvstore.Adapter, locks *lockmanager.Manager) *Aggregator {
	return &Aggregator{kv: kv, locks: locks}
}

func chunkLogKey(jobID string) string { return chunkKeyPrefix + jobID }

// StoreChunk appends or overwrites a chunk at chunk.Index. Out-of-order
// arrival is expected; duplicate indices from the same worker overwrite
// the prior value, per spec.md §4.7.
func (a *Aggregator) StoreChunk(ctx context.Context, jobID, nodeID string, chunk Chunk) error {
	holds, err := a.locks.Check(ctx, jobID, nodeID)
	if err != nil {
		return fmt.Errorf("chunkaggregator: check lock %q: %w", jobID, err)
	}
	if !holds {
		return apierrors.Forbidden("caller does not hold the lock for this job")
	}

	b, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("chunkaggregator: marshal chunk: %w", err)
	}
	field := strconv.Itoa(chunk.Index)
	if err := a.kv.HSet(ctx, chunkLogKey(jobID), map[string]string{field: string(b)}); err != nil {
		return fmt.Errorf("chunkaggregator: store chunk %q[%d]: %w", jobID, chunk.Index, err)
	}
	return nil
}

// Assemble reads every stored chunk for jobID and concatenates their
// content in ascending index order.
func (a *Aggregator) Assemble(ctx context.Context, jobID string) (string, int, error) {
	chunks, err := a.List(ctx, jobID)
	if err != nil {
		return "", 0, err
	}
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c.Content)
	}
	return sb.String(), len(chunks), nil
}

// List returns every stored chunk for jobID, sorted by index.
func (a *Aggregator) List(ctx context.Context, jobID string) ([]Chunk, error) {
	raw, err := a.kv.HGetAll(ctx, chunkLogKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("chunkaggregator: list %q: %w", jobID, err)
	}
	chunks := make([]Chunk, 0, len(raw))
	for _, v := range raw {
		var c Chunk
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			return nil, fmt.Errorf("chunkaggregator: decode chunk in %q: %w", jobID, err)
		}
		chunks = append(chunks, c)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

// DeleteLog removes a job's entire chunk log, called on completion/failure.
func (a *Aggregator) DeleteLog(ctx context.Context, jobID string) error {
	if err := a.kv.HDelete(ctx, chunkLogKey(jobID)); err != nil {
		return fmt.Errorf("chunkaggregator: delete log %q: %w", jobID, err)
	}
	return nil
}
