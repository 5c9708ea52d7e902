// Package broker composes the job store, node registry, lock manager,
// scheduler and chunk aggregator into spec.md §4.9's Public API Surface:
// the single entry point the HTTP layer calls into.
package broker

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/llmjob/coordinator/internal/errors"
	"github.com/llmjob/coordinator/internal/jobvalidate"
	"github.com/llmjob/coordinator/internal/observability"
	"github.com/llmjob/coordinator/pkg/archive"
	"github.com/llmjob/coordinator/pkg/chunkaggregator"
	"github.com/llmjob/coordinator/pkg/identity"
	"github.com/llmjob/coordinator/pkg/jobstore"
	"github.com/llmjob/coordinator/pkg/lockmanager"
	"github.com/llmjob/coordinator/pkg/noderegistry"
	"github.com/llmjob/coordinator/pkg/scheduler"
)

// Defaults holds the configured fallback values for an under-specified
// job submission, per spec.md §9's canonical defaults table.
type Defaults struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Priority    int
}

// Broker is the coordinator's public API surface.
type Broker struct {
	jobs     *jobstore.Store
	nodes    *noderegistry.Store
	locks    *lockmanager.Manager
	sched    *scheduler.Scheduler
	chunks   *chunkaggregator.Aggregator
	defaults Defaults
	metrics  *observability.Metrics
	archiver *archive.Archiver
	now      func() time.Time
}

// SetArchiver wires an optional best-effort archiver: when set, Complete and
// Fail write a Record after the job transitions. CleanupOld only prunes the
// job store; archived records are left in place.  A nil archiver (the
// default) makes archival a no-op, matching a deployment with no archive
// backend configured.
func (b *Broker) SetArchiver(a *archive.Archiver) {
	b.archiver = a
}

func New(jobs *jobstore.Store, nodes *noderegistry.Store, locks *lockmanager.Manager, sched *scheduler.Scheduler, chunks *chunkaggregator.Aggregator, defaults Defaults, metrics *observability.Metrics) *Broker {
	return &Broker{
		jobs:     jobs,
		nodes:    nodes,
		locks:    locks,
		sched:    sched,
		chunks:   chunks,
		defaults: defaults,
		metrics:  metrics,
		now:      time.Now,
	}
}

// SubmitRequest mirrors the POST /jobs body from spec.md §6.
type SubmitRequest struct {
	Prompt      string
	Model       string
	Options     map[string]any
	Priority    *int
	MaxTokens   *int
	Temperature *float64
}

// Submit creates a new pending job, applying configured defaults to any
// unset field. Fails BadRequest if prompt is missing.
func (b *Broker) Submit(ctx context.Context, userID string, req SubmitRequest) (*jobstore.Job, error) {
	if req.Prompt == "" {
		return nil, apierrors.BadRequest("prompt is required")
	}
	if err := jobvalidate.Options(req.Options); err != nil {
		return nil, apierrors.BadRequest(err.Error())
	}

	model := req.Model
	if model == "" {
		model = b.defaults.Model
	}
	maxTokens := b.defaults.MaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	temperature := b.defaults.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	priority := b.defaults.Priority
	if req.Priority != nil {
		priority = *req.Priority
	}

	job := &jobstore.Job{
		ID:          newJobID(),
		Prompt:      req.Prompt,
		Model:       model,
		Options:     req.Options,
		Priority:    priority,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		UserID:      userID,
	}
	if err := b.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.JobsSubmitted.Inc()
	}
	return job, nil
}

func newJobID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + uuid.NewString()[:8]
}

// verifyNodeKey confirms publicKeyB64 matches the key on file for nodeID in
// the node registry, the same binding Ping performs (noderegistry.Store.Ping).
// Every node-authenticated call below must pass its envelope's verified
// public key through this check: spec Invariant 5 requires a signature
// under the node's registered key, not merely a signature under *some* key
// that happens to verify against the claimed nodeId.
func (b *Broker) verifyNodeKey(ctx context.Context, nodeID, publicKeyB64 string) error {
	node, err := b.nodes.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.PublicKey != publicKeyB64 {
		return apierrors.Unauthorized("public key does not match claimed node")
	}
	return nil
}

// Poll invokes the scheduler on behalf of a verified node.
func (b *Broker) Poll(ctx context.Context, nodeID, publicKeyB64 string, maxJobs int) ([]*jobstore.Job, error) {
	if err := b.verifyNodeKey(ctx, nodeID, publicKeyB64); err != nil {
		return nil, err
	}
	return b.sched.Assign(ctx, nodeID, maxJobs)
}

// Heartbeat extends a job's lease and transitions assigned -> running on
// the first call, per spec.md §4.7.
func (b *Broker) Heartbeat(ctx context.Context, jobID, nodeID, publicKeyB64 string) (int64, error) {
	if err := b.verifyNodeKey(ctx, nodeID, publicKeyB64); err != nil {
		return 0, err
	}
	holds, err := b.locks.Check(ctx, jobID, nodeID)
	if err != nil {
		return 0, err
	}
	if !holds {
		return 0, apierrors.Forbidden("caller does not hold the lock for this job")
	}

	now := b.now()
	if _, err := b.locks.Extend(ctx, jobID, nodeID, lockmanager.DefaultTTL); err != nil {
		return 0, err
	}

	job, err := b.jobs.Get(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if err := b.jobs.MarkRunning(ctx, job, now); err != nil {
		return 0, err
	}
	if _, err := b.jobs.Update(ctx, jobID, func(j *jobstore.Job) error {
		j.LastHeartbeat = now.UnixMilli()
		return nil
	}); err != nil {
		return 0, err
	}

	return now.UnixMilli(), nil
}

// ChunkRequest mirrors the POST /jobs/:id/chunks body.
type ChunkRequest struct {
	Index     int
	Content   string
	Metrics   map[string]any
	IsFinal   bool
	JobID     string
	NodeID    string
	PublicKey string
}

// Chunk stores a result chunk and updates the job's chunk bookkeeping.
func (b *Broker) Chunk(ctx context.Context, req ChunkRequest) (int, error) {
	if err := b.verifyNodeKey(ctx, req.NodeID, req.PublicKey); err != nil {
		return 0, err
	}
	now := b.now()
	if err := b.chunks.StoreChunk(ctx, req.JobID, req.NodeID, chunkaggregator.Chunk{
		Index:     req.Index,
		Content:   req.Content,
		Metrics:   req.Metrics,
		Timestamp: now.UnixMilli(),
	}); err != nil {
		return 0, err
	}

	if _, err := b.jobs.Update(ctx, req.JobID, func(j *jobstore.Job) error {
		j.LastChunkAt = now.UnixMilli()
		if req.Index+1 > j.ChunkCount {
			j.ChunkCount = req.Index + 1
		}
		if req.Metrics != nil {
			j.LastMetrics = req.Metrics
		}
		return nil
	}); err != nil {
		return 0, err
	}

	if b.metrics != nil {
		b.metrics.ChunksIngested.Inc()
	}
	return req.Index, nil
}

// Complete verifies the lock, assembles the final result if not supplied,
// and transitions the job to completed.
func (b *Broker) Complete(ctx context.Context, jobID, nodeID, publicKeyB64 string, finalOutput *string) (*jobstore.Job, error) {
	if err := b.verifyNodeKey(ctx, nodeID, publicKeyB64); err != nil {
		return nil, err
	}
	holds, err := b.locks.Check(ctx, jobID, nodeID)
	if err != nil {
		return nil, err
	}
	if !holds {
		return nil, apierrors.Forbidden("caller does not hold the lock for this job")
	}

	job, err := b.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	result := ""
	if finalOutput != nil {
		result = *finalOutput
	} else {
		assembled, _, err := b.chunks.Assemble(ctx, jobID)
		if err != nil {
			return nil, err
		}
		result = assembled
	}

	now := b.now()
	if err := b.jobs.MoveToCompleted(ctx, job, result, now); err != nil {
		return nil, err
	}
	if _, err := b.locks.Release(ctx, jobID, nodeID); err != nil {
		return nil, err
	}
	if err := b.chunks.DeleteLog(ctx, jobID); err != nil {
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.JobsCompleted.Inc()
	}
	b.archiveJob(ctx, job)
	return job, nil
}

// Fail verifies the lock and transitions the job to failed.
func (b *Broker) Fail(ctx context.Context, jobID, nodeID, publicKeyB64, reason string) (*jobstore.Job, error) {
	if err := b.verifyNodeKey(ctx, nodeID, publicKeyB64); err != nil {
		return nil, err
	}
	holds, err := b.locks.Check(ctx, jobID, nodeID)
	if err != nil {
		return nil, err
	}
	if !holds {
		return nil, apierrors.Forbidden("caller does not hold the lock for this job")
	}

	job, err := b.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	now := b.now()
	if err := b.jobs.MoveToFailed(ctx, job, reason, now); err != nil {
		return nil, err
	}
	if _, err := b.locks.Release(ctx, jobID, nodeID); err != nil {
		return nil, err
	}
	if err := b.chunks.DeleteLog(ctx, jobID); err != nil {
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.JobsFailed.Inc()
	}
	b.archiveJob(ctx, job)
	return job, nil
}

// archiveJob writes job to the configured archiver, if any. Archival never
// fails the request that triggered it: a dropped archive record is
// recoverable from the job store until cleanup runs, so errors here are
// swallowed rather than surfaced to the caller.
func (b *Broker) archiveJob(ctx context.Context, job *jobstore.Job) {
	if b.archiver == nil {
		return
	}
	_ = b.archiver.Put(ctx, archive.Record{
		JobID:         job.ID,
		Status:        string(job.Status),
		Prompt:        job.Prompt,
		Model:         job.Model,
		Result:        job.Result,
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt,
		CompletedAt:   job.UpdatedAt,
	})
}

// ResultView is the public shape returned by GetResult: a running job
// includes its current concatenated partial result.
type ResultView struct {
	JobID         string `json:"job_id"`
	Status        jobstore.State `json:"status"`
	Result        string         `json:"result,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Partial       string         `json:"partial,omitempty"`
	ChunkCount    int            `json:"chunk_count"`
}

// GetResult returns a job's current externally-visible view.
func (b *Broker) GetResult(ctx context.Context, jobID string) (*ResultView, error) {
	job, err := b.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	view := &ResultView{
		JobID:         job.ID,
		Status:        job.Status,
		Result:        job.Result,
		FailureReason: job.FailureReason,
		ChunkCount:    job.ChunkCount,
	}
	if job.Status == jobstore.StateRunning || job.Status == jobstore.StateAssigned {
		partial, _, err := b.chunks.Assemble(ctx, jobID)
		if err == nil {
			view.Partial = partial
		}
	}
	return view, nil
}

// GetStats reports queue depths for the public stats endpoint.
func (b *Broker) GetStats(ctx context.Context) (jobstore.Stats, error) {
	return b.jobs.Stats(ctx)
}

// CleanupOld removes completed/failed jobs older than maxAge.
func (b *Broker) CleanupOld(ctx context.Context, maxAge time.Duration) (int, error) {
	return b.jobs.CleanupOlderThan(ctx, maxAge, b.now())
}

// Cancel transitions a non-terminal job to failed with a submitter-visible
// reason, per spec.md §5's "no client-initiated cancel channel" note: this
// is the one cancellation surface the core does expose.
func (b *Broker) Cancel(ctx context.Context, jobID, userID, reason string) (*jobstore.Job, error) {
	job, err := b.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, apierrors.Forbidden("caller does not own this job")
	}
	if job.Status == jobstore.StateCompleted || job.Status == jobstore.StateFailed {
		return nil, apierrors.Conflict("job has already reached a terminal state")
	}

	now := b.now()
	if job.Status == jobstore.StateAssigned || job.Status == jobstore.StateRunning {
		if holder, ok, _ := b.locks.Holder(ctx, jobID); ok {
			_, _ = b.locks.Release(ctx, jobID, holder)
		}
		_ = b.chunks.DeleteLog(ctx, jobID)
	}
	if err := b.jobs.MoveToFailed(ctx, job, reason, now); err != nil {
		return nil, err
	}
	return job, nil
}

// --- Node-facing surface ---

// ClaimNode binds a node fingerprint to a user.
func (b *Broker) ClaimNode(ctx context.Context, publicKeyB64, name, userID string) (*noderegistry.Node, error) {
	nodeID, err := identity.FingerprintFromWire(publicKeyB64)
	if err != nil {
		return nil, apierrors.BadRequest(err.Error())
	}
	return b.nodes.Claim(ctx, nodeID, publicKeyB64, name, userID, b.now())
}

// PingNode refreshes a claimed node's liveness.
func (b *Broker) PingNode(ctx context.Context, nodeID, publicKeyB64 string, capabilities map[string]any, activeJobs, maxConcurrentJobs *int) (*noderegistry.Node, error) {
	return b.nodes.Ping(ctx, nodeID, publicKeyB64, capabilities, activeJobs, maxConcurrentJobs, b.now())
}

// SetNodeVisibility toggles a node's public listing.
func (b *Broker) SetNodeVisibility(ctx context.Context, nodeID, userID string, isPublic bool) error {
	return b.nodes.SetVisibility(ctx, nodeID, userID, isPublic)
}

// ListNodesForUser returns userID's claimed nodes.
func (b *Broker) ListNodesForUser(ctx context.Context, userID string, onlineWindow time.Duration) ([]*noderegistry.Node, error) {
	return b.nodes.ListForUser(ctx, userID)
}

// ListPublicNodes returns every publicly listed node and the count
// currently online, per spec.md §4.2's listPublic contract.
func (b *Broker) ListPublicNodes(ctx context.Context, onlineWindow time.Duration) ([]*noderegistry.Node, int, error) {
	nodes, err := b.nodes.ListPublic(ctx)
	if err != nil {
		return nil, 0, err
	}
	nowMs := b.now().UnixMilli()
	online := 0
	for _, n := range nodes {
		if n.IsOnline(nowMs, onlineWindow.Milliseconds()) {
			online++
		}
	}
	return nodes, online, nil
}

// CleanupInactiveNodes hard-removes nodes past their inactivity horizon.
func (b *Broker) CleanupInactiveNodes(ctx context.Context, horizon time.Duration) (int, error) {
	return b.nodes.CleanupInactive(ctx, horizon, b.now())
}
