package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/llmjob/coordinator/internal/errors"
	"github.com/llmjob/coordinator/pkg/broker"
	"github.com/llmjob/coordinator/pkg/identity"
	"github.com/llmjob/coordinator/pkg/sweeper"
)

// JobsHandler implements the job submission, polling, and lifecycle
// surface from spec.md §6.
type JobsHandler struct {
	Broker          *broker.Broker
	Sweeper         *sweeper.Sweeper
	FreshnessWindow time.Duration
}

func NewJobsHandler(b *broker.Broker, sw *sweeper.Sweeper) *JobsHandler {
	return &JobsHandler{Broker: b, Sweeper: sw, FreshnessWindow: identity.DefaultFreshnessWindow}
}

// Mount registers this handler's routes on r.
func (h *JobsHandler) Mount(r chi.Router) {
	r.Post("/jobs", h.Submit)
	r.Post("/jobs/poll", h.Poll)
	r.Post("/jobs/{id}/heartbeat", h.Heartbeat)
	r.Post("/jobs/{id}/chunks", h.Chunk)
	r.Post("/jobs/{id}/complete", h.Complete)
	r.Post("/jobs/{id}/fail", h.Fail)
	r.Get("/jobs/stats", h.Stats)
	r.Get("/jobs/{id}", h.GetResult)
	r.Post("/jobs/check-timeouts", h.CheckTimeouts)
	r.Post("/jobs/cleanup", h.Cleanup)
}

type submitRequest struct {
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model"`
	Options     map[string]any `json:"options"`
	Priority    *int           `json:"priority"`
	MaxTokens   *int           `json:"maxTokens"`
	Temperature *float64       `json:"temperature"`
}

func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, r, apierrors.BadRequest("malformed request body"))
		return
	}

	job, err := h.Broker.Submit(r.Context(), userID, broker.SubmitRequest{
		Prompt:      req.Prompt,
		Model:       req.Model,
		Options:     req.Options,
		Priority:    req.Priority,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "job": job})
}

type pollRequest struct {
	signatureEnvelopeRequest
	MaxJobs int `json:"maxJobs"`
}

func (h *JobsHandler) Poll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, r, apierrors.BadRequest("malformed request body"))
		return
	}
	if _, err := verifyEnvelope(req.signatureEnvelopeRequest, h.FreshnessWindow); err != nil {
		respondWithError(w, r, err)
		return
	}

	maxJobs := req.MaxJobs
	if maxJobs <= 0 {
		maxJobs = 1
	}

	jobs, err := h.Broker.Poll(r.Context(), req.NodeID, req.PublicKey, maxJobs)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobs": jobs})
}

// verifiedNode decodes and signature-verifies a node-authenticated request
// body, returning the envelope's nodeId and publicKey for the broker to
// bind against the node registry.
func (h *JobsHandler) verifiedNode(w http.ResponseWriter, r *http.Request) (nodeID, publicKey string, ok bool) {
	var req signatureEnvelopeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, r, apierrors.BadRequest("malformed request body"))
		return "", "", false
	}
	if _, err := verifyEnvelope(req, h.FreshnessWindow); err != nil {
		respondWithError(w, r, err)
		return "", "", false
	}
	return req.NodeID, req.PublicKey, true
}

func (h *JobsHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	nodeID, publicKey, ok := h.verifiedNode(w, r)
	if !ok {
		return
	}

	ts, err := h.Broker.Heartbeat(r.Context(), jobID, nodeID, publicKey)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "timestamp": ts})
}

type chunkRequest struct {
	signatureEnvelopeRequest
	ChunkIndex int            `json:"chunkIndex"`
	Content    string         `json:"content"`
	Metrics    map[string]any `json:"metrics"`
	IsFinal    bool           `json:"isFinal"`
}

func (h *JobsHandler) Chunk(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	var req chunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, r, apierrors.BadRequest("malformed request body"))
		return
	}
	if _, err := verifyEnvelope(req.signatureEnvelopeRequest, h.FreshnessWindow); err != nil {
		respondWithError(w, r, err)
		return
	}

	index, err := h.Broker.Chunk(r.Context(), broker.ChunkRequest{
		JobID:     jobID,
		NodeID:    req.NodeID,
		PublicKey: req.PublicKey,
		Index:     req.ChunkIndex,
		Content:   req.Content,
		Metrics:   req.Metrics,
		IsFinal:   req.IsFinal,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "chunkIndex": index})
}

type completeRequest struct {
	signatureEnvelopeRequest
	FinalOutput *string `json:"finalOutput"`
}

func (h *JobsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, r, apierrors.BadRequest("malformed request body"))
		return
	}
	if _, err := verifyEnvelope(req.signatureEnvelopeRequest, h.FreshnessWindow); err != nil {
		respondWithError(w, r, err)
		return
	}

	job, err := h.Broker.Complete(r.Context(), jobID, req.NodeID, req.PublicKey, req.FinalOutput)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
}

type failRequest struct {
	signatureEnvelopeRequest
	Error string `json:"error"`
}

func (h *JobsHandler) Fail(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, r, apierrors.BadRequest("malformed request body"))
		return
	}
	if _, err := verifyEnvelope(req.signatureEnvelopeRequest, h.FreshnessWindow); err != nil {
		respondWithError(w, r, err)
		return
	}
	if req.Error == "" {
		respondWithError(w, r, apierrors.BadRequest("error is required"))
		return
	}

	job, err := h.Broker.Fail(r.Context(), jobID, req.NodeID, req.PublicKey, req.Error)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
}

func (h *JobsHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	result, err := h.Broker.GetResult(r.Context(), jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"jobId":         result.JobID,
		"status":        result.Status,
		"result":        result.Result,
		"failureReason": result.FailureReason,
		"partial":       result.Partial,
		"chunkCount":    result.ChunkCount,
	})
}

func (h *JobsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Broker.GetStats(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

func (h *JobsHandler) CheckTimeouts(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		respondWithError(w, r, apierrors.New(apierrors.CodeServiceUnavailable, "sweeper not configured"))
		return
	}

	ids, err := h.Sweeper.Reclaim(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "timeoutJobs": ids})
}

type cleanupRequest struct {
	MaxAge string `json:"maxAge"`
}

func (h *JobsHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	if _, err := requireUserID(r); err != nil {
		respondWithError(w, r, err)
		return
	}

	var req cleanupRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	maxAge := 24 * time.Hour
	if req.MaxAge != "" {
		parsed, err := time.ParseDuration(req.MaxAge)
		if err != nil {
			respondWithError(w, r, apierrors.BadRequest("maxAge must be a duration string, e.g. \"24h\""))
			return
		}
		maxAge = parsed
	}

	cleaned, err := h.Broker.CleanupOld(r.Context(), maxAge)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "cleaned": cleaned})
}
