package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/llmjob/coordinator/internal/errors"
	"github.com/llmjob/coordinator/pkg/broker"
	"github.com/llmjob/coordinator/pkg/identity"
)

// NodesHandler implements the node-claiming and node-listing surface from
// spec.md §6.
type NodesHandler struct {
	Broker          *broker.Broker
	FreshnessWindow time.Duration
	OnlineWindow    time.Duration
}

func NewNodesHandler(b *broker.Broker) *NodesHandler {
	return &NodesHandler{Broker: b, FreshnessWindow: identity.DefaultFreshnessWindow, OnlineWindow: 15 * time.Minute}
}

// Mount registers this handler's routes on r.
func (h *NodesHandler) Mount(r chi.Router) {
	r.Post("/nodes/claim", h.Claim)
	r.Post("/nodes/ping", h.Ping)
	r.Get("/nodes", h.ListForUser)
	r.Get("/nodes/public", h.ListPublic)
	r.Put("/nodes/{id}/visibility", h.SetVisibility)
}

type claimRequest struct {
	PublicKey string `json:"publicKey"`
	Name      string `json:"name"`
}

func (h *NodesHandler) Claim(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, r, apierrors.BadRequest("malformed request body"))
		return
	}
	if req.PublicKey == "" || req.Name == "" {
		respondWithError(w, r, apierrors.BadRequest("publicKey and name are required"))
		return
	}

	node, err := h.Broker.ClaimNode(r.Context(), req.PublicKey, req.Name, userID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"nodeId":  node.NodeID,
		"status":  node.Status,
	})
}

type signatureEnvelopeRequest struct {
	NodeID            string         `json:"nodeId"`
	PublicKey         string         `json:"publicKey"`
	Signature         string         `json:"signature"`
	Timestamp         int64          `json:"timestamp"`
	Capabilities      map[string]any `json:"capabilities"`
	ActiveJobs        *int           `json:"activeJobs"`
	MaxConcurrentJobs *int           `json:"maxConcurrentJobs"`
}

func (h *NodesHandler) Ping(w http.ResponseWriter, r *http.Request) {
	var req signatureEnvelopeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, r, apierrors.BadRequest("malformed request body"))
		return
	}

	if _, err := verifyEnvelope(req, h.FreshnessWindow); err != nil {
		respondWithError(w, r, err)
		return
	}

	node, err := h.Broker.PingNode(r.Context(), req.NodeID, req.PublicKey, req.Capabilities, req.ActiveJobs, req.MaxConcurrentJobs)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  node.Status,
	})
}

func (h *NodesHandler) ListForUser(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	nodes, err := h.Broker.ListNodesForUser(r.Context(), userID, h.OnlineWindow)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (h *NodesHandler) ListPublic(w http.ResponseWriter, r *http.Request) {
	nodes, online, err := h.Broker.ListPublicNodes(r.Context(), h.OnlineWindow)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "totalOnline": online})
}

func (h *NodesHandler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	nodeID := chi.URLParam(r, "id")

	var body struct {
		IsPublic bool `json:"isPublic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, r, apierrors.BadRequest("malformed request body"))
		return
	}

	if err := h.Broker.SetNodeVisibility(r.Context(), nodeID, userID, body.IsPublic); err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "isPublic": body.IsPublic})
}
