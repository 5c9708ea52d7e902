package handlers

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/llmjob/coordinator/internal/errors"
	"github.com/llmjob/coordinator/internal/observability"
	"github.com/llmjob/coordinator/pkg/broker"
	"github.com/llmjob/coordinator/pkg/chunkaggregator"
	"github.com/llmjob/coordinator/pkg/identity"
	"github.com/llmjob/coordinator/pkg/jobstore"
	"github.com/llmjob/coordinator/pkg/kvstore/memstore"
	"github.com/llmjob/coordinator/pkg/lockmanager"
	"github.com/llmjob/coordinator/pkg/noderegistry"
	"github.com/llmjob/coordinator/pkg/scheduler"
)

// testHarness wires a real Broker behind a real chi.Router carrying the
// node and job routes, the same way server.Server.RegisterBroker does, so
// these tests exercise envelope verification and the handler-to-broker
// wiring, not just broker internals.
type testHarness struct {
	router *chi.Mux
	broker *broker.Broker
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	kv := memstore.New()
	jobs := jobstore.New(kv)
	nodes := noderegistry.New(kv, time.Hour, time.Minute)
	locks := lockmanager.New(kv)
	sched := scheduler.New(jobs, locks)
	chunks := chunkaggregator.New(kv, locks)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	defaults := broker.Defaults{Model: "default-model", MaxTokens: 256, Temperature: 0.7, Priority: 0}
	b := broker.New(jobs, nodes, locks, sched, chunks, defaults, metrics)

	r := chi.NewRouter()
	NewNodesHandler(b).Mount(r)
	NewJobsHandler(b, nil).Mount(r)
	return &testHarness{router: r, broker: b}
}

func (h *testHarness) do(t *testing.T, method, path string, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

// signedNode is a claimed node with its keypair in hand, so tests can sign
// fresh envelopes for any call.
type signedNode struct {
	nodeID string
	priv   ed25519.PrivateKey
	pub    string // base64
}

func claimSignedNode(t *testing.T, h *testHarness, userID string) signedNode {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pubB64 := identity.EncodePublicKey(pub)

	node, err := h.broker.ClaimNode(context.Background(), pubB64, "worker", userID)
	require.NoError(t, err)
	return signedNode{nodeID: node.NodeID, priv: priv, pub: pubB64}
}

// envelope signs nodeID under n's own key, regardless of whether nodeID is
// n's own id -- tests that want a mismatched binding pass a different id.
func (n signedNode) envelope(nodeID string, ts time.Time) map[string]any {
	millis := ts.UnixMilli()
	return map[string]any{
		"nodeId":    nodeID,
		"publicKey": n.pub,
		"signature": identity.Sign(n.priv, nodeID, millis),
		"timestamp": millis,
	}
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body apierrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Code
}

func TestJobLifecycle_HappyPathOverHTTP(t *testing.T) {
	h := newTestHarness(t)
	node := claimSignedNode(t, h, "user-1")

	submitRec := h.do(t, http.MethodPost, "/jobs", "user-1", map[string]any{"prompt": "hello"})
	require.Equal(t, http.StatusCreated, submitRec.Code)

	var submitted struct {
		Job jobstore.Job `json:"job"`
	}
	require.NoError(t, json.NewDecoder(submitRec.Body).Decode(&submitted))
	jobID := submitted.Job.ID
	require.NotEmpty(t, jobID)

	now := time.Now()
	pollBody := node.envelope(node.nodeID, now)
	pollBody["maxJobs"] = 1
	pollRec := h.do(t, http.MethodPost, "/jobs/poll", "", pollBody)
	require.Equal(t, http.StatusOK, pollRec.Code)

	var polled struct {
		Jobs []jobstore.Job `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(pollRec.Body).Decode(&polled))
	require.Len(t, polled.Jobs, 1)
	assert.Equal(t, jobID, polled.Jobs[0].ID)

	hbRec := h.do(t, http.MethodPost, "/jobs/"+jobID+"/heartbeat", "", node.envelope(node.nodeID, time.Now()))
	require.Equal(t, http.StatusOK, hbRec.Code)

	chunkBody := node.envelope(node.nodeID, time.Now())
	chunkBody["chunkIndex"] = 0
	chunkBody["content"] = "hello world"
	chunkBody["isFinal"] = true
	chunkRec := h.do(t, http.MethodPost, "/jobs/"+jobID+"/chunks", "", chunkBody)
	require.Equal(t, http.StatusOK, chunkRec.Code)

	completeBody := node.envelope(node.nodeID, time.Now())
	completeRec := h.do(t, http.MethodPost, "/jobs/"+jobID+"/complete", "", completeBody)
	require.Equal(t, http.StatusOK, completeRec.Code)

	resultRec := h.do(t, http.MethodGet, "/jobs/"+jobID, "", nil)
	require.Equal(t, http.StatusOK, resultRec.Code)

	var result struct {
		Status  string `json:"status"`
		Partial string `json:"partial"`
	}
	require.NoError(t, json.NewDecoder(resultRec.Body).Decode(&result))
	assert.Equal(t, string(jobstore.StateCompleted), result.Status)
}

// TestHeartbeatRejectsSpoofedPublicKeyOverHTTP is the HTTP-layer regression
// test for the node-impersonation defect: a caller who knows a node's public
// nodeId but signs with a different keypair must be rejected even though the
// signature verifies fine on its own.
func TestHeartbeatRejectsSpoofedPublicKeyOverHTTP(t *testing.T) {
	h := newTestHarness(t)
	victim := claimSignedNode(t, h, "user-1")
	attacker := claimSignedNode(t, h, "user-2")

	submitRec := h.do(t, http.MethodPost, "/jobs", "user-1", map[string]any{"prompt": "hello"})
	require.Equal(t, http.StatusCreated, submitRec.Code)
	var submitted struct {
		Job jobstore.Job `json:"job"`
	}
	require.NoError(t, json.NewDecoder(submitRec.Body).Decode(&submitted))
	jobID := submitted.Job.ID

	pollBody := victim.envelope(victim.nodeID, time.Now())
	pollBody["maxJobs"] = 1
	pollRec := h.do(t, http.MethodPost, "/jobs/poll", "", pollBody)
	require.Equal(t, http.StatusOK, pollRec.Code)

	// attacker signs a fully valid envelope -- under their OWN key -- but
	// claims the victim's nodeId. The signature is internally consistent;
	// only a cross-check against the node registry's key on file catches it.
	spoofed := map[string]any{
		"nodeId":    victim.nodeID,
		"publicKey": attacker.pub,
		"signature": identity.Sign(attacker.priv, victim.nodeID, time.Now().UnixMilli()),
		"timestamp": time.Now().UnixMilli(),
	}

	hbRec := h.do(t, http.MethodPost, "/jobs/"+jobID+"/heartbeat", "", spoofed)
	require.Equal(t, http.StatusUnauthorized, hbRec.Code)
	assert.Equal(t, string(apierrors.CodeUnauthorized), decodeErrorCode(t, hbRec))
}

func TestHeartbeatRejectsWrongHolderOverHTTP(t *testing.T) {
	h := newTestHarness(t)
	holder := claimSignedNode(t, h, "user-1")
	other := claimSignedNode(t, h, "user-1")

	submitRec := h.do(t, http.MethodPost, "/jobs", "user-1", map[string]any{"prompt": "hello"})
	require.Equal(t, http.StatusCreated, submitRec.Code)
	var submitted struct {
		Job jobstore.Job `json:"job"`
	}
	require.NoError(t, json.NewDecoder(submitRec.Body).Decode(&submitted))
	jobID := submitted.Job.ID

	pollBody := holder.envelope(holder.nodeID, time.Now())
	pollBody["maxJobs"] = 1
	pollRec := h.do(t, http.MethodPost, "/jobs/poll", "", pollBody)
	require.Equal(t, http.StatusOK, pollRec.Code)

	// other is a real, legitimately claimed node signing honestly under its
	// own key -- it simply never polled this job, so it doesn't hold the lock.
	hbRec := h.do(t, http.MethodPost, "/jobs/"+jobID+"/heartbeat", "", other.envelope(other.nodeID, time.Now()))
	require.Equal(t, http.StatusForbidden, hbRec.Code)
	assert.Equal(t, string(apierrors.CodeForbidden), decodeErrorCode(t, hbRec))
}

func TestHeartbeatRejectsStaleTimestampOverHTTP(t *testing.T) {
	h := newTestHarness(t)
	node := claimSignedNode(t, h, "user-1")

	submitRec := h.do(t, http.MethodPost, "/jobs", "user-1", map[string]any{"prompt": "hello"})
	require.Equal(t, http.StatusCreated, submitRec.Code)
	var submitted struct {
		Job jobstore.Job `json:"job"`
	}
	require.NoError(t, json.NewDecoder(submitRec.Body).Decode(&submitted))
	jobID := submitted.Job.ID

	pollBody := node.envelope(node.nodeID, time.Now())
	pollBody["maxJobs"] = 1
	pollRec := h.do(t, http.MethodPost, "/jobs/poll", "", pollBody)
	require.Equal(t, http.StatusOK, pollRec.Code)

	stale := node.envelope(node.nodeID, time.Now().Add(-1*time.Hour))
	hbRec := h.do(t, http.MethodPost, "/jobs/"+jobID+"/heartbeat", "", stale)
	require.Equal(t, http.StatusUnauthorized, hbRec.Code)
	assert.Equal(t, string(apierrors.CodeUnauthorized), decodeErrorCode(t, hbRec))
}
