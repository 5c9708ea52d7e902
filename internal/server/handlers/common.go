package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	apierrors "github.com/llmjob/coordinator/internal/errors"
	"github.com/llmjob/coordinator/pkg/identity"
)

// userIDHeader carries the caller's identity as resolved by the upstream
// user-authentication provider, which spec.md §1 treats as an external
// collaborator this core never implements.
const userIDHeader = "X-User-ID"

func requireUserID(r *http.Request) (string, error) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		return "", apierrors.Unauthorized("missing caller identity")
	}
	return userID, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// verifyEnvelope checks a node-signed request's signature envelope and
// returns the verified claim.
func verifyEnvelope(req signatureEnvelopeRequest, freshnessWindow time.Duration) (*identity.Claim, error) {
	env := identity.Envelope{
		NodeID:    req.NodeID,
		PublicKey: req.PublicKey,
		Signature: req.Signature,
		Timestamp: req.Timestamp,
	}
	return identity.Verify(env, freshnessWindow, time.Now())
}
