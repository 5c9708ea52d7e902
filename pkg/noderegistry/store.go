package noderegistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	apierrors "github.com/llmjob/coordinator/internal/errors"
	"github.com/llmjob/coordinator/pkg/kvstore"
)

const (
	nodeKeyPrefix = "node:"
	nodeGlob      = "node:*"
	setPublic     = "nodes:public"
	userSetPrefix = "nodes:user:"
)

// Store persists Node records and the membership sets used to list public
// and per-user fleets without a full table scan.
type Store struct {
	kv       kvstore.Adapter
	softTTL  time.Duration
	onlineMs int64
}

// New builds a Store. softTTL is the inactivity window after which an
// unrefreshed node's record may be reaped by the backend's own expiry (a
// belt-and-braces mechanism alongside CleanupInactive). onlineWindow is the
// threshold IsOnline uses.
func New(kv kvstore.Adapter, softTTL, onlineWindow time.Duration) *Store {
	return &Store{kv: kv, softTTL: softTTL, onlineMs: onlineWindow.Milliseconds()}
}

func nodeKey(id string) string    { return nodeKeyPrefix + id }
func userSetKey(id string) string { return userSetPrefix + id }

func (s *Store) put(ctx context.Context, node *Node) error {
	b, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("noderegistry: marshal node %q: %w", node.NodeID, err)
	}
	if err := s.kv.Set(ctx, nodeKey(node.NodeID), string(b), s.softTTL); err != nil {
		return fmt.Errorf("noderegistry: put node %q: %w", node.NodeID, err)
	}
	return nil
}

// Get loads a node record. Returns apierrors.NotFound if absent.
func (s *Store) Get(ctx context.Context, nodeID string) (*Node, error) {
	raw, ok, err := s.kv.Get(ctx, nodeKey(nodeID))
	if err != nil {
		return nil, fmt.Errorf("noderegistry: get node %q: %w", nodeID, err)
	}
	if !ok {
		return nil, apierrors.NotFound("node not found")
	}
	var node Node
	if err := json.Unmarshal([]byte(raw), &node); err != nil {
		return nil, fmt.Errorf("noderegistry: decode node %q: %w", nodeID, err)
	}
	return &node, nil
}

// Claim binds nodeID (the caller-derived fingerprint) to userID. A second
// claim by a different user over the same fingerprint fails Conflict, per
// spec.md §4.2 and the fingerprint-collision Open Question resolution.
func (s *Store) Claim(ctx context.Context, nodeID, publicKeyB64, name, userID string, now time.Time) (*Node, error) {
	existing, err := s.Get(ctx, nodeID)
	if err != nil && apierrors.As(err).Code != apierrors.CodeNotFound {
		return nil, err
	}

	nowMs := now.UnixMilli()
	if existing != nil {
		if existing.UserID != "" && existing.UserID != userID {
			return nil, apierrors.Conflict("node fingerprint already claimed by another user")
		}
		existing.PublicKey = publicKeyB64
		existing.Name = name
		existing.UserID = userID
		existing.Status = StatusOnline
		existing.LastSeen = nowMs
		if existing.ClaimedAt == 0 {
			existing.ClaimedAt = nowMs
		}
		if err := s.put(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	node := &Node{
		NodeID:            nodeID,
		PublicKey:         publicKeyB64,
		Name:              name,
		UserID:            userID,
		Status:            StatusOnline,
		LastSeen:          nowMs,
		MaxConcurrentJobs: 1,
		ClaimedAt:         nowMs,
	}
	if err := s.put(ctx, node); err != nil {
		return nil, err
	}
	if err := s.addToUserSet(ctx, userID, nodeID); err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Store) addToUserSet(ctx context.Context, userID, nodeID string) error {
	return s.kv.SAdd(ctx, userSetKey(userID), nodeID)
}

// Ping refreshes a claimed node's liveness. publicKeyB64 must match the
// stored key exactly, per spec.md §4.2; mismatches are Unauthorized, not
// NotFound, so a spoofed nodeId can't be distinguished from a real one.
func (s *Store) Ping(ctx context.Context, nodeID, publicKeyB64 string, capabilities map[string]any, activeJobs, maxConcurrentJobs *int, now time.Time) (*Node, error) {
	node, err := s.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.PublicKey != publicKeyB64 {
		return nil, apierrors.Unauthorized("public key does not match claimed node")
	}

	node.LastSeen = now.UnixMilli()
	node.Status = StatusOnline
	if capabilities != nil {
		node.Capabilities = capabilities
	}
	if activeJobs != nil {
		node.ActiveJobs = *activeJobs
	}
	if maxConcurrentJobs != nil {
		node.MaxConcurrentJobs = *maxConcurrentJobs
	}

	if err := s.put(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// SetVisibility toggles a node's public listing, after checking userID owns it.
func (s *Store) SetVisibility(ctx context.Context, nodeID, userID string, isPublic bool) error {
	node, err := s.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.UserID != userID {
		return apierrors.Forbidden("caller does not own this node")
	}

	node.IsPublic = isPublic
	if err := s.put(ctx, node); err != nil {
		return err
	}

	if isPublic {
		return s.kv.SAdd(ctx, setPublic, nodeID)
	}
	return s.kv.SRem(ctx, setPublic, nodeID)
}

// ListForUser returns every node claimed by userID.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*Node, error) {
	ids, err := s.kv.SMembers(ctx, userSetKey(userID))
	if err != nil {
		return nil, err
	}
	return s.loadAll(ctx, ids)
}

// ListPublic returns every node currently marked public.
func (s *Store) ListPublic(ctx context.Context) ([]*Node, error) {
	ids, err := s.kv.SMembers(ctx, setPublic)
	if err != nil {
		return nil, err
	}
	return s.loadAll(ctx, ids)
}

func (s *Store) loadAll(ctx context.Context, ids []string) ([]*Node, error) {
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		node, err := s.Get(ctx, id)
		if err != nil {
			if apierrors.As(err).Code == apierrors.CodeNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// CleanupInactive hard-removes nodes whose lastSeen exceeds
// inactivityHorizon, per spec.md §3's registry cleanup pass. Returns the
// count removed.
func (s *Store) CleanupInactive(ctx context.Context, inactivityHorizon time.Duration, now time.Time) (int, error) {
	keys, err := s.kv.Keys(ctx, nodeGlob)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-inactivityHorizon).UnixMilli()
	removed := 0
	for _, key := range keys {
		nodeID := key[len(nodeKeyPrefix):]
		node, err := s.Get(ctx, nodeID)
		if err != nil {
			continue
		}
		if node.LastSeen >= cutoff {
			continue
		}
		if err := s.kv.Delete(ctx, nodeKey(nodeID)); err != nil {
			return removed, err
		}
		if node.UserID != "" {
			_ = s.kv.SRem(ctx, userSetKey(node.UserID), nodeID)
		}
		_ = s.kv.SRem(ctx, setPublic, nodeID)
		removed++
	}
	return removed, nil
}
