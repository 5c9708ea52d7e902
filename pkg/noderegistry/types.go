// Package noderegistry tracks worker nodes: claim binds a fingerprint to a
// user, ping refreshes liveness, and cleanup evicts nodes past their
// inactivity horizon. Persistence follows the same JSON-record-over-a-key
// idiom as pkg/jobstore, grounded on the teacher's pkg/jobregistry.Store.
package noderegistry

// Status is the cached liveness hint stored on a node. spec.md §3 notes
// this is advisory; the authoritative predicate is computed at read time
// from lastSeen.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Node is the persistent record for a claimed or unclaimed worker.
type Node struct {
	NodeID            string         `json:"node_id"`
	PublicKey         string         `json:"public_key"` // base64
	Name              string         `json:"name"`
	UserID            string         `json:"user_id,omitempty"`
	Status            Status         `json:"status"`
	LastSeen          int64          `json:"last_seen"`
	IsPublic          bool           `json:"is_public"`
	Capabilities      map[string]any `json:"capabilities,omitempty"`
	ActiveJobs        int            `json:"active_jobs"`
	MaxConcurrentJobs int            `json:"max_concurrent_jobs"`
	ClaimedAt         int64          `json:"claimed_at,omitempty"`
}

// IsOnline implements spec.md §3's derived view: online iff
// now - lastSeen < onlineWindow. The stored Status field is a cache only.
func (n *Node) IsOnline(nowMs int64, onlineWindow int64) bool {
	return nowMs-n.LastSeen < onlineWindow
}
