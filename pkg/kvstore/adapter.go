// Package kvstore defines the storage capability set the coordinator core
// is built against (spec.md §9 "Polymorphism of store backends"): strings,
// hashes, sets, sorted sets, TTL, and atomic set-if-absent / compare-and-delete.
// Any backend providing per-key atomicity over these primitives is a valid
// Adapter implementation; the core never reaches past this interface.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by operations that require an existing key.
var ErrNotFound = errors.New("kvstore: key not found")

// NoExpiry marks a key written without a TTL.
const NoExpiry time.Duration = 0

// MissingTTL is what TTL returns for a key that does not exist, matching the
// Redis-style "-2" convention spec.md §4.8 relies on to detect an expired lock.
const MissingTTL = -2 * time.Millisecond

// NoExpiryTTL is what TTL returns for a key that exists but carries no expiry.
const NoExpiryTTL = -1 * time.Millisecond

// Adapter is the thin semantic layer over the backing store named in
// spec.md §2 ("KV/Queue Adapter") and detailed in SPEC_FULL.md §4.0.
//
// All methods are safe for concurrent use and atomic per key; no caller may
// assume atomicity across more than one call.
type Adapter interface {
	// Strings
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Hashes
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDelete(ctx context.Context, key string) error

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Sorted sets
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	// ZRangeByScore returns members with min <= score <= max, ascending by
	// score then lexicographically by member (spec.md §4.4 tie-break note).
	// limit <= 0 means unlimited.
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error)
	ZCard(ctx context.Context, key string) (int, error)

	// Keys returns all keys matching a doublestar glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
}
