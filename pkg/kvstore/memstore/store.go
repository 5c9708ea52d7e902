// Package memstore is an in-process kvstore.Adapter backed by a
// mutex-guarded map, used for local development and the test suite. It
// mirrors the concurrency discipline of the teacher's jobregistry.Store:
// no lock is held across a blocking operation, and every mutation is a
// single in-memory critical section.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/llmjob/coordinator/pkg/kvstore"
)

// Store is a concurrency-safe in-memory kvstore.Adapter.
type Store struct {
	mu        sync.Mutex
	strings   map[string]string
	hashes    map[string]map[string]string
	sets      map[string]map[string]struct{}
	zsets     map[string]map[string]float64
	expiresAt map[string]time.Time
	now       func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		strings:   make(map[string]string),
		hashes:    make(map[string]map[string]string),
		sets:      make(map[string]map[string]struct{}),
		zsets:     make(map[string]map[string]float64),
		expiresAt: make(map[string]time.Time),
		now:       time.Now,
	}
}

var _ kvstore.Adapter = (*Store)(nil)

// expiredLocked reports and, if true, evicts an expired key. Caller must
// hold s.mu.
func (s *Store) expiredLocked(key string) bool {
	exp, ok := s.expiresAt[key]
	if !ok {
		return false
	}
	if s.now().Before(exp) {
		return false
	}
	s.purgeLocked(key)
	return true
}

func (s *Store) purgeLocked(key string) {
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.sets, key)
	delete(s.zsets, key)
	delete(s.expiresAt, key)
}

func (s *Store) existsLocked(key string) bool {
	if s.expiredLocked(key) {
		return false
	}
	if _, ok := s.strings[key]; ok {
		return true
	}
	if _, ok := s.hashes[key]; ok {
		return true
	}
	if _, ok := s.sets[key]; ok {
		return true
	}
	if _, ok := s.zsets[key]; ok {
		return true
	}
	return false
}

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return "", false, nil
	}
	v, ok := s.strings[key]
	return v, ok, nil
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = value
	s.setExpiryLocked(key, ttl)
	return nil
}

func (s *Store) setExpiryLocked(key string, ttl time.Duration) {
	if ttl <= 0 {
		delete(s.expiresAt, key)
		return
	}
	s.expiresAt[key] = s.now().Add(ttl)
}

func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsLocked(key) {
		return false, nil
	}
	s.strings[key] = value
	s.setExpiryLocked(key, ttl)
	return true, nil
}

func (s *Store) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return false, nil
	}
	current, ok := s.strings[key]
	if !ok || current != expected {
		return false, nil
	}
	s.purgeLocked(key)
	return true, nil
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.purgeLocked(k)
	}
	return nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.existsLocked(key) {
		return kvstore.ErrNotFound
	}
	s.setExpiryLocked(key, ttl)
	return nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) || !s.existsLocked(key) {
		return kvstore.MissingTTL, nil
	}
	exp, ok := s.expiresAt[key]
	if !ok {
		return kvstore.NoExpiryTTL, nil
	}
	return exp.Sub(s.now()), nil
}

func (s *Store) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiredLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return map[string]string{}, nil
	}
	h := s.hashes[key]
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (s *Store) HDelete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes, key)
	return nil
}

func (s *Store) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiredLocked(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *Store) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return nil, nil
	}
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ZAdd(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiredLocked(key)
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *Store) ZRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(z, m)
	}
	return nil
}

func (s *Store) ZScore(_ context.Context, key, member string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return 0, false, nil
	}
	score, ok := s.zsets[key][member]
	return score, ok, nil
}

type zmember struct {
	member string
	score  float64
}

func (s *Store) ZRangeByScore(_ context.Context, key string, min, max float64, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return nil, nil
	}
	z := s.zsets[key]
	items := make([]zmember, 0, len(z))
	for m, score := range z {
		if score < min || score > max {
			continue
		}
		items = append(items, zmember{member: m, score: score})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score < items[j].score
		}
		return items[i].member < items[j].member
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.member)
	}
	return out, nil
}

func (s *Store) ZCard(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return 0, nil
	}
	return len(s.zsets[key]), nil
}

func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	collect := func(k string) {
		seen[k] = struct{}{}
	}
	for k := range s.strings {
		collect(k)
	}
	for k := range s.hashes {
		collect(k)
	}
	for k := range s.sets {
		collect(k)
	}
	for k := range s.zsets {
		collect(k)
	}

	var out []string
	for k := range seen {
		if s.expiredLocked(k) {
			continue
		}
		ok, err := doublestar.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}
