package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/llmjob/coordinator/pkg/kvstore"
)

// Store is a kvstore.Adapter backed by a SQLite/libsql database opened with
// Open. Only the strings table carries a TTL; sets, hashes and sorted sets
// are used exclusively for the coordinator's durable collections, which are
// never expired wholesale.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened, already-migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ kvstore.Adapter = (*Store)(nil)

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at_ms FROM kv_strings WHERE key = ?`, key).
		Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlstore: get %q: %w", key, err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= nowMillis() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_strings WHERE key = ?`, key)
		return "", false, nil
	}
	return value, true, nil
}

func expiryValue(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nowMillis() + ttl.Milliseconds(), Valid: true}
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_strings (key, value, expires_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at_ms = excluded.expires_at_ms
	`, key, value, expiryValue(ttl))
	if err != nil {
		return fmt.Errorf("sqlstore: set %q: %w", key, err)
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlstore: setnx %q: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	var expiresAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT value, expires_at_ms FROM kv_strings WHERE key = ?`, key).
		Scan(&existing, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	case err != nil:
		return false, fmt.Errorf("sqlstore: setnx %q: %w", key, err)
	default:
		if !expiresAt.Valid || expiresAt.Int64 > nowMillis() {
			return false, nil
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kv_strings (key, value, expires_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at_ms = excluded.expires_at_ms
	`, key, value, expiryValue(ttl)); err != nil {
		return false, fmt.Errorf("sqlstore: setnx %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlstore: setnx %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlstore: compare-and-delete %q: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	var value string
	var expiresAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT value, expires_at_ms FROM kv_strings WHERE key = ?`, key).
		Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlstore: compare-and-delete %q: %w", key, err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= nowMillis() {
		_, _ = tx.ExecContext(ctx, `DELETE FROM kv_strings WHERE key = ?`, key)
		_ = tx.Commit()
		return false, nil
	}
	if value != expected {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_strings WHERE key = ?`, key); err != nil {
		return false, fmt.Errorf("sqlstore: compare-and-delete %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlstore: compare-and-delete %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_strings WHERE key = ?`, key); err != nil {
			return fmt.Errorf("sqlstore: delete %q: %w", key, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_hashes WHERE key = ?`, key); err != nil {
			return fmt.Errorf("sqlstore: delete %q: %w", key, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_sets WHERE key = ?`, key); err != nil {
			return fmt.Errorf("sqlstore: delete %q: %w", key, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_zsets WHERE key = ?`, key); err != nil {
			return fmt.Errorf("sqlstore: delete %q: %w", key, err)
		}
	}
	return nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `UPDATE kv_strings SET expires_at_ms = ? WHERE key = ?`, expiryValue(ttl), key)
	if err != nil {
		return fmt.Errorf("sqlstore: expire %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: expire %q: %w", key, err)
	}
	if n == 0 {
		return kvstore.ErrNotFound
	}
	return nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT expires_at_ms FROM kv_strings WHERE key = ?`, key).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return kvstore.MissingTTL, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlstore: ttl %q: %w", key, err)
	}
	if !expiresAt.Valid {
		return kvstore.NoExpiryTTL, nil
	}
	remaining := expiresAt.Int64 - nowMillis()
	if remaining <= 0 {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_strings WHERE key = ?`, key)
		return kvstore.MissingTTL, nil
	}
	return time.Duration(remaining) * time.Millisecond, nil
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: hset %q: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	for field, value := range fields {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv_hashes (key, field, value) VALUES (?, ?, ?)
			ON CONFLICT(key, field) DO UPDATE SET value = excluded.value
		`, key, field, value); err != nil {
			return fmt.Errorf("sqlstore: hset %q: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM kv_hashes WHERE key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: hgetall %q: %w", key, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("sqlstore: hgetall %q: %w", key, err)
		}
		out[field] = value
	}
	return out, rows.Err()
}

func (s *Store) HDelete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_hashes WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlstore: hdelete %q: %w", key, err)
	}
	return nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: sadd %q: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO kv_sets (key, member) VALUES (?, ?)`, key, m); err != nil {
			return fmt.Errorf("sqlstore: sadd %q: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: srem %q: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_sets WHERE key = ? AND member = ?`, key, m); err != nil {
			return fmt.Errorf("sqlstore: srem %q: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT member FROM kv_sets WHERE key = ? ORDER BY member`, key)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: smembers %q: %w", key, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("sqlstore: smembers %q: %w", key, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_zsets (key, member, score) VALUES (?, ?, ?)
		ON CONFLICT(key, member) DO UPDATE SET score = excluded.score
	`, key, member, score)
	if err != nil {
		return fmt.Errorf("sqlstore: zadd %q: %w", key, err)
	}
	return nil
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: zrem %q: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_zsets WHERE key = ? AND member = ?`, key, m); err != nil {
			return fmt.Errorf("sqlstore: zrem %q: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	var score float64
	err := s.db.QueryRowContext(ctx, `SELECT score FROM kv_zsets WHERE key = ? AND member = ?`, key, member).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlstore: zscore %q: %w", key, err)
	}
	return score, true, nil
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error) {
	query := `SELECT member FROM kv_zsets WHERE key = ? AND score >= ? AND score <= ? ORDER BY score ASC, member ASC`
	args := []any{key, min, max}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: zrangebyscore %q: %w", key, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("sqlstore: zrangebyscore %q: %w", key, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ZCard(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_zsets WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: zcard %q: %w", key, err)
	}
	return n, nil
}

// Keys enumerates the union of keys across all four collection tables and
// filters them with a doublestar glob in Go, since SQLite's GLOB operator
// does not support "**" path-style wildcards.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	tables := []string{"kv_strings", "kv_hashes", "kv_sets", "kv_zsets"}
	for _, table := range tables {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT DISTINCT key FROM %s`, table))
		if err != nil {
			return nil, fmt.Errorf("sqlstore: keys: %w", err)
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return nil, fmt.Errorf("sqlstore: keys: %w", err)
			}
			seen[k] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	// expire-sweep strings lazily so a stale locked key doesn't show up as
	// present.
	now := nowMillis()
	var out []string
	for k := range seen {
		ok, err := doublestar.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var expiresAt sql.NullInt64
		err = s.db.QueryRowContext(ctx, `SELECT expires_at_ms FROM kv_strings WHERE key = ?`, k).Scan(&expiresAt)
		if err == nil && expiresAt.Valid && expiresAt.Int64 <= now {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
