package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version) VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS kv_strings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at_ms INTEGER
		);`,

		`CREATE TABLE IF NOT EXISTS kv_hashes (
			key TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY(key, field)
		);`,

		`CREATE TABLE IF NOT EXISTS kv_sets (
			key TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY(key, member)
		);`,

		`CREATE TABLE IF NOT EXISTS kv_zsets (
			key TEXT NOT NULL,
			member TEXT NOT NULL,
			score REAL NOT NULL,
			PRIMARY KEY(key, member)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_kv_zsets_score ON kv_zsets(key, score, member);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, schemaVersion); err != nil {
		return fmt.Errorf("update schema_version: %w", err)
	}

	return tx.Commit()
}
