package sqlite

import (
	"database/sql"
	"fmt"
)

// migrations holds the ordered schema migrations for the durable stores.
// Each entry runs at most once, tracked in schema_migrations.
var migrations = []string{
	// 1: event store
	`CREATE TABLE IF NOT EXISTS event_store (
		sequence_number INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id        TEXT NOT NULL,
		aggregate_id    TEXT NOT NULL,
		aggregate_type  TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		event_version   INTEGER NOT NULL DEFAULT 1,
		payload         BLOB,
		metadata        TEXT,
		version         INTEGER NOT NULL,
		occurred_at     INTEGER NOT NULL,
		UNIQUE(aggregate_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_event_store_type_seq ON event_store(event_type, sequence_number);
	CREATE INDEX IF NOT EXISTS idx_event_store_aggregate ON event_store(aggregate_type, aggregate_id);
	CREATE INDEX IF NOT EXISTS idx_event_store_occurred ON event_store(occurred_at);`,

	// 2: snapshots
	`CREATE TABLE IF NOT EXISTS snapshots (
		aggregate_id   TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		version        INTEGER NOT NULL,
		state          BLOB NOT NULL,
		hash           TEXT NOT NULL,
		created_at     INTEGER NOT NULL,
		UNIQUE(aggregate_id, version)
	);`,

	// 3: projection checkpoints
	`CREATE TABLE IF NOT EXISTS projections (
		projection_name         TEXT PRIMARY KEY,
		last_processed_sequence INTEGER NOT NULL DEFAULT 0,
		locked                  INTEGER NOT NULL DEFAULT 0,
		locked_until            INTEGER NOT NULL DEFAULT 0,
		updated_at              INTEGER NOT NULL
	);`,

	// 4: sagas
	`CREATE TABLE IF NOT EXISTS sagas (
		saga_id    TEXT PRIMARY KEY,
		saga_type  TEXT NOT NULL,
		state      TEXT NOT NULL,
		state_data BLOB,
		metadata   TEXT,
		timeout_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sagas_state ON sagas(state);
	CREATE INDEX IF NOT EXISTS idx_sagas_timeout ON sagas(timeout_at);`,

	// 5: read models
	`CREATE TABLE IF NOT EXISTS read_models (
		id           TEXT NOT NULL,
		type         TEXT NOT NULL,
		data         BLOB,
		version      INTEGER NOT NULL DEFAULT 0,
		last_updated INTEGER NOT NULL,
		metadata     TEXT,
		PRIMARY KEY(id, type)
	);
	CREATE INDEX IF NOT EXISTS idx_read_models_type ON read_models(type);`,

	// 6: processed commands (idempotency)
	`CREATE TABLE IF NOT EXISTS processed_commands (
		command_id   TEXT PRIMARY KEY,
		aggregate_id TEXT NOT NULL,
		event_ids    TEXT NOT NULL,
		processed_at INTEGER NOT NULL,
		expires_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_processed_commands_expiry ON processed_commands(expires_at);`,

	// 7: async command statuses
	`CREATE TABLE IF NOT EXISTS async_commands (
		async_id   TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		metadata   TEXT,
		result     BLOB,
		error      TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_async_commands_expiry ON async_commands(expires_at);`,

	// 8: write-back dead letters
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		aggregate_id TEXT NOT NULL,
		payload      BLOB NOT NULL,
		reason       TEXT NOT NULL,
		attempts     INTEGER NOT NULL,
		created_at   INTEGER NOT NULL
	);`,

	// 9: durable L3 cache
	`CREATE TABLE IF NOT EXISTS query_cache (
		cache_key  TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS query_cache_tags (
		tag       TEXT NOT NULL,
		cache_key TEXT NOT NULL,
		PRIMARY KEY(tag, cache_key)
	);
	CREATE INDEX IF NOT EXISTS idx_query_cache_expiry ON query_cache(expires_at);`,

	// 10: distributed transaction state
	`CREATE TABLE IF NOT EXISTS distributed_transactions (
		txn_id     TEXT PRIMARY KEY,
		state      TEXT NOT NULL,
		participants TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);`,
}

// Migrate applies pending migrations to the database. It is idempotent and
// safe to run on every startup.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, strftime('%s','now'))`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
