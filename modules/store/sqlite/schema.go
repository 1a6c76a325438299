package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// schemaStatements are executed in order to create the database schema.
// All use IF NOT EXISTS for idempotent re-application.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		source_chat_id  INTEGER NOT NULL,
		source_user_id  INTEGER NOT NULL DEFAULT 0,
		username        TEXT    NOT NULL DEFAULT '',
		message_link    TEXT    NOT NULL DEFAULT '',
		raw_text        TEXT    NOT NULL DEFAULT '',
		matched_tags    TEXT    NOT NULL DEFAULT '[]',
		source_tag      TEXT    NOT NULL DEFAULT '',
		status          TEXT    NOT NULL DEFAULT 'new',
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT    NOT NULL DEFAULT '',
		detected_at     TEXT    NOT NULL,
		updated_at      TEXT    NOT NULL,
		note            TEXT    NOT NULL DEFAULT ''
	)`,

	// Ingestion idempotency key.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_ingest
		ON events(source_chat_id, source_user_id, detected_at)`,

	`CREATE INDEX IF NOT EXISTS idx_events_status ON events(status, next_attempt_at)`,

	`CREATE INDEX IF NOT EXISTS idx_events_tag ON events(source_tag)`,

	`CREATE TABLE IF NOT EXISTS accounts (
		id                   TEXT PRIMARY KEY,
		credential           TEXT    NOT NULL DEFAULT '',
		state                TEXT    NOT NULL DEFAULT 'active',
		last_send_at         TEXT    NOT NULL DEFAULT '',
		next_eligible_at     TEXT    NOT NULL DEFAULT '',
		window_size_ns       INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS attempts (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id INTEGER NOT NULL,
		sender_id TEXT   NOT NULL,
		number   INTEGER NOT NULL,
		class    TEXT    NOT NULL,
		detail   TEXT    NOT NULL DEFAULT '',
		at       TEXT    NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_attempts_event ON attempts(event_id, sender_id)`,

	// Contacted identities for the per-target resend cooldown window.
	`CREATE TABLE IF NOT EXISTS contacted (
		identity TEXT PRIMARY KEY,
		sent_at  TEXT NOT NULL
	)`,
}

// migrate creates or updates the database schema to the latest version.
// All DDL uses IF NOT EXISTS, making migration idempotent.
func migrate(db *sql.DB) error {
	ctx := context.TODO()

	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("sqlite: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}

	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w\nstatement: %s", err, stmt)
		}
	}

	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("sqlite: record schema version: %w", err)
	}

	return nil
}
