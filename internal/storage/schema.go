package storage

import (
	"fmt"
	"log"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 1

// initSchema creates the required tables if they don't exist.
// Uses IF NOT EXISTS to make the operation idempotent.
func (s *SQLiteStore) initSchema() error {
	// Schema version table tracks database migrations.
	// This allows future schema changes to be applied incrementally.
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	// Check current version
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	// Apply migrations based on current version
	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the initial schema: the single-row credential table
// holding the active shared secret, and the approved session token table.
func (s *SQLiteStore) migrateToV1() error {
	log.Printf("storage: applying migration to schema version 1")

	// credential is constrained to a single row (id = 1). Rotations update
	// that row in place so the active secret is always one read away.
	// Timestamps are stored as RFC3339 strings for readability.
	const credentialTable = `
		CREATE TABLE IF NOT EXISTS credential (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			secret TEXT NOT NULL,
			rotated_at TEXT NOT NULL
		);
	`

	// Session tokens are stored hashed; the plaintext never touches disk.
	const sessionsTable = `
		CREATE TABLE IF NOT EXISTS approved_sessions (
			token_hash TEXT PRIMARY KEY,
			approved_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(credentialTable); err != nil {
		return fmt.Errorf("create credential table: %w", err)
	}

	if _, err := s.db.Exec(sessionsTable); err != nil {
		return fmt.Errorf("create approved_sessions table: %w", err)
	}

	return s.recordMigration(1)
}

// recordMigration marks a schema version as applied.
func (s *SQLiteStore) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record migration %d: %w", version, err)
	}
	return nil
}
