package storage

// credential.go contains SQLiteStore methods for the shared secret and the
// approved session token set. The secret is a single row updated in place on
// rotation; session tokens are stored as bcrypt hashes keyed by hash value.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// Secret returns the currently stored shared secret.
// Returns ErrSecretNotSet if no secret has been seeded or rotated yet.
func (s *SQLiteStore) Secret() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var secret string
	err := s.db.QueryRow("SELECT secret FROM credential WHERE id = 1").Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSecretNotSet
	}
	if err != nil {
		return "", fmt.Errorf("get secret: %w", err)
	}

	return secret, nil
}

// SetSecret stores the shared secret, replacing any previous value.
// Used both to seed an empty store from configuration and to persist
// a rotation.
func (s *SQLiteStore) SetSecret(secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO credential (id, secret, rotated_at)
		VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET secret = excluded.secret, rotated_at = excluded.rotated_at
	`

	_, err := s.db.Exec(query, secret, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set secret: %w", err)
	}

	return nil
}

// SaveSessionHash persists an approved session token hash.
// Saving an already-present hash is a no-op (idempotent).
func (s *SQLiteStore) SaveSessionHash(hash string) error {
	if hash == "" {
		return errors.New("session hash cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT OR IGNORE INTO approved_sessions (token_hash, approved_at)
		VALUES (?, ?)
	`

	_, err := s.db.Exec(query, hash, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save session hash: %w", err)
	}

	return nil
}

// ListSessionHashes returns all approved session token hashes,
// oldest approval first.
func (s *SQLiteStore) ListSessionHashes() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT token_hash FROM approved_sessions ORDER BY approved_at ASC")
	if err != nil {
		return nil, fmt.Errorf("query session hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan session hash: %w", err)
		}
		hashes = append(hashes, hash)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session hash rows: %w", err)
	}

	return hashes, nil
}

// DeleteSessionHash removes an approved session token hash.
// Returns ErrSessionNotFound if the hash is not present.
func (s *SQLiteStore) DeleteSessionHash(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM approved_sessions WHERE token_hash = ?", hash)
	if err != nil {
		return fmt.Errorf("delete session hash: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrSessionNotFound
	}

	log.Printf("storage: removed approved session")
	return nil
}
