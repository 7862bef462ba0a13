// Package credential manages the relay's shared secret and the set of
// externally-approved session tokens.
//
// The shared secret is the credential every connecting peer must present to
// become authenticated. It can be rotated at runtime by a caller that
// presents the current secret; rotation replaces the secret atomically and
// never revokes connections already authenticated under the old value.
//
// Session tokens are pre-approved out of band by an external trust authority
// (the POS backend). They do not themselves authenticate a connection; the
// relay only records and queries them. Tokens are hashed with bcrypt before
// they reach storage, so the plaintext never touches disk.
package credential

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidKey is returned when a presented credential does not match the
// current shared secret. Callers must not surface anything more specific;
// only success or failure is observable.
var ErrInvalidKey = errors.New("invalid key")

// Store defines the persistence backend for credentials.
// Implemented by storage.SQLiteStore. Implementations must be safe for
// concurrent access.
type Store interface {
	// Secret returns the stored shared secret, or storage.ErrSecretNotSet
	// if none has been stored yet.
	Secret() (string, error)

	// SetSecret stores the shared secret, replacing any previous value.
	SetSecret(secret string) error

	// SaveSessionHash persists an approved session token hash (idempotent).
	SaveSessionHash(hash string) error

	// ListSessionHashes returns all approved session token hashes.
	ListSessionHashes() ([]string, error)

	// DeleteSessionHash removes a session token hash.
	// Returns storage.ErrSessionNotFound if it is not present.
	DeleteSessionHash(hash string) error
}

// Keeper holds the current shared secret and approved session tokens.
// All reads and mutations are serialized through one mutex so rotations and
// approvals observe a total order; no read sees a partially-updated state.
type Keeper struct {
	mu     sync.RWMutex
	secret string
	// hashes mirrors the store's approved session hashes to keep
	// membership checks off the database path.
	hashes []string
	store  Store
}

// NewKeeper creates a Keeper backed by the given store.
//
// The seed is the configured initial secret: it is written to the store only
// when the store holds no secret yet. A secret previously persisted by a
// rotation always wins over the configured value, so a relay restart does
// not silently revert a rotation.
func NewKeeper(store Store, seed string) (*Keeper, error) {
	secret, err := store.Secret()
	if err != nil {
		if seed == "" {
			return nil, fmt.Errorf("load secret: %w", err)
		}
		if err := store.SetSecret(seed); err != nil {
			return nil, fmt.Errorf("seed secret: %w", err)
		}
		secret = seed
		log.Printf("credential: seeded shared secret from configuration")
	}

	hashes, err := store.ListSessionHashes()
	if err != nil {
		return nil, fmt.Errorf("load session hashes: %w", err)
	}

	return &Keeper{
		secret: secret,
		hashes: hashes,
		store:  store,
	}, nil
}

// Verify reports whether the presented credential equals the current shared
// secret. The comparison is constant-time so a failure reveals nothing about
// how close the caller was.
func (k *Keeper) Verify(presented string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if presented == "" || k.secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(k.secret)) == 1
}

// Rotate replaces the shared secret. The presented value must equal the
// secret that is current at the moment of rotation; afterwards only the new
// secret authenticates subsequent requests. Connections already
// authenticated are unaffected (authentication state is per-connection).
func (k *Keeper) Rotate(presented, newSecret string) error {
	if newSecret == "" {
		return ErrInvalidKey
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if subtle.ConstantTimeCompare([]byte(presented), []byte(k.secret)) != 1 {
		return ErrInvalidKey
	}

	// Persist first: if the write fails the in-memory secret is unchanged
	// and the rotation is reported as failed, keeping memory and disk
	// consistent.
	if err := k.store.SetSecret(newSecret); err != nil {
		return fmt.Errorf("persist rotated secret: %w", err)
	}

	k.secret = newSecret
	log.Printf("credential: shared secret rotated")
	return nil
}

// ApproveSession records an externally-approved session token.
// The caller must present the current secret; otherwise the approval is
// rejected with ErrInvalidKey. Approving a token twice is a no-op.
func (k *Keeper) ApproveSession(presented, token string) error {
	if token == "" {
		return ErrInvalidKey
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if subtle.ConstantTimeCompare([]byte(presented), []byte(k.secret)) != 1 {
		return ErrInvalidKey
	}

	// Skip if the token is already approved; hashing the same token twice
	// would produce a second, distinct bcrypt hash.
	if k.findHashLocked(token) != "" {
		return nil
	}

	// bcrypt the token before it reaches storage.
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash session token: %w", err)
	}

	if err := k.store.SaveSessionHash(string(hash)); err != nil {
		return fmt.Errorf("persist session token: %w", err)
	}

	k.hashes = append(k.hashes, string(hash))
	log.Printf("credential: approved session token")
	return nil
}

// RevokeSession removes a previously approved session token.
// The caller must present the current secret. Revoking an unknown token is
// a no-op.
func (k *Keeper) RevokeSession(presented, token string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if subtle.ConstantTimeCompare([]byte(presented), []byte(k.secret)) != 1 {
		return ErrInvalidKey
	}

	hash := k.findHashLocked(token)
	if hash == "" {
		return nil
	}

	if err := k.store.DeleteSessionHash(hash); err != nil {
		return fmt.Errorf("delete session token: %w", err)
	}

	for i, h := range k.hashes {
		if h == hash {
			k.hashes = append(k.hashes[:i], k.hashes[i+1:]...)
			break
		}
	}

	log.Printf("credential: revoked session token")
	return nil
}

// HasSession reports whether the given token is currently approved.
func (k *Keeper) HasSession(token string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.findHashLocked(token) != ""
}

// SessionCount returns the number of approved session tokens.
func (k *Keeper) SessionCount() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.hashes)
}

// findHashLocked returns the stored hash matching the token, or "".
//
// Note: This does a linear scan comparing against each stored hash.
// For the handful of sessions a deployment approves, this is acceptable.
func (k *Keeper) findHashLocked(token string) string {
	for _, hash := range k.hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			return hash
		}
	}
	return ""
}
