package convkey

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrVersionNotFound indicates no wrapped key exists for the requested
	// conversation, version, and owner.
	ErrVersionNotFound = errors.New("conversation key version not found")
	// ErrVersionExists indicates a wrapped key for that version was already
	// persisted, typically because the peer created it concurrently.
	ErrVersionExists = errors.New("conversation key version already exists")
)

// WrappedKey is one participant's encrypted copy of a conversation secret.
// The Sealed payload is the secret encrypted to the owner's public key; both
// participants' rows for the same conversation and version unwrap to the
// identical secret.
type WrappedKey struct {
	ConversationID string    `json:"conversation_id"`
	Version        int       `json:"version"`
	OwnerID        string    `json:"owner_id"`
	Sealed         []byte    `json:"sealed"`
	CreatedAt      time.Time `json:"created_at"`
}

// KeyStore is the persistence boundary for wrapped conversation keys,
// backed by the external relational store in production.
type KeyStore interface {
	// SaveWrappedKeys persists all rows of one new version atomically.
	// Fails with ErrVersionExists if the version was already created.
	SaveWrappedKeys(ctx context.Context, keys []*WrappedKey) error

	// WrappedKey returns one owner's copy for a conversation version.
	WrappedKey(ctx context.Context, conversationID string, version int, ownerID string) (*WrappedKey, error)

	// CurrentVersion returns the highest persisted version for a
	// conversation, or 0 if none exists.
	CurrentVersion(ctx context.Context, conversationID string) (int, error)
}

// MemoryKeyStore is an in-memory KeyStore for tests and embedding.
type MemoryKeyStore struct {
	mu       sync.Mutex
	rows     map[string]*WrappedKey // conversationID/version/ownerID
	versions map[string]int
}

// NewMemoryKeyStore creates an empty in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		rows:     make(map[string]*WrappedKey),
		versions: make(map[string]int),
	}
}

// SaveWrappedKeys persists all rows of one new version atomically.
func (s *MemoryKeyStore) SaveWrappedKeys(ctx context.Context, keys []*WrappedKey) error {
	if len(keys) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conversationID := keys[0].ConversationID
	version := keys[0].Version
	if s.versions[conversationID] >= version {
		return ErrVersionExists
	}

	for _, key := range keys {
		s.rows[rowKey(key.ConversationID, key.Version, key.OwnerID)] = key
	}
	s.versions[conversationID] = version
	return nil
}

// WrappedKey returns one owner's copy for a conversation version.
func (s *MemoryKeyStore) WrappedKey(ctx context.Context, conversationID string, version int, ownerID string) (*WrappedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[rowKey(conversationID, version, ownerID)]
	if !ok {
		return nil, ErrVersionNotFound
	}
	return row, nil
}

// CurrentVersion returns the highest persisted version, or 0 if none.
func (s *MemoryKeyStore) CurrentVersion(ctx context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[conversationID], nil
}

func rowKey(conversationID string, version int, ownerID string) string {
	return conversationID + "/" + strconv.Itoa(version) + "/" + ownerID
}
