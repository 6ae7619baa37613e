package convkey

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/opd-ai/securedm/crypto"
)

// cacheSlot identifies one cached secret. Slots are only invalidated
// explicitly (rotation or memory pressure), never by age: old versions must
// stay available to decrypt historical messages.
type cacheSlot struct {
	conversationID string
	version        int
}

// Manager produces and caches the symmetric secret for each conversation
// key version on behalf of one device. The in-memory cache avoids repeated
// asymmetric unwrapping; evicted slots are recomputed from the persisted
// sealed copies.
type Manager struct {
	ownerID string
	keys    *crypto.KeyPair
	store   KeyStore

	mu    sync.RWMutex
	cache map[cacheSlot][32]byte

	// group collapses concurrent derivations of the same slot into one
	// asymmetric operation.
	group singleflight.Group
}

// NewManager creates a key manager for the device owning keys.
func NewManager(ownerID string, keys *crypto.KeyPair, store KeyStore) *Manager {
	return &Manager{
		ownerID: ownerID,
		keys:    keys,
		store:   store,
		cache:   make(map[cacheSlot][32]byte),
	}
}

// GetOrCreate returns the current-version secret for the conversation,
// creating and persisting version 1 if the conversation has no key yet.
// Version 1 is the Curve25519 shared secret of the two participants, so
// both sides independently arrive at the same value.
func (m *Manager) GetOrCreate(ctx context.Context, conversationID, peerID string, peerPublicKey [32]byte) ([32]byte, int, error) {
	version, err := m.store.CurrentVersion(ctx, conversationID)
	if err != nil {
		return [32]byte{}, 0, fmt.Errorf("current key version: %w", err)
	}

	if version == 0 {
		secret, err := crypto.DeriveSharedSecret(peerPublicKey, m.keys.Private)
		if err != nil {
			return [32]byte{}, 0, err
		}
		if err := m.persistVersion(ctx, conversationID, 1, secret, peerID, peerPublicKey); err != nil {
			if !errors.Is(err, ErrVersionExists) {
				return [32]byte{}, 0, err
			}
			// The peer created it first; both derivations of version 1
			// yield the identical secret, so ours is already correct.
		}
		m.put(conversationID, 1, secret)
		return secret, 1, nil
	}

	secret, err := m.SecretForVersion(ctx, conversationID, version)
	if err != nil {
		return [32]byte{}, 0, err
	}
	return secret, version, nil
}

// SecretForVersion returns the secret for a specific key version, unwrapping
// the device's persisted sealed copy on a cache miss.
func (m *Manager) SecretForVersion(ctx context.Context, conversationID string, version int) ([32]byte, error) {
	if secret, ok := m.get(conversationID, version); ok {
		return secret, nil
	}

	flightKey := conversationID + "/" + strconv.Itoa(version)
	result, err, _ := m.group.Do(flightKey, func() (interface{}, error) {
		if secret, ok := m.get(conversationID, version); ok {
			return secret, nil
		}

		row, err := m.store.WrappedKey(ctx, conversationID, version, m.ownerID)
		if err != nil {
			return nil, err
		}
		plaintext, err := crypto.OpenWithKeyPair(row.Sealed, m.keys)
		if err != nil {
			return nil, err
		}
		defer crypto.ZeroBytes(plaintext)

		if len(plaintext) != 32 {
			return nil, fmt.Errorf("malformed conversation secret: %d bytes", len(plaintext))
		}
		var secret [32]byte
		copy(secret[:], plaintext)

		m.put(conversationID, version, secret)
		return secret, nil
	})
	if err != nil {
		return [32]byte{}, err
	}
	return result.([32]byte), nil
}

// Rotate creates the next key version with a fresh random secret, persists
// both participants' sealed copies, and returns the new version number.
// Rotation is triggered externally (e.g. after a key revocation), never on a
// timer; previous versions are retained.
func (m *Manager) Rotate(ctx context.Context, conversationID, peerID string, peerPublicKey [32]byte) (int, error) {
	current, err := m.store.CurrentVersion(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("current key version: %w", err)
	}

	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return 0, fmt.Errorf("generate conversation secret: %w", err)
	}

	newVersion := current + 1
	if err := m.persistVersion(ctx, conversationID, newVersion, secret, peerID, peerPublicKey); err != nil {
		return 0, err
	}
	m.put(conversationID, newVersion, secret)

	logrus.WithFields(logrus.Fields{
		"function":        "Rotate",
		"conversation_id": conversationID,
		"version":         newVersion,
	}).Info("conversation key rotated")

	return newVersion, nil
}

// Invalidate drops a single version's cache slot. The persisted sealed copy
// remains, so the secret is recomputed on next use. Other versions' slots
// are untouched.
func (m *Manager) Invalidate(conversationID string, version int) {
	m.mu.Lock()
	delete(m.cache, cacheSlot{conversationID: conversationID, version: version})
	m.mu.Unlock()
}

// persistVersion seals the secret to both participants and stores the rows.
func (m *Manager) persistVersion(ctx context.Context, conversationID string, version int, secret [32]byte, peerID string, peerPublicKey [32]byte) error {
	selfSealed, err := crypto.SealToPublicKey(secret[:], m.keys.Public)
	if err != nil {
		return fmt.Errorf("seal conversation key to self: %w", err)
	}
	peerSealed, err := crypto.SealToPublicKey(secret[:], peerPublicKey)
	if err != nil {
		return fmt.Errorf("seal conversation key to peer: %w", err)
	}

	now := time.Now()
	rows := []*WrappedKey{
		{ConversationID: conversationID, Version: version, OwnerID: m.ownerID, Sealed: selfSealed, CreatedAt: now},
		{ConversationID: conversationID, Version: version, OwnerID: peerID, Sealed: peerSealed, CreatedAt: now},
	}
	return m.store.SaveWrappedKeys(ctx, rows)
}

func (m *Manager) get(conversationID string, version int) ([32]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	secret, ok := m.cache[cacheSlot{conversationID: conversationID, version: version}]
	return secret, ok
}

func (m *Manager) put(conversationID string, version int, secret [32]byte) {
	m.mu.Lock()
	m.cache[cacheSlot{conversationID: conversationID, version: version}] = secret
	m.mu.Unlock()
}
