package securedm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securedm/convkey"
	"github.com/opd-ai/securedm/crypto"
	"github.com/opd-ai/securedm/keystore"
	"github.com/opd-ai/securedm/pubsub"
	"github.com/opd-ai/securedm/store"
	"github.com/opd-ai/securedm/timeline"
)

// conversationNamespace seeds deterministic conversation ids so both
// participants compute the same id without coordination.
var conversationNamespace = uuid.MustParse("7d9f68e6-32a8-4a41-9f2b-6c07d2a4c1ce")

// ConversationID returns the deterministic conversation id for a user pair,
// identical regardless of which side computes it.
func ConversationID(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return uuid.NewSHA1(conversationNamespace, []byte(userA+"\x00"+userB)).String()
}

// Deps are the external collaborators a Messenger is wired to: the message
// store, the live event channel, the published-key registry, and the
// conversation key persistence. In production these sit on the platform's
// relational store and its changefeed.
type Deps struct {
	Gateway  store.Gateway
	Broker   pubsub.Broker
	Registry *keystore.Store
	Keys     convkey.KeyStore
}

// Messenger is the per-device entry point to the messaging core.
type Messenger struct {
	opts     *Options
	userID   string
	deviceID string

	keys     *crypto.KeyPair
	vault    *keystore.FileVault
	registry *keystore.Store
	convKeys *convkey.Manager
	gateway  store.Gateway
	broker   pubsub.Broker

	mu      sync.Mutex
	engines map[string]*timeline.Engine
	closed  bool
}

// New opens the device key vault, publishes the device's public key, and
// returns a ready Messenger. The identity provider has already
// authenticated userID; deviceID distinguishes this installation.
func New(userID, deviceID string, deps Deps, opts *Options) (*Messenger, error) {
	if userID == "" || deviceID == "" {
		return nil, errors.New("user id and device id are required")
	}
	if deps.Gateway == nil || deps.Broker == nil || deps.Registry == nil || deps.Keys == nil {
		return nil, errors.New("all dependencies are required")
	}
	if opts == nil {
		opts = NewOptions()
	}
	if opts.DataDir == "" {
		return nil, errors.New("data directory is required")
	}

	vault, err := keystore.NewFileVault(filepath.Join(opts.DataDir, "keys"), opts.VaultPassword)
	if err != nil {
		return nil, fmt.Errorf("open key vault: %w", err)
	}

	keys, err := vault.LoadOrCreateKeyPair(deviceID)
	if err != nil {
		vault.Close()
		return nil, fmt.Errorf("load device key pair: %w", err)
	}

	if err := publishDeviceKey(deps.Registry, deviceID, userID, keys.Public, opts.KeyTTL); err != nil {
		vault.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"device_id":  deviceID,
		"key_prefix": fmt.Sprintf("%x", keys.Public[:8]),
	}).Info("messenger initialized")

	return &Messenger{
		opts:     opts,
		userID:   userID,
		deviceID: deviceID,
		keys:     keys,
		vault:    vault,
		registry: deps.Registry,
		convKeys: convkey.NewManager(userID, keys, deps.Keys),
		gateway:  deps.Gateway,
		broker:   deps.Broker,
		engines:  make(map[string]*timeline.Engine),
	}, nil
}

// publishDeviceKey registers the public key, tolerating a re-publish of the
// key the registry already holds and rotating when the stored key differs
// (e.g. the vault was rebuilt).
func publishDeviceKey(registry *keystore.Store, deviceID, userID string, publicKey [32]byte, ttl time.Duration) error {
	var opts []keystore.PublishOption
	if ttl > 0 {
		opts = append(opts, keystore.WithTTL(ttl))
	}

	_, err := registry.PublishKey(deviceID, userID, publicKey, opts...)
	if err == nil {
		return nil
	}
	if !errors.Is(err, keystore.ErrKeyConflict) {
		return fmt.Errorf("publish device key: %w", err)
	}

	current, lookupErr := registry.ActiveDeviceKey(deviceID)
	if lookupErr == nil && current.PublicKey == publicKey {
		return nil // same key already published
	}

	if _, err := registry.PublishKey(deviceID, userID, publicKey, append(opts, keystore.WithRotation())...); err != nil {
		return fmt.Errorf("rotate device key: %w", err)
	}
	return nil
}

// SendMessage encrypts text under the conversation's current key version
// and appends it. The sender's own timeline update arrives back through the
// live subscription like any other insert.
func (m *Messenger) SendMessage(ctx context.Context, peerID, text string) (*store.Message, error) {
	conversationID, err := m.ensureConversation(ctx, peerID)
	if err != nil {
		return nil, err
	}

	secret, version, err := m.conversationSecret(ctx, conversationID, peerID)
	if err != nil {
		return nil, err
	}

	ciphertext, nonce, err := crypto.Encrypt(secret, []byte(text))
	if err != nil {
		return nil, fmt.Errorf("encrypt message: %w", err)
	}

	return m.gateway.Append(ctx, conversationID, m.userID, ciphertext, nonce, version)
}

// EditMessage re-encrypts the replacement text and swaps the payload,
// subject to the mutation window and ownership checks.
func (m *Messenger) EditMessage(ctx context.Context, messageID, newText string) (*store.Message, error) {
	msg, err := m.gateway.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}

	peerID, err := m.peerOf(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	secret, version, err := m.conversationSecret(ctx, msg.ConversationID, peerID)
	if err != nil {
		return nil, err
	}

	ciphertext, nonce, err := crypto.Encrypt(secret, []byte(newText))
	if err != nil {
		return nil, fmt.Errorf("encrypt edit: %w", err)
	}

	return m.gateway.Edit(ctx, messageID, ciphertext, nonce, version, m.userID, time.Now())
}

// DeleteMessage tombstones a message within the mutation window.
func (m *Messenger) DeleteMessage(ctx context.Context, messageID string) (*store.Message, error) {
	return m.gateway.Delete(ctx, messageID, m.userID, time.Now())
}

// OpenConversation starts a synchronization engine for the conversation
// with peerID. onUpdate, if non-nil, receives a snapshot after every
// timeline change. The engine is owned by the messenger and torn down by
// CloseConversation or Close.
func (m *Messenger) OpenConversation(ctx context.Context, peerID string, onUpdate func(timeline.Snapshot)) (*timeline.Engine, error) {
	conversationID, err := m.ensureConversation(ctx, peerID)
	if err != nil {
		return nil, err
	}

	engine, err := timeline.NewEngine(timeline.Config{
		ConversationID: conversationID,
		Gateway:        m.gateway,
		Broker:         m.broker,
		Decryptor:      m,
		PageSize:       m.opts.PageSize,
		ResubscribeMin: m.opts.ResubscribeMin,
		ResubscribeMax: m.opts.ResubscribeMax,
		OnUpdate:       onUpdate,
	})
	if err != nil {
		return nil, err
	}
	if err := engine.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if old, ok := m.engines[conversationID]; ok {
		old.Close()
	}
	m.engines[conversationID] = engine
	m.mu.Unlock()

	return engine, nil
}

// CloseConversation tears down the engine for the conversation with peerID.
func (m *Messenger) CloseConversation(peerID string) {
	conversationID := ConversationID(m.userID, peerID)

	m.mu.Lock()
	engine, ok := m.engines[conversationID]
	delete(m.engines, conversationID)
	m.mu.Unlock()

	if ok {
		engine.Close()
	}
}

// DecryptMessage implements timeline.Decryptor using the conversation key
// version recorded on the message.
func (m *Messenger) DecryptMessage(ctx context.Context, msg *store.Message) ([]byte, error) {
	secret, err := m.convKeys.SecretForVersion(ctx, msg.ConversationID, msg.KeyVersion)
	if err != nil {
		return nil, err
	}
	return crypto.Decrypt(secret, msg.Ciphertext, msg.Nonce)
}

// RotateConversationKey produces a new key version for the conversation
// with peerID. Called externally, typically after a key revocation; old
// versions stay retrievable so history remains readable.
func (m *Messenger) RotateConversationKey(ctx context.Context, peerID string) (int, error) {
	conversationID := ConversationID(m.userID, peerID)

	peerKey, err := m.registry.ActiveKey(peerID)
	if err != nil {
		return 0, err
	}
	return m.convKeys.Rotate(ctx, conversationID, peerID, peerKey.PublicKey)
}

// ArchiveConversation sets this user's archive flag on the conversation.
// The peer's flag is independent.
func (m *Messenger) ArchiveConversation(ctx context.Context, peerID string, archived bool) error {
	return m.gateway.SetArchived(ctx, ConversationID(m.userID, peerID), m.userID, archived)
}

// MarkDelivered records a delivery receipt for a message.
func (m *Messenger) MarkDelivered(ctx context.Context, messageID string) error {
	return m.gateway.MarkDelivered(ctx, messageID, time.Now())
}

// MarkRead records a read receipt for a message.
func (m *Messenger) MarkRead(ctx context.Context, messageID string) error {
	return m.gateway.MarkRead(ctx, messageID, time.Now())
}

// RevokeDevice revokes the published keys of one of this user's devices.
// Already-derived conversation keys stay usable for received history.
func (m *Messenger) RevokeDevice(deviceID string) {
	m.registry.RevokeKey(deviceID)
}

// PublicKey returns this device's public key.
func (m *Messenger) PublicKey() [32]byte {
	return m.keys.Public
}

// Close tears down every open engine, closes the vault, and wipes the
// in-memory private key.
func (m *Messenger) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	engines := m.engines
	m.engines = make(map[string]*timeline.Engine)
	m.mu.Unlock()

	for _, engine := range engines {
		engine.Close()
	}

	err := m.vault.Close()
	crypto.WipeKeyPair(m.keys)
	return err
}

// ensureConversation resolves the deterministic id and upserts the
// conversation row with its participants in canonical order.
func (m *Messenger) ensureConversation(ctx context.Context, peerID string) (string, error) {
	if peerID == "" || peerID == m.userID {
		return "", errors.New("invalid peer id")
	}

	userA, userB := m.userID, peerID
	if userB < userA {
		userA, userB = userB, userA
	}
	conversationID := ConversationID(userA, userB)

	if _, err := m.gateway.EnsureConversation(ctx, conversationID, userA, userB); err != nil {
		return "", fmt.Errorf("ensure conversation: %w", err)
	}
	return conversationID, nil
}

// conversationSecret fetches the current-version secret, looking up the
// peer's active published key.
func (m *Messenger) conversationSecret(ctx context.Context, conversationID, peerID string) ([32]byte, int, error) {
	peerKey, err := m.registry.ActiveKey(peerID)
	if err != nil {
		return [32]byte{}, 0, err
	}
	return m.convKeys.GetOrCreate(ctx, conversationID, peerID, peerKey.PublicKey)
}

// peerOf resolves the other participant of a conversation this user is in.
func (m *Messenger) peerOf(ctx context.Context, conversationID string) (string, error) {
	conv, err := m.gateway.Conversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	switch m.userID {
	case conv.ParticipantA:
		return conv.ParticipantB, nil
	case conv.ParticipantB:
		return conv.ParticipantA, nil
	default:
		return "", store.ErrNotParticipant
	}
}
