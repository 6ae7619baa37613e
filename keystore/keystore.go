package keystore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrKeyConflict indicates an unrevoked key already exists for the
	// device and the caller did not request rotation.
	ErrKeyConflict = errors.New("active key already published for device")
	// ErrKeyNotFound indicates no active key exists for the user or device.
	ErrKeyNotFound = errors.New("key not found")
)

// DeviceKey is a published public key owned by one device.
type DeviceKey struct {
	DeviceID  string
	UserID    string
	PublicKey [32]byte
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiry
	Revoked   bool
	RevokedAt time.Time
}

// Active reports whether the key is usable for new key agreement at time now.
func (k *DeviceKey) Active(now time.Time) bool {
	if k.Revoked {
		return false
	}
	if !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt) {
		return false
	}
	return true
}

// Store is the in-memory published-key registry. It keeps full key history
// per device: rotation revokes the old key before installing the new one, so
// the one-active-key invariant holds at every step.
type Store struct {
	mu        sync.RWMutex
	byDevice  map[string][]*DeviceKey // newest last
	byUser    map[string][]string     // device ids in registration order
	userByDev map[string]string

	// Clock is overridable for tests.
	Clock func() time.Time
}

// NewStore creates an empty key registry.
func NewStore() *Store {
	return &Store{
		byDevice:  make(map[string][]*DeviceKey),
		byUser:    make(map[string][]string),
		userByDev: make(map[string]string),
		Clock:     time.Now,
	}
}

// PublishOption configures PublishKey.
type PublishOption func(*publishConfig)

type publishConfig struct {
	rotate bool
	ttl    time.Duration
}

// WithRotation allows replacing an existing active key: the previous key is
// revoked and the new one becomes active.
func WithRotation() PublishOption {
	return func(c *publishConfig) { c.rotate = true }
}

// WithTTL sets an expiry on the published key.
func WithTTL(ttl time.Duration) PublishOption {
	return func(c *publishConfig) { c.ttl = ttl }
}

// PublishKey stores the active public key for a device. If an unrevoked,
// unexpired key already exists it fails with ErrKeyConflict unless
// WithRotation is given.
func (s *Store) PublishKey(deviceID, userID string, publicKey [32]byte, opts ...PublishOption) (*DeviceKey, error) {
	var cfg publishConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Clock()
	if current := s.activeDeviceKeyLocked(deviceID, now); current != nil {
		if !cfg.rotate {
			return nil, fmt.Errorf("%w: device %s", ErrKeyConflict, deviceID)
		}
		current.Revoked = true
		current.RevokedAt = now
	}

	key := &DeviceKey{
		DeviceID:  deviceID,
		UserID:    userID,
		PublicKey: publicKey,
		CreatedAt: now,
	}
	if cfg.ttl > 0 {
		key.ExpiresAt = now.Add(cfg.ttl)
	}

	if _, known := s.userByDev[deviceID]; !known {
		s.userByDev[deviceID] = userID
		s.byUser[userID] = append(s.byUser[userID], deviceID)
	}
	s.byDevice[deviceID] = append(s.byDevice[deviceID], key)

	logrus.WithFields(logrus.Fields{
		"function":   "PublishKey",
		"device_id":  deviceID,
		"key_prefix": fmt.Sprintf("%x", publicKey[:8]),
		"rotation":   cfg.rotate,
	}).Info("public key published")

	return cloneKey(key), nil
}

// ActiveKey returns the active public key for the user's primary device: the
// earliest-registered device that still holds an active key. Fails with
// ErrKeyNotFound if the user never published a key or every key is revoked
// or expired.
func (s *Store) ActiveKey(userID string) (*DeviceKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.Clock()
	for _, deviceID := range s.byUser[userID] {
		if key := s.activeDeviceKeyLocked(deviceID, now); key != nil {
			return cloneKey(key), nil
		}
	}
	return nil, fmt.Errorf("%w: user %s", ErrKeyNotFound, userID)
}

// ActiveDeviceKey returns the active key for a specific device.
func (s *Store) ActiveDeviceKey(deviceID string) (*DeviceKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key := s.activeDeviceKeyLocked(deviceID, s.Clock()); key != nil {
		return cloneKey(key), nil
	}
	return nil, fmt.Errorf("%w: device %s", ErrKeyNotFound, deviceID)
}

// RevokeKey marks every key of a device revoked. Idempotent; revocation is
// monotonic and cannot be undone. Conversation keys already derived from a
// revoked key stay valid for received history, the key is only excluded from
// future agreement.
func (s *Store) RevokeKey(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Clock()
	for _, key := range s.byDevice[deviceID] {
		if !key.Revoked {
			key.Revoked = true
			key.RevokedAt = now
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "RevokeKey",
		"device_id": deviceID,
	}).Info("device keys revoked")
}

// KeyHistory returns all keys ever published for a device, newest last.
func (s *Store) KeyHistory(deviceID string) []*DeviceKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := make([]*DeviceKey, 0, len(s.byDevice[deviceID]))
	for _, key := range s.byDevice[deviceID] {
		history = append(history, cloneKey(key))
	}
	return history
}

func (s *Store) activeDeviceKeyLocked(deviceID string, now time.Time) *DeviceKey {
	keys := s.byDevice[deviceID]
	for i := len(keys) - 1; i >= 0; i-- {
		if keys[i].Active(now) {
			return keys[i]
		}
	}
	return nil
}

func cloneKey(k *DeviceKey) *DeviceKey {
	clone := *k
	return &clone
}
