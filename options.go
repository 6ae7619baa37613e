package securedm

import "time"

// Options contains configuration for creating a Messenger.
type Options struct {
	// DataDir holds the device key vault. Created if absent.
	DataDir string
	// VaultPassword protects the private key at rest. Wiped during New.
	VaultPassword []byte
	// PageSize bounds timeline loads and pagination requests.
	PageSize int
	// KeyTTL, if positive, sets an expiry on published device keys.
	KeyTTL time.Duration
	// ResubscribeMin/Max bound the live-feed reconnection backoff.
	ResubscribeMin time.Duration
	ResubscribeMax time.Duration
}

// NewOptions returns Options with sensible defaults. DataDir and
// VaultPassword must still be set by the caller.
func NewOptions() *Options {
	return &Options{
		PageSize:       30,
		ResubscribeMin: 500 * time.Millisecond,
		ResubscribeMax: 30 * time.Second,
	}
}
