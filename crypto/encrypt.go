package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// Nonce is the 24-byte initialization vector used by the symmetric cipher.
// A fresh nonce is generated inside Encrypt on every call; there is no API
// for encrypting under a caller-chosen nonce, so nonce reuse under the same
// key cannot happen by construction.
type Nonce [24]byte

// MaxMessageSize caps plaintext size at 1MB to prevent excessive memory usage.
const MaxMessageSize = 1024 * 1024

var (
	// ErrEmptyMessage indicates an attempt to encrypt an empty payload.
	ErrEmptyMessage = errors.New("empty message")
	// ErrMessageTooLarge indicates the plaintext exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")
)

// Encrypt encrypts plaintext under the shared secret using NaCl's secretbox
// (XSalsa20-Poly1305 authenticated encryption) and a freshly generated
// random nonce. Returns the ciphertext and the nonce it was sealed with.
func Encrypt(secret [32]byte, plaintext []byte) ([]byte, Nonce, error) {
	if len(plaintext) == 0 {
		return nil, Nonce{}, ErrEmptyMessage
	}
	if len(plaintext) > MaxMessageSize {
		return nil, Nonce{}, ErrMessageTooLarge
	}

	nonce, err := generateNonce()
	if err != nil {
		return nil, Nonce{}, err
	}

	ciphertext := secretbox.Seal(nil, plaintext, (*[24]byte)(&nonce), (*[32]byte)(&secret))
	return ciphertext, nonce, nil
}

// generateNonce creates a cryptographically secure random nonce.
func generateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}
