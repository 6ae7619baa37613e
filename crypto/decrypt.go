package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecryptionFailure indicates authenticated decryption failed: wrong key,
// tampered ciphertext, or a corrupted nonce. This is an expected, recoverable
// condition for callers (a single undecryptable message does not abort a
// timeline load) and must never panic.
var ErrDecryptionFailure = errors.New("decryption failed")

// Decrypt decrypts and authenticates ciphertext under the shared secret and
// the nonce it was sealed with.
func Decrypt(secret [32]byte, ciphertext []byte, nonce Nonce) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrDecryptionFailure)
	}

	plaintext, ok := secretbox.Open(nil, ciphertext, (*[24]byte)(&nonce), (*[32]byte)(&secret))
	if !ok {
		return nil, fmt.Errorf("%w: message authentication failed", ErrDecryptionFailure)
	}

	return plaintext, nil
}
