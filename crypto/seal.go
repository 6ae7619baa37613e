package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// SealToPublicKey encrypts data to a recipient's public key using an
// ephemeral sender key (NaCl sealed box). Only the holder of the matching
// private key can open the result. Used to store a copy of the conversation
// secret readable by exactly one participant.
func SealToPublicKey(data []byte, recipientPK [32]byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	if isZeroKey(recipientPK) {
		return nil, fmt.Errorf("%w: zero recipient public key", ErrKeyAgreement)
	}

	sealed, err := box.SealAnonymous(nil, data, (*[32]byte)(&recipientPK), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal to public key: %w", err)
	}
	return sealed, nil
}

// OpenWithKeyPair decrypts data sealed with SealToPublicKey using the
// recipient's full key pair.
func OpenWithKeyPair(sealed []byte, keys *KeyPair) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, fmt.Errorf("%w: empty sealed box", ErrDecryptionFailure)
	}

	plaintext, ok := box.OpenAnonymous(nil, sealed, (*[32]byte)(&keys.Public), (*[32]byte)(&keys.Private))
	if !ok {
		return nil, fmt.Errorf("%w: sealed box authentication failed", ErrDecryptionFailure)
	}
	return plaintext, nil
}
