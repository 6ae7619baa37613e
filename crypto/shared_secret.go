package crypto

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// ErrKeyAgreement indicates that ECDH key agreement failed, typically
// because one of the keys is malformed (e.g. a low-order point).
var ErrKeyAgreement = errors.New("key agreement failed")

// DeriveSharedSecret computes the shared secret between two parties using
// Elliptic Curve Diffie-Hellman on Curve25519. The result is identical for
// (A.priv, B.pub) and (B.priv, A.pub). Pure computation, no I/O.
func DeriveSharedSecret(peerPublicKey, privateKey [32]byte) ([32]byte, error) {
	if isZeroKey(peerPublicKey) {
		return [32]byte{}, fmt.Errorf("%w: zero peer public key", ErrKeyAgreement)
	}

	// Work on copies so the caller's key material is never modified.
	var privateKeyCopy [32]byte
	copy(privateKeyCopy[:], privateKey[:])

	sharedSecret, err := curve25519.X25519(privateKeyCopy[:], peerPublicKey[:])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "DeriveSharedSecret",
			"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
			"error":           err.Error(),
		}).Error("X25519 computation failed")

		ZeroBytes(privateKeyCopy[:])
		return [32]byte{}, fmt.Errorf("%w: %v", ErrKeyAgreement, err)
	}

	var result [32]byte
	copy(result[:], sharedSecret)

	// Wipe the key copy and the intermediate slice.
	ZeroBytes(privateKeyCopy[:])
	ZeroBytes(sharedSecret)

	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedSecret",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("shared secret derived")

	return result, nil
}
