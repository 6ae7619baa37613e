// Package crypto implements the cryptographic primitives for the direct
// messaging core.
//
// This package handles key pair generation, Curve25519 key agreement,
// authenticated symmetric encryption of message payloads, and sealing of
// conversation secrets to a participant's public key, using the NaCl
// constructions from Go's x/crypto packages.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	secret, err := crypto.DeriveSharedSecret(peer.Public, keys.Private)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ciphertext, nonce, err := crypto.Encrypt(secret, []byte("hello"))
package crypto
