package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestSharedSecretSymmetry(t *testing.T) {
	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate alice's key pair: %v", err)
	}
	bob, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate bob's key pair: %v", err)
	}

	aliceSecret, err := DeriveSharedSecret(bob.Public, alice.Private)
	if err != nil {
		t.Fatalf("DeriveSharedSecret(bob.pub, alice.priv) failed: %v", err)
	}
	bobSecret, err := DeriveSharedSecret(alice.Public, bob.Private)
	if err != nil {
		t.Fatalf("DeriveSharedSecret(alice.pub, bob.priv) failed: %v", err)
	}

	if aliceSecret != bobSecret {
		t.Error("shared secrets differ between the two derivation directions")
	}
}

func TestDeriveSharedSecretRejectsZeroPublicKey(t *testing.T) {
	keys, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	_, err = DeriveSharedSecret([32]byte{}, keys.Private)
	if !errors.Is(err, ErrKeyAgreement) {
		t.Errorf("expected ErrKeyAgreement for zero public key, got %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "short message", plaintext: []byte("hello")},
		{name: "unicode message", plaintext: []byte("héllo wörld é世界")},
		{name: "binary payload", plaintext: []byte{0x00, 0xff, 0x10, 0x00, 0x7f}},
		{name: "large message", plaintext: bytes.Repeat([]byte("x"), 64*1024)},
	}

	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	secret, err := DeriveSharedSecret(bob.Public, alice.Private)
	if err != nil {
		t.Fatalf("Failed to derive shared secret: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, nonce, err := Encrypt(secret, tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() failed: %v", err)
			}
			if bytes.Contains(ciphertext, tt.plaintext) && len(tt.plaintext) > 4 {
				t.Error("ciphertext contains plaintext")
			}

			// The peer derives the same secret from the opposite key halves.
			peerSecret, err := DeriveSharedSecret(alice.Public, bob.Private)
			if err != nil {
				t.Fatalf("Failed to derive peer secret: %v", err)
			}
			recovered, err := Decrypt(peerSecret, ciphertext, nonce)
			if err != nil {
				t.Fatalf("Decrypt() failed: %v", err)
			}
			if !bytes.Equal(recovered, tt.plaintext) {
				t.Error("round-trip did not recover the original plaintext")
			}
		})
	}
}

func TestEncryptInputValidation(t *testing.T) {
	var secret [32]byte

	if _, _, err := Encrypt(secret, nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage for nil plaintext, got %v", err)
	}

	huge := make([]byte, MaxMessageSize+1)
	if _, _, err := Encrypt(secret, huge); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge for oversized plaintext, got %v", err)
	}
}

func TestEncryptGeneratesFreshNonce(t *testing.T) {
	var secret [32]byte
	seen := make(map[Nonce]bool)

	for i := 0; i < 64; i++ {
		_, nonce, err := Encrypt(secret, []byte("same plaintext"))
		if err != nil {
			t.Fatalf("Encrypt() failed: %v", err)
		}
		if seen[nonce] {
			t.Fatal("nonce repeated across Encrypt calls")
		}
		seen[nonce] = true
	}
}

func TestDecryptFailures(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	secret, _ := DeriveSharedSecret(bob.Public, alice.Private)

	ciphertext, nonce, err := Encrypt(secret, []byte("attack at dawn"))
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}

	t.Run("wrong key", func(t *testing.T) {
		var wrongSecret [32]byte
		wrongSecret[0] = 1
		if _, err := Decrypt(wrongSecret, ciphertext, nonce); !errors.Is(err, ErrDecryptionFailure) {
			t.Errorf("expected ErrDecryptionFailure, got %v", err)
		}
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		tampered := append([]byte(nil), ciphertext...)
		tampered[len(tampered)/2] ^= 0x01
		if _, err := Decrypt(secret, tampered, nonce); !errors.Is(err, ErrDecryptionFailure) {
			t.Errorf("expected ErrDecryptionFailure, got %v", err)
		}
	})

	t.Run("corrupted nonce", func(t *testing.T) {
		badNonce := nonce
		badNonce[0] ^= 0x01
		if _, err := Decrypt(secret, ciphertext, badNonce); !errors.Is(err, ErrDecryptionFailure) {
			t.Errorf("expected ErrDecryptionFailure, got %v", err)
		}
	})

	t.Run("empty ciphertext", func(t *testing.T) {
		if _, err := Decrypt(secret, nil, nonce); !errors.Is(err, ErrDecryptionFailure) {
			t.Errorf("expected ErrDecryptionFailure, got %v", err)
		}
	})
}

func TestSealedBoxRoundTrip(t *testing.T) {
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate recipient key pair: %v", err)
	}

	payload := []byte("conversation secret material")
	sealed, err := SealToPublicKey(payload, recipient.Public)
	if err != nil {
		t.Fatalf("SealToPublicKey() failed: %v", err)
	}

	opened, err := OpenWithKeyPair(sealed, recipient)
	if err != nil {
		t.Fatalf("OpenWithKeyPair() failed: %v", err)
	}
	if !bytes.Equal(opened, payload) {
		t.Error("sealed box round-trip did not recover payload")
	}

	// A different key pair must not be able to open the box.
	other, _ := GenerateKeyPair()
	if _, err := OpenWithKeyPair(sealed, other); !errors.Is(err, ErrDecryptionFailure) {
		t.Errorf("expected ErrDecryptionFailure opening with wrong keys, got %v", err)
	}
}

func TestFromSecretKey(t *testing.T) {
	original, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	restored, err := FromSecretKey(original.Private)
	if err != nil {
		t.Fatalf("FromSecretKey() failed: %v", err)
	}
	if restored.Public != original.Public {
		t.Error("derived public key does not match the original")
	}

	if _, err := FromSecretKey([32]byte{}); err == nil {
		t.Error("expected error for all-zero secret key")
	}
}

func TestWipeKeyPair(t *testing.T) {
	keys, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	if err := WipeKeyPair(keys); err != nil {
		t.Fatalf("WipeKeyPair() failed: %v", err)
	}
	if !isZeroKey(keys.Private) {
		t.Error("private key not zeroed after wipe")
	}

	if err := WipeKeyPair(nil); err == nil {
		t.Error("expected error wiping nil key pair")
	}
}
