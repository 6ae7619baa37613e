package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"github.com/opd-ai/securedm/crypto"
)

const (
	// vaultKDFIterations is the PBKDF2 iteration count for the vault key.
	vaultKDFIterations = 100000
	// vaultVersion is the current on-disk format version.
	vaultVersion = 1
	// vaultSaltSize is the size of the PBKDF2 salt.
	vaultSaltSize = 32
)

// FileVault persists a device's private key encrypted at rest with
// AES-256-GCM under a key derived from a master passphrase. The private key
// never leaves the vault unencrypted except into process memory.
type FileVault struct {
	encryptionKey [32]byte
	dataDir       string
	saltFile      string
}

// NewFileVault opens or initializes a vault directory. masterPassword is
// wiped before returning.
func NewFileVault(dataDir string, masterPassword []byte) (*FileVault, error) {
	if len(masterPassword) == 0 {
		return nil, fmt.Errorf("master password cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}

	v := &FileVault{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, ".salt"),
	}

	salt, err := v.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derivedKey := pbkdf2.Key(masterPassword, salt, vaultKDFIterations, 32, sha256.New)
	copy(v.encryptionKey[:], derivedKey)

	crypto.ZeroBytes(derivedKey)
	crypto.ZeroBytes(masterPassword)

	return v, nil
}

// SaveKeyPair stores the private half of a device key pair.
func (v *FileVault) SaveKeyPair(deviceID string, keys *crypto.KeyPair) error {
	return v.writeEncrypted(keyFileName(deviceID), keys.Private[:])
}

// LoadKeyPair restores a device key pair, deriving the public half from the
// stored private key. Returns ErrKeyNotFound if the device has no stored key.
func (v *FileVault) LoadKeyPair(deviceID string) (*crypto.KeyPair, error) {
	plaintext, err := v.readEncrypted(keyFileName(deviceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: device %s", ErrKeyNotFound, deviceID)
		}
		return nil, err
	}
	defer crypto.ZeroBytes(plaintext)

	if len(plaintext) != 32 {
		return nil, fmt.Errorf("corrupted key file for device %s: %d bytes", deviceID, len(plaintext))
	}

	var secret [32]byte
	copy(secret[:], plaintext)
	return crypto.FromSecretKey(secret)
}

// LoadOrCreateKeyPair returns the stored key pair for the device, generating
// and persisting a fresh one on first use. Any load failure other than a
// missing key, such as a wrong vault password or a corrupted file, is
// propagated rather than masked: overwriting the stored private key would
// orphan every wrapped conversation key sealed to it.
func (v *FileVault) LoadOrCreateKeyPair(deviceID string) (*crypto.KeyPair, error) {
	keys, err := v.LoadKeyPair(deviceID)
	if err == nil {
		return keys, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	keys, genErr := crypto.GenerateKeyPair()
	if genErr != nil {
		return nil, genErr
	}
	if saveErr := v.SaveKeyPair(deviceID, keys); saveErr != nil {
		return nil, saveErr
	}
	return keys, nil
}

// DeleteKeyPair removes a device's stored key, overwriting the file first.
func (v *FileVault) DeleteKeyPair(deviceID string) error {
	path := filepath.Join(v.dataDir, keyFileName(deviceID))

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat key file: %w", err)
	}

	// Best-effort overwrite before unlink.
	zeros := make([]byte, info.Size())
	if err := os.WriteFile(path, zeros, 0o600); err != nil {
		return os.Remove(path)
	}
	return os.Remove(path)
}

// Close wipes the vault encryption key from memory. The vault must not be
// used afterwards.
func (v *FileVault) Close() error {
	crypto.ZeroBytes(v.encryptionKey[:])
	return nil
}

func (v *FileVault) loadOrGenerateSalt() ([]byte, error) {
	salt := make([]byte, vaultSaltSize)

	data, err := os.ReadFile(v.saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := os.WriteFile(v.saltFile, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}
		return salt, nil
	}

	if len(data) != vaultSaltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), vaultSaltSize)
	}
	copy(salt, data)
	return salt, nil
}

// writeEncrypted writes [version:2][nonce:12][ciphertext+tag:N] atomically
// via a temporary file and rename.
func (v *FileVault) writeEncrypted(filename string, plaintext []byte) error {
	gcm, err := v.newGCM()
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], vaultVersion)
	copy(output[2:2+len(nonce)], nonce)
	copy(output[2+len(nonce):], ciphertext)

	tmpFile := filepath.Join(v.dataDir, filename+".tmp")
	finalFile := filepath.Join(v.dataDir, filename)

	if err := os.WriteFile(tmpFile, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpFile, finalFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename key file: %w", err)
	}
	return nil
}

func (v *FileVault) readEncrypted(filename string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(v.dataDir, filename))
	if err != nil {
		return nil, err
	}

	if len(data) < 2+12+16 {
		return nil, fmt.Errorf("key file too short: %d bytes", len(data))
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != vaultVersion {
		return nil, fmt.Errorf("unsupported vault version: %d", version)
	}

	gcm, err := v.newGCM()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < 2+nonceSize {
		return nil, fmt.Errorf("key file too short for nonce: %d bytes", len(data))
	}

	nonce := data[2 : 2+nonceSize]
	ciphertext := data[2+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("vault decryption failed (wrong password or corrupted file): %w", err)
	}
	return plaintext, nil
}

func (v *FileVault) newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func keyFileName(deviceID string) string {
	return "device-" + deviceID + ".key"
}
