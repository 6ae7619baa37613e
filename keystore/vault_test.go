package keystore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/securedm/crypto"
)

func TestVaultSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	vault, err := NewFileVault(dir, []byte("correct horse battery staple"))
	require.NoError(t, err)
	defer vault.Close()

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, vault.SaveKeyPair("dev-1", keys))

	loaded, err := vault.LoadKeyPair("dev-1")
	require.NoError(t, err)
	require.Equal(t, keys.Public, loaded.Public)
	require.Equal(t, keys.Private, loaded.Private)
}

func TestVaultLoadOrCreateIsStable(t *testing.T) {
	dir := t.TempDir()

	vault, err := NewFileVault(dir, []byte("passphrase"))
	require.NoError(t, err)
	defer vault.Close()

	first, err := vault.LoadOrCreateKeyPair("dev-1")
	require.NoError(t, err)

	second, err := vault.LoadOrCreateKeyPair("dev-1")
	require.NoError(t, err)
	require.Equal(t, first.Public, second.Public, "repeated loads must return the same key")
}

func TestVaultSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	password := "passphrase"

	vault, err := NewFileVault(dir, []byte(password))
	require.NoError(t, err)
	keys, err := vault.LoadOrCreateKeyPair("dev-1")
	require.NoError(t, err)
	require.NoError(t, vault.Close())

	// NewFileVault wipes the password slice, so pass a fresh copy.
	reopened, err := NewFileVault(dir, []byte(password))
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadKeyPair("dev-1")
	require.NoError(t, err)
	require.Equal(t, keys.Public, loaded.Public)
}

func TestVaultWrongPassword(t *testing.T) {
	dir := t.TempDir()

	vault, err := NewFileVault(dir, []byte("right"))
	require.NoError(t, err)
	_, err = vault.LoadOrCreateKeyPair("dev-1")
	require.NoError(t, err)
	vault.Close()

	wrong, err := NewFileVault(dir, []byte("wrong"))
	require.NoError(t, err)
	defer wrong.Close()

	_, err = wrong.LoadKeyPair("dev-1")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrKeyNotFound), "wrong password is not a missing key")
}

func TestVaultWrongPasswordDoesNotReplaceKey(t *testing.T) {
	dir := t.TempDir()

	vault, err := NewFileVault(dir, []byte("right"))
	require.NoError(t, err)
	keys, err := vault.LoadOrCreateKeyPair("dev-1")
	require.NoError(t, err)
	vault.Close()

	wrong, err := NewFileVault(dir, []byte("wrong"))
	require.NoError(t, err)
	_, err = wrong.LoadOrCreateKeyPair("dev-1")
	require.Error(t, err, "undecryptable key file must surface, not mint a new identity")
	require.False(t, errors.Is(err, ErrKeyNotFound))
	wrong.Close()

	// The stored key is untouched and still loads with the right password.
	reopened, err := NewFileVault(dir, []byte("right"))
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadKeyPair("dev-1")
	require.NoError(t, err)
	require.Equal(t, keys.Public, loaded.Public)
	require.Equal(t, keys.Private, loaded.Private)
}

func TestVaultMissingKey(t *testing.T) {
	vault, err := NewFileVault(t.TempDir(), []byte("passphrase"))
	require.NoError(t, err)
	defer vault.Close()

	_, err = vault.LoadKeyPair("dev-none")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestVaultDeleteKeyPair(t *testing.T) {
	vault, err := NewFileVault(t.TempDir(), []byte("passphrase"))
	require.NoError(t, err)
	defer vault.Close()

	_, err = vault.LoadOrCreateKeyPair("dev-1")
	require.NoError(t, err)

	require.NoError(t, vault.DeleteKeyPair("dev-1"))
	_, err = vault.LoadKeyPair("dev-1")
	require.ErrorIs(t, err, ErrKeyNotFound)

	// Deleting again is a no-op.
	require.NoError(t, vault.DeleteKeyPair("dev-1"))
}

func TestVaultRejectsEmptyPassword(t *testing.T) {
	_, err := NewFileVault(t.TempDir(), nil)
	require.Error(t, err)
}
