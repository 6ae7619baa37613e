package convkey

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/securedm/crypto"
)

type fixture struct {
	store *MemoryKeyStore
	alice *Manager
	bob   *Manager

	aliceKeys *crypto.KeyPair
	bobKeys   *crypto.KeyPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	aliceKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bobKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	store := NewMemoryKeyStore()
	return &fixture{
		store:     store,
		alice:     NewManager("alice", aliceKeys, store),
		bob:       NewManager("bob", bobKeys, store),
		aliceKeys: aliceKeys,
		bobKeys:   bobKeys,
	}
}

func TestGetOrCreateBothSidesAgree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	aliceSecret, version, err := f.alice.GetOrCreate(ctx, "conv-1", "bob", f.bobKeys.Public)
	require.NoError(t, err)
	require.Equal(t, 1, version)

	bobSecret, bobVersion, err := f.bob.GetOrCreate(ctx, "conv-1", "alice", f.aliceKeys.Public)
	require.NoError(t, err)
	require.Equal(t, 1, bobVersion)
	require.Equal(t, aliceSecret, bobSecret, "both participants must hold the identical secret")
}

func TestBobRecoversSecretFromSealedCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	aliceSecret, _, err := f.alice.GetOrCreate(ctx, "conv-1", "bob", f.bobKeys.Public)
	require.NoError(t, err)

	// Bob fetches by version, forcing the sealed-copy unwrap path rather
	// than the ECDH derivation.
	bobSecret, err := f.bob.SecretForVersion(ctx, "conv-1", 1)
	require.NoError(t, err)
	require.Equal(t, aliceSecret, bobSecret)
}

func TestRotateKeepsOldVersionsDecryptable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1Secret, _, err := f.alice.GetOrCreate(ctx, "conv-1", "bob", f.bobKeys.Public)
	require.NoError(t, err)

	newVersion, err := f.alice.Rotate(ctx, "conv-1", "bob", f.bobKeys.Public)
	require.NoError(t, err)
	require.Equal(t, 2, newVersion)

	// The current version moved forward.
	_, current, err := f.alice.GetOrCreate(ctx, "conv-1", "bob", f.bobKeys.Public)
	require.NoError(t, err)
	require.Equal(t, 2, current)

	// Version 1 remains retrievable by both sides.
	oldAlice, err := f.alice.SecretForVersion(ctx, "conv-1", 1)
	require.NoError(t, err)
	require.Equal(t, v1Secret, oldAlice)

	oldBob, err := f.bob.SecretForVersion(ctx, "conv-1", 1)
	require.NoError(t, err)
	require.Equal(t, v1Secret, oldBob)

	// The two versions are distinct secrets.
	v2Secret, err := f.bob.SecretForVersion(ctx, "conv-1", 2)
	require.NoError(t, err)
	require.NotEqual(t, v1Secret, v2Secret)
}

func TestInvalidateRecomputesFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	secret, _, err := f.alice.GetOrCreate(ctx, "conv-1", "bob", f.bobKeys.Public)
	require.NoError(t, err)

	f.alice.Invalidate("conv-1", 1)

	recomputed, err := f.alice.SecretForVersion(ctx, "conv-1", 1)
	require.NoError(t, err)
	require.Equal(t, secret, recomputed)
}

func TestSecretForUnknownVersion(t *testing.T) {
	f := newFixture(t)

	_, err := f.alice.SecretForVersion(context.Background(), "conv-1", 7)
	require.ErrorIs(t, err, ErrVersionNotFound)
}

func TestConcurrentGetOrCreateSingleVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	secrets := make([][32]byte, callers)
	versions := make([]int, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			manager, peerID, peerPub := f.alice, "bob", f.bobKeys.Public
			if i%2 == 1 {
				manager, peerID, peerPub = f.bob, "alice", f.aliceKeys.Public
			}
			secrets[i], versions[i], errs[i] = manager.GetOrCreate(ctx, "conv-1", peerID, peerPub)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, 1, versions[i])
		require.Equal(t, secrets[0], secrets[i], "all callers must converge on one secret")
	}

	version, err := f.store.CurrentVersion(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, 1, version)
}
