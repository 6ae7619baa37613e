package securedm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/securedm/convkey"
	"github.com/opd-ai/securedm/keystore"
	"github.com/opd-ai/securedm/policy"
	"github.com/opd-ai/securedm/pubsub"
	"github.com/opd-ai/securedm/store"
	"github.com/opd-ai/securedm/timeline"
)

// platform is the shared server-side state both test messengers talk to.
type platform struct {
	deps Deps
}

func newPlatform() *platform {
	broker := pubsub.NewMemoryBroker()
	return &platform{deps: Deps{
		Gateway:  store.NewMemoryGateway(broker),
		Broker:   broker,
		Registry: keystore.NewStore(),
		Keys:     convkey.NewMemoryKeyStore(),
	}}
}

func (p *platform) messenger(t *testing.T, userID string) *Messenger {
	t.Helper()

	opts := NewOptions()
	opts.DataDir = t.TempDir()
	opts.VaultPassword = []byte("test passphrase")
	opts.ResubscribeMin = 10 * time.Millisecond
	opts.ResubscribeMax = 50 * time.Millisecond

	m, err := New(userID, userID+"-device", p.deps, opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func timelineTexts(engine *timeline.Engine) []string {
	snap := engine.Snapshot()
	out := make([]string, len(snap.Entries))
	for i, entry := range snap.Entries {
		out[i] = entry.Text
	}
	return out
}

func TestSendAndReceiveRoundTrip(t *testing.T) {
	p := newPlatform()
	alice := p.messenger(t, "alice")
	bob := p.messenger(t, "bob")
	ctx := context.Background()

	sent, err := alice.SendMessage(ctx, "bob", "hello bob")
	require.NoError(t, err)
	require.Equal(t, uint64(1), sent.Seq)
	require.NotEqual(t, []byte("hello bob"), sent.Ciphertext, "payload must be encrypted at rest")

	engine, err := bob.OpenConversation(ctx, "alice", nil)
	require.NoError(t, err)

	require.Equal(t, []string{"hello bob"}, timelineTexts(engine))
}

func TestBothDirectionsInterleave(t *testing.T) {
	p := newPlatform()
	alice := p.messenger(t, "alice")
	bob := p.messenger(t, "bob")
	ctx := context.Background()

	_, err := alice.SendMessage(ctx, "bob", "a1")
	require.NoError(t, err)
	_, err = bob.SendMessage(ctx, "alice", "b1")
	require.NoError(t, err)
	_, err = alice.SendMessage(ctx, "bob", "a2")
	require.NoError(t, err)

	aliceEngine, err := alice.OpenConversation(ctx, "bob", nil)
	require.NoError(t, err)
	bobEngine, err := bob.OpenConversation(ctx, "alice", nil)
	require.NoError(t, err)

	expected := []string{"a1", "b1", "a2"}
	require.Equal(t, expected, timelineTexts(aliceEngine))
	require.Equal(t, expected, timelineTexts(bobEngine), "both sides see the identical order")
}

func TestSenderSeesOwnMessageThroughSubscription(t *testing.T) {
	p := newPlatform()
	alice := p.messenger(t, "alice")
	p.messenger(t, "bob") // publishes bob's key
	ctx := context.Background()

	engine, err := alice.OpenConversation(ctx, "bob", nil)
	require.NoError(t, err)
	require.Empty(t, engine.Snapshot().Entries)

	_, err = alice.SendMessage(ctx, "bob", "echo")
	require.NoError(t, err)

	require.True(t, waitFor(2*time.Second, func() bool {
		return len(engine.Snapshot().Entries) == 1
	}), "own message never echoed back through the live feed")
	require.Equal(t, []string{"echo"}, timelineTexts(engine))
}

func TestEditAndDeleteFlows(t *testing.T) {
	p := newPlatform()
	alice := p.messenger(t, "alice")
	bob := p.messenger(t, "bob")
	ctx := context.Background()

	msg, err := alice.SendMessage(ctx, "bob", "teh typo")
	require.NoError(t, err)

	// Bob cannot edit Alice's message.
	_, err = bob.EditMessage(ctx, msg.ID, "hijacked")
	require.ErrorIs(t, err, policy.ErrNotOwner)

	edited, err := alice.EditMessage(ctx, msg.ID, "the typo")
	require.NoError(t, err)
	require.True(t, edited.Edited)

	engine, err := bob.OpenConversation(ctx, "alice", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"the typo"}, timelineTexts(engine))

	// Delete tombstones; a later edit fails.
	deleted, err := alice.DeleteMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.True(t, deleted.Deleted)
	require.Equal(t, msg.Seq, deleted.Seq)

	_, err = alice.EditMessage(ctx, msg.ID, "too late")
	require.ErrorIs(t, err, policy.ErrAlreadyDeleted)

	require.True(t, waitFor(2*time.Second, func() bool {
		snap := engine.Snapshot()
		return len(snap.Entries) == 1 && snap.Entries[0].Deleted
	}), "tombstone never reached bob's timeline")
}

func TestKeyRotationKeepsHistoryReadable(t *testing.T) {
	p := newPlatform()
	alice := p.messenger(t, "alice")
	bob := p.messenger(t, "bob")
	ctx := context.Background()

	before, err := alice.SendMessage(ctx, "bob", "under v1")
	require.NoError(t, err)
	require.Equal(t, 1, before.KeyVersion)

	version, err := alice.RotateConversationKey(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 2, version)

	after, err := alice.SendMessage(ctx, "bob", "under v2")
	require.NoError(t, err)
	require.Equal(t, 2, after.KeyVersion)

	// Bob decrypts both generations.
	engine, err := bob.OpenConversation(ctx, "alice", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"under v1", "under v2"}, timelineTexts(engine))

	snap := engine.Snapshot()
	require.False(t, snap.Entries[0].Undecryptable)
	require.False(t, snap.Entries[1].Undecryptable)
}

func TestSendFailsWithoutPeerKey(t *testing.T) {
	p := newPlatform()
	alice := p.messenger(t, "alice")

	_, err := alice.SendMessage(context.Background(), "ghost", "anyone there?")
	require.ErrorIs(t, err, keystore.ErrKeyNotFound)
}

func TestArchiveIsPerParticipant(t *testing.T) {
	p := newPlatform()
	alice := p.messenger(t, "alice")
	p.messenger(t, "bob")
	ctx := context.Background()

	_, err := alice.SendMessage(ctx, "bob", "hi")
	require.NoError(t, err)

	require.NoError(t, alice.ArchiveConversation(ctx, "bob", true))

	conv, err := p.deps.Gateway.Conversation(ctx, ConversationID("alice", "bob"))
	require.NoError(t, err)
	archivedFlags := []bool{conv.ArchivedByA, conv.ArchivedByB}
	require.Contains(t, archivedFlags, true)
	require.Contains(t, archivedFlags, false)
}

func TestReceipts(t *testing.T) {
	p := newPlatform()
	alice := p.messenger(t, "alice")
	bob := p.messenger(t, "bob")
	ctx := context.Background()

	msg, err := alice.SendMessage(ctx, "bob", "read me")
	require.NoError(t, err)

	require.NoError(t, bob.MarkDelivered(ctx, msg.ID))
	require.NoError(t, bob.MarkRead(ctx, msg.ID))

	stored, err := p.deps.Gateway.Get(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.DeliveredAt)
	require.NotNil(t, stored.ReadAt)
}

func TestConversationIDIsSymmetric(t *testing.T) {
	require.Equal(t, ConversationID("alice", "bob"), ConversationID("bob", "alice"))
	require.NotEqual(t, ConversationID("alice", "bob"), ConversationID("alice", "carol"))
}

func TestMessengerSurvivesRestartWithSameKey(t *testing.T) {
	p := newPlatform()

	opts := NewOptions()
	opts.DataDir = t.TempDir()
	opts.VaultPassword = []byte("stable passphrase")

	first, err := New("alice", "alice-device", p.deps, opts)
	require.NoError(t, err)
	firstKey := first.PublicKey()
	require.NoError(t, first.Close())

	opts.VaultPassword = []byte("stable passphrase")
	second, err := New("alice", "alice-device", p.deps, opts)
	require.NoError(t, err)
	defer second.Close()

	require.Equal(t, firstKey, second.PublicKey(), "restart must reload the same device key")
}
