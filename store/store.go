package store

import (
	"context"
	"errors"
	"time"

	"github.com/opd-ai/securedm/crypto"
)

var (
	// ErrMessageNotFound indicates the referenced message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrConversationNotFound indicates the referenced conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrCursorInvalidated indicates a pagination cursor no longer references
	// a valid position (e.g. the anchoring record was purged); callers should
	// resync from the newest page.
	ErrCursorInvalidated = errors.New("pagination cursor invalidated")
	// ErrNotParticipant indicates the actor is not a member of the conversation.
	ErrNotParticipant = errors.New("not a conversation participant")
)

// Message is a stored message record. Content is always ciphertext; the
// store never sees plaintext. Records are never physically removed: deletion
// clears the payload and sets the Deleted flag while the sequence number and
// metadata survive as a tombstone.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Ciphertext     []byte       `json:"ciphertext"`
	Nonce          crypto.Nonce `json:"nonce"`
	KeyVersion     int          `json:"key_version"`
	Seq            uint64       `json:"seq"`
	Deleted        bool         `json:"deleted"`
	Edited         bool         `json:"edited"`
	EditedAt       *time.Time   `json:"edited_at,omitempty"`
	DeliveredAt    *time.Time   `json:"delivered_at,omitempty"`
	ReadAt         *time.Time   `json:"read_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Clone returns a deep copy so gateway internals never alias caller state.
func (m *Message) Clone() *Message {
	c := *m
	c.Ciphertext = append([]byte(nil), m.Ciphertext...)
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		c.DeliveredAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	return &c
}

// Conversation is a two-participant thread. Conversations are created on the
// first exchanged message and never hard-deleted; each participant holds an
// independent archive flag.
type Conversation struct {
	ID           string    `json:"id"`
	ParticipantA string    `json:"participant_a"`
	ParticipantB string    `json:"participant_b"`
	LastActivity time.Time `json:"last_activity"`
	ArchivedByA  bool      `json:"archived_by_a"`
	ArchivedByB  bool      `json:"archived_by_b"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID == c.ParticipantA || userID == c.ParticipantB
}

// Page is one result of a backward pagination request: up to limit messages
// in descending sequence order, a flag for whether older messages remain,
// and the cursor for the next older page (the oldest returned sequence).
type Page struct {
	Messages   []*Message
	HasMore    bool
	NextCursor uint64
}

// NoCursor requests the newest page. Sequence numbers start at 1, so zero is
// never a valid cursor value.
const NoCursor uint64 = 0

// Gateway is the persistence contract consumed by the synchronization
// engine and the messenger facade.
type Gateway interface {
	// EnsureConversation returns the conversation between the two users,
	// creating it if the pair has never exchanged a message.
	EnsureConversation(ctx context.Context, conversationID, userA, userB string) (*Conversation, error)

	// Conversation returns a conversation by id.
	Conversation(ctx context.Context, conversationID string) (*Conversation, error)

	// SetArchived flips one participant's archive flag.
	SetArchived(ctx context.Context, conversationID, userID string, archived bool) error

	// Append stores a new message, atomically assigning the next sequence
	// number for the conversation.
	Append(ctx context.Context, conversationID, senderID string, ciphertext []byte, nonce crypto.Nonce, keyVersion int) (*Message, error)

	// Get returns a message by id.
	Get(ctx context.Context, messageID string) (*Message, error)

	// Edit replaces a message payload if the mutation policy allows it at
	// time now. Fails with policy.ErrEditWindowExpired, policy.ErrNotOwner,
	// or policy.ErrAlreadyDeleted.
	Edit(ctx context.Context, messageID string, newCiphertext []byte, newNonce crypto.Nonce, keyVersion int, actorID string, now time.Time) (*Message, error)

	// Delete tombstones a message if the mutation policy allows it at time
	// now: the payload is cleared, the deleted flag set, and the sequence
	// number preserved.
	Delete(ctx context.Context, messageID string, actorID string, now time.Time) (*Message, error)

	// Page returns up to limit messages older than cursor (or the newest
	// limit messages for NoCursor) in descending sequence order.
	Page(ctx context.Context, conversationID string, cursor uint64, limit int) (*Page, error)

	// MarkDelivered records the delivery timestamp if not already set.
	MarkDelivered(ctx context.Context, messageID string, at time.Time) error

	// MarkRead records the read timestamp if not already set.
	MarkRead(ctx context.Context, messageID string, at time.Time) error
}

// Notifier receives row-change notifications from a gateway, mirroring a
// database changefeed. Implemented by pubsub brokers; a nil notifier is
// valid and disables notifications.
type Notifier interface {
	MessageInserted(msg *Message)
	MessageUpdated(msg *Message)
}
