package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securedm/crypto"
	"github.com/opd-ai/securedm/policy"
)

// DefaultPageLimit is used when a caller passes a non-positive limit.
const DefaultPageLimit = 50

// MemoryGateway is an in-memory Gateway implementation. It is safe for
// concurrent use; a single mutex serializes all writes, which also provides
// the per-conversation sequence assignment discipline.
type MemoryGateway struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	messages      map[string]*Message
	bySeq         map[string][]*Message // per conversation, ascending seq
	nextSeq       map[string]uint64
	notifier      Notifier
}

// NewMemoryGateway creates an empty in-memory gateway. notifier may be nil.
func NewMemoryGateway(notifier Notifier) *MemoryGateway {
	return &MemoryGateway{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
		bySeq:         make(map[string][]*Message),
		nextSeq:       make(map[string]uint64),
		notifier:      notifier,
	}
}

// EnsureConversation returns the conversation with the given id, creating it
// for the participant pair if absent.
func (g *MemoryGateway) EnsureConversation(ctx context.Context, conversationID, userA, userB string) (*Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if conv, ok := g.conversations[conversationID]; ok {
		return cloneConversation(conv), nil
	}

	conv := &Conversation{
		ID:           conversationID,
		ParticipantA: userA,
		ParticipantB: userB,
		LastActivity: time.Now(),
	}
	g.conversations[conversationID] = conv

	logrus.WithFields(logrus.Fields{
		"function":        "EnsureConversation",
		"conversation_id": conversationID,
	}).Info("conversation created")

	return cloneConversation(conv), nil
}

// Conversation returns a conversation by id.
func (g *MemoryGateway) Conversation(ctx context.Context, conversationID string) (*Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	conv, ok := g.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

// SetArchived flips one participant's archive flag.
func (g *MemoryGateway) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	conv, ok := g.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	switch userID {
	case conv.ParticipantA:
		conv.ArchivedByA = archived
	case conv.ParticipantB:
		conv.ArchivedByB = archived
	default:
		return ErrNotParticipant
	}
	return nil
}

// Append stores a new message under the next sequence number for the
// conversation. Sequence assignment happens under the gateway mutex, so two
// concurrent senders can never receive colliding numbers.
func (g *MemoryGateway) Append(ctx context.Context, conversationID, senderID string, ciphertext []byte, nonce crypto.Nonce, keyVersion int) (*Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	conv, ok := g.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if !conv.HasParticipant(senderID) {
		return nil, ErrNotParticipant
	}

	g.nextSeq[conversationID]++
	now := time.Now()
	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Ciphertext:     append([]byte(nil), ciphertext...),
		Nonce:          nonce,
		KeyVersion:     keyVersion,
		Seq:            g.nextSeq[conversationID],
		CreatedAt:      now,
	}

	g.messages[msg.ID] = msg
	g.bySeq[conversationID] = append(g.bySeq[conversationID], msg)
	conv.LastActivity = now

	logrus.WithFields(logrus.Fields{
		"function":        "Append",
		"conversation_id": conversationID,
		"seq":             msg.Seq,
		"key_version":     keyVersion,
	}).Debug("message appended")

	g.notifyInserted(msg)
	return msg.Clone(), nil
}

// Get returns a message by id.
func (g *MemoryGateway) Get(ctx context.Context, messageID string) (*Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	msg, ok := g.messages[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return msg.Clone(), nil
}

// Edit replaces a message payload after re-checking the mutation policy
// against the stored creation time.
func (g *MemoryGateway) Edit(ctx context.Context, messageID string, newCiphertext []byte, newNonce crypto.Nonce, keyVersion int, actorID string, now time.Time) (*Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	msg, ok := g.messages[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	if err := mutationErr(msg, actorID, now); err != nil {
		return nil, err
	}

	msg.Ciphertext = append([]byte(nil), newCiphertext...)
	msg.Nonce = newNonce
	msg.KeyVersion = keyVersion
	msg.Edited = true
	editedAt := now
	msg.EditedAt = &editedAt

	g.notifyUpdated(msg)
	return msg.Clone(), nil
}

// Delete tombstones a message: the payload is cleared and the deleted flag
// set while the sequence number and metadata survive.
func (g *MemoryGateway) Delete(ctx context.Context, messageID string, actorID string, now time.Time) (*Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	msg, ok := g.messages[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	if err := mutationErr(msg, actorID, now); err != nil {
		return nil, err
	}

	msg.Ciphertext = nil
	msg.Nonce = crypto.Nonce{}
	msg.Deleted = true

	logrus.WithFields(logrus.Fields{
		"function":        "Delete",
		"conversation_id": msg.ConversationID,
		"seq":             msg.Seq,
	}).Debug("message tombstoned")

	g.notifyUpdated(msg)
	return msg.Clone(), nil
}

// Page returns up to limit messages older than cursor in descending
// sequence order. A cursor newer than the conversation head no longer
// references a valid position and fails with ErrCursorInvalidated.
func (g *MemoryGateway) Page(ctx context.Context, conversationID string, cursor uint64, limit int) (*Page, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.conversations[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}

	ordered := g.bySeq[conversationID]
	head := g.nextSeq[conversationID]
	if cursor != NoCursor && cursor > head {
		return nil, ErrCursorInvalidated
	}

	// ordered is ascending; walk backwards from the cursor position.
	end := len(ordered)
	if cursor != NoCursor {
		end = sort.Search(len(ordered), func(i int) bool { return ordered[i].Seq >= cursor })
	}

	start := end - limit
	if start < 0 {
		start = 0
	}

	page := &Page{HasMore: start > 0}
	for i := end - 1; i >= start; i-- {
		page.Messages = append(page.Messages, ordered[i].Clone())
	}
	if n := len(page.Messages); n > 0 {
		page.NextCursor = page.Messages[n-1].Seq
	}
	return page, nil
}

// MarkDelivered records the delivery timestamp if not already set.
func (g *MemoryGateway) MarkDelivered(ctx context.Context, messageID string, at time.Time) error {
	return g.stamp(messageID, func(m *Message) bool {
		if m.DeliveredAt != nil {
			return false
		}
		t := at
		m.DeliveredAt = &t
		return true
	})
}

// MarkRead records the read timestamp if not already set.
func (g *MemoryGateway) MarkRead(ctx context.Context, messageID string, at time.Time) error {
	return g.stamp(messageID, func(m *Message) bool {
		if m.ReadAt != nil {
			return false
		}
		t := at
		m.ReadAt = &t
		return true
	})
}

func (g *MemoryGateway) stamp(messageID string, apply func(*Message) bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	msg, ok := g.messages[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	if apply(msg) {
		g.notifyUpdated(msg)
	}
	return nil
}

func (g *MemoryGateway) notifyInserted(msg *Message) {
	if g.notifier != nil {
		g.notifier.MessageInserted(msg.Clone())
	}
}

func (g *MemoryGateway) notifyUpdated(msg *Message) {
	if g.notifier != nil {
		g.notifier.MessageUpdated(msg.Clone())
	}
}

// mutationErr runs the edit/delete policy against stored metadata.
func mutationErr(msg *Message, actorID string, now time.Time) error {
	subject := policy.Subject{
		SenderID:  msg.SenderID,
		CreatedAt: msg.CreatedAt,
		Deleted:   msg.Deleted,
	}
	return policy.Check(subject, actorID, now).Err()
}

func cloneConversation(c *Conversation) *Conversation {
	clone := *c
	return &clone
}
