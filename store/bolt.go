package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/opd-ai/securedm/crypto"
)

var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("msgindex")
)

// BoltGateway is a Gateway backed by a bbolt database file. Sequence numbers
// are assigned with the per-bucket sequence counter inside a single update
// transaction, so assignment is atomic and serialized per conversation.
type BoltGateway struct {
	db       *bolt.DB
	notifier Notifier
}

// messageRef locates a message record from its id.
type messageRef struct {
	ConversationID string `json:"conversation_id"`
	Seq            uint64 `json:"seq"`
}

// OpenBoltGateway opens (creating if needed) a bbolt-backed gateway at path.
// notifier may be nil.
func OpenBoltGateway(path string, notifier Notifier) (*BoltGateway, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketMessages, bucketMessageIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize message store: %w", err)
	}

	return &BoltGateway{db: db, notifier: notifier}, nil
}

// Close closes the underlying database.
func (g *BoltGateway) Close() error {
	return g.db.Close()
}

// EnsureConversation returns the conversation with the given id, creating it
// for the participant pair if absent.
func (g *BoltGateway) EnsureConversation(ctx context.Context, conversationID, userA, userB string) (*Conversation, error) {
	var conv Conversation
	err := g.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketConversations)
		if raw := bucket.Get([]byte(conversationID)); raw != nil {
			return json.Unmarshal(raw, &conv)
		}

		conv = Conversation{
			ID:           conversationID,
			ParticipantA: userA,
			ParticipantB: userB,
			LastActivity: time.Now(),
		}
		if _, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(conversationID)); err != nil {
			return err
		}
		return putJSON(bucket, []byte(conversationID), &conv)
	})
	if err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}
	return &conv, nil
}

// Conversation returns a conversation by id.
func (g *BoltGateway) Conversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var conv Conversation
	err := g.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketConversations).Get([]byte(conversationID))
		if raw == nil {
			return ErrConversationNotFound
		}
		return json.Unmarshal(raw, &conv)
	})
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// SetArchived flips one participant's archive flag.
func (g *BoltGateway) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketConversations)
		raw := bucket.Get([]byte(conversationID))
		if raw == nil {
			return ErrConversationNotFound
		}
		var conv Conversation
		if err := json.Unmarshal(raw, &conv); err != nil {
			return err
		}
		switch userID {
		case conv.ParticipantA:
			conv.ArchivedByA = archived
		case conv.ParticipantB:
			conv.ArchivedByB = archived
		default:
			return ErrNotParticipant
		}
		return putJSON(bucket, []byte(conversationID), &conv)
	})
}

// Append stores a new message, assigning the next sequence number from the
// conversation bucket's sequence counter within the same transaction.
func (g *BoltGateway) Append(ctx context.Context, conversationID, senderID string, ciphertext []byte, nonce crypto.Nonce, keyVersion int) (*Message, error) {
	var msg *Message
	err := g.db.Update(func(tx *bolt.Tx) error {
		convRaw := tx.Bucket(bucketConversations).Get([]byte(conversationID))
		if convRaw == nil {
			return ErrConversationNotFound
		}
		var conv Conversation
		if err := json.Unmarshal(convRaw, &conv); err != nil {
			return err
		}
		if !conv.HasParticipant(senderID) {
			return ErrNotParticipant
		}

		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return err
		}
		seq, err := convBucket.NextSequence()
		if err != nil {
			return err
		}

		now := time.Now()
		msg = &Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			SenderID:       senderID,
			Ciphertext:     append([]byte(nil), ciphertext...),
			Nonce:          nonce,
			KeyVersion:     keyVersion,
			Seq:            seq,
			CreatedAt:      now,
		}
		if err := putJSON(convBucket, seqKey(seq), msg); err != nil {
			return err
		}
		if err := putJSON(tx.Bucket(bucketMessageIndex), []byte(msg.ID), &messageRef{ConversationID: conversationID, Seq: seq}); err != nil {
			return err
		}

		conv.LastActivity = now
		return putJSON(tx.Bucket(bucketConversations), []byte(conversationID), &conv)
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Append",
		"conversation_id": conversationID,
		"seq":             msg.Seq,
	}).Debug("message appended")

	if g.notifier != nil {
		g.notifier.MessageInserted(msg.Clone())
	}
	return msg, nil
}

// Get returns a message by id.
func (g *BoltGateway) Get(ctx context.Context, messageID string) (*Message, error) {
	var msg Message
	err := g.db.View(func(tx *bolt.Tx) error {
		return g.loadMessage(tx, messageID, &msg)
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Edit replaces a message payload after re-checking the mutation policy.
func (g *BoltGateway) Edit(ctx context.Context, messageID string, newCiphertext []byte, newNonce crypto.Nonce, keyVersion int, actorID string, now time.Time) (*Message, error) {
	msg, err := g.mutate(messageID, actorID, now, func(m *Message) {
		m.Ciphertext = append([]byte(nil), newCiphertext...)
		m.Nonce = newNonce
		m.KeyVersion = keyVersion
		m.Edited = true
		editedAt := now
		m.EditedAt = &editedAt
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Delete tombstones a message after re-checking the mutation policy.
func (g *BoltGateway) Delete(ctx context.Context, messageID string, actorID string, now time.Time) (*Message, error) {
	return g.mutate(messageID, actorID, now, func(m *Message) {
		m.Ciphertext = nil
		m.Nonce = crypto.Nonce{}
		m.Deleted = true
	})
}

// mutate loads a message, applies the mutation policy, runs apply, and
// persists the result, notifying on success.
func (g *BoltGateway) mutate(messageID, actorID string, now time.Time, apply func(*Message)) (*Message, error) {
	var msg Message
	err := g.db.Update(func(tx *bolt.Tx) error {
		if err := g.loadMessage(tx, messageID, &msg); err != nil {
			return err
		}
		if err := mutationErr(&msg, actorID, now); err != nil {
			return err
		}
		apply(&msg)
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(msg.ConversationID))
		return putJSON(convBucket, seqKey(msg.Seq), &msg)
	})
	if err != nil {
		return nil, err
	}
	if g.notifier != nil {
		g.notifier.MessageUpdated(msg.Clone())
	}
	return &msg, nil
}

// Page returns up to limit messages older than cursor in descending
// sequence order, walking the conversation bucket backwards.
func (g *BoltGateway) Page(ctx context.Context, conversationID string, cursor uint64, limit int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}

	page := &Page{}
	err := g.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketConversations).Get([]byte(conversationID)) == nil {
			return ErrConversationNotFound
		}
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil // conversation exists but has no messages yet
		}
		if cursor != NoCursor && cursor > convBucket.Sequence() {
			return ErrCursorInvalidated
		}

		c := convBucket.Cursor()
		var key, val []byte
		if cursor == NoCursor {
			key, val = c.Last()
		} else {
			// Position at the first record at or after the cursor, then
			// step back to the newest record strictly older than it.
			key, val = c.Seek(seqKey(cursor))
			if key == nil {
				key, val = c.Last()
			} else {
				key, val = c.Prev()
			}
		}

		for ; key != nil && len(page.Messages) < limit; key, val = c.Prev() {
			var msg Message
			if err := json.Unmarshal(val, &msg); err != nil {
				return err
			}
			page.Messages = append(page.Messages, &msg)
		}
		page.HasMore = key != nil
		if n := len(page.Messages); n > 0 {
			page.NextCursor = page.Messages[n-1].Seq
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// MarkDelivered records the delivery timestamp if not already set.
func (g *BoltGateway) MarkDelivered(ctx context.Context, messageID string, at time.Time) error {
	return g.stampBolt(messageID, func(m *Message) bool {
		if m.DeliveredAt != nil {
			return false
		}
		t := at
		m.DeliveredAt = &t
		return true
	})
}

// MarkRead records the read timestamp if not already set.
func (g *BoltGateway) MarkRead(ctx context.Context, messageID string, at time.Time) error {
	return g.stampBolt(messageID, func(m *Message) bool {
		if m.ReadAt != nil {
			return false
		}
		t := at
		m.ReadAt = &t
		return true
	})
}

func (g *BoltGateway) stampBolt(messageID string, apply func(*Message) bool) error {
	var msg Message
	changed := false
	err := g.db.Update(func(tx *bolt.Tx) error {
		if err := g.loadMessage(tx, messageID, &msg); err != nil {
			return err
		}
		if !apply(&msg) {
			return nil
		}
		changed = true
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(msg.ConversationID))
		return putJSON(convBucket, seqKey(msg.Seq), &msg)
	})
	if err != nil {
		return err
	}
	if changed && g.notifier != nil {
		g.notifier.MessageUpdated(msg.Clone())
	}
	return nil
}

// loadMessage resolves a message id through the index bucket.
func (g *BoltGateway) loadMessage(tx *bolt.Tx, messageID string, out *Message) error {
	refRaw := tx.Bucket(bucketMessageIndex).Get([]byte(messageID))
	if refRaw == nil {
		return ErrMessageNotFound
	}
	var ref messageRef
	if err := json.Unmarshal(refRaw, &ref); err != nil {
		return err
	}
	convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationID))
	if convBucket == nil {
		return ErrMessageNotFound
	}
	raw := convBucket.Get(seqKey(ref.Seq))
	if raw == nil {
		return ErrMessageNotFound
	}
	return json.Unmarshal(raw, out)
}

func putJSON(bucket *bolt.Bucket, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bucket.Put(key, raw)
}

// seqKey encodes a sequence number big-endian so bucket order matches
// sequence order.
func seqKey(seq uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return key[:]
}
