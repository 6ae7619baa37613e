package pubsub

import (
	"context"
	"errors"

	"github.com/opd-ai/securedm/store"
)

// ErrNetworkUnavailable indicates the event channel is down. During a live
// subscription the engine resubscribes with backoff; during pagination it is
// surfaced so the caller can retry.
var ErrNetworkUnavailable = errors.New("network unavailable")

// EventKind distinguishes row inserts from row updates.
type EventKind uint8

const (
	// EventInsert carries a newly appended message.
	EventInsert EventKind = iota
	// EventUpdate carries an edited, tombstoned, or receipt-stamped message.
	EventUpdate
)

// Event is one change notification for a conversation's message rows.
// Delivery is at-least-once: consumers must tolerate duplicates by merging
// on message id.
type Event struct {
	Kind    EventKind
	Message *store.Message
}

// Subscription is a live per-conversation event feed.
type Subscription interface {
	// Events returns the event channel. It is closed when the subscription
	// ends, either by Close or by a transport failure.
	Events() <-chan Event

	// Err returns the terminal error after Events is closed, or nil for a
	// clean shutdown.
	Err() error

	// Close tears the subscription down. Safe to call more than once.
	Close()
}

// Broker hands out per-conversation subscriptions.
type Broker interface {
	Subscribe(ctx context.Context, conversationID string) (Subscription, error)
}
