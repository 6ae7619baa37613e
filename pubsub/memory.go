package pubsub

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securedm/store"
)

// subscriberBuffer is the per-subscription event buffer. A subscriber that
// falls this far behind is disconnected rather than blocking the publisher;
// it resubscribes and reloads, the same recovery path as a network drop.
const subscriberBuffer = 64

// MemoryBroker is an in-process Broker that fans events out to all
// subscribers of a conversation. It implements store.Notifier, so it can be
// plugged directly into a gateway as its changefeed.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string][]*memorySubscription
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string][]*memorySubscription)}
}

type memorySubscription struct {
	broker         *MemoryBroker
	conversationID string
	events         chan Event

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *memorySubscription) Events() <-chan Event { return s.events }

func (s *memorySubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memorySubscription) Close() {
	s.closeWithErr(nil)
}

func (s *memorySubscription) closeWithErr(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if err != nil {
		s.err = err
	}
	close(s.events)
	s.mu.Unlock()

	s.broker.remove(s)
}

// deliver sends an event unless the subscription is closed. Returns false
// when the buffer is full.
func (s *memorySubscription) deliver(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

// Subscribe registers a live feed for one conversation. The subscription is
// torn down when ctx is cancelled or Close is called.
func (b *MemoryBroker) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrNetworkUnavailable
	}

	sub := &memorySubscription{
		broker:         b,
		conversationID: conversationID,
		events:         make(chan Event, subscriberBuffer),
	}

	b.mu.Lock()
	b.subs[conversationID] = append(b.subs[conversationID], sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	logrus.WithFields(logrus.Fields{
		"function":        "Subscribe",
		"conversation_id": conversationID,
	}).Debug("subscription established")

	return sub, nil
}

// MessageInserted implements store.Notifier.
func (b *MemoryBroker) MessageInserted(msg *store.Message) {
	b.publish(Event{Kind: EventInsert, Message: msg})
}

// MessageUpdated implements store.Notifier.
func (b *MemoryBroker) MessageUpdated(msg *store.Message) {
	b.publish(Event{Kind: EventUpdate, Message: msg})
}

// Publish delivers an event to every subscriber of its conversation.
// Exposed so alternative transports and tests can inject events directly.
func (b *MemoryBroker) Publish(event Event) {
	b.publish(event)
}

func (b *MemoryBroker) publish(event Event) {
	if event.Message == nil {
		return
	}

	b.mu.Lock()
	subs := append([]*memorySubscription(nil), b.subs[event.Message.ConversationID]...)
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.deliver(event) {
			// Slow consumer: drop the subscription instead of blocking.
			logrus.WithFields(logrus.Fields{
				"function":        "publish",
				"conversation_id": sub.conversationID,
			}).Warn("subscriber buffer full, dropping subscription")
			sub.closeWithErr(ErrNetworkUnavailable)
		}
	}
}

func (b *MemoryBroker) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.conversationID]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.conversationID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
