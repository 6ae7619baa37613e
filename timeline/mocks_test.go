package timeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/securedm/pubsub"
	"github.com/opd-ai/securedm/store"
)

// plaintextDecryptor treats the stored ciphertext as plaintext, optionally
// failing for selected message ids or for everything.
type plaintextDecryptor struct {
	mu       sync.Mutex
	failIDs  map[string]bool
	failAll  bool
	failures int
}

func newPlaintextDecryptor() *plaintextDecryptor {
	return &plaintextDecryptor{failIDs: make(map[string]bool)}
}

func (d *plaintextDecryptor) failFor(messageID string) {
	d.mu.Lock()
	d.failIDs[messageID] = true
	d.mu.Unlock()
}

func (d *plaintextDecryptor) DecryptMessage(ctx context.Context, msg *store.Message) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAll || d.failIDs[msg.ID] {
		d.failures++
		return nil, errors.New("decryption failed")
	}
	return append([]byte(nil), msg.Ciphertext...), nil
}

// countingGateway wraps a Gateway, counting Page calls and optionally
// blocking them or injecting errors.
type countingGateway struct {
	store.Gateway

	pageCalls atomic.Int64
	// blockPage, when non-nil, is received from before Page proceeds.
	blockPage chan struct{}
	// failCursorOnce makes the first cursor-bearing Page call fail with
	// ErrCursorInvalidated.
	failCursorOnce atomic.Bool
	// pageGate, when non-nil, is signalled after the wrapped Page returns
	// and then received from again before the result is released.
	pageGate chan struct{}
}

func (g *countingGateway) Page(ctx context.Context, conversationID string, cursor uint64, limit int) (*store.Page, error) {
	g.pageCalls.Add(1)
	if g.blockPage != nil {
		<-g.blockPage
	}
	if cursor != store.NoCursor && g.failCursorOnce.CompareAndSwap(true, false) {
		return nil, store.ErrCursorInvalidated
	}
	page, err := g.Gateway.Page(ctx, conversationID, cursor, limit)
	if g.pageGate != nil {
		g.pageGate <- struct{}{}
		<-g.pageGate
	}
	return page, err
}

// flakyBroker fails the first n Subscribe calls with ErrNetworkUnavailable
// before delegating to the wrapped broker.
type flakyBroker struct {
	pubsub.Broker
	remainingFailures atomic.Int64
}

func (b *flakyBroker) Subscribe(ctx context.Context, conversationID string) (pubsub.Subscription, error) {
	if b.remainingFailures.Add(-1) >= 0 {
		return nil, pubsub.ErrNetworkUnavailable
	}
	return b.Broker.Subscribe(ctx, conversationID)
}

// waitFor polls cond until it returns true or the timeout elapses.
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
