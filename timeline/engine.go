package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securedm/pubsub"
	"github.com/opd-ai/securedm/store"
)

// Default pagination and resubscription parameters.
const (
	DefaultPageSize       = 30
	DefaultResubscribeMin = 500 * time.Millisecond
	DefaultResubscribeMax = 30 * time.Second
)

// ErrEngineBusy indicates Start was called on a session that is already
// running.
var ErrEngineBusy = errors.New("engine already started")

// Decryptor turns a stored ciphertext record into plaintext. Implemented by
// the messenger facade on top of the conversation key manager.
type Decryptor interface {
	DecryptMessage(ctx context.Context, msg *store.Message) ([]byte, error)
}

// Config assembles one conversation session.
type Config struct {
	ConversationID string
	Gateway        store.Gateway
	Broker         pubsub.Broker
	Decryptor      Decryptor

	// PageSize bounds initial load and pagination requests.
	PageSize int
	// ResubscribeMin/Max bound the exponential backoff used when the live
	// subscription drops.
	ResubscribeMin time.Duration
	ResubscribeMax time.Duration

	// OnUpdate, if set, receives a snapshot after every timeline change.
	// Calls are serialized and arrive in mutation order. The callback runs
	// on engine goroutines and must not call Start or LoadMore; Snapshot
	// and Close are safe.
	OnUpdate func(Snapshot)
}

// Engine synchronizes one conversation's local timeline. Safe for
// concurrent use.
type Engine struct {
	cfg Config

	// notifyMu serializes snapshot delivery: it is taken before mu by
	// every path that mutates the timeline and notifies, so OnUpdate
	// observes snapshots in mutation order even when the run goroutine
	// and a LoadMore caller publish concurrently.
	notifyMu sync.Mutex

	mu      sync.Mutex
	state   State
	byID    map[string]*Entry
	order   []*Entry // ascending seq
	cursor  uint64
	hasMore bool
	ctx     context.Context
	cancel  context.CancelFunc

	// loadingMore is the single-flight guard for LoadMore.
	loadingMore atomic.Bool
	// generation is bumped on every Start and Close; decryption results
	// carrying a stale generation are discarded instead of being applied to
	// a torn-down session.
	generation atomic.Uint64
}

// NewEngine creates an engine for cfg. Start must be called before the
// timeline is populated.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ConversationID == "" {
		return nil, errors.New("conversation id required")
	}
	if cfg.Gateway == nil || cfg.Broker == nil || cfg.Decryptor == nil {
		return nil, errors.New("gateway, broker, and decryptor are required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.ResubscribeMin <= 0 {
		cfg.ResubscribeMin = DefaultResubscribeMin
	}
	if cfg.ResubscribeMax < cfg.ResubscribeMin {
		cfg.ResubscribeMax = DefaultResubscribeMax
	}

	return &Engine{
		cfg:   cfg,
		state: StateIdle,
		byID:  make(map[string]*Entry),
	}, nil
}

// Start loads the newest page, transitions to Live, and holds the live
// subscription until Close. May be called again after Close or from the
// Error and Undecryptable states to retry.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateIdle, StateError, StateUndecryptable:
	default:
		e.mu.Unlock()
		return ErrEngineBusy
	}
	gen := e.generation.Add(1)
	e.state = StateLoading
	e.byID = make(map[string]*Entry)
	e.order = nil
	e.cursor = store.NoCursor
	e.hasMore = false
	sessionCtx, cancel := context.WithCancel(ctx)
	e.ctx = sessionCtx
	e.cancel = cancel
	e.mu.Unlock()

	// Subscribe before the initial page load: a record appended while the
	// first page is in flight then waits in the subscription buffer instead
	// of falling into a gap. Overlap between the page and the buffered
	// events is resolved by the id merge. Subscription failures here are
	// handled by the run loop's backoff.
	sub, subErr := e.cfg.Broker.Subscribe(sessionCtx, e.cfg.ConversationID)
	if subErr != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "Start",
			"conversation_id": e.cfg.ConversationID,
			"error":           subErr.Error(),
		}).Warn("initial subscription failed, will retry with backoff")
		sub = nil
	}

	page, err := e.cfg.Gateway.Page(sessionCtx, e.cfg.ConversationID, store.NoCursor, e.cfg.PageSize)
	if err != nil {
		if sub != nil {
			sub.Close()
		}
		e.failSession(gen, cancel)
		return fmt.Errorf("initial timeline load: %w", err)
	}

	entries := e.decryptPage(sessionCtx, page)

	e.notifyMu.Lock()
	e.mu.Lock()
	if e.generation.Load() != gen {
		e.mu.Unlock()
		e.notifyMu.Unlock()
		cancel()
		if sub != nil {
			sub.Close()
		}
		return nil // session torn down while loading
	}
	for _, entry := range entries {
		e.applyLocked(entry)
	}
	if n := len(page.Messages); n > 0 {
		e.cursor = page.NextCursor
	}
	e.hasMore = page.HasMore

	if allUndecryptable(e.order) {
		e.state = StateUndecryptable
		snap := e.snapshotLocked()
		e.mu.Unlock()
		cancel()
		if sub != nil {
			sub.Close()
		}
		e.notify(snap)
		e.notifyMu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":        "Start",
			"conversation_id": e.cfg.ConversationID,
		}).Warn("conversation undecryptable, likely full key loss")
		return nil
	}

	e.state = StateLive
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
	e.notifyMu.Unlock()

	go e.run(sessionCtx, gen, sub)

	return nil
}

// LoadMore fetches the next older page and prepends it to the timeline.
// Single-flight: a call while another is outstanding, or while no older
// messages exist, is a no-op.
func (e *Engine) LoadMore() error {
	if !e.loadingMore.CompareAndSwap(false, true) {
		return nil
	}
	defer e.loadingMore.Store(false)

	e.mu.Lock()
	if e.state != StateLive || !e.hasMore {
		e.mu.Unlock()
		return nil
	}
	e.state = StateLoadingMore
	cursor := e.cursor
	sessionCtx := e.ctx
	gen := e.generation.Load()
	e.mu.Unlock()

	page, err := e.cfg.Gateway.Page(sessionCtx, e.cfg.ConversationID, cursor, e.cfg.PageSize)
	if err != nil {
		if errors.Is(err, store.ErrCursorInvalidated) {
			logrus.WithFields(logrus.Fields{
				"function":        "LoadMore",
				"conversation_id": e.cfg.ConversationID,
				"cursor":          cursor,
			}).Warn("cursor invalidated, resyncing from latest")
			return e.resync(sessionCtx, gen)
		}

		e.mu.Lock()
		if e.generation.Load() == gen {
			e.state = StateLive
		}
		e.mu.Unlock()
		// Surfaced to the caller so the UI can offer a manual retry.
		return fmt.Errorf("load more: %w", err)
	}

	entries := e.decryptPage(sessionCtx, page)

	e.notifyMu.Lock()
	e.mu.Lock()
	if e.generation.Load() != gen {
		e.mu.Unlock()
		e.notifyMu.Unlock()
		return nil
	}
	for _, entry := range entries {
		e.applyLocked(entry)
	}
	if n := len(page.Messages); n > 0 {
		e.cursor = page.NextCursor
	}
	e.hasMore = page.HasMore
	e.state = StateLive
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
	e.notifyMu.Unlock()

	return nil
}

// Snapshot returns a consistent copy of the current timeline.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// HasMore reports whether older messages remain to be paged in.
func (e *Engine) HasMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMore
}

// Close tears the session down: the subscription is cancelled and any
// in-flight decryption results for this session are discarded rather than
// applied. The engine returns to Idle and may be started again.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.generation.Add(1)
	e.state = StateIdle
	e.byID = make(map[string]*Entry)
	e.order = nil
	e.cursor = store.NoCursor
	e.hasMore = false
	e.mu.Unlock()
}

// run owns the live subscription: it consumes events, and when the channel
// drops it resubscribes with capped exponential backoff, then catches up on
// anything missed while offline.
func (e *Engine) run(ctx context.Context, gen uint64, sub pubsub.Subscription) {
	backoff := e.cfg.ResubscribeMin

	for {
		if sub == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			var err error
			sub, err = e.cfg.Broker.Subscribe(ctx, e.cfg.ConversationID)
			if err != nil {
				backoff *= 2
				if backoff > e.cfg.ResubscribeMax {
					backoff = e.cfg.ResubscribeMax
				}
				continue
			}
			backoff = e.cfg.ResubscribeMin

			logrus.WithFields(logrus.Fields{
				"function":        "run",
				"conversation_id": e.cfg.ConversationID,
			}).Info("resubscribed to live feed")
			e.catchUp(ctx, gen)
		}

		select {
		case <-ctx.Done():
			sub.Close()
			return
		case event, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return
				}
				logrus.WithFields(logrus.Fields{
					"function":        "run",
					"conversation_id": e.cfg.ConversationID,
				}).Warn("live subscription lost")
				sub = nil
				continue
			}
			e.handleEvent(ctx, gen, event)
		}
	}
}

// handleEvent decrypts a live event and merges it into the timeline by id:
// insert if new, replace if existing. At-least-once delivery means the same
// event may arrive twice; the merge is idempotent.
func (e *Engine) handleEvent(ctx context.Context, gen uint64, event pubsub.Event) {
	if event.Message == nil || event.Message.ConversationID != e.cfg.ConversationID {
		return
	}

	entry := e.decryptEntry(ctx, event.Message)

	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.mu.Lock()
	if e.generation.Load() != gen {
		// Session torn down while the decryption was in flight.
		e.mu.Unlock()
		return
	}
	e.applyLocked(entry)
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
}

// catchUp merges the newest page after a reconnection gap. The merge is
// by id, so records already present are simply refreshed.
func (e *Engine) catchUp(ctx context.Context, gen uint64) {
	page, err := e.cfg.Gateway.Page(ctx, e.cfg.ConversationID, store.NoCursor, e.cfg.PageSize)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "catchUp",
			"conversation_id": e.cfg.ConversationID,
			"error":           err.Error(),
		}).Warn("catch-up page load failed")
		return
	}

	entries := e.decryptPage(ctx, page)

	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.mu.Lock()
	if e.generation.Load() != gen {
		e.mu.Unlock()
		return
	}
	for _, entry := range entries {
		e.applyLocked(entry)
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
}

// resync rebuilds the timeline from the newest page after the pagination
// cursor was invalidated by the store.
func (e *Engine) resync(ctx context.Context, gen uint64) error {
	page, err := e.cfg.Gateway.Page(ctx, e.cfg.ConversationID, store.NoCursor, e.cfg.PageSize)
	if err != nil {
		e.mu.Lock()
		if e.generation.Load() == gen {
			e.state = StateLive
		}
		e.mu.Unlock()
		return fmt.Errorf("resync after invalidated cursor: %w", err)
	}

	entries := e.decryptPage(ctx, page)

	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.mu.Lock()
	if e.generation.Load() != gen {
		e.mu.Unlock()
		return nil
	}
	e.byID = make(map[string]*Entry)
	e.order = nil
	for _, entry := range entries {
		e.applyLocked(entry)
	}
	e.cursor = page.NextCursor
	e.hasMore = page.HasMore
	e.state = StateLive
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
	return nil
}

// decryptPage decrypts every record of a page. Failures become placeholder
// entries, never an aborted load.
func (e *Engine) decryptPage(ctx context.Context, page *store.Page) []*Entry {
	entries := make([]*Entry, 0, len(page.Messages))
	for _, msg := range page.Messages {
		entries = append(entries, e.decryptEntry(ctx, msg))
	}
	return entries
}

// decryptEntry builds the timeline entry for a record. Tombstones carry no
// payload and skip decryption; a failed decryption yields an undecryptable
// placeholder at the record's sequence position.
func (e *Engine) decryptEntry(ctx context.Context, msg *store.Message) *Entry {
	entry := &Entry{
		ID:        msg.ID,
		Seq:       msg.Seq,
		SenderID:  msg.SenderID,
		Deleted:   msg.Deleted,
		Edited:    msg.Edited,
		CreatedAt: msg.CreatedAt,
		EditedAt:  msg.EditedAt,
	}
	if msg.Deleted {
		return entry
	}

	plaintext, err := e.cfg.Decryptor.DecryptMessage(ctx, msg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "decryptEntry",
			"conversation_id": msg.ConversationID,
			"seq":             msg.Seq,
			"key_version":     msg.KeyVersion,
		}).Debug("message decryption failed, rendering placeholder")
		entry.Undecryptable = true
		return entry
	}
	entry.Text = string(plaintext)
	return entry
}

// applyLocked merges one entry: replace by id if present, otherwise insert
// at its sequence position. Callers hold e.mu.
func (e *Engine) applyLocked(entry *Entry) {
	if existing, ok := e.byID[entry.ID]; ok {
		*existing = *entry
		e.byID[entry.ID] = existing
		return
	}

	e.byID[entry.ID] = entry
	idx := sort.Search(len(e.order), func(i int) bool { return e.order[i].Seq >= entry.Seq })
	e.order = append(e.order, nil)
	copy(e.order[idx+1:], e.order[idx:])
	e.order[idx] = entry
}

func (e *Engine) snapshotLocked() Snapshot {
	entries := make([]Entry, len(e.order))
	for i, entry := range e.order {
		entries[i] = *entry
	}
	return Snapshot{State: e.state, Entries: entries, HasMore: e.hasMore}
}

func (e *Engine) failSession(gen uint64, cancel context.CancelFunc) {
	cancel()
	e.mu.Lock()
	if e.generation.Load() == gen {
		e.state = StateError
	}
	e.mu.Unlock()
}

// notify delivers a snapshot to OnUpdate. Callers hold e.notifyMu, which
// they acquired before mutating, so deliveries cannot reorder.
func (e *Engine) notify(snap Snapshot) {
	if e.cfg.OnUpdate != nil {
		e.cfg.OnUpdate(snap)
	}
}

// allUndecryptable reports whether the timeline holds at least one payload
// record and every one of them failed to decrypt.
func allUndecryptable(entries []*Entry) bool {
	sawPayload := false
	for _, entry := range entries {
		if entry.Deleted {
			continue
		}
		sawPayload = true
		if !entry.Undecryptable {
			return false
		}
	}
	return sawPayload
}
