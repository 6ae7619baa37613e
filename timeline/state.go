package timeline

import "time"

// State is the synchronization engine's lifecycle state.
type State uint8

const (
	// StateIdle is the initial and post-Close state.
	StateIdle State = iota
	// StateLoading is the initial page load.
	StateLoading
	// StateLive means the timeline is loaded and the subscription is up.
	StateLive
	// StateLoadingMore is an in-flight backward pagination from StateLive.
	StateLoadingMore
	// StateError is an unrecoverable failure; Start may be called again.
	StateError
	// StateUndecryptable means every message in the conversation failed to
	// decrypt, usually because the local device lost the conversation keys.
	// Surfaced as one conversation-level state because per-message retries
	// are meaningless in that situation.
	StateUndecryptable
)

// String returns a human-readable state name for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateLoadingMore:
		return "loading_more"
	case StateError:
		return "error"
	case StateUndecryptable:
		return "undecryptable"
	default:
		return "unknown"
	}
}

// Entry is one decrypted message in the local timeline.
type Entry struct {
	ID       string
	Seq      uint64
	SenderID string
	// Text is the decrypted plaintext; empty for tombstones and
	// undecryptable placeholders.
	Text string
	// Deleted marks a tombstone: the record keeps its sequence position but
	// its content is gone.
	Deleted bool
	Edited  bool
	// Undecryptable marks a placeholder for a record whose payload could
	// not be decrypted; rendered as a tombstone, never aborts the load.
	Undecryptable bool
	CreatedAt     time.Time
	EditedAt      *time.Time
}

// Snapshot is a consistent copy of the timeline handed to consumers.
// Entries are ordered by ascending sequence number.
type Snapshot struct {
	State   State
	Entries []Entry
	HasMore bool
}
