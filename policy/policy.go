package policy

import (
	"errors"
	"time"
)

// EditWindow is how long after creation a message may be edited or deleted.
const EditWindow = 15 * time.Minute

var (
	// ErrEditWindowExpired indicates the mutation window has closed.
	ErrEditWindowExpired = errors.New("edit window expired")
	// ErrNotOwner indicates the actor is not the message sender.
	ErrNotOwner = errors.New("not the message owner")
	// ErrAlreadyDeleted indicates the message was already tombstoned.
	ErrAlreadyDeleted = errors.New("message already deleted")
)

// Decision is the outcome of a mutation policy check.
type Decision uint8

const (
	// DecisionAllowed permits the mutation.
	DecisionAllowed Decision = iota
	// DecisionNotOwner rejects a mutation by anyone but the sender.
	DecisionNotOwner
	// DecisionAlreadyDeleted rejects a mutation of a tombstoned message.
	DecisionAlreadyDeleted
	// DecisionWindowExpired rejects a mutation outside the edit window.
	DecisionWindowExpired
)

// Subject is the message metadata the policy inspects.
type Subject struct {
	SenderID  string
	CreatedAt time.Time
	Deleted   bool
}

// Check evaluates whether actorID may mutate the message at time now.
// Ownership is checked first, then tombstone state, then the window; a
// mutation attempted at exactly EditWindow after creation is still allowed,
// one nanosecond later it is not.
func Check(subject Subject, actorID string, now time.Time) Decision {
	if actorID != subject.SenderID {
		return DecisionNotOwner
	}
	if subject.Deleted {
		return DecisionAlreadyDeleted
	}
	if now.Sub(subject.CreatedAt) > EditWindow {
		return DecisionWindowExpired
	}
	return DecisionAllowed
}

// Err maps a decision to its sentinel error, or nil for DecisionAllowed.
func (d Decision) Err() error {
	switch d {
	case DecisionAllowed:
		return nil
	case DecisionNotOwner:
		return ErrNotOwner
	case DecisionAlreadyDeleted:
		return ErrAlreadyDeleted
	case DecisionWindowExpired:
		return ErrEditWindowExpired
	default:
		return errors.New("unknown policy decision")
	}
}

// String returns a human-readable decision name for logging.
func (d Decision) String() string {
	switch d {
	case DecisionAllowed:
		return "allowed"
	case DecisionNotOwner:
		return "not_owner"
	case DecisionAlreadyDeleted:
		return "already_deleted"
	case DecisionWindowExpired:
		return "window_expired"
	default:
		return "unknown"
	}
}
