// Package policy enforces the time-bounded mutation rules for messages.
//
// Edits and deletions are only allowed to the original sender and only
// within a fixed window after the message was created. The check is a pure
// function of the message metadata, the acting user, and a caller-supplied
// clock reading, so the decision is always recomputed server-side and never
// trusts a client clock.
package policy
