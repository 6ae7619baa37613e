// Package timeline implements the synchronization engine that keeps a local
// decrypted view of one conversation consistent under live events,
// pagination, edits, deletes, and network interruption.
//
// Each Engine owns one conversation session. It loads the newest page from
// the message store, decrypts every record, then holds a live subscription
// and merges incoming insert and update events into an ordered,
// deduplicated-by-id timeline. Display order is strictly by sequence number,
// so out-of-order delivery never corrupts the visible order. Backward
// pagination is a single-flight operation that only ever prepends older
// messages.
package timeline
