// Package store defines the message persistence boundary for the direct
// messaging core.
//
// The Gateway interface is the contract the synchronization engine consumes:
// append with server-assigned sequence numbers, window-checked edit and
// soft-delete, and cursor-based backward pagination. Two implementations are
// provided: MemoryGateway for tests and embedding, and BoltGateway backed by
// bbolt for durable local persistence. Both serialize sequence-number
// assignment per conversation so concurrent senders can never observe
// duplicate or colliding sequence numbers.
package store
