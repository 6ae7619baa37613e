// Package pubsub defines the live event channel consumed by the
// synchronization engine.
//
// The transport that carries events is an external collaborator; this
// package specifies only the subscription contract (per-conversation insert
// and update events with at-least-once delivery) and provides MemoryBroker,
// an in-process implementation used in tests and single-process embeddings.
package pubsub
