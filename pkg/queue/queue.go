package queue

import "encoding/json"

// Logger is the minimal logging surface queue implementations need.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Queue is an ordered item queue. Items are opaque JSON payloads; the queue
// never inspects them. Implementations serialize access internally so a single
// delivery loop plus concurrent pushers can share one queue without external
// locking.
type Queue interface {
	// PushItem appends an item at the tail. It never blocks on network state;
	// bounded implementations may drop or spill the overflow.
	PushItem(item json.RawMessage) error
	// PopChunk removes and returns up to n items from the head in insertion
	// order. Fewer than n are returned if the queue is shorter.
	PopChunk(n int) []json.RawMessage
	// InsertBackChunk reinserts previously popped but undelivered items at the
	// head, preserving their relative order.
	InsertBackChunk(items []json.RawMessage)
	// NbItems reports the current total item count.
	NbItems() int
	// Save flushes in-memory items to durable storage where the implementation
	// has one. Called on controlled shutdown.
	Save() error
}
