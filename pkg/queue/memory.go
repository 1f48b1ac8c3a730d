package queue

import (
	"encoding/json"
	"sync"
)

// MemoryQueue keeps items in a bounded in-memory slice. A maxItems of zero
// means unbounded. When full, the oldest item is dropped to make room.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []json.RawMessage
	maxItems int
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(maxItems int) *MemoryQueue {
	return &MemoryQueue{maxItems: maxItems}
}

func (q *MemoryQueue) PushItem(item json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.push(item)
	return nil
}

// push appends an item, returning the oldest item when capacity forced a drop.
func (q *MemoryQueue) push(item json.RawMessage) (dropped json.RawMessage, ok bool) {
	q.items = append(q.items, item)
	if q.maxItems > 0 && len(q.items) > q.maxItems {
		dropped = q.items[0]
		q.items = append([]json.RawMessage(nil), q.items[1:]...)
		return dropped, true
	}
	return nil, false
}

func (q *MemoryQueue) PopChunk(n int) []json.RawMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pop(n)
}

func (q *MemoryQueue) pop(n int) []json.RawMessage {
	if n > len(q.items) {
		n = len(q.items)
	}
	if n <= 0 {
		return nil
	}
	chunk := append([]json.RawMessage(nil), q.items[:n]...)
	q.items = append([]json.RawMessage(nil), q.items[n:]...)
	return chunk
}

func (q *MemoryQueue) InsertBackChunk(items []json.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.insertBack(items)
}

func (q *MemoryQueue) insertBack(items []json.RawMessage) {
	merged := make([]json.RawMessage, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	q.items = merged
}

// trimTail removes and returns up to n items from the tail, newest last. Used
// by the composite queue to spill overflow to disk after a head reinsertion.
func (q *MemoryQueue) trimTail(n int) []json.RawMessage {
	if n > len(q.items) {
		n = len(q.items)
	}
	if n <= 0 {
		return nil
	}
	cut := len(q.items) - n
	tail := append([]json.RawMessage(nil), q.items[cut:]...)
	q.items = q.items[:cut]
	return tail
}

func (q *MemoryQueue) NbItems() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MemoryQueue) Save() error {
	return nil
}
