package queue

import (
	"encoding/json"
	"sync"
)

// PersistentQueue fronts a DiskQueue with a bounded in-memory fast path. The
// memory queue holds the oldest undelivered items; once it is full, or while
// older items still sit on disk, new pushes overflow to disk. Save moves the
// in-memory items to disk so a restart recovers the full queue in order.
type PersistentQueue struct {
	mu     sync.Mutex
	memory *MemoryQueue
	disk   *DiskQueue
	logger Logger
}

var _ Queue = (*PersistentQueue)(nil)

func NewPersistentQueue(dir string, maxMemItems int, logger Logger) (*PersistentQueue, error) {
	disk, err := NewDiskQueue(dir, logger)
	if err != nil {
		return nil, err
	}
	q := &PersistentQueue{
		memory: NewMemoryQueue(maxMemItems),
		disk:   disk,
		logger: logger,
	}
	// Pull recovered items into the fast path so delivery starts from memory.
	q.refill()
	return q, nil
}

func (q *PersistentQueue) PushItem(item json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	// New items must stay behind anything already spilled to disk.
	if q.disk.NbItems() > 0 || q.memoryFull() {
		return q.disk.PushItem(item)
	}
	q.memory.push(item)
	return nil
}

func (q *PersistentQueue) memoryFull() bool {
	return q.memory.maxItems > 0 && len(q.memory.items) >= q.memory.maxItems
}

func (q *PersistentQueue) PopChunk(n int) []json.RawMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	chunk := q.memory.pop(n)
	if len(chunk) < n {
		chunk = append(chunk, q.disk.PopChunk(n-len(chunk))...)
	}
	q.refill()
	return chunk
}

// refill moves items from the disk head into the memory queue up to capacity,
// keeping the fast path warm.
func (q *PersistentQueue) refill() {
	capLeft := q.memory.maxItems - len(q.memory.items)
	if q.memory.maxItems <= 0 {
		capLeft = q.disk.NbItems()
	}
	if capLeft <= 0 {
		return
	}
	for _, item := range q.disk.PopChunk(capLeft) {
		q.memory.items = append(q.memory.items, item)
	}
}

func (q *PersistentQueue) InsertBackChunk(items []json.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.memory.insertBack(items)
	if q.memory.maxItems > 0 && len(q.memory.items) > q.memory.maxItems {
		// The reinserted head displaced newer items; spill them back to the
		// disk head so order is preserved end to end.
		spill := q.memory.trimTail(len(q.memory.items) - q.memory.maxItems)
		q.disk.InsertBackChunk(spill)
	}
}

func (q *PersistentQueue) NbItems() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.memory.items) + q.disk.NbItems()
}

// Save flushes the in-memory head to the disk queue. Errors are logged and the
// in-memory copy is retained as the fallback; delivery can continue either way.
func (q *PersistentQueue) Save() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.memory.items) == 0 {
		return nil
	}
	items := append([]json.RawMessage(nil), q.memory.items...)
	q.disk.mu.Lock()
	err := q.disk.insertBack(items)
	q.disk.mu.Unlock()
	if err != nil {
		q.logger.Error("queue save failed, keeping items in memory", "error", err)
		return err
	}
	q.memory.items = nil
	return nil
}
