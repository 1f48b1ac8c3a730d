package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// DiskQueue stores one numbered JSON file per item under a directory. Items
// persisted by a prior run are recovered in their original order on
// construction. Unreadable entries are logged and discarded rather than
// blocking recovery.
type DiskQueue struct {
	mu      sync.Mutex
	dir     string
	logger  Logger
	firstID int64
	lastID  int64 // id of the last written item; firstID > lastID means empty
	count   int
}

var _ Queue = (*DiskQueue)(nil)

func NewDiskQueue(dir string, logger Logger) (*DiskQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	q := &DiskQueue{dir: dir, logger: logger, firstID: 1, lastID: 0}
	if err := q.recover(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *DiskQueue) recover() error {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return fmt.Errorf("read queue directory: %w", err)
	}
	var ids []int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			q.logger.Error("discarding unrecognized queue entry", "name", name)
			_ = os.Remove(filepath.Join(q.dir, name))
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	q.firstID = ids[0]
	q.lastID = ids[len(ids)-1]
	q.count = len(ids)
	return nil
}

func (q *DiskQueue) itemPath(id int64) string {
	return filepath.Join(q.dir, strconv.FormatInt(id, 10)+".json")
}

func (q *DiskQueue) PushItem(item json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.lastID + 1
	if err := q.writeItem(id, item); err != nil {
		return err
	}
	q.lastID = id
	q.count++
	return nil
}

func (q *DiskQueue) writeItem(id int64, item json.RawMessage) error {
	tmp := q.itemPath(id) + ".tmp"
	if err := os.WriteFile(tmp, item, 0o644); err != nil {
		return fmt.Errorf("write queue item: %w", err)
	}
	if err := os.Rename(tmp, q.itemPath(id)); err != nil {
		return fmt.Errorf("commit queue item: %w", err)
	}
	return nil
}

func (q *DiskQueue) PopChunk(n int) []json.RawMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	var chunk []json.RawMessage
	for len(chunk) < n && q.count > 0 {
		if q.firstID > q.lastID {
			// Bookkeeping drifted past the tail; nothing left on disk.
			q.count = 0
			break
		}
		path := q.itemPath(q.firstID)
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				q.logger.Error("dropping unreadable queue item", "path", path, "error", err)
				_ = os.Remove(path)
				q.count--
			}
			// Gaps between ids are normal after a partial recovery.
			q.firstID++
			continue
		}
		if err := os.Remove(path); err != nil {
			q.logger.Error("remove popped queue item", "path", path, "error", err)
		}
		chunk = append(chunk, json.RawMessage(data))
		q.firstID++
		q.count--
	}
	return chunk
}

func (q *DiskQueue) InsertBackChunk(items []json.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.insertBack(items); err != nil {
		q.logger.Error("reinsert queue items", "error", err)
	}
}

func (q *DiskQueue) insertBack(items []json.RawMessage) error {
	// Head insertion writes ids below firstID; negative ids are fine.
	id := q.firstID - int64(len(items))
	for _, item := range items {
		if err := q.writeItem(id, item); err != nil {
			return err
		}
		q.count++
		q.firstID = min64(q.firstID, id)
		id++
	}
	return nil
}

func min64(a, b int64) int64 {
	if b < a {
		return b
	}
	return a
}

func (q *DiskQueue) NbItems() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Save is a no-op: every item is already on disk when PushItem returns.
func (q *DiskQueue) Save() error {
	return nil
}
