package scheduler

import (
	"sync"
	"time"
)

// Change is one source-control commit event. Immutable after creation except
// for the sequence number the change manager assigns.
type Change struct {
	Number     int            `json:"number"`
	Author     string         `json:"author"`
	Revision   string         `json:"revision,omitempty"`
	Files      []string       `json:"files"`
	Comments   string         `json:"comments,omitempty"`
	When       time.Time      `json:"when"`
	Branch     string         `json:"branch,omitempty"`
	Category   string         `json:"category,omitempty"`
	Repository string         `json:"repository,omitempty"`
	Project    string         `json:"project,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// ChangeManager assigns monotonically increasing change numbers, retains
// changes up to a configurable horizon (oldest dropped first), and fans each
// change out to subscribed schedulers in arrival order.
type ChangeManager struct {
	mu      sync.Mutex
	horizon int
	next    int
	changes []Change
	subs    []func(Change)
}

func NewChangeManager(horizon int) *ChangeManager {
	return &ChangeManager{horizon: horizon, next: 1}
}

// Subscribe registers a consumer for future changes. Subscriptions are wired
// once at configuration time; there is no unsubscribe.
func (m *ChangeManager) Subscribe(fn func(Change)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// AddChange records the change, assigns its number, and notifies subscribers.
func (m *ChangeManager) AddChange(c Change) Change {
	m.mu.Lock()
	c.Number = m.next
	m.next++
	if c.When.IsZero() {
		c.When = time.Now().UTC()
	}
	m.changes = append(m.changes, c)
	if m.horizon > 0 && len(m.changes) > m.horizon {
		m.changes = append([]Change(nil), m.changes[len(m.changes)-m.horizon:]...)
	}
	subs := append(make([]func(Change), 0, len(m.subs)), m.subs...)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(c)
	}
	return c
}

// Recent returns the retained changes, oldest first.
func (m *ChangeManager) Recent() []Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Change(nil), m.changes...)
}
