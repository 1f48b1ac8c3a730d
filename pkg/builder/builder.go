// Package builder queues build requests per builder, pairs them with free
// agents, and drives step execution through the agent command protocol.
package builder

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomci/loom/pkg/scheduler"
)

// StepsFactory produces a fresh step sequence for each build. Steps carry
// per-build state, so they are never shared between builds.
type StepsFactory func() []Step

// Config describes one builder.
type Config struct {
	Name string
	// Builddir is the agent-side working directory, relative to its basedir.
	Builddir string
	Steps    StepsFactory
	// MergeRequests enables collapsing compatible queued requests into one
	// build. Merge optionally replaces the default compatibility rule.
	MergeRequests bool
	Merge         MergePredicate
}

// Builder owns one named build pipeline: a FIFO of pending requests, the
// agents attached to it, and a never-reused build number sequence.
type Builder struct {
	cfg    Config
	status StatusSink
	logger Logger

	mu       sync.Mutex
	pending  []*Request
	agents   []AgentConnection
	busy     map[string]bool
	next     int
	running  int
	onFinish []func(*Build)
}

func New(cfg Config, status StatusSink, logger Logger) *Builder {
	if cfg.Merge == nil {
		cfg.Merge = defaultMerge
	}
	if cfg.Builddir == "" {
		cfg.Builddir = cfg.Name
	}
	// Build numbers are 1-based; zero never names a real build.
	return &Builder{cfg: cfg, status: status, logger: logger, busy: make(map[string]bool), next: 1}
}

func (b *Builder) Name() string { return b.cfg.Name }

// OnFinish registers a hook invoked after every build completes. Hooks are
// wired once at configuration time.
func (b *Builder) OnFinish(fn func(*Build)) {
	b.mu.Lock()
	b.onFinish = append(b.onFinish, fn)
	b.mu.Unlock()
}

// Submit queues one request. The request gets an id and timestamp if the
// caller left them unset.
func (b *Builder) Submit(req *Request) *Request {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}
	req.BuilderName = b.cfg.Name
	b.mu.Lock()
	b.pending = append(b.pending, req)
	b.mu.Unlock()
	b.status.RequestSubmitted(b.cfg.Name, req)
	return req
}

// SubmitStamp is the scheduler-facing submit: it wraps a source stamp in a
// request and queues it.
func (b *Builder) SubmitStamp(stamp scheduler.SourceStamp, reason string) *Request {
	return b.Submit(&Request{Source: stamp, Reason: reason})
}

// Cancel removes a still-pending request. Requests already claimed by a
// build can no longer be cancelled.
func (b *Builder) Cancel(id string) bool {
	b.mu.Lock()
	var cancelled *Request
	for i, r := range b.pending {
		if r.ID == id {
			cancelled = r
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	if cancelled == nil {
		return false
	}
	b.status.RequestCancelled(b.cfg.Name, cancelled)
	return true
}

// Pending returns the queued requests, oldest first.
func (b *Builder) Pending() []*Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Request(nil), b.pending...)
}

// OldestPending returns the submission time of the head request. The second
// return is false when the queue is empty.
func (b *Builder) OldestPending() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return time.Time{}, false
	}
	return b.pending[0].SubmittedAt, true
}

// Attach adds an agent to this builder's pool.
func (b *Builder) Attach(conn AgentConnection) {
	b.mu.Lock()
	b.agents = append(b.agents, conn)
	b.mu.Unlock()
	b.status.BuilderChangedState(b.cfg.Name, b.state())
}

// Detach removes an agent, typically on connection loss. A build already
// running on it fails on its own when the next command errors.
func (b *Builder) Detach(name string) {
	b.mu.Lock()
	for i, a := range b.agents {
		if a.Name() == name {
			b.agents = append(b.agents[:i], b.agents[i+1:]...)
			break
		}
	}
	delete(b.busy, name)
	b.mu.Unlock()
	b.status.BuilderChangedState(b.cfg.Name, b.state())
}

func (b *Builder) state() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case len(b.agents) == 0:
		return "offline"
	case b.running > 0:
		return "building"
	default:
		return "idle"
	}
}

// State reports offline, idle or building.
func (b *Builder) State() string { return b.state() }

// TryStart claims the oldest pending request, merges every compatible
// follower into it, and runs the build on a free agent in a new goroutine.
// It returns false when there is nothing to do or no agent is free.
func (b *Builder) TryStart(ctx context.Context) bool {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return false
	}
	var agent AgentConnection
	for _, a := range b.agents {
		if !b.busy[a.Name()] {
			agent = a
			break
		}
	}
	if agent == nil {
		b.mu.Unlock()
		return false
	}

	head := b.pending[0]
	claimed := []*Request{head}
	rest := b.pending[1:]
	if b.cfg.MergeRequests {
		kept := rest[:0]
		for _, r := range rest {
			if b.cfg.Merge(head, r) {
				claimed = append(claimed, r)
			} else {
				kept = append(kept, r)
			}
		}
		rest = kept
	}
	b.pending = append([]*Request(nil), rest...)

	number := b.next
	b.next++
	b.busy[agent.Name()] = true
	b.running++
	steps := b.cfg.Steps()
	b.mu.Unlock()

	bld := newBuild(b.cfg.Name, number, b.cfg.Builddir, claimed, steps, agent, b.status, b.logger)
	b.status.BuilderChangedState(b.cfg.Name, "building")

	go func() {
		bld.Run(ctx)
		b.mu.Lock()
		delete(b.busy, agent.Name())
		b.running--
		hooks := append(make([]func(*Build), 0, len(b.onFinish)), b.onFinish...)
		b.mu.Unlock()
		b.status.BuilderChangedState(b.cfg.Name, b.state())
		for _, fn := range hooks {
			fn(bld)
		}
	}()
	return true
}

// Migrate carries the live state a reconfiguration must preserve into a
// replacement builder: queued requests and the build number sequence. The
// replacement keeps its own step and merge configuration.
func (b *Builder) Migrate(into *Builder) {
	b.mu.Lock()
	pending := b.pending
	next := b.next
	b.pending = nil
	b.mu.Unlock()

	into.mu.Lock()
	into.pending = append(pending, into.pending...)
	if next > into.next {
		into.next = next
	}
	into.mu.Unlock()
}
