package scheduler

import (
	"slices"
	"sync"
	"time"
)

// Logger is the logging surface injected into schedulers.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// SubmitFunc delivers one buildset: the same source stamp queued on each of
// the named builders.
type SubmitFunc func(builderNames []string, stamp SourceStamp, reason string)

// AnyBranch configures a scheduler to accept changes on every branch.
const AnyBranch = "*"

// Config describes one scheduler instance.
type Config struct {
	Name string
	// Branch is the exact branch to watch; AnyBranch accepts all branches.
	// The empty string watches the default branch only.
	Branch string
	// Categories optionally restricts accepted changes to an allow-list.
	Categories []string
	// TreeStableTimer is the quiescence window that batches rapid commits
	// into one build. Zero builds immediately, one request per change.
	TreeStableTimer time.Duration
	// BuilderNames are the builders a firing scheduler submits requests to.
	BuilderNames []string
	// IsImportant classifies changes; nil treats every change as important.
	// Unimportant changes ride along in a batch but never trigger one.
	IsImportant func(Change) bool
}

// Scheduler turns change events into build requests: idle, classify, batch
// under the tree-stable timer, fire one request per configured builder.
type Scheduler struct {
	cfg    Config
	submit SubmitFunc
	logger Logger

	mu           sync.Mutex
	pending      []Change
	anyImportant bool
	timer        *time.Timer
	timerGen     uint64
	stopped      bool
}

func New(cfg Config, submit SubmitFunc, logger Logger) *Scheduler {
	return &Scheduler{cfg: cfg, submit: submit, logger: logger}
}

func (s *Scheduler) Name() string { return s.cfg.Name }

// ChangeIsRelevant applies the branch filter and category allow-list.
func (s *Scheduler) ChangeIsRelevant(c Change) bool {
	if s.cfg.Branch != AnyBranch && c.Branch != s.cfg.Branch {
		return false
	}
	if len(s.cfg.Categories) > 0 && !slices.Contains(s.cfg.Categories, c.Category) {
		return false
	}
	return true
}

func (s *Scheduler) important(c Change) bool {
	if s.cfg.IsImportant == nil {
		return true
	}
	return s.cfg.IsImportant(c)
}

// AddChange feeds one change through classification and batching. It is the
// subscription target wired to the change manager.
func (s *Scheduler) AddChange(c Change) {
	if !s.ChangeIsRelevant(c) {
		return
	}
	important := s.important(c)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if s.cfg.TreeStableTimer == 0 {
		// No batching: one build per important change, immediately.
		if important {
			s.fireLocked([]Change{c})
		}
		return
	}

	s.pending = append(s.pending, c)
	if important {
		s.anyImportant = true
	}
	if s.anyImportant {
		// Quiescence window restarts at the most recent relevant change, so
		// a burst fires once, TreeStableTimer after its last commit. The
		// generation check defuses a superseded timer that already fired
		// and is waiting on the lock.
		if s.timer != nil {
			s.timer.Stop()
		}
		s.timerGen++
		gen := s.timerGen
		s.timer = time.AfterFunc(s.cfg.TreeStableTimer, func() { s.timerFired(gen) })
	}
}

func (s *Scheduler) timerFired(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || gen != s.timerGen || !s.anyImportant || len(s.pending) == 0 {
		return
	}
	batch := s.pending
	s.pending = nil
	s.anyImportant = false
	s.timer = nil
	s.fireLocked(batch)
}

func (s *Scheduler) fireLocked(batch []Change) {
	stamp := StampFromChanges(s.cfg.Branch, batch)
	if s.cfg.Branch == AnyBranch && len(batch) > 0 {
		stamp.Branch = batch[len(batch)-1].Branch
	}
	s.logger.Info("scheduler firing",
		"scheduler", s.cfg.Name, "changes", len(batch), "builders", len(s.cfg.BuilderNames))
	s.submit(s.cfg.BuilderNames, stamp, "scheduler "+s.cfg.Name)
}

// Stop cancels any armed timer. Accumulated changes are abandoned; a
// reconfiguration replaces the scheduler wholesale.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
