// Package master wires the coordinator together: changes feed schedulers,
// schedulers queue build requests on builders, builders run steps on remote
// agents, and every lifecycle event fans out to the history store and the
// status push targets.
package master

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/loomci/loom/pkg/builder"
	"github.com/loomci/loom/pkg/config"
	"github.com/loomci/loom/pkg/queue"
	"github.com/loomci/loom/pkg/remote"
	"github.com/loomci/loom/pkg/scheduler"
	"github.com/loomci/loom/pkg/statuspush"
	"github.com/loomci/loom/pkg/store"
)

// Logger is the logging surface the master needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// AgentDialer builds the connection for one configured agent. Tests inject
// fakes; production uses the HTTP client.
type AgentDialer func(name, url string) builder.AgentConnection

// Deps carries the master's collaborators.
type Deps struct {
	Logger  Logger
	Store   store.Store
	Basedir string
	// RedisURL switches status push queues from on-disk to Redis.
	RedisURL string
	// DialAgent defaults to the HTTP agent client.
	DialAgent AgentDialer
}

// Master owns the running configuration and the dispatch loop.
type Master struct {
	deps        Deps
	projectPath string

	mu         sync.Mutex
	project    config.Project
	changes    *scheduler.ChangeManager
	agents     map[string]builder.AgentConnection
	builders   map[string]*builder.Builder
	order      []string
	schedulers []*scheduler.Scheduler
	dependents []*scheduler.DependentScheduler
	pushers    []*statuspush.Push

	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
}

// New loads the project file and assembles the master. Nothing runs until
// Start.
func New(projectPath string, deps Deps) (*Master, error) {
	project, err := config.LoadProject(projectPath)
	if err != nil {
		return nil, err
	}
	return NewFromProject(project, projectPath, deps)
}

// NewFromProject assembles a master from an already validated project.
func NewFromProject(project config.Project, projectPath string, deps Deps) (*Master, error) {
	if deps.DialAgent == nil {
		deps.DialAgent = func(name, url string) builder.AgentConnection {
			return remote.NewClient(name, url)
		}
	}
	m := &Master{
		deps:        deps,
		projectPath: projectPath,
		agents:      make(map[string]builder.AgentConnection),
		builders:    make(map[string]*builder.Builder),
	}
	m.runCtx, m.cancel = context.WithCancel(context.Background())
	if err := m.configure(project); err != nil {
		return nil, err
	}
	return m, nil
}

// configure builds all components for a project and installs them. The
// previous generation, if any, hands its pending requests to same-name
// builders and is discarded.
func (m *Master) configure(project config.Project) error {
	sink := &statusFanout{m: m}

	agents := make(map[string]builder.AgentConnection, len(project.Agents))
	for _, ref := range project.Agents {
		agents[ref.Name] = m.deps.DialAgent(ref.Name, ref.URL)
	}

	builders := make(map[string]*builder.Builder, len(project.Builders))
	var order []string
	for _, bc := range project.Builders {
		b := builder.New(builder.Config{
			Name:          bc.Name,
			Builddir:      bc.Builddir,
			Steps:         stepsFactory(bc),
			MergeRequests: bc.MergeRequests,
		}, sink, m.deps.Logger)
		for _, agentName := range bc.Agents {
			b.Attach(agents[agentName])
		}
		b.OnFinish(m.buildFinished)
		builders[bc.Name] = b
		order = append(order, bc.Name)
	}

	var schedulers []*scheduler.Scheduler
	var dependents []*scheduler.DependentScheduler
	for _, sc := range project.Schedulers {
		if sc.Type == "dependent" {
			dependents = append(dependents, scheduler.NewDependent(scheduler.DependentConfig{
				Name:         sc.Name,
				Upstream:     sc.Upstream,
				BuilderNames: sc.Builders,
			}, m.submitBuildset, m.deps.Logger))
			continue
		}
		branch := sc.Branch
		if sc.AnyBranch {
			branch = scheduler.AnyBranch
		}
		schedulers = append(schedulers, scheduler.New(scheduler.Config{
			Name:            sc.Name,
			Branch:          branch,
			Categories:      sc.Categories,
			TreeStableTimer: sc.TreeStableTimer.Std(),
			BuilderNames:    sc.Builders,
			IsImportant:     importanceFilter(sc.UnimportantFiles),
		}, m.submitBuildset, m.deps.Logger))
	}

	// Status pipelines survive a reconfiguration when the target list is
	// unchanged, so packet ids keep increasing across the swap. When the
	// targets change, the old pipelines must drain and save their cursors
	// before the replacements open the same queue directories.
	m.mu.Lock()
	oldPushers := m.pushers
	reusePushers := slices.Equal(m.project.StatusTargets, project.StatusTargets)
	m.mu.Unlock()

	pushers := oldPushers
	if !reusePushers {
		for _, p := range oldPushers {
			if err := p.Shutdown(context.Background()); err != nil {
				m.deps.Logger.Error("retire status pusher", "error", err)
			}
		}
		var err error
		pushers, err = m.buildPushers(project)
		if err != nil {
			return err
		}
	}

	changes := scheduler.NewChangeManager(project.ChangeHorizon)
	for _, s := range schedulers {
		changes.Subscribe(s.AddChange)
	}

	m.mu.Lock()
	oldBuilders := m.builders
	oldSchedulers := m.schedulers

	for name, old := range oldBuilders {
		if neu, ok := builders[name]; ok {
			old.Migrate(neu)
		}
	}
	m.project = project
	m.changes = changes
	m.agents = agents
	m.builders = builders
	m.order = order
	m.schedulers = schedulers
	m.dependents = dependents
	m.pushers = pushers
	started := m.started
	m.mu.Unlock()

	for _, s := range oldSchedulers {
		s.Stop()
	}

	for name := range oldBuilders {
		if _, ok := builders[name]; !ok {
			m.pushEvent(statuspush.EventBuilderRemoved, map[string]any{"builder": name})
		}
	}
	for _, name := range order {
		if _, existed := oldBuilders[name]; !existed {
			m.pushEvent(statuspush.EventBuilderAdded, map[string]any{"builder": name})
		}
	}
	if started {
		m.dispatch()
	}
	return nil
}

// buildPushers creates one push pipeline per status target, each with its
// own durable queue so one slow listener cannot hold back another.
func (m *Master) buildPushers(project config.Project) ([]*statuspush.Push, error) {
	var pushers []*statuspush.Push
	for i, target := range project.StatusTargets {
		var q queue.Queue
		var err error
		if m.deps.RedisURL != "" {
			q, err = queue.NewRedisQueue(m.deps.RedisURL, fmt.Sprintf("loom:status:%d", i), m.deps.Logger)
		} else {
			q, err = queue.NewPersistentQueue(filepath.Join(m.deps.Basedir, fmt.Sprintf("status-queue-%d", i)), 512, m.deps.Logger)
		}
		if err != nil {
			return nil, fmt.Errorf("status queue for %s: %w", target.URL, err)
		}
		p, err := statuspush.New(statuspush.Config{
			Project:     project.Name,
			StatePath:   filepath.Join(m.deps.Basedir, fmt.Sprintf("status-state-%d.json", i)),
			BufferDelay: target.BufferDelay.Std(),
			RetryDelay:  target.RetryDelay.Std(),
			Filter:      target.Filter,
		}, q, statuspush.NewHTTPSink(target.URL, 0), m.deps.Logger)
		if err != nil {
			return nil, fmt.Errorf("status pusher for %s: %w", target.URL, err)
		}
		pushers = append(pushers, p)
	}
	return pushers, nil
}

// Start probes agents, announces the configuration, and begins dispatching.
func (m *Master) Start(ctx context.Context) {
	m.mu.Lock()
	m.started = true
	order := append([]string(nil), m.order...)
	agents := make(map[string]builder.AgentConnection, len(m.agents))
	for name, conn := range m.agents {
		agents[name] = conn
	}
	m.mu.Unlock()

	m.pushEvent(statuspush.EventStart, nil)
	for _, name := range order {
		m.pushEvent(statuspush.EventBuilderAdded, map[string]any{"builder": name})
	}
	for name, conn := range agents {
		if probe, ok := conn.(interface {
			Info(context.Context) (remote.AgentInfo, error)
		}); ok {
			if _, err := probe.Info(ctx); err != nil {
				m.deps.Logger.Warn("agent unreachable at startup", "agent", name, "error", err)
				continue
			}
		}
		m.pushEvent(statuspush.EventSlaveConnected, map[string]any{"slave": name})
	}
	m.dispatch()
}

// AddChange records one change and routes it to the schedulers.
func (m *Master) AddChange(c scheduler.Change) scheduler.Change {
	m.mu.Lock()
	changes := m.changes
	m.mu.Unlock()

	recorded := changes.AddChange(c)
	m.pushEvent(statuspush.EventChangeAdded, map[string]any{
		"number":   recorded.Number,
		"author":   recorded.Author,
		"branch":   recorded.Branch,
		"revision": recorded.Revision,
		"comments": recorded.Comments,
		"files":    recorded.Files,
	})
	return recorded
}

// Changes returns the retained change history.
func (m *Master) Changes() []scheduler.Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changes.Recent()
}

// submitBuildset queues one stamp on each named builder and announces the
// buildset. It is the SubmitFunc handed to every scheduler.
func (m *Master) submitBuildset(builderNames []string, stamp scheduler.SourceStamp, reason string) {
	m.pushEvent(statuspush.EventBuildsetSubmitted, map[string]any{
		"builders": builderNames,
		"branch":   stamp.Branch,
		"reason":   reason,
	})
	m.mu.Lock()
	targets := make([]*builder.Builder, 0, len(builderNames))
	for _, name := range builderNames {
		if b, ok := m.builders[name]; ok {
			targets = append(targets, b)
		} else {
			m.deps.Logger.Error("buildset names unknown builder", "builder", name)
		}
	}
	m.mu.Unlock()

	for _, b := range targets {
		b.SubmitStamp(stamp, reason)
	}
	m.dispatch()
}

// ForceBuild queues a build outside any scheduler.
func (m *Master) ForceBuild(builderName, reason, branch string, revision *string) (*builder.Request, error) {
	m.mu.Lock()
	b, ok := m.builders[builderName]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown builder %q", builderName)
	}
	if reason == "" {
		reason = "forced build"
	}
	req := b.SubmitStamp(scheduler.SourceStamp{Branch: branch, Revision: revision}, reason)
	m.dispatch()
	return req, nil
}

// CancelRequest cancels a pending request on whichever builder holds it.
func (m *Master) CancelRequest(id string) bool {
	m.mu.Lock()
	builders := make([]*builder.Builder, 0, len(m.builders))
	for _, b := range m.builders {
		builders = append(builders, b)
	}
	m.mu.Unlock()
	for _, b := range builders {
		if b.Cancel(id) {
			return true
		}
	}
	return false
}

// Builders returns the configured builders in configuration order.
func (m *Master) Builders() []*builder.Builder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*builder.Builder, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.builders[name])
	}
	return out
}

// Builder looks one builder up by name.
func (m *Master) Builder(name string) (*builder.Builder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builders[name]
	return b, ok
}

// Store exposes the build history store to the API layer.
func (m *Master) Store() store.Store { return m.deps.Store }

// ProjectName returns the configured project label.
func (m *Master) ProjectName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.project.Name
}

// dispatch starts builds across all builders, always picking the builder
// whose head request has waited longest, until nothing more can start.
func (m *Master) dispatch() {
	for {
		m.mu.Lock()
		type candidate struct {
			b     *builder.Builder
			since time.Time
		}
		var candidates []candidate
		for _, name := range m.order {
			b := m.builders[name]
			if since, ok := b.OldestPending(); ok {
				candidates = append(candidates, candidate{b, since})
			}
		}
		ctx := m.runCtx
		m.mu.Unlock()

		sort.Slice(candidates, func(i, j int) bool { return candidates[i].since.Before(candidates[j].since) })
		started := false
		for _, c := range candidates {
			if c.b.TryStart(ctx) {
				started = true
				break
			}
		}
		if !started {
			return
		}
	}
}

// buildFinished reacts to any build completing: release triggers another
// dispatch round and feeds dependent schedulers.
func (m *Master) buildFinished(b *builder.Build) {
	result, _ := b.Result()
	m.mu.Lock()
	dependents := append([]*scheduler.DependentScheduler(nil), m.dependents...)
	m.mu.Unlock()

	for _, d := range dependents {
		if b.Requests[0].Reason == "scheduler "+d.Upstream() {
			d.UpstreamFinished(b.Source, result)
		}
	}
	m.dispatch()
}

// Reconfigure reloads the project file. A file that fails to load or
// validate leaves the running configuration untouched.
func (m *Master) Reconfigure() error {
	project, err := config.LoadProject(m.projectPath)
	if err != nil {
		m.deps.Logger.Error("reconfigure rejected, keeping current config", "error", err)
		return err
	}
	m.deps.Logger.Info("reconfiguring", "project", project.Name,
		"builders", len(project.Builders), "schedulers", len(project.Schedulers))
	return m.configure(project)
}

// Shutdown drains the status pipelines and stops dispatching. Running
// builds are interrupted through the cancelled context.
func (m *Master) Shutdown(ctx context.Context) {
	m.cancel()
	m.mu.Lock()
	pushers := append([]*statuspush.Push(nil), m.pushers...)
	schedulers := append([]*scheduler.Scheduler(nil), m.schedulers...)
	agentNames := make([]string, 0, len(m.agents))
	for name := range m.agents {
		agentNames = append(agentNames, name)
	}
	m.mu.Unlock()

	for _, s := range schedulers {
		s.Stop()
	}
	sort.Strings(agentNames)
	for _, name := range agentNames {
		m.pushEvent(statuspush.EventSlaveDisconnected, map[string]any{"slave": name})
	}
	for _, p := range pushers {
		if err := p.Shutdown(ctx); err != nil {
			m.deps.Logger.Error("status pusher shutdown", "error", err)
		}
	}
}

// pushEvent fans one event to every status target.
func (m *Master) pushEvent(event string, payload map[string]any) {
	m.mu.Lock()
	pushers := append([]*statuspush.Push(nil), m.pushers...)
	m.mu.Unlock()
	for _, p := range pushers {
		p.Push(event, payload)
	}
}

// importanceFilter returns nil when every change matters, or a predicate
// treating changes that only touch matching files as unimportant.
func importanceFilter(patterns []string) func(scheduler.Change) bool {
	if len(patterns) == 0 {
		return nil
	}
	return func(c scheduler.Change) bool {
		if len(c.Files) == 0 {
			return true
		}
		for _, file := range c.Files {
			matched := false
			for _, pattern := range patterns {
				if ok, err := filepath.Match(pattern, file); err == nil && ok {
					matched = true
					break
				}
			}
			if !matched {
				return true
			}
		}
		return false
	}
}
