package master

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loomci/loom/pkg/builder"
	"github.com/loomci/loom/pkg/config"
	"github.com/loomci/loom/pkg/protocol"
	"github.com/loomci/loom/pkg/provision"
	"github.com/loomci/loom/pkg/results"
	"github.com/loomci/loom/pkg/scheduler"
	"github.com/loomci/loom/pkg/store"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Info(msg string, args ...any)  { l.t.Logf("info: %s %v", msg, args) }
func (l testLogger) Warn(msg string, args ...any)  { l.t.Logf("warn: %s %v", msg, args) }
func (l testLogger) Error(msg string, args ...any) { l.t.Logf("error: %s %v", msg, args) }

// stubAgent answers every command with a scripted rc keyed by command name.
type stubAgent struct {
	name string
	rcs  map[string]int

	mu   sync.Mutex
	seen []protocol.Invocation
}

func (f *stubAgent) Name() string { return f.name }

func (f *stubAgent) RunCommand(_ context.Context, inv protocol.Invocation, onUpdate func(protocol.Update)) error {
	f.mu.Lock()
	f.seen = append(f.seen, inv)
	f.mu.Unlock()
	rc := f.rcs[inv.Name]
	onUpdate(protocol.Update{Stdout: "ran " + inv.Name + "\n"})
	onUpdate(protocol.Update{RC: &rc})
	return nil
}

func (f *stubAgent) Interrupt(context.Context, string) error { return nil }

func testProject(timer config.Duration) config.Project {
	return config.Project{
		Name:   "demo",
		Agents: []config.AgentRef{{Name: "agent-one", URL: "http://agent-one.test"}},
		Builders: []config.BuilderConfig{{
			Name:   "quick",
			Agents: []string{"agent-one"},
			Steps: []config.StepConfig{
				{Type: "shell", Name: "compile", Command: []string{"make", "all"}, HaltOnFailure: true},
				{Type: "shell", Name: "test", Command: []string{"make", "check"}},
			},
		}},
		Schedulers: []config.SchedulerConfig{{
			Name:            "quick-sched",
			Branch:          "trunk",
			TreeStableTimer: timer,
			Builders:        []string{"quick"},
		}},
	}
}

func newTestMaster(t *testing.T, project config.Project, agent *stubAgent) *Master {
	t.Helper()
	m, err := NewFromProject(project, filepath.Join(t.TempDir(), "loom.yaml"), Deps{
		Logger:  testLogger{t},
		Store:   store.NewMemStore(),
		Basedir: t.TempDir(),
		DialAgent: func(name, url string) builder.AgentConnection {
			return agent
		},
	})
	if err != nil {
		t.Fatalf("NewFromProject: %v", err)
	}
	return m
}

func waitForBuild(t *testing.T, m *Master, builderName string, number int) store.BuildRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := m.Store().Build(builderName, number)
		if err == nil && rec.Finished() {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("build %s/%d did not finish", builderName, number)
	return store.BuildRecord{}
}

func TestChangeTriggersBuild(t *testing.T) {
	agent := &stubAgent{name: "agent-one"}
	m := newTestMaster(t, testProject(0), agent)
	m.Start(context.Background())
	defer m.Shutdown(context.Background())

	m.AddChange(scheduler.Change{Author: "alice", Branch: "trunk", Revision: "1234", Files: []string{"main.c"}})

	rec := waitForBuild(t, m, "quick", 1)
	if rec.Result == nil || results.Code(*rec.Result) != results.Success {
		t.Fatalf("result = %v, want success", rec.Result)
	}
	if rec.Branch != "trunk" || rec.Revision != "1234" {
		t.Fatalf("recorded stamp = %q/%q", rec.Branch, rec.Revision)
	}
	if rec.Reason != "scheduler quick-sched" {
		t.Fatalf("reason = %q", rec.Reason)
	}
	if len(rec.Steps) != 2 || rec.Steps[0].Name != "compile" || rec.Steps[1].Name != "test" {
		t.Fatalf("steps = %+v", rec.Steps)
	}

	agent.mu.Lock()
	commands := len(agent.seen)
	agent.mu.Unlock()
	if commands != 2 {
		t.Fatalf("agent ran %d commands, want 2", commands)
	}
}

func TestOffBranchChangeIgnored(t *testing.T) {
	agent := &stubAgent{name: "agent-one"}
	m := newTestMaster(t, testProject(0), agent)
	m.Start(context.Background())
	defer m.Shutdown(context.Background())

	m.AddChange(scheduler.Change{Author: "bob", Branch: "experimental", Files: []string{"main.c"}})

	time.Sleep(50 * time.Millisecond)
	if _, err := m.Store().Build("quick", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no build, got err=%v", err)
	}
}

func TestForceBuild(t *testing.T) {
	agent := &stubAgent{name: "agent-one"}
	m := newTestMaster(t, testProject(0), agent)
	m.Start(context.Background())
	defer m.Shutdown(context.Background())

	rev := "abc123"
	if _, err := m.ForceBuild("quick", "testing a fix", "trunk", &rev); err != nil {
		t.Fatalf("ForceBuild: %v", err)
	}
	rec := waitForBuild(t, m, "quick", 1)
	if rec.Reason != "testing a fix" || rec.Revision != "abc123" {
		t.Fatalf("record = %+v", rec)
	}

	if _, err := m.ForceBuild("no-such", "", "", nil); err == nil {
		t.Fatal("expected error for unknown builder")
	}
}

func TestReconfigureMigratesPendingAndNumbers(t *testing.T) {
	agent := &stubAgent{name: "agent-one"}
	m := newTestMaster(t, testProject(0), agent)
	m.Start(context.Background())
	defer m.Shutdown(context.Background())

	m.AddChange(scheduler.Change{Author: "alice", Branch: "trunk", Files: []string{"a.c"}})
	waitForBuild(t, m, "quick", 1)

	// Detach the agent in the new generation so the queued request stays
	// pending and can be observed after the swap.
	project := testProject(0)
	project.Builders[0].Agents = nil
	b, _ := m.Builder("quick")
	b.Detach("agent-one")
	pinned := "deadbeef"
	m.ForceBuild("quick", "queued across reconfig", "trunk", &pinned)

	if err := m.configure(project); err != nil {
		t.Fatalf("configure: %v", err)
	}
	nb, ok := m.Builder("quick")
	if !ok {
		t.Fatal("builder missing after reconfigure")
	}
	pending := nb.Pending()
	if len(pending) != 1 || pending[0].Reason != "queued across reconfig" {
		t.Fatalf("pending after reconfigure = %+v", pending)
	}

	// Re-attach and confirm numbering continues rather than restarting.
	nb.Attach(agent)
	m.dispatch()
	rec := waitForBuild(t, m, "quick", 2)
	if rec.Number != 2 {
		t.Fatalf("number = %d, want 2", rec.Number)
	}
}

func TestDependentSchedulerFiresDownstream(t *testing.T) {
	agent := &stubAgent{name: "agent-one"}
	project := testProject(0)
	project.Builders = append(project.Builders, config.BuilderConfig{
		Name:   "package",
		Agents: []string{"agent-one"},
		Steps: []config.StepConfig{
			{Type: "shell", Name: "package", Command: []string{"make", "dist"}},
		},
	})
	project.Schedulers = append(project.Schedulers, config.SchedulerConfig{
		Name:     "after-quick",
		Type:     "dependent",
		Upstream: "quick-sched",
		Builders: []string{"package"},
	})
	m := newTestMaster(t, project, agent)
	m.Start(context.Background())
	defer m.Shutdown(context.Background())

	m.AddChange(scheduler.Change{Author: "alice", Branch: "trunk", Files: []string{"a.c"}})

	waitForBuild(t, m, "quick", 1)
	rec := waitForBuild(t, m, "package", 1)
	if rec.Reason != "downstream of quick-sched" {
		t.Fatalf("downstream reason = %q", rec.Reason)
	}
}

func TestStatusTargetReceivesLifecycleEvents(t *testing.T) {
	var mu sync.Mutex
	var events []string
	listener := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		var packets []struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal([]byte(r.PostFormValue("packets")), &packets); err != nil {
			t.Errorf("decode packets: %v", err)
		}
		mu.Lock()
		for _, p := range packets {
			events = append(events, p.Event)
		}
		mu.Unlock()
	}))
	defer listener.Close()

	project := testProject(0)
	project.StatusTargets = []config.StatusTarget{{
		URL:         listener.URL,
		BufferDelay: config.Duration(10 * time.Millisecond),
	}}
	agent := &stubAgent{name: "agent-one"}
	m := newTestMaster(t, project, agent)
	m.Start(context.Background())

	m.AddChange(scheduler.Change{Author: "alice", Branch: "trunk", Files: []string{"a.c"}})
	waitForBuild(t, m, "quick", 1)
	m.Shutdown(context.Background())

	mu.Lock()
	got := append([]string(nil), events...)
	mu.Unlock()

	want := []string{"start", "builderAdded", "changeAdded", "buildsetSubmitted", "buildStarted",
		"stepStarted", "stepFinished", "buildFinished", "shutdown"}
	for _, name := range want {
		if !contains(got, name) {
			t.Fatalf("missing event %q in %v", name, got)
		}
	}
	if indexOf(got, "buildsetSubmitted") > indexOf(got, "buildStarted") {
		t.Fatalf("buildsetSubmitted after buildStarted: %v", got)
	}
	if got[len(got)-1] != "shutdown" {
		t.Fatalf("last event = %q, want shutdown", got[len(got)-1])
	}
}

func TestPacketIDsKeepIncreasingAcrossReconfigure(t *testing.T) {
	var mu sync.Mutex
	var ids []int64
	listener := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		var packets []struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal([]byte(r.PostFormValue("packets")), &packets); err != nil {
			t.Errorf("decode packets: %v", err)
		}
		mu.Lock()
		for _, p := range packets {
			ids = append(ids, p.ID)
		}
		mu.Unlock()
	}))
	defer listener.Close()

	project := testProject(0)
	project.StatusTargets = []config.StatusTarget{{
		URL:         listener.URL,
		BufferDelay: config.Duration(10 * time.Millisecond),
	}}
	agent := &stubAgent{name: "agent-one"}
	m := newTestMaster(t, project, agent)
	m.Start(context.Background())

	m.AddChange(scheduler.Change{Author: "alice", Branch: "trunk", Files: []string{"a.c"}})
	waitForBuild(t, m, "quick", 1)

	if err := m.configure(project); err != nil {
		t.Fatalf("configure: %v", err)
	}
	m.AddChange(scheduler.Change{Author: "alice", Branch: "trunk", Files: []string{"b.c"}})
	waitForBuild(t, m, "quick", 2)
	m.Shutdown(context.Background())

	mu.Lock()
	got := append([]int64(nil), ids...)
	mu.Unlock()
	if len(got) == 0 {
		t.Fatal("listener received no packets")
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("packet ids not strictly increasing: %v", got)
		}
	}
}

func contains(xs []string, s string) bool { return indexOf(xs, s) >= 0 }

func indexOf(xs []string, s string) int {
	for i, x := range xs {
		if x == s {
			return i
		}
	}
	return -1
}

func TestAPIBuildersAndBuilds(t *testing.T) {
	agent := &stubAgent{name: "agent-one"}
	m := newTestMaster(t, testProject(0), agent)
	m.Start(context.Background())
	defer m.Shutdown(context.Background())

	api := NewAPI(m, nil, nil)
	srv := httptest.NewServer(api.Router())
	defer srv.Close()

	body := bytes.NewBufferString(`{"author":"alice","branch":"trunk","revision":"42","files":["a.c"]}`)
	resp, err := http.Post(srv.URL+"/api/changes", "application/json", body)
	if err != nil {
		t.Fatalf("post change: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("post change status = %d", resp.StatusCode)
	}
	waitForBuild(t, m, "quick", 1)

	resp, err = http.Get(srv.URL + "/api/builders")
	if err != nil {
		t.Fatalf("get builders: %v", err)
	}
	var builders struct {
		Builders []struct {
			Name    string `json:"name"`
			State   string `json:"state"`
			Pending int    `json:"pending"`
		} `json:"builders"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&builders); err != nil {
		t.Fatalf("decode builders: %v", err)
	}
	resp.Body.Close()
	if len(builders.Builders) != 1 || builders.Builders[0].Name != "quick" {
		t.Fatalf("builders = %+v", builders)
	}

	resp, err = http.Get(srv.URL + "/api/builders/quick/builds/1")
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	var buildResp struct {
		Build store.BuildRecord `json:"build"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&buildResp); err != nil {
		t.Fatalf("decode build: %v", err)
	}
	resp.Body.Close()
	if buildResp.Build.Revision != "42" {
		t.Fatalf("build revision = %q", buildResp.Build.Revision)
	}

	resp, err = http.Get(srv.URL + "/api/builders/quick/builds/99")
	if err != nil {
		t.Fatalf("get missing build: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing build status = %d", resp.StatusCode)
	}
}

func TestAPIForceAndCancel(t *testing.T) {
	agent := &stubAgent{name: "agent-one"}
	project := testProject(0)
	project.Builders[0].Agents = nil // keep requests pending
	m := newTestMaster(t, project, agent)
	m.Start(context.Background())
	defer m.Shutdown(context.Background())

	api := NewAPI(m, nil, nil)
	srv := httptest.NewServer(api.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/builders/quick/force", "application/json",
		bytes.NewBufferString(`{"reason":"manual run","branch":"trunk"}`))
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	var forced struct {
		Request builder.Request `json:"request"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&forced); err != nil {
		t.Fatalf("decode force response: %v", err)
	}
	resp.Body.Close()
	if forced.Request.ID == "" {
		t.Fatal("force returned no request id")
	}

	resp, err = http.Post(srv.URL+"/api/requests/"+forced.Request.ID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}

	b, _ := m.Builder("quick")
	if len(b.Pending()) != 0 {
		t.Fatalf("pending after cancel = %d", len(b.Pending()))
	}

	resp, err = http.Post(srv.URL+"/api/requests/"+forced.Request.ID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel again: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second cancel status = %d", resp.StatusCode)
	}
}

func TestAPIReconfigRejectsBadFile(t *testing.T) {
	agent := &stubAgent{name: "agent-one"}
	m := newTestMaster(t, testProject(0), agent)
	m.Start(context.Background())
	defer m.Shutdown(context.Background())

	// The project path given to the test master does not exist, so a
	// reconfig must fail and leave the builders alone.
	api := NewAPI(m, nil, nil)
	srv := httptest.NewServer(api.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/reconfig", "application/json", nil)
	if err != nil {
		t.Fatalf("reconfig: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("reconfig status = %d", resp.StatusCode)
	}
	if _, ok := m.Builder("quick"); !ok {
		t.Fatal("builder lost after failed reconfig")
	}
}

func TestStepConfigTranslation(t *testing.T) {
	steps := stepsFactory(config.BuilderConfig{Steps: []config.StepConfig{
		{Type: "source", VCS: "git", Repository: "git://example/repo", Branch: "main",
			Mode: "copy", Timeout: config.Duration(90 * time.Second),
			RetryDelay: config.Duration(10 * time.Second), RetryCount: 2},
		{Type: "shell", Name: "compile", Command: []string{"make"}, HaltOnFailure: true,
			Env: map[string]string{"CC": "clang"}, Timeout: config.Duration(20 * time.Minute)},
	}})()

	src, ok := steps[0].(*builder.SourceStep)
	if !ok {
		t.Fatalf("step 0 is %T", steps[0])
	}
	if src.VCS != "git" || src.DefaultBranch != "main" || src.Mode != "copy" || src.Timeout != 90 {
		t.Fatalf("source step = %+v", src)
	}
	if src.Retry == nil || src.Retry.Delay != 10 || src.Retry.Count != 2 {
		t.Fatalf("retry = %+v", src.Retry)
	}

	sh, ok := steps[1].(*builder.ShellStep)
	if !ok {
		t.Fatalf("step 1 is %T", steps[1])
	}
	if sh.StepName != "compile" || !sh.HaltOnFailure || sh.Timeout != 1200 {
		t.Fatalf("shell step = %+v", sh)
	}
	if v := sh.Env["CC"]; v == nil || *v != "clang" {
		t.Fatalf("env CC = %v", v)
	}
	if len(sh.Command) != 1 || sh.Command[0].Value != "make" {
		t.Fatalf("command = %+v", sh.Command)
	}
}

func TestUnimportantFilesRideAlong(t *testing.T) {
	agent := &stubAgent{name: "agent-one"}
	project := testProject(config.Duration(40 * time.Millisecond))
	project.Schedulers[0].UnimportantFiles = []string{"*.md", "docs/*"}
	m := newTestMaster(t, project, agent)
	m.Start(context.Background())
	defer m.Shutdown(context.Background())

	m.AddChange(scheduler.Change{Author: "alice", Branch: "trunk", Files: []string{"README.md"}})
	time.Sleep(100 * time.Millisecond)
	if _, err := m.Store().Build("quick", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("doc-only change triggered a build, err=%v", err)
	}

	m.AddChange(scheduler.Change{Author: "alice", Branch: "trunk", Files: []string{"core.c"}})
	waitForBuild(t, m, "quick", 1)
}

func TestHostAPI(t *testing.T) {
	dir := t.TempDir()
	hostStore, err := provision.NewStore(filepath.Join(dir, "hosts.json"))
	if err != nil {
		t.Fatalf("host store: %v", err)
	}
	agent := &stubAgent{name: "agent-one"}
	m := newTestMaster(t, testProject(0), agent)
	defer m.Shutdown(context.Background())

	api := NewAPI(m, hostStore, nil)
	srv := httptest.NewServer(api.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/hosts", "application/json",
		bytes.NewBufferString(`{"name":"worker-1","address":"10.0.0.5","ssh_username":"ci","ssh_password":"hunter2"}`))
	if err != nil {
		t.Fatalf("create host: %v", err)
	}
	var created struct {
		Host struct {
			ID          string `json:"id"`
			SSHUsername string `json:"ssh_username"`
		} `json:"host"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode host: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || created.Host.ID == "" {
		t.Fatalf("create status = %d host = %+v", resp.StatusCode, created)
	}

	resp, err = http.Get(srv.URL + "/api/hosts/" + created.Host.ID + "/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	var events struct {
		Events []struct {
			Message string `json:"message"`
		} `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	resp.Body.Close()
	if len(events.Events) == 0 {
		t.Fatal("no host events after registration")
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/hosts/"+created.Host.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete host: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
}
