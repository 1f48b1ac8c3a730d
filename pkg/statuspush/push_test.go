package statuspush

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loomci/loom/pkg/queue"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Info(msg string, args ...any)  { l.t.Logf("info: %s %v", msg, args) }
func (l testLogger) Warn(msg string, args ...any)  { l.t.Logf("warn: %s %v", msg, args) }
func (l testLogger) Error(msg string, args ...any) { l.t.Logf("error: %s %v", msg, args) }

// listener records every packet POSTed to it and can be switched down.
type listener struct {
	mu      sync.Mutex
	packets []Packet
	down    bool
}

func (l *listener) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l.mu.Lock()
		down := l.down
		l.mu.Unlock()
		if down {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		var chunk []Packet
		if err := json.Unmarshal([]byte(r.PostFormValue("packets")), &chunk); err != nil {
			t.Errorf("decode packets: %v", err)
			return
		}
		l.mu.Lock()
		l.packets = append(l.packets, chunk...)
		l.mu.Unlock()
	}
}

func (l *listener) setDown(down bool) {
	l.mu.Lock()
	l.down = down
	l.mu.Unlock()
}

func (l *listener) received() []Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Packet, len(l.packets))
	copy(out, l.packets)
	return out
}

func (l *listener) waitFor(t *testing.T, n int) []Packet {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := l.received(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener received %d packets, want %d", len(l.received()), n)
	return nil
}

func newTestPush(t *testing.T, serverURL string, cfg Config) *Push {
	t.Helper()
	cfg.Project = "loom"
	if cfg.BufferDelay == 0 {
		cfg.BufferDelay = 10 * time.Millisecond
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 20 * time.Millisecond
	}
	q := queue.NewMemoryQueue(1024)
	p, err := New(cfg, q, NewHTTPSink(serverURL, time.Second), testLogger{t})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestBacklogAboveWaterLevelCollapsesBufferDelay(t *testing.T) {
	lst := &listener{}
	srv := httptest.NewServer(lst.handler(t))
	defer srv.Close()

	p := newTestPush(t, srv.URL, Config{BufferDelay: time.Hour, WaterLevel: 5})
	defer p.Shutdown(context.Background())

	// The first push arms an hour-long buffer timer; crossing the water
	// level must override it instead of waiting it out.
	for i := 0; i < 10; i++ {
		p.Push(EventStepFinished, map[string]any{"step": "compile", "number": i})
	}
	lst.waitFor(t, 10)
}

func TestPacketsArriveInSequence(t *testing.T) {
	lst := &listener{}
	srv := httptest.NewServer(lst.handler(t))
	defer srv.Close()

	p := newTestPush(t, srv.URL, Config{})
	p.Push(EventStart, nil)
	p.Push(EventBuilderAdded, map[string]any{"builder": "full"})
	p.Push(EventBuildStarted, map[string]any{"builder": "full", "number": 0})

	got := lst.waitFor(t, 3)
	for i, pkt := range got {
		if pkt.ID != int64(i+1) {
			t.Fatalf("packet %d has id %d, want %d", i, pkt.ID, i+1)
		}
		if pkt.Project != "loom" {
			t.Fatalf("packet %d project = %q", i, pkt.Project)
		}
		if pkt.Started != got[0].Started {
			t.Fatalf("started varies across packets: %s vs %s", pkt.Started, got[0].Started)
		}
		if _, err := time.Parse(time.RFC3339, pkt.Timestamp); err != nil {
			t.Fatalf("packet %d timestamp %q is not ISO-8601: %v", i, pkt.Timestamp, err)
		}
		if _, err := time.Parse(time.RFC3339, pkt.Started); err != nil {
			t.Fatalf("packet %d started %q is not ISO-8601: %v", i, pkt.Started, err)
		}
	}
	if got[0].Event != EventStart || got[2].Event != EventBuildStarted {
		t.Fatalf("events out of order: %s %s %s", got[0].Event, got[1].Event, got[2].Event)
	}
}

func TestOutageBuffersAndRedelivers(t *testing.T) {
	lst := &listener{}
	srv := httptest.NewServer(lst.handler(t))
	defer srv.Close()

	lst.setDown(true)
	p := newTestPush(t, srv.URL, Config{})
	for i := 0; i < 5; i++ {
		p.Push(EventStepFinished, map[string]any{"step": "compile", "n": i})
	}
	time.Sleep(100 * time.Millisecond)
	if got := lst.received(); len(got) != 0 {
		t.Fatalf("listener down but received %d packets", len(got))
	}

	lst.setDown(false)
	got := lst.waitFor(t, 5)
	for i, pkt := range got {
		if pkt.ID != int64(i+1) {
			t.Fatalf("redelivery out of order: packet %d has id %d", i, pkt.ID)
		}
	}
}

func TestShutdownDrainsAndAppendsShutdownEvent(t *testing.T) {
	lst := &listener{}
	srv := httptest.NewServer(lst.handler(t))
	defer srv.Close()

	statePath := filepath.Join(t.TempDir(), "push-state.json")
	p := newTestPush(t, srv.URL, Config{StatePath: statePath, BufferDelay: time.Hour})
	p.Push(EventBuildFinished, map[string]any{"builder": "full", "results": 0})
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got := lst.received()
	if len(got) != 2 {
		t.Fatalf("received %d packets, want buildFinished plus shutdown", len(got))
	}
	if got[1].Event != EventShutdown {
		t.Fatalf("last event = %q, want shutdown", got[1].Event)
	}

	st, err := loadState(statePath)
	if err != nil {
		t.Fatalf("loadState: %v", err)
	}
	if st.NextID != 3 {
		t.Fatalf("next_id = %d, want 3", st.NextID)
	}
	if st.LastIDPushed != 2 {
		t.Fatalf("last_id_pushed = %d, want 2", st.LastIDPushed)
	}
	if _, err := time.Parse(time.RFC3339, st.Started); err != nil {
		t.Fatalf("state started %q is not ISO-8601: %v", st.Started, err)
	}
}

func TestShutdownKeepsUndeliverableQueue(t *testing.T) {
	lst := &listener{}
	srv := httptest.NewServer(lst.handler(t))
	defer srv.Close()
	lst.setDown(true)

	q := queue.NewMemoryQueue(1024)
	p, err := New(Config{
		Project:     "loom",
		BufferDelay: time.Hour,
		RetryDelay:  time.Hour,
	}, q, NewHTTPSink(srv.URL, time.Second), testLogger{t})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Push(EventBuildStarted, nil)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := q.NbItems(); n != 2 {
		t.Fatalf("queue holds %d items after failed drain, want 2", n)
	}
}

func TestFilterScrubsEmptyPayloadFields(t *testing.T) {
	lst := &listener{}
	srv := httptest.NewServer(lst.handler(t))
	defer srv.Close()

	p := newTestPush(t, srv.URL, Config{Filter: true})
	p.Push(EventStepFinished, map[string]any{
		"step":    "compile",
		"text":    "",
		"failed":  false,
		"results": 0,
		"nested":  map[string]any{"empty": ""},
	})

	got := lst.waitFor(t, 1)
	payload := got[0].Payload
	if _, ok := payload["text"]; ok {
		t.Fatalf("empty string survived scrub: %v", payload)
	}
	if _, ok := payload["failed"]; ok {
		t.Fatalf("false survived scrub: %v", payload)
	}
	if _, ok := payload["nested"]; ok {
		t.Fatalf("empty nested map survived scrub: %v", payload)
	}
	if v, ok := payload["results"]; !ok || v != float64(0) {
		t.Fatalf("numeric zero must survive scrub, payload = %v", payload)
	}
}

func TestScrub(t *testing.T) {
	in := map[string]any{
		"keep":  "value",
		"zero":  0,
		"drop":  "",
		"flag":  false,
		"list":  []any{"", "x", false},
		"empty": []any{},
	}
	out, ok := Scrub(in).(map[string]any)
	if !ok {
		t.Fatalf("scrub of non-empty map returned %T", Scrub(in))
	}
	if len(out) != 3 {
		t.Fatalf("scrubbed map = %v", out)
	}
	if list, ok := out["list"].([]any); !ok || len(list) != 1 || list[0] != "x" {
		t.Fatalf("scrubbed list = %v", out["list"])
	}
}

func TestResumesDeliveryFromResidualQueue(t *testing.T) {
	lst := &listener{}
	srv := httptest.NewServer(lst.handler(t))
	defer srv.Close()

	q := queue.NewMemoryQueue(1024)
	leftover, _ := json.Marshal(Packet{ID: 7, Project: "loom", Event: EventBuildFinished})
	if err := q.PushItem(leftover); err != nil {
		t.Fatalf("seed queue: %v", err)
	}

	_, err := New(Config{Project: "loom", BufferDelay: time.Hour}, q, NewHTTPSink(srv.URL, time.Second), testLogger{t})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := lst.waitFor(t, 1)
	if got[0].ID != 7 {
		t.Fatalf("residual packet id = %d, want 7", got[0].ID)
	}
}
