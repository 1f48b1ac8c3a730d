package vcs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomci/loom/pkg/protocol"
)

// fakeFetcher records which command groups the driver asked for and lets the
// test script exit codes per command word.
type fakeFetcher struct {
	t         *testing.T
	basedir   string
	signature string
	failures  map[string]int // first arg word -> exit code
}

func (f *fakeFetcher) Kind() string      { return "fake" }
func (f *fakeFetcher) Signature() string { return f.signature }

func (f *fakeFetcher) IsCheckout(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".fake"))
	return err == nil
}

func (f *fakeFetcher) UpdateCmds(dir string) []Cmd {
	return []Cmd{{Args: []protocol.Argument{protocol.Arg("update")}, Dir: dir}}
}

func (f *fakeFetcher) FetchCmds(dest string) []Cmd {
	return []Cmd{{Args: []protocol.Argument{protocol.Arg("fetch"), protocol.Arg(dest)}}}
}

func (f *fakeFetcher) GotRevisionCmd(dir string) Cmd {
	return Cmd{Args: []protocol.Argument{protocol.Arg("got-revision")}, Dir: dir}
}

func (f *fakeFetcher) ParseGotRevision(output string) (string, error) {
	return strings.TrimSpace(output), nil
}

type runLog struct {
	commands []string
}

func newTestDriver(t *testing.T, basedir string, args protocol.SourceArgs, fetcher *fakeFetcher, log *runLog) *Driver {
	t.Helper()
	run := func(ctx context.Context, c Cmd, timeout int) (int, string, error) {
		word := c.Args[0].Value
		log.commands = append(log.commands, word)
		if rc, ok := fetcher.failures[word]; ok {
			return rc, "", nil
		}
		switch word {
		case "fetch":
			// Simulate the checkout landing on disk.
			dest := filepath.Join(basedir, c.Args[1].Value)
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return 0, "", err
			}
			if err := os.WriteFile(filepath.Join(dest, ".fake"), nil, 0o644); err != nil {
				return 0, "", err
			}
		case "got-revision":
			return 0, "rev-42\n", nil
		}
		return 0, "", nil
	}
	return &Driver{
		Fetcher: fetcher,
		Args:    args,
		Basedir: basedir,
		Run:     run,
		Send:    func(protocol.Update) {},
	}
}

func TestFullFetchThenUpdate(t *testing.T) {
	basedir := t.TempDir()
	args := protocol.SourceArgs{Workdir: "build", Mode: "update", Repository: "repo"}
	fetcher := &fakeFetcher{t: t, basedir: basedir, signature: "fake repo"}
	log := &runLog{}

	d := newTestDriver(t, basedir, args, fetcher, log)
	if err := d.Perform(context.Background()); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if strings.Join(log.commands, ",") != "fetch,got-revision" {
		t.Fatalf("first run commands: %v", log.commands)
	}

	// An unchanged target must take the update path on the second run.
	log.commands = nil
	d2 := newTestDriver(t, basedir, args, fetcher, log)
	if err := d2.Perform(context.Background()); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if strings.Join(log.commands, ",") != "update,got-revision" {
		t.Fatalf("second run commands: %v", log.commands)
	}
}

func TestRevisionPinForcesFullFetch(t *testing.T) {
	basedir := t.TempDir()
	args := protocol.SourceArgs{Workdir: "build", Mode: "update", Repository: "repo"}
	fetcher := &fakeFetcher{t: t, basedir: basedir, signature: "fake repo"}
	log := &runLog{}

	d := newTestDriver(t, basedir, args, fetcher, log)
	if err := d.Perform(context.Background()); err != nil {
		t.Fatalf("initial fetch: %v", err)
	}

	rev := "123"
	pinned := args
	pinned.Revision = &rev
	log.commands = nil
	d2 := newTestDriver(t, basedir, pinned, fetcher, log)
	if err := d2.Perform(context.Background()); err != nil {
		t.Fatalf("pinned fetch: %v", err)
	}
	if log.commands[0] != "fetch" {
		t.Fatalf("expected full fetch under a revision pin, got %v", log.commands)
	}
}

func TestSignatureMismatchClobbers(t *testing.T) {
	basedir := t.TempDir()
	args := protocol.SourceArgs{Workdir: "build", Mode: "update", Repository: "repo"}
	fetcher := &fakeFetcher{t: t, basedir: basedir, signature: "fake repo"}
	log := &runLog{}

	d := newTestDriver(t, basedir, args, fetcher, log)
	if err := d.Perform(context.Background()); err != nil {
		t.Fatalf("initial fetch: %v", err)
	}

	// Same tree, different repository identity: never update in place.
	moved := &fakeFetcher{t: t, basedir: basedir, signature: "fake other-repo"}
	log.commands = nil
	d2 := newTestDriver(t, basedir, args, moved, log)
	if err := d2.Perform(context.Background()); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if log.commands[0] != "fetch" {
		t.Fatalf("expected clobber and full fetch, got %v", log.commands)
	}
}

func TestUpdateFailureFallsBackToFullFetch(t *testing.T) {
	basedir := t.TempDir()
	args := protocol.SourceArgs{Workdir: "build", Mode: "update", Repository: "repo"}
	fetcher := &fakeFetcher{t: t, basedir: basedir, signature: "fake repo"}
	log := &runLog{}

	d := newTestDriver(t, basedir, args, fetcher, log)
	if err := d.Perform(context.Background()); err != nil {
		t.Fatalf("initial fetch: %v", err)
	}

	fetcher.failures = map[string]int{"update": 1}
	log.commands = nil
	d2 := newTestDriver(t, basedir, args, fetcher, log)
	if err := d2.Perform(context.Background()); err != nil {
		t.Fatalf("fallback fetch: %v", err)
	}
	if strings.Join(log.commands, ",") != "update,fetch,got-revision" {
		t.Fatalf("expected update then full fetch, got %v", log.commands)
	}
}

func TestFetchRetriesThenAbandons(t *testing.T) {
	basedir := t.TempDir()
	args := protocol.SourceArgs{
		Workdir:    "build",
		Mode:       "clobber",
		Repository: "repo",
		Retry:      &protocol.RetryPolicy{Delay: 0, Count: 2},
	}
	fetcher := &fakeFetcher{
		t: t, basedir: basedir, signature: "fake repo",
		failures: map[string]int{"fetch": 2},
	}
	log := &runLog{}

	d := newTestDriver(t, basedir, args, fetcher, log)
	err := d.Perform(context.Background())
	if !errors.Is(err, ErrAbandonBuild) {
		t.Fatalf("expected ErrAbandonBuild, got %v", err)
	}
	fetches := 0
	for _, c := range log.commands {
		if c == "fetch" {
			fetches++
		}
	}
	if fetches != 3 {
		t.Fatalf("expected 3 fetch attempts, got %d", fetches)
	}
	if d.WorstRC() != 2 {
		t.Fatalf("expected worst rc 2, got %d", d.WorstRC())
	}
}

func TestPatchedTreeNeverUpdates(t *testing.T) {
	basedir := t.TempDir()
	args := protocol.SourceArgs{
		Workdir: "build", Mode: "update", Repository: "repo",
		Patch: &protocol.Patch{Level: 0, Diff: "--- a\n+++ b\n"},
	}
	fetcher := &fakeFetcher{t: t, basedir: basedir, signature: "fake repo"}
	log := &runLog{}

	d := newTestDriver(t, basedir, args, fetcher, log)
	if err := d.Perform(context.Background()); err != nil {
		t.Fatalf("patched fetch: %v", err)
	}
	if _, err := os.Stat(filepath.Join(basedir, "build", ".loom-patched")); err != nil {
		t.Fatalf("patched marker missing: %v", err)
	}

	// A second run over the patched tree must clobber, not update.
	unpatched := args
	unpatched.Patch = nil
	log.commands = nil
	d2 := newTestDriver(t, basedir, unpatched, fetcher, log)
	if err := d2.Perform(context.Background()); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if log.commands[0] != "fetch" {
		t.Fatalf("expected full fetch over patched tree, got %v", log.commands)
	}
}
