package store

import (
	"errors"
	"testing"
	"time"

	"github.com/loomci/loom/pkg/results"
)

func TestMemStoreBuildLifecycle(t *testing.T) {
	s := NewMemStore()
	if err := s.StartBuild(BuildRecord{Builder: "full", Number: 0, Branch: "trunk", Reason: "scheduler ci"}); err != nil {
		t.Fatalf("StartBuild: %v", err)
	}
	if err := s.StartStep("full", 0, "compile"); err != nil {
		t.Fatalf("StartStep: %v", err)
	}
	if err := s.AppendLog("full", 0, "compile", "stdout", "gcc -c main.c\n"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	if err := s.FinishStep("full", 0, "compile", results.Success, nil); err != nil {
		t.Fatalf("FinishStep: %v", err)
	}
	if err := s.FinishBuild("full", 0, results.Success, []string{"build", "successful"}, time.Now()); err != nil {
		t.Fatalf("FinishBuild: %v", err)
	}

	rec, err := s.Build("full", 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !rec.Finished() || *rec.Result != int(results.Success) {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.Steps) != 1 || rec.Steps[0].Name != "compile" || rec.Steps[0].Result == nil {
		t.Fatalf("steps = %+v", rec.Steps)
	}
	logs, err := s.Logs("full", 0)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Stream != "stdout" {
		t.Fatalf("logs = %+v", logs)
	}
}

func TestMemStoreListNewestFirst(t *testing.T) {
	s := NewMemStore()
	for n := 0; n < 5; n++ {
		if err := s.StartBuild(BuildRecord{Builder: "full", Number: n}); err != nil {
			t.Fatalf("StartBuild %d: %v", n, err)
		}
	}
	if err := s.StartBuild(BuildRecord{Builder: "other", Number: 9}); err != nil {
		t.Fatalf("StartBuild other: %v", err)
	}

	builds, err := s.Builds("full", 3)
	if err != nil {
		t.Fatalf("Builds: %v", err)
	}
	if len(builds) != 3 {
		t.Fatalf("got %d builds, want 3", len(builds))
	}
	if builds[0].Number != 4 || builds[2].Number != 2 {
		t.Fatalf("order = %d %d %d", builds[0].Number, builds[1].Number, builds[2].Number)
	}
}

func TestMemStoreNotFound(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Build("ghost", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.FinishBuild("ghost", 1, results.Success, nil, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
