package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/loomci/loom/pkg/protocol"
)

func TestBufferCoalescesSameStream(t *testing.T) {
	var out []protocol.Update
	b := NewUpdateBuffer(func(u protocol.Update) { out = append(out, u) })

	b.Add(protocol.Update{Stdout: "one "})
	b.Add(protocol.Update{Stdout: "two "})
	b.Add(protocol.Update{Stdout: "three"})
	b.Flush()

	if len(out) != 1 {
		t.Fatalf("expected one coalesced update, got %d: %+v", len(out), out)
	}
	if out[0].Stdout != "one two three" {
		t.Fatalf("unexpected coalesced text: %q", out[0].Stdout)
	}
}

func TestBufferFlushesOnStreamSwitch(t *testing.T) {
	var out []protocol.Update
	b := NewUpdateBuffer(func(u protocol.Update) { out = append(out, u) })

	b.Add(protocol.Update{Stdout: "out"})
	b.Add(protocol.Update{Stderr: "err"})
	b.Flush()

	if len(out) != 2 {
		t.Fatalf("expected two updates, got %d: %+v", len(out), out)
	}
	if out[0].Stdout != "out" || out[1].Stderr != "err" {
		t.Fatalf("streams interleaved or reordered: %+v", out)
	}
}

func TestBufferPassesTerminalUpdatesThrough(t *testing.T) {
	var out []protocol.Update
	b := NewUpdateBuffer(func(u protocol.Update) { out = append(out, u) })

	rc := 0
	b.Add(protocol.Update{Stdout: "late output"})
	b.Add(protocol.Update{RC: &rc})

	if len(out) != 2 {
		t.Fatalf("expected pending flush plus rc, got %d: %+v", len(out), out)
	}
	if out[0].Stdout != "late output" {
		t.Fatalf("pending batch not flushed before rc: %+v", out)
	}
	if out[1].RC == nil {
		t.Fatalf("rc update lost: %+v", out)
	}
}

func TestBufferFlushesOnSizeThreshold(t *testing.T) {
	var out []protocol.Update
	b := NewUpdateBuffer(func(u protocol.Update) { out = append(out, u) })
	b.maxSize = 8

	b.Add(protocol.Update{Stdout: "0123456789"})
	if len(out) != 1 {
		t.Fatalf("expected size-triggered flush, got %d updates", len(out))
	}
}

func TestBufferIdleTimerFlush(t *testing.T) {
	out := make(chan protocol.Update, 4)
	b := NewUpdateBuffer(func(u protocol.Update) { out <- u })
	b.interval = 20 * time.Millisecond

	b.Add(protocol.Update{Log: []string{"warnings", "partial"}})

	select {
	case u := <-out:
		if len(u.Log) != 2 || u.Log[0] != "warnings" || u.Log[1] != "partial" {
			t.Fatalf("unexpected flushed update: %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle timer never flushed the batch")
	}
}

func TestBufferLogStreamsDoNotMix(t *testing.T) {
	var out []protocol.Update
	b := NewUpdateBuffer(func(u protocol.Update) { out = append(out, u) })

	b.Add(protocol.Update{Log: []string{"a", "first"}})
	b.Add(protocol.Update{Log: []string{"b", "second"}})
	b.Flush()

	if len(out) != 2 {
		t.Fatalf("expected two updates, got %d", len(out))
	}
	for _, u := range out {
		if strings.Contains(u.Log[1], "first") && strings.Contains(u.Log[1], "second") {
			t.Fatalf("distinct log streams coalesced: %+v", u)
		}
	}
}
