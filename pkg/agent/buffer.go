package agent

import (
	"strings"
	"sync"
	"time"

	"github.com/loomci/loom/pkg/protocol"
)

const (
	defaultFlushSize     = 32 * 1024
	defaultFlushInterval = time.Second
)

// UpdateBuffer coalesces consecutive updates to the same named stream into
// one wire message, bounding the number of discrete network messages a chatty
// command produces. A buffered batch is flushed when it reaches the size
// threshold, when a short idle timer elapses, when an update arrives for a
// different stream (one wire message cannot interleave two streams), or
// explicitly on command completion.
type UpdateBuffer struct {
	mu       sync.Mutex
	out      func(protocol.Update)
	stream   string
	pending  strings.Builder
	maxSize  int
	interval time.Duration
	timer    *time.Timer
}

func NewUpdateBuffer(out func(protocol.Update)) *UpdateBuffer {
	return &UpdateBuffer{
		out:      out,
		maxSize:  defaultFlushSize,
		interval: defaultFlushInterval,
	}
}

// Add queues one update. Non-stream updates (rc, got_revision) flush any
// pending batch first and pass through unbuffered, preserving order.
func (b *UpdateBuffer) Add(u protocol.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream := u.Stream()
	if stream == "" {
		b.flushLocked()
		b.out(u)
		return
	}

	if b.stream != "" && b.stream != stream {
		b.flushLocked()
	}
	b.stream = stream
	b.pending.WriteString(streamText(u))

	if b.pending.Len() >= b.maxSize {
		b.flushLocked()
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.Flush)
	}
}

// Flush emits any pending batch immediately.
func (b *UpdateBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *UpdateBuffer) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.pending.Len() == 0 {
		return
	}
	b.out(streamUpdate(b.stream, b.pending.String()))
	b.pending.Reset()
	b.stream = ""
}

func streamText(u protocol.Update) string {
	switch {
	case u.Header != "":
		return u.Header
	case u.Stdout != "":
		return u.Stdout
	case u.Stderr != "":
		return u.Stderr
	case len(u.Log) == 2:
		return u.Log[1]
	}
	return ""
}

func streamUpdate(stream, text string) protocol.Update {
	switch {
	case stream == "header":
		return protocol.Update{Header: text}
	case stream == "stdout":
		return protocol.Update{Stdout: text}
	case stream == "stderr":
		return protocol.Update{Stderr: text}
	case strings.HasPrefix(stream, "log:"):
		return protocol.Update{Log: []string{strings.TrimPrefix(stream, "log:"), text}}
	}
	return protocol.Update{}
}
