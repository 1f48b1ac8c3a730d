package builder

import (
	"time"

	"github.com/loomci/loom/pkg/scheduler"
)

// Request is one queued ask for a build of a particular source state on a
// particular builder. Requests wait in FIFO order and may be merged with
// compatible neighbours when a build finally starts.
type Request struct {
	ID          string                `json:"id"`
	BuilderName string                `json:"builder_name"`
	Source      scheduler.SourceStamp `json:"source"`
	Reason      string                `json:"reason,omitempty"`
	Properties  map[string]any        `json:"properties,omitempty"`
	SubmittedAt time.Time             `json:"submitted_at"`
}

// MergePredicate decides whether two queued requests may be collapsed into
// one build. The default requires mergeable source stamps.
type MergePredicate func(a, b *Request) bool

func defaultMerge(a, b *Request) bool {
	return a.Source.CanMergeWith(b.Source)
}
