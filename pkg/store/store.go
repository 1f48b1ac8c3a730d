// Package store persists build history: builds, their steps, and captured
// log lines. The in-memory implementation serves tests and small setups; the
// Postgres implementation survives coordinator restarts.
package store

import (
	"errors"
	"time"

	"github.com/loomci/loom/pkg/results"
)

// ErrNotFound is returned when a build is not in the store.
var ErrNotFound = errors.New("build not found")

// StepRecord is one finished or running step inside a build.
type StepRecord struct {
	Name       string    `json:"name"`
	Result     *int      `json:"result,omitempty"`
	Text       []string  `json:"text,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// BuildRecord is one build keyed by builder name and number.
type BuildRecord struct {
	Builder    string       `json:"builder"`
	Number     int          `json:"number"`
	Branch     string       `json:"branch,omitempty"`
	Revision   string       `json:"revision,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Result     *int         `json:"result,omitempty"`
	Text       []string     `json:"text,omitempty"`
	Steps      []StepRecord `json:"steps,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
}

// Finished reports whether the build has a recorded result.
func (b BuildRecord) Finished() bool { return b.Result != nil }

// LogLine is one captured line of step output.
type LogLine struct {
	Step   string `json:"step"`
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// Store records build history. Implementations serialize access internally.
type Store interface {
	StartBuild(rec BuildRecord) error
	FinishBuild(builder string, number int, result results.Code, text []string, finishedAt time.Time) error
	StartStep(builder string, number int, step string) error
	FinishStep(builder string, number int, step string, result results.Code, text []string) error
	AppendLog(builder string, number int, step, stream, text string) error
	Build(builder string, number int) (BuildRecord, error)
	Builds(builder string, limit int) ([]BuildRecord, error)
	Logs(builder string, number int) ([]LogLine, error)
	Close() error
}
