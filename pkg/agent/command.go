package agent

import (
	"context"
	"encoding/json"

	"github.com/loomci/loom/pkg/protocol"
)

// Logger is the logging surface injected into agent commands.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Command is one agent-side unit of work. Run emits status updates through
// send and returns when the command reaches its terminal state; the caller
// emits the single completion signal. Interrupt may be called at most once,
// from another goroutine, while Run is in flight.
type Command interface {
	Run(ctx context.Context, send func(protocol.Update)) error
	Interrupt()
}

// Deps carries the process-wide collaborators a command factory may need.
type Deps struct {
	Basedir string
	Logger  Logger
}

// Factory builds a command from its serialized arguments.
type Factory func(deps Deps, args json.RawMessage) (Command, error)

func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var args T
	err := json.Unmarshal(raw, &args)
	return args, err
}
