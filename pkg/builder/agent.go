package builder

import (
	"context"

	"github.com/loomci/loom/pkg/protocol"
)

// AgentConnection is one reachable execution agent. RunCommand blocks until
// the command's terminal completion, delivering every streamed update to
// onUpdate in arrival order; the returned error reports transport or
// agent-side failures, never the command's own exit status.
type AgentConnection interface {
	Name() string
	RunCommand(ctx context.Context, inv protocol.Invocation, onUpdate func(protocol.Update)) error
	Interrupt(ctx context.Context, commandID string) error
}
