package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/loomci/loom/pkg/protocol"
	"github.com/loomci/loom/pkg/vcs"
)

// sourceCommand runs the source-fetch state machine on the agent. Each
// sub-command the driver issues is executed through a nested ShellCommand so
// its output streams to the coordinator like any other invocation, while the
// exit status and captured stdout feed back into the driver.
type sourceCommand struct {
	deps    Deps
	fetcher vcs.Fetcher
	args    protocol.SourceArgs

	mu          sync.Mutex
	current     *ShellCommand
	interrupted atomic.Bool
	cancel      context.CancelFunc
	rcSent      atomic.Bool
}

func newSourceCommand(deps Deps, fetcher vcs.Fetcher, args protocol.SourceArgs) *sourceCommand {
	return &sourceCommand{deps: deps, fetcher: fetcher, args: args}
}

func (c *sourceCommand) Interrupt() {
	c.interrupted.Store(true)
	c.mu.Lock()
	current := c.current
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if current != nil {
		current.Interrupt()
	}
}

func (c *sourceCommand) Run(ctx context.Context, send func(protocol.Update)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	driver := &vcs.Driver{
		Fetcher: c.fetcher,
		Args:    c.args,
		Basedir: c.deps.Basedir,
		Run: func(ctx context.Context, cmd vcs.Cmd, timeout int) (int, string, error) {
			return c.runSub(ctx, cmd, timeout, send)
		},
		Send: send,
	}

	err := driver.Perform(ctx)
	rc := 0
	switch {
	case c.interrupted.Load():
		send(protocol.Update{Header: "source fetch interrupted\n"})
		rc = -1
	case err != nil:
		rc = driver.WorstRC()
		if rc == 0 {
			rc = 1
		}
		if !errors.Is(err, vcs.ErrAbandonBuild) {
			send(protocol.Update{Header: err.Error() + "\n"})
		}
	}
	c.sendRC(send, rc)
	return nil
}

// runSub executes one driver sub-command, relaying its streams while
// capturing stdout for revision parsing and swallowing the nested rc update;
// the source command reports a single rc of its own at the end.
func (c *sourceCommand) runSub(ctx context.Context, cmd vcs.Cmd, timeout int, send func(protocol.Update)) (int, string, error) {
	if c.interrupted.Load() {
		return -1, "", vcs.ErrInterrupted
	}

	shellArgs := protocol.NewShellArgs()
	shellArgs.Args = cmd.Args
	shellArgs.Workdir = cmd.Dir
	shellArgs.Timeout = timeout
	shellArgs.InitialStdin = cmd.Stdin

	shell := NewShellCommand(c.deps, shellArgs)
	c.mu.Lock()
	c.current = shell
	c.mu.Unlock()

	rc := -1
	var stdout strings.Builder
	err := shell.Run(ctx, func(u protocol.Update) {
		if u.RC != nil {
			rc = *u.RC
			return
		}
		if u.Stdout != "" {
			stdout.WriteString(u.Stdout)
		}
		send(u)
	})

	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()

	if c.interrupted.Load() {
		return rc, stdout.String(), vcs.ErrInterrupted
	}
	return rc, stdout.String(), err
}

func (c *sourceCommand) sendRC(send func(protocol.Update), rc int) {
	if c.rcSent.Swap(true) {
		c.deps.Logger.Warn("duplicate rc update suppressed", "rc", rc)
		return
	}
	send(protocol.Update{RC: &rc})
}
