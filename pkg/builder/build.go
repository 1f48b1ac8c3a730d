package builder

import (
	"context"
	"errors"
	"sync"

	"github.com/loomci/loom/pkg/protocol"
	"github.com/loomci/loom/pkg/results"
	"github.com/loomci/loom/pkg/scheduler"
)

// Logger is the logging surface injected into builders and builds.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Build is one execution of a builder's step sequence against a source
// stamp, on a single agent. It owns the property bag and the result rollup.
type Build struct {
	BuilderName string
	Number      int
	Requests    []*Request
	Source      scheduler.SourceStamp

	workdir string
	steps   []Step
	agent   AgentConnection
	status  StatusSink
	logger  Logger

	mu         sync.Mutex
	properties map[string]any
	result     results.Code
	text       []string
	currentCmd string
}

func newBuild(builderName string, number int, workdir string, reqs []*Request, steps []Step, agent AgentConnection, status StatusSink, logger Logger) *Build {
	source := reqs[0].Source
	for _, r := range reqs[1:] {
		source = source.MergeWith(r.Source)
	}
	b := &Build{
		BuilderName: builderName,
		Number:      number,
		Requests:    reqs,
		Source:      source,
		workdir:     workdir,
		steps:       steps,
		agent:       agent,
		status:      status,
		logger:      logger,
		properties:  make(map[string]any),
		result:      results.Success,
	}
	b.properties["buildername"] = builderName
	b.properties["buildnumber"] = number
	b.properties["branch"] = source.Branch
	if source.Revision != nil {
		b.properties["revision"] = *source.Revision
	}
	b.properties["reason"] = reqs[0].Reason
	b.properties["agent"] = agent.Name()
	for _, r := range reqs {
		for k, v := range r.Properties {
			b.properties[k] = v
		}
	}
	return b
}

// SetProperty records one build property; later writes win.
func (b *Build) SetProperty(name string, value any) {
	b.mu.Lock()
	b.properties[name] = value
	b.mu.Unlock()
}

// Property reads one build property.
func (b *Build) Property(name string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.properties[name]
	return v, ok
}

// Properties returns a copy of the property bag.
func (b *Build) Properties() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]any, len(b.properties))
	for k, v := range b.properties {
		out[k] = v
	}
	return out
}

// Result returns the rolled-up result and display text; valid after Run.
func (b *Build) Result() (results.Code, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result, b.text
}

// Run executes the step sequence in order. Each step's result is rolled into
// the build result with a worst-wins rule; a step that asks to abandon the
// build skips every remaining step.
func (b *Build) Run(ctx context.Context) (results.Code, []string) {
	b.status.BuildStarted(b)
	b.logger.Info("build started",
		"builder", b.BuilderName, "number", b.Number, "agent", b.agent.Name(), "requests", len(b.Requests))

	var failText []string
	abandoned := false
	for _, step := range b.steps {
		b.status.StepStarted(b, step.Name())
		b.status.LogStarted(b, step.Name(), "stdio")
		out := step.Run(ctx, b)
		b.status.LogFinished(b, step.Name(), "stdio")
		b.status.StepFinished(b, step.Name(), out.Result, out.Text)

		b.mu.Lock()
		b.result = results.Worst(b.result, out.Result)
		b.mu.Unlock()
		if out.Result >= results.Failure {
			failText = append(failText, step.Name())
		}
		if out.Abandon {
			abandoned = true
			break
		}
		if ctx.Err() != nil {
			abandoned = true
			b.mu.Lock()
			b.result = results.Worst(b.result, results.Exception)
			b.mu.Unlock()
			break
		}
	}

	b.mu.Lock()
	switch {
	case b.result == results.Success:
		b.text = []string{"build", "successful"}
	case b.result == results.Warnings:
		b.text = []string{"warnings"}
	case b.result == results.Exception:
		b.text = append([]string{"exception"}, failText...)
	default:
		b.text = append([]string{"failed"}, failText...)
	}
	result, text := b.result, b.text
	b.mu.Unlock()

	b.status.BuildFinished(b, result, text)
	b.logger.Info("build finished",
		"builder", b.BuilderName, "number", b.Number, "result", result.String(), "abandoned", abandoned)
	return result, text
}

// runCommand sends one command to the build's agent and relays its stream.
// The returned int is the command's rc update; a missing rc is a protocol
// error. Stream output is forwarded to the status sink under the step name.
func (b *Build) runCommand(ctx context.Context, stepName, command string, args any, extra func(protocol.Update)) (int, error) {
	inv, err := encodeInvocation(command, args)
	if err != nil {
		return -1, err
	}
	b.mu.Lock()
	b.currentCmd = inv.ID
	b.mu.Unlock()

	var rc *int
	err = b.agent.RunCommand(ctx, inv, func(u protocol.Update) {
		switch {
		case u.RC != nil:
			v := *u.RC
			rc = &v
		case u.Header != "":
			b.status.StepLog(b, stepName, "header", u.Header)
		case u.Stdout != "":
			b.status.StepLog(b, stepName, "stdout", u.Stdout)
		case u.Stderr != "":
			b.status.StepLog(b, stepName, "stderr", u.Stderr)
		case len(u.Log) == 2:
			b.status.StepLog(b, stepName, "log:"+u.Log[0], u.Log[1])
		}
		if extra != nil {
			extra(u)
		}
	})

	b.mu.Lock()
	b.currentCmd = ""
	b.mu.Unlock()

	if err != nil {
		b.logger.Error("command failed", "builder", b.BuilderName, "command", command, "error", err)
		return -1, err
	}
	if rc == nil {
		return -1, errors.New("command stream ended without an rc update")
	}
	return *rc, nil
}

// Interrupt asks the agent to stop the command currently running, if any.
func (b *Build) Interrupt(ctx context.Context) error {
	b.mu.Lock()
	id := b.currentCmd
	b.mu.Unlock()
	if id == "" {
		return nil
	}
	return b.agent.Interrupt(ctx, id)
}
