package builder

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomci/loom/pkg/protocol"
	"github.com/loomci/loom/pkg/results"
)

// StepOutcome is what one finished step contributes to the build: a result
// code for the rollup, display text, and whether the rest of the build
// should be abandoned.
type StepOutcome struct {
	Result  results.Code
	Text    []string
	Abandon bool
}

// Step is one unit of work inside a build. Run blocks until the step is
// finished or the context is cancelled.
type Step interface {
	Name() string
	Run(ctx context.Context, b *Build) StepOutcome
}

// ShellStep runs one command on the build's agent. Exactly one of Command or
// CommandLine is set.
type ShellStep struct {
	StepName    string
	Command     []protocol.Argument
	CommandLine string
	Workdir     string
	Env         map[string]*string
	// Timeout is seconds of output silence before the command is killed.
	Timeout int
	MaxTime int
	// HaltOnFailure abandons the remaining steps when this one fails.
	HaltOnFailure bool
	// WarnOnFailure downgrades a failure to a warning in the rollup.
	WarnOnFailure bool
	Logfiles      map[string]string
}

func (s *ShellStep) Name() string { return s.StepName }

func (s *ShellStep) Run(ctx context.Context, b *Build) StepOutcome {
	args := protocol.NewShellArgs()
	args.Args = s.Command
	args.CommandLine = s.CommandLine
	args.Workdir = s.Workdir
	if args.Workdir == "" {
		args.Workdir = b.workdir
	}
	args.Env = s.Env
	args.Timeout = s.Timeout
	args.MaxTime = s.MaxTime
	args.Logfiles = s.Logfiles

	rc, err := b.runCommand(ctx, s.StepName, protocol.CommandShell, args, nil)
	if err != nil {
		return StepOutcome{Result: results.Exception, Text: []string{"exception", s.StepName}, Abandon: s.HaltOnFailure}
	}
	code := results.FromExitCode(rc)
	if code == results.Failure && s.WarnOnFailure {
		code = results.Warnings
	}
	out := StepOutcome{Result: code}
	switch code {
	case results.Failure:
		out.Text = []string{"failed", s.StepName}
		out.Abandon = s.HaltOnFailure
	case results.Warnings:
		out.Text = []string{"warnings", s.StepName}
	}
	return out
}

// SourceStep checks out the build's source stamp. It always halts the build
// on failure: later steps cannot run against an absent tree. On success the
// reported revision lands in the got_revision build property.
type SourceStep struct {
	// VCS selects the fetch command, one of the protocol source command names.
	VCS        string
	Repository string
	// DefaultBranch is used when the source stamp has no branch.
	DefaultBranch string
	Mode          string
	Workdir       string
	Timeout       int
	Retry         *protocol.RetryPolicy
	Username      string
	Password      *protocol.Argument
}

func (s *SourceStep) Name() string { return s.VCS }

func (s *SourceStep) Run(ctx context.Context, b *Build) StepOutcome {
	branch := b.Source.Branch
	if branch == "" {
		branch = s.DefaultBranch
	}
	args := protocol.SourceArgs{
		Workdir:    s.Workdir,
		Mode:       s.Mode,
		Revision:   b.Source.Revision,
		Branch:     branch,
		Repository: s.Repository,
		Patch:      b.Source.Patch,
		Timeout:    s.Timeout,
		Retry:      s.Retry,
		Username:   s.Username,
		Password:   s.Password,
	}
	if args.Workdir == "" {
		args.Workdir = b.workdir
	}
	if args.Mode == "" {
		args.Mode = "update"
	}

	var gotRevision *string
	rc, err := b.runCommand(ctx, s.VCS, s.VCS, args, func(u protocol.Update) {
		if u.GotRevision != nil {
			gotRevision = u.GotRevision
		}
	})
	if err != nil {
		return StepOutcome{Result: results.Exception, Text: []string{"exception", s.VCS}, Abandon: true}
	}
	if rc != 0 {
		return StepOutcome{Result: results.Failure, Text: []string{"failed", s.VCS}, Abandon: true}
	}
	if gotRevision != nil {
		b.SetProperty("got_revision", *gotRevision)
	}
	return StepOutcome{Result: results.Success}
}

// encodeInvocation packs a command's argument struct into the wire envelope.
func encodeInvocation(name string, args any) (protocol.Invocation, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return protocol.Invocation{}, fmt.Errorf("encode %s args: %w", name, err)
	}
	return protocol.Invocation{ID: uuid.NewString(), Name: name, Args: raw}, nil
}
