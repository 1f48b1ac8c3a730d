package master

import (
	"github.com/loomci/loom/pkg/builder"
	"github.com/loomci/loom/pkg/config"
	"github.com/loomci/loom/pkg/protocol"
)

// stepsFactory translates one builder's step configuration into the step
// objects each build instantiates. Steps are rebuilt per build so they
// never share mutable state across runs.
func stepsFactory(bc config.BuilderConfig) builder.StepsFactory {
	specs := append([]config.StepConfig(nil), bc.Steps...)
	return func() []builder.Step {
		steps := make([]builder.Step, 0, len(specs))
		for _, sc := range specs {
			steps = append(steps, buildStep(sc))
		}
		return steps
	}
}

func buildStep(sc config.StepConfig) builder.Step {
	if sc.Type == "source" {
		var retry *protocol.RetryPolicy
		if sc.RetryCount > 0 {
			retry = &protocol.RetryPolicy{
				Delay: int(sc.RetryDelay.Std().Seconds()),
				Count: sc.RetryCount,
			}
		}
		return &builder.SourceStep{
			VCS:           sc.VCS,
			Repository:    sc.Repository,
			DefaultBranch: sc.Branch,
			Mode:          sc.Mode,
			Workdir:       sc.Workdir,
			Timeout:       int(sc.Timeout.Std().Seconds()),
			Retry:         retry,
		}
	}

	command := make([]protocol.Argument, 0, len(sc.Command))
	for _, word := range sc.Command {
		command = append(command, protocol.Arg(word))
	}
	env := make(map[string]*string, len(sc.Env))
	for k, v := range sc.Env {
		v := v
		env[k] = &v
	}
	return &builder.ShellStep{
		StepName:      sc.Name,
		Command:       command,
		CommandLine:   sc.CommandLine,
		Workdir:       sc.Workdir,
		Env:           env,
		Timeout:       int(sc.Timeout.Std().Seconds()),
		MaxTime:       int(sc.MaxTime.Std().Seconds()),
		HaltOnFailure: sc.HaltOnFailure,
		WarnOnFailure: sc.WarnOnFailure,
	}
}
