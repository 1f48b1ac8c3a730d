package scheduler

import "github.com/loomci/loom/pkg/results"

// DependentConfig describes a scheduler that triggers off another
// scheduler's builds instead of off changes.
type DependentConfig struct {
	Name string
	// Upstream names the scheduler whose builds gate this one.
	Upstream     string
	BuilderNames []string
}

// DependentScheduler submits requests for the exact source stamp an
// upstream build used, once that build finishes without failing.
type DependentScheduler struct {
	cfg    DependentConfig
	submit SubmitFunc
	logger Logger
}

func NewDependent(cfg DependentConfig, submit SubmitFunc, logger Logger) *DependentScheduler {
	return &DependentScheduler{cfg: cfg, submit: submit, logger: logger}
}

func (d *DependentScheduler) Name() string     { return d.cfg.Name }
func (d *DependentScheduler) Upstream() string { return d.cfg.Upstream }

// UpstreamFinished is invoked by the build master when a build submitted by
// the upstream scheduler completes. Warnings count as success; failures,
// exceptions and retries do not propagate downstream.
func (d *DependentScheduler) UpstreamFinished(stamp SourceStamp, result results.Code) {
	if result != results.Success && result != results.Warnings {
		return
	}
	d.logger.Info("dependent scheduler firing",
		"scheduler", d.cfg.Name, "upstream", d.cfg.Upstream, "result", result.String())
	d.submit(d.cfg.BuilderNames, stamp, "downstream of "+d.cfg.Upstream)
}
