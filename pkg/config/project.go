package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry values like "2m" or "45s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// AgentRef names one execution agent and where to reach it.
type AgentRef struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// StepConfig is one step in a builder's sequence. Type selects the step
// implementation; the remaining fields apply per type.
type StepConfig struct {
	// Type is "source" or "shell".
	Type string `yaml:"type"`
	Name string `yaml:"name,omitempty"`

	// Shell step fields.
	Command       []string          `yaml:"command,omitempty"`
	CommandLine   string            `yaml:"command_line,omitempty"`
	Workdir       string            `yaml:"workdir,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	Timeout       Duration          `yaml:"timeout,omitempty"`
	MaxTime       Duration          `yaml:"max_time,omitempty"`
	HaltOnFailure bool              `yaml:"halt_on_failure,omitempty"`
	WarnOnFailure bool              `yaml:"warn_on_failure,omitempty"`

	// Source step fields. VCS is git, svn or cvs.
	VCS        string   `yaml:"vcs,omitempty"`
	Repository string   `yaml:"repository,omitempty"`
	Branch     string   `yaml:"branch,omitempty"`
	Mode       string   `yaml:"mode,omitempty"`
	RetryDelay Duration `yaml:"retry_delay,omitempty"`
	RetryCount int      `yaml:"retry_count,omitempty"`
}

// BuilderConfig declares one builder and the agents allowed to run it.
type BuilderConfig struct {
	Name          string       `yaml:"name"`
	Builddir      string       `yaml:"builddir,omitempty"`
	Agents        []string     `yaml:"agents"`
	MergeRequests bool         `yaml:"merge_requests,omitempty"`
	Steps         []StepConfig `yaml:"steps"`
}

// SchedulerConfig declares one scheduler. Type is "changes" for the
// tree-stable-timer scheduler or "dependent" for downstream triggering.
type SchedulerConfig struct {
	Name            string   `yaml:"name"`
	Type            string   `yaml:"type,omitempty"`
	Branch          string   `yaml:"branch,omitempty"`
	AnyBranch       bool     `yaml:"any_branch,omitempty"`
	Categories      []string `yaml:"categories,omitempty"`
	TreeStableTimer Duration `yaml:"tree_stable_timer,omitempty"`
	Builders        []string `yaml:"builders"`
	// Upstream is required for dependent schedulers.
	Upstream string `yaml:"upstream,omitempty"`
	// UnimportantFiles lists glob patterns; a change touching only matching
	// files rides along in batches but never triggers one.
	UnimportantFiles []string `yaml:"unimportant_files,omitempty"`
}

// StatusTarget declares one HTTP listener for status packets.
type StatusTarget struct {
	URL         string   `yaml:"url"`
	Filter      bool     `yaml:"filter,omitempty"`
	BufferDelay Duration `yaml:"buffer_delay,omitempty"`
	RetryDelay  Duration `yaml:"retry_delay,omitempty"`
}

// Project is the full project configuration the coordinator runs from.
type Project struct {
	Name          string            `yaml:"project"`
	ChangeHorizon int               `yaml:"change_horizon,omitempty"`
	Agents        []AgentRef        `yaml:"agents"`
	Builders      []BuilderConfig   `yaml:"builders"`
	Schedulers    []SchedulerConfig `yaml:"schedulers"`
	StatusTargets []StatusTarget    `yaml:"status_targets,omitempty"`
}

// LoadProject reads and validates a project file. A file that parses but
// fails validation is rejected whole; the caller keeps running on its
// previous configuration.
func LoadProject(path string) (Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Project{}, fmt.Errorf("read project file: %w", err)
	}
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Project{}, fmt.Errorf("parse project file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Project{}, fmt.Errorf("invalid project file %s: %w", path, err)
	}
	return p, nil
}

// Validate checks cross references eagerly so a broken configuration is
// refused before any running state is touched.
func (p Project) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("project name is required")
	}

	agents := map[string]bool{}
	for _, a := range p.Agents {
		if a.Name == "" || a.URL == "" {
			return fmt.Errorf("agent entries need both name and url")
		}
		if agents[a.Name] {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		agents[a.Name] = true
	}

	builders := map[string]bool{}
	for _, b := range p.Builders {
		if b.Name == "" {
			return fmt.Errorf("builder without a name")
		}
		if builders[b.Name] {
			return fmt.Errorf("duplicate builder name %q", b.Name)
		}
		builders[b.Name] = true
		if len(b.Steps) == 0 {
			return fmt.Errorf("builder %q has no steps", b.Name)
		}
		for _, name := range b.Agents {
			if !agents[name] {
				return fmt.Errorf("builder %q references unknown agent %q", b.Name, name)
			}
		}
		for i, step := range b.Steps {
			if err := step.validate(); err != nil {
				return fmt.Errorf("builder %q step %d: %w", b.Name, i, err)
			}
		}
	}

	schedulers := map[string]bool{}
	for _, s := range p.Schedulers {
		if s.Name == "" {
			return fmt.Errorf("scheduler without a name")
		}
		if schedulers[s.Name] {
			return fmt.Errorf("duplicate scheduler name %q", s.Name)
		}
		schedulers[s.Name] = true
		if len(s.Builders) == 0 {
			return fmt.Errorf("scheduler %q drives no builders", s.Name)
		}
		for _, name := range s.Builders {
			if !builders[name] {
				return fmt.Errorf("scheduler %q references unknown builder %q", s.Name, name)
			}
		}
		switch s.Type {
		case "", "changes":
			if s.Upstream != "" {
				return fmt.Errorf("scheduler %q: upstream is only valid for dependent schedulers", s.Name)
			}
		case "dependent":
			if s.Upstream == "" {
				return fmt.Errorf("dependent scheduler %q needs an upstream", s.Name)
			}
		default:
			return fmt.Errorf("scheduler %q has unknown type %q", s.Name, s.Type)
		}
	}
	for _, s := range p.Schedulers {
		if s.Type == "dependent" && !schedulers[s.Upstream] {
			return fmt.Errorf("dependent scheduler %q references unknown upstream %q", s.Name, s.Upstream)
		}
	}

	for _, target := range p.StatusTargets {
		if target.URL == "" {
			return fmt.Errorf("status target without a url")
		}
	}
	return nil
}

func (s StepConfig) validate() error {
	switch s.Type {
	case "shell":
		if len(s.Command) == 0 && s.CommandLine == "" {
			return fmt.Errorf("shell step needs command or command_line")
		}
		if len(s.Command) > 0 && s.CommandLine != "" {
			return fmt.Errorf("shell step takes command or command_line, not both")
		}
		if s.Name == "" {
			return fmt.Errorf("shell step needs a name")
		}
	case "source":
		switch s.VCS {
		case "git", "svn", "cvs":
		default:
			return fmt.Errorf("source step has unknown vcs %q", s.VCS)
		}
		if s.Repository == "" {
			return fmt.Errorf("source step needs a repository")
		}
		switch s.Mode {
		case "", "update", "copy", "clobber", "export":
		default:
			return fmt.Errorf("source step has unknown mode %q", s.Mode)
		}
	default:
		return fmt.Errorf("unknown step type %q", s.Type)
	}
	return nil
}
