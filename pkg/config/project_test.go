package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validProject = `
project: loom
change_horizon: 100
agents:
  - name: agent-1
    url: http://agent-1:8011
builders:
  - name: full
    agents: [agent-1]
    merge_requests: true
    steps:
      - type: source
        vcs: git
        repository: https://git.example.org/loom.git
        branch: trunk
      - type: shell
        name: compile
        command: [make, all]
        halt_on_failure: true
        timeout: 20m
schedulers:
  - name: ci
    branch: trunk
    tree_stable_timer: 2m
    builders: [full]
  - name: deploy
    type: dependent
    upstream: ci
    builders: [full]
status_targets:
  - url: http://listener.example.org/push
    filter: true
`

func writeProject(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write project: %v", err)
	}
	return path
}

func TestLoadProject(t *testing.T) {
	p, err := LoadProject(writeProject(t, validProject))
	if err != nil {
		t.Fatalf("LoadProject: %v", err)
	}
	if p.Name != "loom" {
		t.Fatalf("name = %q", p.Name)
	}
	if len(p.Builders) != 1 || len(p.Builders[0].Steps) != 2 {
		t.Fatalf("builders = %+v", p.Builders)
	}
	if got := p.Schedulers[0].TreeStableTimer.Std(); got != 2*time.Minute {
		t.Fatalf("tree_stable_timer = %v", got)
	}
	if got := p.Builders[0].Steps[1].Timeout.Std(); got != 20*time.Minute {
		t.Fatalf("step timeout = %v", got)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			"unknown builder in scheduler",
			func(s string) string { return strings.Replace(s, "builders: [full]", "builders: [ghost]", 1) },
			"unknown builder",
		},
		{
			"unknown agent in builder",
			func(s string) string { return strings.Replace(s, "agents: [agent-1]", "agents: [ghost]", 1) },
			"unknown agent",
		},
		{
			"unknown vcs",
			func(s string) string { return strings.Replace(s, "vcs: git", "vcs: fossil", 1) },
			"unknown vcs",
		},
		{
			"dependent without upstream",
			func(s string) string { return strings.Replace(s, "    upstream: ci\n", "", 1) },
			"needs an upstream",
		},
		{
			"bad duration",
			func(s string) string { return strings.Replace(s, "tree_stable_timer: 2m", "tree_stable_timer: soon", 1) },
			"invalid duration",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadProject(writeProject(t, tc.mutate(validProject)))
			if err == nil {
				t.Fatalf("broken config accepted")
			}
			if tc.wantErr != "" && !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidateDuplicateBuilder(t *testing.T) {
	dup := strings.Replace(validProject, "schedulers:", `  - name: full
    agents: [agent-1]
    steps:
      - {type: shell, name: x, command: ["true"]}
schedulers:`, 1)
	_, err := LoadProject(writeProject(t, dup))
	if err == nil || !strings.Contains(err.Error(), "duplicate builder") {
		t.Fatalf("err = %v, want duplicate builder", err)
	}
}

func TestLoadProjectMissingFile(t *testing.T) {
	if _, err := LoadProject(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}
