package provision

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestAgentEnvAndUnit(t *testing.T) {
	host := &Host{
		Name:      "builder-7",
		AgentName: "agent-7",
		AgentPort: 8011,
		Basedir:   "/var/lib/loom-agent",
	}

	env := agentEnv(host)
	for _, want := range []string{
		"LOOM_AGENT_NAME=agent-7",
		"LOOM_AGENT_LISTEN_ADDR=:8011",
		"LOOM_AGENT_BASEDIR=/var/lib/loom-agent",
	} {
		if !strings.Contains(env, want) {
			t.Fatalf("env file missing %q:\n%s", want, env)
		}
	}

	unit := agentUnit(host)
	if !strings.Contains(unit, "ExecStart=/usr/local/bin/loom-agent") {
		t.Fatalf("unit missing ExecStart:\n%s", unit)
	}
	if !strings.Contains(unit, "WorkingDirectory=/var/lib/loom-agent") {
		t.Fatalf("unit missing working directory:\n%s", unit)
	}
	if !strings.Contains(unit, "EnvironmentFile=/etc/loom/agent.env") {
		t.Fatalf("unit missing environment file:\n%s", unit)
	}
}

func TestStoreLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	host, err := s.CreateHost(&Host{
		Name:        "builder-7",
		Address:     "10.0.0.7",
		SSHUsername: "ops",
		SSHPassword: "hunter2",
	})
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	if host.SSHPort != 22 || host.AgentPort != 8011 {
		t.Fatalf("defaults not applied: %+v", host)
	}
	if host.AgentName != "builder-7" {
		t.Fatalf("agent name default = %q", host.AgentName)
	}

	if _, err := s.UpdateStatus(host.ID, HostStatusProvisioning, "Connecting"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if _, err := s.UpdateStatus(host.ID, HostStatusReady, "Agent online"); err != nil {
		t.Fatalf("UpdateStatus ready: %v", err)
	}

	got, ok := s.GetHost(host.ID)
	if !ok || got.Status != HostStatusReady || got.LastProvisionedAt == nil {
		t.Fatalf("host after ready = %+v", got)
	}
	if events := s.GetEvents(host.ID); len(events) != 3 {
		t.Fatalf("event trail has %d entries, want 3", len(events))
	}

	// A fresh store over the same file must see the host, secrets included.
	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload store: %v", err)
	}
	again, ok := reloaded.GetHost(host.ID)
	if !ok || again.SSHPassword != "hunter2" {
		t.Fatalf("reloaded host = %+v", again)
	}
	if list := reloaded.ListHosts(); len(list) != 1 || list[0].Name != "builder-7" {
		t.Fatalf("list = %+v", list)
	}
}

func TestSanitizedHidesCredentials(t *testing.T) {
	host := &Host{Name: "n", SSHPassword: "secret", SSHPrivateKey: "key"}
	s := host.Sanitized()
	// SanitizedHost has no credential fields at all; this guards the JSON
	// surface if one is ever added to Host.
	if strings.Contains(strings.ToLower(strings.Join([]string{s.Name, s.Address, s.SSHUsername}, " ")), "secret") {
		t.Fatalf("sanitized host leaks credentials: %+v", s)
	}
}
