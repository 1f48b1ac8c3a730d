package provision

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Logger is the logging surface the provisioner needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Provisioner installs the agent daemon on remote hosts: it pushes the agent
// binary over SFTP, writes its configuration and a systemd unit, and starts
// the service.
type Provisioner struct {
	store       Repository
	agentBinary []byte
	logger      Logger
}

func NewProvisioner(store Repository, agentBinary []byte, logger Logger) *Provisioner {
	return &Provisioner{store: store, agentBinary: agentBinary, logger: logger}
}

// Provision runs installation in the background; progress lands in the
// host's event trail.
func (p *Provisioner) Provision(ctx context.Context, hostID string) {
	go p.provision(hostID)
}

func (p *Provisioner) provision(hostID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	host, ok := p.store.GetHost(hostID)
	if !ok {
		p.logger.Error("provision: host not found", "hostID", hostID)
		return
	}

	if _, err := p.store.UpdateStatus(hostID, HostStatusProvisioning, "Connecting to host"); err != nil {
		p.logger.Error("provision: update status", "error", err)
		return
	}

	addr := fmt.Sprintf("%s:%d", host.Address, host.SSHPort)
	authMethods, err := p.buildAuthMethods(host)
	if err != nil {
		p.fail(hostID, err)
		return
	}

	config := &ssh.ClientConfig{
		User:            host.SSHUsername,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		p.fail(hostID, fmt.Errorf("ssh dial failed: %w", err))
		return
	}
	defer client.Close()

	if err := p.installAgent(ctx, client, host); err != nil {
		p.fail(hostID, err)
		return
	}

	if _, err := p.store.UpdateStatus(hostID, HostStatusReady, "Agent online"); err != nil {
		p.logger.Error("provision: update ready", "error", err)
	}
}

func (p *Provisioner) buildAuthMethods(host *Host) ([]ssh.AuthMethod, error) {
	authMethods := make([]ssh.AuthMethod, 0, 2)
	if key := strings.TrimSpace(host.SSHPrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(host.SSHPassword); password != "" {
		authMethods = append(authMethods, ssh.Password(password))
	}
	if len(authMethods) > 0 {
		return authMethods, nil
	}

	signer, err := defaultPrivateKeySigner()
	if err != nil {
		return nil, fmt.Errorf("no authentication method provided: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func (p *Provisioner) installAgent(ctx context.Context, client *ssh.Client, host *Host) error {
	whoami, err := runCommand(ctx, client, "whoami")
	if err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	sudo := ""
	if strings.TrimSpace(whoami) != "root" {
		sudo = "sudo "
	}

	p.store.AppendEvent(host.ID, HostStatusProvisioning, "Uploading agent binary")
	if err := p.pushFile(client, "/tmp/loom/loom-agent", p.agentBinary, 0o755); err != nil {
		return fmt.Errorf("upload agent binary: %w", err)
	}

	p.store.AppendEvent(host.ID, HostStatusProvisioning, "Writing agent configuration")
	if err := p.pushFileWithSudo(client, "/etc/loom/agent.env", []byte(agentEnv(host)), 0o600, sudo); err != nil {
		return err
	}
	if err := p.pushFileWithSudo(client, "/etc/systemd/system/loom-agent.service", []byte(agentUnit(host)), 0o644, sudo); err != nil {
		return err
	}

	steps := []struct {
		message string
		command string
	}{
		{"Installing agent binary", sudo + "install -m 0755 /tmp/loom/loom-agent /usr/local/bin/loom-agent"},
		{"Creating working directory", sudo + "mkdir -p " + host.Basedir},
		{"Reloading agent service", sudo + "systemctl daemon-reload"},
		{"Restarting agent", sudo + "systemctl restart loom-agent"},
	}
	for _, step := range steps {
		p.store.AppendEvent(host.ID, HostStatusProvisioning, step.message)
		if _, err := runCommand(ctx, client, step.command); err != nil {
			return fmt.Errorf("%s: %w", step.message, err)
		}
	}

	time.Sleep(3 * time.Second)
	status, err := runCommand(ctx, client, sudo+"systemctl is-active loom-agent")
	if err != nil {
		return fmt.Errorf("agent status check failed: %w", err)
	}
	if !strings.Contains(status, "active") {
		logs, _ := runCommand(ctx, client, sudo+"journalctl -u loom-agent --no-pager -n 50")
		return fmt.Errorf("agent inactive: %s", logs)
	}
	return nil
}

// agentEnv renders the environment file the systemd unit loads.
func agentEnv(host *Host) string {
	lines := []string{
		"# Managed by the loom coordinator",
		"# Updated: " + time.Now().UTC().Format(time.RFC3339),
		"LOOM_AGENT_NAME=" + host.AgentName,
		fmt.Sprintf("LOOM_AGENT_LISTEN_ADDR=:%d", host.AgentPort),
		"LOOM_AGENT_BASEDIR=" + host.Basedir,
	}
	return strings.Join(lines, "\n") + "\n"
}

// agentUnit renders the systemd service definition.
func agentUnit(host *Host) string {
	return fmt.Sprintf(`[Unit]
Description=Loom build agent
After=network-online.target

[Service]
EnvironmentFile=/etc/loom/agent.env
ExecStart=/usr/local/bin/loom-agent
WorkingDirectory=%s
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
`, host.Basedir)
}

func (p *Provisioner) pushFileWithSudo(client *ssh.Client, remotePath string, data []byte, perm os.FileMode, sudo string) error {
	if sudo == "" {
		return p.pushFile(client, remotePath, data, perm)
	}

	tmpPath := "/tmp/loom_" + filepath.Base(remotePath)
	if err := p.pushFile(client, tmpPath, data, perm); err != nil {
		return err
	}

	commands := []string{
		fmt.Sprintf("%smkdir -p %s", sudo, dirName(remotePath)),
		fmt.Sprintf("%smv %s %s", sudo, tmpPath, remotePath),
		fmt.Sprintf("%schmod %o %s", sudo, perm, remotePath),
	}
	for _, cmd := range commands {
		if _, err := runCommand(context.Background(), client, cmd); err != nil {
			return fmt.Errorf("failed to execute %q: %w", cmd, err)
		}
	}
	return nil
}

func (p *Provisioner) pushFile(client *ssh.Client, remotePath string, data []byte, perm os.FileMode) error {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(dirName(remotePath)); err != nil {
		return err
	}
	file, err := sftpClient.Create(remotePath)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return err
	}
	return file.Chmod(perm)
}

func (p *Provisioner) fail(hostID string, err error) {
	p.logger.Error("provision failed", "hostID", hostID, "error", err)
	if _, updateErr := p.store.UpdateStatus(hostID, HostStatusError, err.Error()); updateErr != nil {
		p.logger.Error("record failure", "error", updateErr)
	}
}

func runCommand(ctx context.Context, client *ssh.Client, command string) (string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func dirName(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx == -1 {
		return "."
	}
	return path[:idx]
}

func defaultPrivateKeySigner() (ssh.Signer, error) {
	if path := strings.TrimSpace(os.Getenv("LOOM_DEFAULT_SSH_KEY")); path != "" {
		data, err := os.ReadFile(expandHome(path))
		if err != nil {
			return nil, err
		}
		return ssh.ParsePrivateKey(data)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, parseErr := ssh.ParsePrivateKey(data)
		if parseErr != nil {
			continue
		}
		return signer, nil
	}
	return nil, fmt.Errorf("no default private key found")
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
