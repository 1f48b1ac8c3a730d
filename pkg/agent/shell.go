package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loomci/loom/pkg/protocol"
)

// killGracePeriod is how long a killed process gets to actually exit before a
// synthetic failure result is reported anyway, so the coordinator is never
// left waiting on a process that ignores the signal.
const killGracePeriod = 5 * time.Second

// ShellCommand runs one subprocess on the agent, relaying its output streams
// as status updates and enforcing the inactivity and wall-clock timeouts.
type ShellCommand struct {
	deps Deps
	args protocol.ShellArgs

	mu          sync.Mutex
	process     *os.Process
	interrupted atomic.Bool
	killed      atomic.Bool
	activity    chan struct{}
	rcSent      atomic.Bool
}

func NewShellCommand(deps Deps, args protocol.ShellArgs) *ShellCommand {
	return &ShellCommand{deps: deps, args: args, activity: make(chan struct{}, 1)}
}

// Interrupt kills the running process group. A final header noting the
// interruption is emitted by Run before its terminal rc update.
func (c *ShellCommand) Interrupt() {
	c.interrupted.Store(true)
	c.kill()
}

func (c *ShellCommand) Run(ctx context.Context, send func(protocol.Update)) error {
	workdir := filepath.Join(c.deps.Basedir, c.args.Workdir)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}

	argv := c.argv()
	c.sendHeaders(send, workdir, argv)

	if c.args.NotReally {
		send(protocol.Update{Header: "(not really)\n"})
		c.sendRC(send, 0)
		return nil
	}

	env, err := buildEnv(c.args.Env)
	if err != nil {
		return err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workdir
	cmd.Env = env
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	var stdin io.WriteCloser
	if c.args.InitialStdin != "" || c.args.KeepStdinOpen {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		send(protocol.Update{Header: fmt.Sprintf("unable to start: %v\n", err)})
		c.sendRC(send, -1)
		return nil
	}
	c.mu.Lock()
	c.process = cmd.Process
	c.mu.Unlock()

	if stdin != nil {
		go func() {
			if c.args.InitialStdin != "" {
				_, _ = io.WriteString(stdin, c.args.InitialStdin)
			}
			if !c.args.KeepStdinOpen {
				_ = stdin.Close()
			}
		}()
	}

	stopTails := c.startLogfileTails(send, workdir)

	var readers sync.WaitGroup
	readers.Add(2)
	go c.relay(&readers, stdout, "stdout", c.args.WantStdout, send)
	go c.relay(&readers, stderr, "stderr", c.args.WantStderr, send)

	done := make(chan error, 1)
	go func() {
		readers.Wait()
		done <- cmd.Wait()
	}()

	waitErr, timedOut := c.supervise(ctx, send, done)
	stopTails()
	if stdin != nil && c.args.KeepStdinOpen {
		_ = stdin.Close()
	}

	rc := exitCode(cmd, waitErr)
	switch {
	case c.interrupted.Load():
		send(protocol.Update{Header: "command interrupted\n"})
		rc = -1
	case timedOut:
		rc = -1
	}
	if state := cmd.ProcessState; state != nil && !timedOut && !c.interrupted.Load() {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			send(protocol.Update{Header: fmt.Sprintf("process killed by signal %s\n", ws.Signal())})
			rc = -1
		}
	}
	c.sendRC(send, rc)
	return nil
}

// supervise watches the inactivity timer, the wall-clock limit, context
// cancellation, and process exit. On timeout the process group is killed; if
// it still refuses to exit within the grace period, the command is reported
// dead anyway.
func (c *ShellCommand) supervise(ctx context.Context, send func(protocol.Update), done <-chan error) (waitErr error, timedOut bool) {
	var maxTimer <-chan time.Time
	if c.args.MaxTime > 0 {
		t := time.NewTimer(time.Duration(c.args.MaxTime) * time.Second)
		defer t.Stop()
		maxTimer = t.C
	}

	inactivity := func() *time.Timer {
		if c.args.Timeout > 0 {
			return time.NewTimer(time.Duration(c.args.Timeout) * time.Second)
		}
		return nil
	}()
	var inactivityC <-chan time.Time
	if inactivity != nil {
		defer inactivity.Stop()
		inactivityC = inactivity.C
	}

	killAndDrain := func(reason string) bool {
		send(protocol.Update{Header: reason})
		c.kill()
		select {
		case waitErr = <-done:
			return true
		case <-time.After(killGracePeriod):
			send(protocol.Update{Header: "process did not die after kill signal\n"})
			return true
		}
	}

	for {
		select {
		case waitErr = <-done:
			return waitErr, false
		case <-c.activity:
			if inactivity != nil {
				if !inactivity.Stop() {
					<-inactivity.C
				}
				inactivity.Reset(time.Duration(c.args.Timeout) * time.Second)
			}
		case <-inactivityC:
			killAndDrain(fmt.Sprintf("command timed out: %d seconds without output, killing pid\n", c.args.Timeout))
			return waitErr, true
		case <-maxTimer:
			killAndDrain(fmt.Sprintf("command timed out: %d seconds elapsed, killing pid\n", c.args.MaxTime))
			return waitErr, true
		case <-ctx.Done():
			c.interrupted.Store(true)
			killAndDrain("context canceled, killing pid\n")
			return waitErr, false
		}
	}
}

// relay copies one output stream into updates. Suppressed streams are still
// drained so the child never blocks on a full pipe, and any output still
// counts as activity for the inactivity timer.
func (c *ShellCommand) relay(wg *sync.WaitGroup, r io.Reader, stream string, wanted bool, send func(protocol.Update)) {
	defer wg.Done()
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case c.activity <- struct{}{}:
			default:
			}
			if wanted && !c.killed.Load() {
				text := string(buf[:n])
				if stream == "stdout" {
					send(protocol.Update{Stdout: text})
				} else {
					send(protocol.Update{Stderr: text})
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *ShellCommand) kill() {
	if c.killed.Swap(true) {
		return
	}
	c.mu.Lock()
	process := c.process
	c.mu.Unlock()
	if process == nil {
		return
	}
	killProcessGroup(process)
}

// sendRC emits the terminal exit-status update exactly once. A second attempt
// is a logged anomaly, not a crash.
func (c *ShellCommand) sendRC(send func(protocol.Update), rc int) {
	if c.rcSent.Swap(true) {
		c.deps.Logger.Warn("duplicate rc update suppressed", "rc", rc)
		return
	}
	send(protocol.Update{RC: &rc})
}

func (c *ShellCommand) argv() []string {
	if c.args.CommandLine != "" {
		if runtime.GOOS == "windows" {
			return []string{"cmd", "/c", c.args.CommandLine}
		}
		return []string{"/bin/sh", "-c", c.args.CommandLine}
	}
	return protocol.RealArgs(c.args.Args)
}

func (c *ShellCommand) rendered() string {
	if c.args.CommandLine != "" {
		return c.args.CommandLine
	}
	return strings.Join(protocol.RenderedArgs(c.args.Args), " ")
}

// sendHeaders narrates the invocation before any output: command line,
// working directory, timeouts, and environment. Secret arguments appear only
// in placeholder form.
func (c *ShellCommand) sendHeaders(send func(protocol.Update), workdir string, argv []string) {
	send(protocol.Update{Header: c.rendered() + "\n"})
	send(protocol.Update{Header: fmt.Sprintf(" in dir %s\n", workdir)})
	if c.args.Timeout > 0 {
		send(protocol.Update{Header: fmt.Sprintf(" timeout %d secs of silence\n", c.args.Timeout)})
	}
	if c.args.MaxTime > 0 {
		send(protocol.Update{Header: fmt.Sprintf(" maxTime %d secs\n", c.args.MaxTime)})
	}
	if c.args.UsePTY {
		send(protocol.Update{Header: " pty requested but not supported on this agent, using pipes\n"})
	}
	if len(c.args.Logfiles) > 0 {
		names := make([]string, 0, len(c.args.Logfiles))
		for name := range c.args.Logfiles {
			names = append(names, name)
		}
		sort.Strings(names)
		send(protocol.Update{Header: fmt.Sprintf(" watching logfiles %s\n", strings.Join(names, " "))})
	}
	if len(c.args.Env) > 0 {
		keys := make([]string, 0, len(c.args.Env))
		for k := range c.args.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			if v := c.args.Env[k]; v != nil {
				parts = append(parts, k+"="+*v)
			} else {
				parts = append(parts, k+" (deleted)")
			}
		}
		send(protocol.Update{Header: fmt.Sprintf(" environment overlay: %s\n", strings.Join(parts, " "))})
	}
}

// startLogfileTails follows auxiliary files the command writes, relaying new
// content as named log streams. The returned stop function performs a final
// read so nothing written before exit is lost.
func (c *ShellCommand) startLogfileTails(send func(protocol.Update), workdir string) (stop func()) {
	if len(c.args.Logfiles) == 0 {
		return func() {}
	}
	quit := make(chan struct{})
	var wg sync.WaitGroup
	for name, path := range c.args.Logfiles {
		wg.Add(1)
		go func(name, path string) {
			defer wg.Done()
			tailFile(filepath.Join(workdir, path), quit, func(text string) {
				send(protocol.Update{Log: []string{name, text}})
			})
		}(name, path)
	}
	return func() {
		close(quit)
		wg.Wait()
	}
}

func tailFile(path string, quit <-chan struct{}, emit func(string)) {
	var offset int64
	poll := func() {
		f, err := os.Open(path)
		if err != nil {
			return
		}
		defer f.Close()
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return
		}
		data, err := io.ReadAll(f)
		if len(data) > 0 {
			offset += int64(len(data))
			emit(string(data))
		}
		_ = err
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			poll()
		case <-quit:
			poll()
			return
		}
	}
}

// buildEnv applies the overlay semantics to the inherited environment: a nil
// value deletes the variable, ${VAR} references expand against the inherited
// environment, and PATH-like variables are prepended rather than replaced.
func buildEnv(overlay map[string]*string) ([]string, error) {
	if len(overlay) == 0 {
		return os.Environ(), nil
	}
	inherited := map[string]string{}
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			inherited[kv[:idx]] = kv[idx+1:]
		}
	}
	merged := make(map[string]string, len(inherited)+len(overlay))
	for k, v := range inherited {
		merged[k] = v
	}
	for k, v := range overlay {
		if v == nil {
			delete(merged, k)
			continue
		}
		value := os.Expand(*v, func(name string) string { return inherited[name] })
		if strings.HasSuffix(k, "PATH") {
			if existing, ok := inherited[k]; ok && existing != "" {
				value = value + string(os.PathListSeparator) + existing
			}
		}
		merged[k] = value
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env, nil
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if state := cmd.ProcessState; state != nil {
		return state.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}
