// Package vcs implements the source-fetch state machine: deciding between an
// incremental update and a full fetch, clobbering broken trees, retrying
// failed fetches, applying patches, and reporting the revision actually
// checked out. One shared Driver implements the algorithm against a small
// Fetcher interface with one implementation per version-control tool.
package vcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loomci/loom/pkg/protocol"
)

// ErrAbandonBuild signals that the working tree could not be brought into the
// requested state and the remaining steps of the build must be skipped. It is
// caught at the step boundary and converted into a result code; it never
// propagates past the step.
var ErrAbandonBuild = errors.New("abandon remaining build steps")

// ErrInterrupted aborts retry loops immediately on explicit interruption.
var ErrInterrupted = errors.New("source fetch interrupted")

const (
	patchedMarker  = ".loom-patched"
	sourcedataName = ".sourcedata.json"
)

// Cmd is one subprocess a fetcher wants executed. Dir is relative to the
// agent basedir. Secret arguments carry their placeholder form for logging.
type Cmd struct {
	Args  []protocol.Argument
	Dir   string
	Stdin string
}

// RunFunc executes one subprocess, relaying its output as status updates and
// returning the exit code plus captured stdout for parsing.
type RunFunc func(ctx context.Context, c Cmd, timeoutSecs int) (rc int, stdout string, err error)

// Fetcher supplies the per-VCS pieces of the fetch algorithm.
type Fetcher interface {
	// Kind names the tool ("git", "svn", "cvs").
	Kind() string
	// Signature identifies what a checkout in the working directory would
	// contain: tool kind plus repository URL and branch. A signature mismatch
	// forces a clobber.
	Signature() string
	// IsCheckout reports whether dir looks like a valid working copy.
	IsCheckout(dir string) bool
	// UpdateCmds returns the commands for an incremental update of dir,
	// including any branch clean+reset sequence. The end state must be
	// equivalent to a fresh fetch of the same branch.
	UpdateCmds(dir string) []Cmd
	// FetchCmds returns the commands for a full fetch into dest (relative to
	// the basedir).
	FetchCmds(dest string) []Cmd
	// GotRevisionCmd returns the command whose output names the concrete
	// revision checked out in dir.
	GotRevisionCmd(dir string) Cmd
	// ParseGotRevision extracts the revision from GotRevisionCmd output.
	ParseGotRevision(output string) (string, error)
}

// NewFetcher builds the fetcher for one VCS kind.
func NewFetcher(kind string, args protocol.SourceArgs) (Fetcher, error) {
	switch kind {
	case protocol.CommandGit:
		return newGitFetcher(args), nil
	case protocol.CommandSVN:
		return newSVNFetcher(args), nil
	case protocol.CommandCVS:
		return newCVSFetcher(args), nil
	default:
		return nil, fmt.Errorf("unsupported vcs kind %q", kind)
	}
}

// sourcedata is the sidecar recorded after every successful fetch. It is the
// "source identity" consulted to decide whether a tree is updateable.
type sourcedata struct {
	Signature string `json:"signature"`
	FetchedAt string `json:"fetched_at"`
}

// Driver runs the fetch algorithm for one source command.
type Driver struct {
	Fetcher Fetcher
	Args    protocol.SourceArgs
	Basedir string
	Run     RunFunc
	Send    func(protocol.Update)

	worstRC int
}

// srcdir is the directory the checkout lands in. Copy mode checks out into a
// sibling so the build directory can be refreshed from a pristine tree.
func (d *Driver) srcdir() string {
	if d.Args.Mode == "copy" {
		return d.Args.Workdir + "-source"
	}
	return d.Args.Workdir
}

func (d *Driver) abs(rel string) string {
	return filepath.Join(d.Basedir, rel)
}

func (d *Driver) sourcedataPath() string {
	return d.abs(d.srcdir() + sourcedataName)
}

func (d *Driver) header(format string, args ...any) {
	d.Send(protocol.Update{Header: fmt.Sprintf(format+"\n", args...)})
}

// Perform drives the whole fetch. On success it reports the got revision and
// persists the sidecar; on unrecoverable failure it returns ErrAbandonBuild.
func (d *Driver) Perform(ctx context.Context) error {
	if d.updateable() {
		if err := d.doUpdate(ctx); err == nil {
			return d.finish(ctx)
		} else if errors.Is(err, ErrInterrupted) || ctx.Err() != nil {
			return err
		}
		d.header("update failed, falling back to a full fetch")
	}

	if err := d.doFullWithRetries(ctx); err != nil {
		return err
	}
	return d.finish(ctx)
}

// WorstRC reports the worst exit status observed across sub-commands, for the
// step result rollup.
func (d *Driver) WorstRC() int {
	return d.worstRC
}

// updateable applies the incremental-update gate: update mode, no revision
// pin (most tools cannot roll a tree backward reliably), a valid-looking
// checkout, no prior one-off patch, and a matching source identity sidecar.
func (d *Driver) updateable() bool {
	if d.Args.Mode != "update" {
		return false
	}
	if d.Args.Revision != nil {
		return false
	}
	dir := d.abs(d.srcdir())
	if !d.Fetcher.IsCheckout(dir) {
		return false
	}
	if _, err := os.Stat(filepath.Join(dir, patchedMarker)); err == nil {
		return false
	}
	data, err := os.ReadFile(d.sourcedataPath())
	if err != nil {
		return false
	}
	var sd sourcedata
	if err := json.Unmarshal(data, &sd); err != nil {
		return false
	}
	return sd.Signature == d.Fetcher.Signature()
}

func (d *Driver) doUpdate(ctx context.Context) error {
	d.header("updating existing %s checkout in %s", d.Fetcher.Kind(), d.srcdir())
	return d.runAll(ctx, d.Fetcher.UpdateCmds(d.srcdir()))
}

func (d *Driver) doFullWithRetries(ctx context.Context) error {
	attempts := 1
	delay := time.Duration(0)
	if d.Args.Retry != nil {
		attempts += d.Args.Retry.Count
		delay = time.Duration(d.Args.Retry.Delay) * time.Second
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = d.doFull(ctx); err == nil {
			return nil
		}
		if errors.Is(err, ErrInterrupted) || ctx.Err() != nil {
			return err
		}
		if attempt < attempts {
			d.header("full fetch failed, retrying in %d seconds (%d attempts left)",
				int(delay/time.Second), attempts-attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ErrInterrupted
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrAbandonBuild, err)
}

func (d *Driver) doFull(ctx context.Context) error {
	if err := d.clobber(); err != nil {
		return err
	}
	d.header("fetching fresh %s checkout into %s", d.Fetcher.Kind(), d.srcdir())
	return d.runAll(ctx, d.Fetcher.FetchCmds(d.srcdir()))
}

// clobber removes the source directory and its sidecar, escalating through a
// chmod pass when permission bits block the removal.
func (d *Driver) clobber() error {
	_ = os.Remove(d.sourcedataPath())
	dir := d.abs(d.srcdir())
	if err := os.RemoveAll(dir); err == nil {
		return nil
	}
	_ = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err == nil {
			_ = os.Chmod(path, 0o700)
		}
		return nil
	})
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: clobber %s: %v", ErrAbandonBuild, d.srcdir(), err)
	}
	return nil
}

func (d *Driver) runAll(ctx context.Context, cmds []Cmd) error {
	for _, cmd := range cmds {
		rc, _, err := d.Run(ctx, cmd, d.Args.Timeout)
		if err != nil {
			return err
		}
		if rc != 0 {
			if rc > d.worstRC {
				d.worstRC = rc
			}
			return fmt.Errorf("command exited with %d", rc)
		}
	}
	return nil
}

// finish performs the post-fetch sequence: copy mode refresh, patch
// application, got-revision query, and finally the sidecar write.
func (d *Driver) finish(ctx context.Context) error {
	if d.Args.Mode == "copy" {
		d.header("copying %s to %s", d.srcdir(), d.Args.Workdir)
		if err := os.RemoveAll(d.abs(d.Args.Workdir)); err != nil {
			return fmt.Errorf("%w: refresh build dir: %v", ErrAbandonBuild, err)
		}
		if err := copyTree(d.abs(d.srcdir()), d.abs(d.Args.Workdir)); err != nil {
			return fmt.Errorf("%w: copy checkout: %v", ErrAbandonBuild, err)
		}
	}

	if d.Args.Patch != nil {
		if err := d.applyPatch(ctx); err != nil {
			return err
		}
	}

	if err := d.reportGotRevision(ctx); err != nil {
		return err
	}

	sd := sourcedata{
		Signature: d.Fetcher.Signature(),
		FetchedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, _ := json.Marshal(sd)
	if err := os.WriteFile(d.sourcedataPath(), data, 0o644); err != nil {
		return fmt.Errorf("%w: write sourcedata: %v", ErrAbandonBuild, err)
	}
	return nil
}

func (d *Driver) applyPatch(ctx context.Context) error {
	// The patch lands in the directory the build runs in. The marker is
	// written first so a future run never tries an incremental update over a
	// patched tree, even if patching dies halfway.
	target := d.Args.Workdir
	if d.Args.Mode != "copy" {
		target = d.srcdir()
	}
	marker := filepath.Join(d.abs(d.srcdir()), patchedMarker)
	if err := os.WriteFile(marker, []byte("patched\n"), 0o644); err != nil {
		return fmt.Errorf("%w: write patched marker: %v", ErrAbandonBuild, err)
	}

	d.header("applying patch (-p%d)", d.Args.Patch.Level)
	cmd := Cmd{
		Args: []protocol.Argument{
			protocol.Arg("patch"),
			protocol.Arg("-p" + strconv.Itoa(d.Args.Patch.Level)),
			protocol.Arg("--remove-empty-files"),
			protocol.Arg("--force"),
		},
		Dir:   target,
		Stdin: d.Args.Patch.Diff,
	}
	rc, _, err := d.Run(ctx, cmd, d.Args.Timeout)
	if err != nil {
		return err
	}
	if rc != 0 {
		if rc > d.worstRC {
			d.worstRC = rc
		}
		return fmt.Errorf("%w: patch exited with %d", ErrAbandonBuild, rc)
	}
	return nil
}

func (d *Driver) reportGotRevision(ctx context.Context) error {
	cmd := d.Fetcher.GotRevisionCmd(d.srcdir())
	rc, out, err := d.Run(ctx, cmd, d.Args.Timeout)
	if err != nil || rc != 0 {
		// Not fatal: the checkout is good even if the revision query is not.
		d.Send(protocol.Update{GotRevision: nil})
		return nil
	}
	rev, err := d.Fetcher.ParseGotRevision(out)
	if err != nil {
		d.Send(protocol.Update{GotRevision: nil})
		return nil
	}
	d.Send(protocol.Update{GotRevision: &rev})
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
