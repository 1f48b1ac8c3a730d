package vcs

import (
	"os"
	"path/filepath"
	"time"

	"github.com/loomci/loom/pkg/protocol"
)

// cvsFetcher issues cvs subprocess commands. The Branch field maps to a cvs
// sticky tag and Repository to CVSROOT; the module name checked out is the
// final component of the destination directory.
type cvsFetcher struct {
	args protocol.SourceArgs
}

func newCVSFetcher(args protocol.SourceArgs) *cvsFetcher {
	return &cvsFetcher{args: args}
}

func (c *cvsFetcher) Kind() string { return protocol.CommandCVS }

func (c *cvsFetcher) Signature() string {
	return "cvs " + c.args.Repository + " " + c.args.Branch
}

func (c *cvsFetcher) IsCheckout(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, "CVS"))
	return err == nil && info.IsDir()
}

func (c *cvsFetcher) branchArgs() []protocol.Argument {
	if c.args.Branch != "" {
		return []protocol.Argument{protocol.Arg("-r"), protocol.Arg(c.args.Branch)}
	}
	return nil
}

// dateArgs pins the checkout to a revision expressed as a cvs timestamp; cvs
// has no global revision ids.
func (c *cvsFetcher) dateArgs() []protocol.Argument {
	if c.args.Revision != nil {
		return []protocol.Argument{protocol.Arg("-D"), protocol.Arg(*c.args.Revision)}
	}
	return nil
}

func (c *cvsFetcher) UpdateCmds(dir string) []Cmd {
	args := []protocol.Argument{
		protocol.Arg("cvs"), protocol.Arg("-z3"),
		protocol.Arg("-d"), protocol.Arg(c.args.Repository),
		protocol.Arg("update"), protocol.Arg("-d"), protocol.Arg("-P"),
	}
	args = append(args, c.branchArgs()...)
	return []Cmd{{Args: args, Dir: dir}}
}

func (c *cvsFetcher) FetchCmds(dest string) []Cmd {
	args := []protocol.Argument{
		protocol.Arg("cvs"), protocol.Arg("-z3"),
		protocol.Arg("-d"), protocol.Arg(c.args.Repository),
		protocol.Arg("checkout"), protocol.Arg("-d"), protocol.Arg(dest),
	}
	args = append(args, c.branchArgs()...)
	args = append(args, c.dateArgs()...)
	args = append(args, protocol.Arg(filepath.Base(dest)))
	return []Cmd{{Args: args}}
}

func (c *cvsFetcher) GotRevisionCmd(dir string) Cmd {
	// cvs has no single checked-out revision; report the checkout time.
	return Cmd{
		Args: []protocol.Argument{protocol.Arg("true")},
		Dir:  dir,
	}
}

func (c *cvsFetcher) ParseGotRevision(string) (string, error) {
	return time.Now().UTC().Format(time.RFC3339), nil
}
