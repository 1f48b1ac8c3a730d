package vcs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/loomci/loom/pkg/protocol"
)

// gitFetcher issues git subprocess commands. Branch changes are handled with
// a fetch + clean + checkout sequence rather than a full re-clone; the end
// state is equivalent to a fresh clone of the branch.
type gitFetcher struct {
	args protocol.SourceArgs
}

func newGitFetcher(args protocol.SourceArgs) *gitFetcher {
	return &gitFetcher{args: args}
}

func (g *gitFetcher) Kind() string { return protocol.CommandGit }

func (g *gitFetcher) branch() string {
	if g.args.Branch != "" {
		return g.args.Branch
	}
	return "master"
}

func (g *gitFetcher) Signature() string {
	return "git " + g.args.Repository + " " + g.branch()
}

func (g *gitFetcher) IsCheckout(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

func (g *gitFetcher) UpdateCmds(dir string) []Cmd {
	return []Cmd{
		{Args: gitArgs("fetch", "--tags", g.args.Repository, g.branch()), Dir: dir},
		{Args: gitArgs("clean", "-f", "-d"), Dir: dir},
		{Args: gitArgs("reset", "--hard", "FETCH_HEAD"), Dir: dir},
	}
}

func (g *gitFetcher) FetchCmds(dest string) []Cmd {
	cmds := []Cmd{
		{Args: gitArgs("clone", "--branch", g.branch(), g.args.Repository, dest)},
	}
	if g.args.Revision != nil {
		cmds = append(cmds, Cmd{
			Args: gitArgs("checkout", "--force", *g.args.Revision),
			Dir:  dest,
		})
	}
	return cmds
}

func (g *gitFetcher) GotRevisionCmd(dir string) Cmd {
	return Cmd{Args: gitArgs("rev-parse", "HEAD"), Dir: dir}
}

func (g *gitFetcher) ParseGotRevision(output string) (string, error) {
	return strings.TrimSpace(output), nil
}

func gitArgs(words ...string) []protocol.Argument {
	args := make([]protocol.Argument, 0, len(words)+1)
	args = append(args, protocol.Arg("git"))
	for _, w := range words {
		args = append(args, protocol.Arg(w))
	}
	return args
}
