package vcs

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/loomci/loom/pkg/protocol"
)

// svnFetcher issues subversion subprocess commands. Credentials are passed
// with --password wrapped as a secret argument so every logged representation
// shows the placeholder.
type svnFetcher struct {
	args protocol.SourceArgs
}

func newSVNFetcher(args protocol.SourceArgs) *svnFetcher {
	return &svnFetcher{args: args}
}

func (s *svnFetcher) Kind() string { return protocol.CommandSVN }

// url joins the repository base with the branch path, svn-style.
func (s *svnFetcher) url() string {
	if s.args.Branch == "" {
		return s.args.Repository
	}
	return s.args.Repository + "/" + s.args.Branch
}

func (s *svnFetcher) Signature() string {
	return "svn " + s.url()
}

func (s *svnFetcher) IsCheckout(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".svn"))
	return err == nil && info.IsDir()
}

func (s *svnFetcher) auth() []protocol.Argument {
	var out []protocol.Argument
	if s.args.Username != "" {
		out = append(out, protocol.Arg("--username"), protocol.Arg(s.args.Username))
	}
	if s.args.Password != nil {
		out = append(out, protocol.Arg("--password"), *s.args.Password)
	}
	return append(out, protocol.Arg("--non-interactive"), protocol.Arg("--no-auth-cache"))
}

func (s *svnFetcher) revisionArgs() []protocol.Argument {
	if s.args.Revision != nil {
		return []protocol.Argument{protocol.Arg("--revision"), protocol.Arg(*s.args.Revision)}
	}
	return nil
}

func (s *svnFetcher) UpdateCmds(dir string) []Cmd {
	args := []protocol.Argument{protocol.Arg("svn"), protocol.Arg("update")}
	args = append(args, s.revisionArgs()...)
	args = append(args, s.auth()...)
	return []Cmd{{Args: args, Dir: dir}}
}

func (s *svnFetcher) FetchCmds(dest string) []Cmd {
	args := []protocol.Argument{protocol.Arg("svn"), protocol.Arg("checkout"), protocol.Arg(s.url())}
	args = append(args, s.revisionArgs()...)
	args = append(args, s.auth()...)
	args = append(args, protocol.Arg(dest))
	return []Cmd{{Args: args}}
}

func (s *svnFetcher) GotRevisionCmd(dir string) Cmd {
	return Cmd{
		Args: []protocol.Argument{protocol.Arg("svnversion"), protocol.Arg(".")},
		Dir:  dir,
	}
}

var svnRevisionPattern = regexp.MustCompile(`\d+`)

func (s *svnFetcher) ParseGotRevision(output string) (string, error) {
	// svnversion may emit forms like "1234", "1234M" or "1233:1234".
	matches := svnRevisionPattern.FindAllString(output, -1)
	if len(matches) == 0 {
		return "", fmt.Errorf("no revision in svnversion output %q", output)
	}
	return matches[len(matches)-1], nil
}
