// Package protocol defines the wire vocabulary between the coordinator and
// its execution agents: command invocations, streamed status updates, and the
// terminal completion signal.
package protocol

import "encoding/json"

// Command names understood by an agent.
const (
	CommandShell           = "shell"
	CommandUploadFile      = "uploadFile"
	CommandUploadDirectory = "uploadDirectory"
	CommandDownloadFile    = "downloadFile"
	CommandGit             = "git"
	CommandSVN             = "svn"
	CommandCVS             = "cvs"
)

// Invocation is the envelope the coordinator posts to an agent to start a
// command. Args is the command-specific argument struct, serialized.
type Invocation struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Update is one status update streamed from a running command. Exactly one
// field is populated per update; two named streams are never interleaved in
// one message.
type Update struct {
	Header      string   `json:"header,omitempty"`
	Stdout      string   `json:"stdout,omitempty"`
	Stderr      string   `json:"stderr,omitempty"`
	Log         []string `json:"log,omitempty"` // [logname, text]
	RC          *int     `json:"rc,omitempty"`
	GotRevision *string  `json:"got_revision,omitempty"`
}

// Stream identifies which named stream an update belongs to, for coalescing.
// The rc and got_revision updates are not stream data and never coalesce.
func (u Update) Stream() string {
	switch {
	case u.Header != "":
		return "header"
	case u.Stdout != "":
		return "stdout"
	case u.Stderr != "":
		return "stderr"
	case len(u.Log) == 2:
		return "log:" + u.Log[0]
	default:
		return ""
	}
}

// Completion is the single terminal signal for a command, distinct from any
// status update. Error is empty on orderly completion; the command's exit
// status travels in an rc update.
type Completion struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// StreamEvent is one SSE data payload on a command stream: either a status
// update or the terminal completion, never both.
type StreamEvent struct {
	Update   *Update     `json:"update,omitempty"`
	Complete *Completion `json:"complete,omitempty"`
}

// Obfuscated is the placeholder substituted for secret values in every logged
// or relayed representation of a command line.
const Obfuscated = "////////"

// Argument is one element of a command line. Display is set only for secrets
// and is the form used in headers and logs; Value is what the process sees.
type Argument struct {
	Value   string `json:"value"`
	Display string `json:"display,omitempty"`
}

// Arg wraps a plain command-line word.
func Arg(value string) Argument {
	return Argument{Value: value}
}

// SecretArg wraps a sensitive value so that the fixed placeholder appears in
// every rendered representation while the real value is used for execution.
func SecretArg(value string) Argument {
	return Argument{Value: value, Display: Obfuscated}
}

// Rendered returns the form safe for logging.
func (a Argument) Rendered() string {
	if a.Display != "" {
		return a.Display
	}
	return a.Value
}

// RenderedArgs returns the loggable form of a full argument vector.
func RenderedArgs(args []Argument) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = a.Rendered()
	}
	return out
}

// RealArgs returns the executable form of a full argument vector.
func RealArgs(args []Argument) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}

// ShellArgs describes a shell invocation. Exactly one of Args or CommandLine
// is set; a CommandLine is wrapped in the platform shell.
type ShellArgs struct {
	Args        []Argument `json:"args,omitempty"`
	CommandLine string     `json:"command_line,omitempty"`
	Workdir     string     `json:"workdir"`
	// Env overlays the inherited environment. A nil value deletes the
	// variable; PATH-like values containing ${VAR} references are expanded
	// against the inherited environment before use.
	Env           map[string]*string `json:"env,omitempty"`
	WantStdout    bool               `json:"want_stdout"`
	WantStderr    bool               `json:"want_stderr"`
	InitialStdin  string             `json:"initial_stdin,omitempty"`
	KeepStdinOpen bool               `json:"keep_stdin_open,omitempty"`
	// Timeout is seconds of output silence before the process is killed;
	// MaxTime is the absolute wall-clock limit in seconds. Zero disables.
	Timeout   int               `json:"timeout,omitempty"`
	MaxTime   int               `json:"max_time,omitempty"`
	Logfiles  map[string]string `json:"logfiles,omitempty"`
	UsePTY    bool              `json:"use_pty,omitempty"`
	NotReally bool              `json:"not_really,omitempty"`
}

// NewShellArgs returns ShellArgs with both output streams wanted.
func NewShellArgs() ShellArgs {
	return ShellArgs{WantStdout: true, WantStderr: true}
}

// TransferArgs describes a bounded-block file transfer. For uploads the agent
// reads Path under Workdir and streams blocks to WriterURL; for downloads it
// fetches ReaderURL into Path. MaxSize of zero means unlimited.
type TransferArgs struct {
	Workdir   string `json:"workdir"`
	Path      string `json:"path"`
	WriterURL string `json:"writer_url,omitempty"`
	ReaderURL string `json:"reader_url,omitempty"`
	MaxSize   int64  `json:"maxsize,omitempty"`
	BlockSize int    `json:"blocksize,omitempty"`
	Compress  bool   `json:"compress,omitempty"`
	Mode      uint32 `json:"mode,omitempty"`
}

// Patch is a unified diff applied after checkout.
type Patch struct {
	Level int    `json:"level"`
	Diff  string `json:"diff"`
}

// RetryPolicy controls re-clobber-and-retry of failed full fetches.
type RetryPolicy struct {
	Delay int `json:"delay"` // seconds between attempts
	Count int `json:"count"` // additional attempts
}

// SourceArgs carries a source-fetch command. Repository and Branch semantics
// are VCS specific; the command name selects the VCS kind.
type SourceArgs struct {
	Workdir    string       `json:"workdir"`
	Mode       string       `json:"mode"` // update, copy, clobber, export
	Revision   *string      `json:"revision,omitempty"`
	Branch     string       `json:"branch,omitempty"`
	Repository string       `json:"repository"`
	Patch      *Patch       `json:"patch,omitempty"`
	Timeout    int          `json:"timeout,omitempty"`
	Retry      *RetryPolicy `json:"retry,omitempty"`
	Username   string       `json:"username,omitempty"`
	Password   *Argument    `json:"password,omitempty"`
}
