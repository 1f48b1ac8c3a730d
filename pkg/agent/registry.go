package agent

import (
	"encoding/json"
	"fmt"

	"github.com/loomci/loom/pkg/protocol"
	"github.com/loomci/loom/pkg/vcs"
)

// Registry maps command names to factories. It is built once at process start
// and injected into the server; nothing registers into it afterwards.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// Create instantiates the command named by an invocation.
func (r *Registry) Create(deps Deps, inv protocol.Invocation) (Command, error) {
	factory, ok := r.factories[inv.Name]
	if !ok {
		return nil, fmt.Errorf("unknown command %q", inv.Name)
	}
	return factory(deps, inv.Args)
}

// DefaultRegistry wires the full command set: shell execution, file
// transfers, and one source-fetch command per supported VCS.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(protocol.CommandShell, func(deps Deps, raw json.RawMessage) (Command, error) {
		args, err := decodeArgs[protocol.ShellArgs](raw)
		if err != nil {
			return nil, fmt.Errorf("decode shell args: %w", err)
		}
		return NewShellCommand(deps, args), nil
	})
	r.Register(protocol.CommandUploadFile, func(deps Deps, raw json.RawMessage) (Command, error) {
		args, err := decodeArgs[protocol.TransferArgs](raw)
		if err != nil {
			return nil, fmt.Errorf("decode upload args: %w", err)
		}
		return NewUploadFileCommand(deps, args), nil
	})
	r.Register(protocol.CommandUploadDirectory, func(deps Deps, raw json.RawMessage) (Command, error) {
		args, err := decodeArgs[protocol.TransferArgs](raw)
		if err != nil {
			return nil, fmt.Errorf("decode upload directory args: %w", err)
		}
		return NewUploadDirectoryCommand(deps, args), nil
	})
	r.Register(protocol.CommandDownloadFile, func(deps Deps, raw json.RawMessage) (Command, error) {
		args, err := decodeArgs[protocol.TransferArgs](raw)
		if err != nil {
			return nil, fmt.Errorf("decode download args: %w", err)
		}
		return NewDownloadFileCommand(deps, args), nil
	})
	for _, kind := range []string{protocol.CommandGit, protocol.CommandSVN, protocol.CommandCVS} {
		kind := kind
		r.Register(kind, func(deps Deps, raw json.RawMessage) (Command, error) {
			args, err := decodeArgs[protocol.SourceArgs](raw)
			if err != nil {
				return nil, fmt.Errorf("decode source args: %w", err)
			}
			return NewSourceCommand(deps, kind, args)
		})
	}
	return r
}

// NewSourceCommand builds the source-fetch command for one VCS kind. The
// shared driver in pkg/vcs implements the update/clobber/retry algorithm; the
// per-kind fetcher supplies the concrete subprocess invocations.
func NewSourceCommand(deps Deps, kind string, args protocol.SourceArgs) (Command, error) {
	fetcher, err := vcs.NewFetcher(kind, args)
	if err != nil {
		return nil, err
	}
	return newSourceCommand(deps, fetcher, args), nil
}
