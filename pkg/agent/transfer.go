package agent

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loomci/loom/pkg/protocol"
)

const defaultBlockSize = 16 * 1024

// transferCommand is the shared base for the bounded-block transfer commands.
// Blocks are moved one at a time so memory use is independent of file size,
// and interruption is checked once per block.
type transferCommand struct {
	deps        Deps
	args        protocol.TransferArgs
	interrupted atomic.Bool
	rcSent      atomic.Bool
	client      *http.Client
}

func newTransferCommand(deps Deps, args protocol.TransferArgs) transferCommand {
	return transferCommand{
		deps:   deps,
		args:   args,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *transferCommand) Interrupt() {
	c.interrupted.Store(true)
}

func (c *transferCommand) blockSize() int {
	if c.args.BlockSize > 0 {
		return c.args.BlockSize
	}
	return defaultBlockSize
}

func (c *transferCommand) localPath() string {
	return filepath.Join(c.deps.Basedir, c.args.Workdir, c.args.Path)
}

func (c *transferCommand) sendRC(send func(protocol.Update), rc int) {
	if c.rcSent.Swap(true) {
		c.deps.Logger.Warn("duplicate rc update suppressed", "rc", rc)
		return
	}
	send(protocol.Update{RC: &rc})
}

// sendBlock posts one block to the coordinator-side writer endpoint.
func (c *transferCommand) sendBlock(ctx context.Context, block []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.args.WriterURL, bytes.NewReader(block))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("writer rejected block: %s", strings.TrimSpace(string(payload)))
	}
	return nil
}

// uploadFrom streams reader to the writer endpoint in bounded blocks,
// honoring the maxsize cap and per-block interruption checks.
func (c *transferCommand) uploadFrom(ctx context.Context, reader io.Reader, send func(protocol.Update)) error {
	var sent int64
	block := make([]byte, c.blockSize())
	for {
		if c.interrupted.Load() {
			return fmt.Errorf("transfer interrupted")
		}
		n, err := reader.Read(block)
		if n > 0 {
			chunk := block[:n]
			if c.args.MaxSize > 0 && sent+int64(n) > c.args.MaxSize {
				chunk = chunk[:c.args.MaxSize-sent]
				if len(chunk) > 0 {
					if err := c.sendBlock(ctx, chunk); err != nil {
						return err
					}
				}
				send(protocol.Update{Header: fmt.Sprintf("maximum filesize reached, truncating at %d bytes\n", c.args.MaxSize)})
				return fmt.Errorf("maximum filesize exceeded")
			}
			if err := c.sendBlock(ctx, chunk); err != nil {
				return err
			}
			sent += int64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// UploadFileCommand streams one file from the agent to the coordinator.
type UploadFileCommand struct {
	transferCommand
}

func NewUploadFileCommand(deps Deps, args protocol.TransferArgs) *UploadFileCommand {
	return &UploadFileCommand{newTransferCommand(deps, args)}
}

func (c *UploadFileCommand) Run(ctx context.Context, send func(protocol.Update)) error {
	send(protocol.Update{Header: fmt.Sprintf("sending %s\n", filepath.Join(c.args.Workdir, c.args.Path))})
	f, err := os.Open(c.localPath())
	if err != nil {
		send(protocol.Update{Header: fmt.Sprintf("cannot open %s: %v\n", c.args.Path, err)})
		c.sendRC(send, 1)
		return nil
	}
	defer f.Close()

	if err := c.uploadFrom(ctx, f, send); err != nil {
		send(protocol.Update{Stderr: err.Error() + "\n"})
		c.sendRC(send, 1)
		return nil
	}
	c.sendRC(send, 0)
	return nil
}

// UploadDirectoryCommand streams a directory as a (optionally gzipped) tar
// archive, block by block.
type UploadDirectoryCommand struct {
	transferCommand
}

func NewUploadDirectoryCommand(deps Deps, args protocol.TransferArgs) *UploadDirectoryCommand {
	return &UploadDirectoryCommand{newTransferCommand(deps, args)}
}

func (c *UploadDirectoryCommand) Run(ctx context.Context, send func(protocol.Update)) error {
	root := c.localPath()
	send(protocol.Update{Header: fmt.Sprintf("sending directory %s\n", filepath.Join(c.args.Workdir, c.args.Path))})
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		send(protocol.Update{Header: fmt.Sprintf("%s is not a directory\n", c.args.Path)})
		c.sendRC(send, 1)
		return nil
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTar(root, pw, c.args.Compress))
	}()

	if err := c.uploadFrom(ctx, pr, send); err != nil {
		pr.CloseWithError(err)
		send(protocol.Update{Stderr: err.Error() + "\n"})
		c.sendRC(send, 1)
		return nil
	}
	c.sendRC(send, 0)
	return nil
}

func writeTar(root string, w io.Writer, compress bool) error {
	out := w
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(w)
		out = gz
	}
	tw := tar.NewWriter(out)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
	if cerr := tw.Close(); err == nil {
		err = cerr
	}
	if gz != nil {
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// DownloadFileCommand fetches a file from the coordinator onto the agent.
type DownloadFileCommand struct {
	transferCommand
}

func NewDownloadFileCommand(deps Deps, args protocol.TransferArgs) *DownloadFileCommand {
	return &DownloadFileCommand{newTransferCommand(deps, args)}
}

func (c *DownloadFileCommand) Run(ctx context.Context, send func(protocol.Update)) error {
	dest := c.localPath()
	send(protocol.Update{Header: fmt.Sprintf("downloading to %s\n", filepath.Join(c.args.Workdir, c.args.Path))})
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		send(protocol.Update{Stderr: err.Error() + "\n"})
		c.sendRC(send, 1)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.args.ReaderURL, nil)
	if err != nil {
		send(protocol.Update{Stderr: err.Error() + "\n"})
		c.sendRC(send, 1)
		return nil
	}
	resp, err := c.client.Do(req)
	if err != nil {
		send(protocol.Update{Stderr: err.Error() + "\n"})
		c.sendRC(send, 1)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		send(protocol.Update{Stderr: fmt.Sprintf("reader returned %s\n", resp.Status)})
		c.sendRC(send, 1)
		return nil
	}

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		send(protocol.Update{Stderr: err.Error() + "\n"})
		c.sendRC(send, 1)
		return nil
	}

	rc := 0
	var written int64
	block := make([]byte, c.blockSize())
	for {
		if c.interrupted.Load() {
			send(protocol.Update{Header: "download interrupted\n"})
			rc = 1
			break
		}
		n, readErr := resp.Body.Read(block)
		if n > 0 {
			chunk := block[:n]
			if c.args.MaxSize > 0 && written+int64(n) > c.args.MaxSize {
				chunk = chunk[:c.args.MaxSize-written]
				if _, err := f.Write(chunk); err != nil {
					send(protocol.Update{Stderr: err.Error() + "\n"})
				}
				send(protocol.Update{Header: fmt.Sprintf("maximum filesize reached, truncating at %d bytes\n", c.args.MaxSize)})
				rc = 1
				break
			}
			if _, err := f.Write(chunk); err != nil {
				send(protocol.Update{Stderr: err.Error() + "\n"})
				rc = 1
				break
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			send(protocol.Update{Stderr: readErr.Error() + "\n"})
			rc = 1
			break
		}
	}

	if err := f.Close(); err != nil && rc == 0 {
		send(protocol.Update{Stderr: err.Error() + "\n"})
		rc = 1
	}
	if rc == 0 && c.args.Mode != 0 {
		if err := os.Chmod(dest, os.FileMode(c.args.Mode)); err != nil {
			send(protocol.Update{Stderr: err.Error() + "\n"})
			rc = 1
		}
	}
	c.sendRC(send, rc)
	return nil
}
