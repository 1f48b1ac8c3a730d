// Package remote is the coordinator-side client for execution agents: it
// posts command invocations and consumes the agent's SSE update stream.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomci/loom/pkg/protocol"
)

// ErrLostConnection reports a command stream that ended without its terminal
// completion event. The command's fate on the agent is unknown.
var ErrLostConnection = errors.New("agent connection lost mid-command")

// Client talks to one agent. Command streams run on an untimed client so a
// long build cannot be cut off; control calls use a short timeout.
type Client struct {
	name      string
	baseURL   string
	streaming *http.Client
	control   *http.Client
}

func NewClient(name, baseURL string) *Client {
	return &Client{
		name:      name,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		streaming: &http.Client{},
		control: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *Client) Name() string { return c.name }

// AgentInfo is the agent's self-description.
type AgentInfo struct {
	Name    string `json:"name"`
	Basedir string `json:"basedir"`
}

// Info probes the agent, used both for liveness checks and for verifying the
// configured name matches what the agent reports.
func (c *Client) Info(ctx context.Context) (AgentInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/info", nil)
	if err != nil {
		return AgentInfo{}, fmt.Errorf("create info request: %w", err)
	}
	resp, err := c.control.Do(req)
	if err != nil {
		return AgentInfo{}, fmt.Errorf("agent info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AgentInfo{}, fmt.Errorf("agent info failed: %s", readError(resp.Body))
	}
	var info AgentInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return AgentInfo{}, fmt.Errorf("decode agent info: %w", err)
	}
	return info, nil
}

// RunCommand posts the invocation and blocks on its event stream, delivering
// every update to onUpdate in order. It returns nil once the agent sends an
// orderly completion; a completion carrying an error message, a transport
// failure, or a stream that ends early all surface as errors.
func (c *Client) RunCommand(ctx context.Context, inv protocol.Invocation, onUpdate func(protocol.Update)) error {
	body, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invocation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/commands", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create command request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streaming.Do(req)
	if err != nil {
		return fmt.Errorf("run command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("run command failed: %s", readError(resp.Body))
	}

	completed := false
	err = ReadEvents(resp.Body, func(payload json.RawMessage) error {
		var ev protocol.StreamEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decode stream event: %w", err)
		}
		switch {
		case ev.Update != nil:
			onUpdate(*ev.Update)
		case ev.Complete != nil:
			completed = true
			if ev.Complete.Error != "" {
				return fmt.Errorf("command %s failed on agent: %s", inv.ID, ev.Complete.Error)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !completed {
		return ErrLostConnection
	}
	return nil
}

// Interrupt asks the agent to stop a running command. The command still
// finishes through its own stream, with an rc update of -1.
func (c *Client) Interrupt(ctx context.Context, commandID string) error {
	url := fmt.Sprintf("%s/commands/%s/interrupt", c.baseURL, commandID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("create interrupt request: %w", err)
	}
	resp, err := c.control.Do(req)
	if err != nil {
		return fmt.Errorf("interrupt command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("interrupt failed: %s", readError(resp.Body))
	}
	return nil
}

func readError(body io.Reader) string {
	payload, _ := io.ReadAll(io.LimitReader(body, 4<<10))
	return strings.TrimSpace(string(payload))
}
