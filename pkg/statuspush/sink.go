package statuspush

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sink delivers one chunk of serialized packets. An error means the whole
// chunk must be retried later; partial delivery is not expressible.
type Sink interface {
	Deliver(ctx context.Context, packets []json.RawMessage) error
}

// HTTPSink posts packet chunks to a listener as a form-encoded body with the
// JSON array of packets in the packets field.
type HTTPSink struct {
	serverURL string
	client    *http.Client
}

func NewHTTPSink(serverURL string, timeout time.Duration) *HTTPSink {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSink{
		serverURL: serverURL,
		client:    &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSink) Deliver(ctx context.Context, packets []json.RawMessage) error {
	array, err := json.Marshal(packets)
	if err != nil {
		return fmt.Errorf("encode packets: %w", err)
	}
	form := url.Values{"packets": {string(array)}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push packets: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("listener rejected packets: %d %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return nil
}
