package remote

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// ParseSSEEvent extracts the JSON payload from one SSE event's lines.
func ParseSSEEvent(lines []string) (json.RawMessage, bool) {
	for _, line := range lines {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			return json.RawMessage(payload), true
		}
	}
	return nil, false
}

// ReadEvents streams SSE events, invoking eventFn for each completed event.
// A non-nil error from eventFn stops the read and is returned as-is.
func ReadEvents(body io.Reader, eventFn func(json.RawMessage) error) error {
	reader := bufio.NewReader(body)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(lines) > 0 {
					if err := dispatchEvent(lines, eventFn); err != nil {
						return err
					}
				}
				return nil
			}
			return err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if err := dispatchEvent(lines, eventFn); err != nil {
				return err
			}
			lines = lines[:0]
			continue
		}
		lines = append(lines, trimmed)
	}
}

func dispatchEvent(lines []string, eventFn func(json.RawMessage) error) error {
	if len(lines) == 0 {
		return nil
	}
	payload, ok := ParseSSEEvent(lines)
	if !ok {
		return nil
	}
	return eventFn(payload)
}
