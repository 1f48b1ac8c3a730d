package statuspush

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// pushState is the durable cursor persisted across master restarts: the
// ISO-8601 start time of the run that generated the queued packets, the next
// sequence number to assign, and the last id known delivered.
type pushState struct {
	Started      string `json:"started"`
	NextID       int64  `json:"next_id"`
	LastIDPushed int64  `json:"last_id_pushed"`
}

func loadState(path string) (pushState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return pushState{NextID: 1}, nil
	}
	if err != nil {
		return pushState{}, fmt.Errorf("read push state: %w", err)
	}
	var st pushState
	if err := json.Unmarshal(data, &st); err != nil {
		return pushState{}, fmt.Errorf("decode push state %s: %w", path, err)
	}
	if st.NextID < 1 {
		st.NextID = 1
	}
	return st, nil
}

// saveState writes atomically so a crash never leaves a torn cursor.
func saveState(path string, st pushState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode push state: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write push state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit push state: %w", err)
	}
	return nil
}
