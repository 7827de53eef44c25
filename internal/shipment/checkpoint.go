package shipment

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Checkpoint records the last successful retrieval boundary. The pipeline
// driver owns it; the document store never reads it.
type Checkpoint struct {
	Path string
}

type checkpointState struct {
	LastChecked string `json:"last_checked"`
}

func NewCheckpoint(path string) *Checkpoint {
	return &Checkpoint{Path: strings.TrimSpace(path)}
}

// Load returns the stored boundary, or nil when no checkpoint exists yet or
// the artifact is unreadable (a broken checkpoint widens the next fetch, it
// never blocks it).
func (c *Checkpoint) Load() *time.Time {
	if c == nil || c.Path == "" {
		return nil
	}
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil
	}
	var state checkpointState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil
	}
	at, err := time.Parse(time.RFC3339, state.LastChecked)
	if err != nil {
		return nil
	}
	return &at
}

// Save commits a new boundary via tmp+rename.
func (c *Checkpoint) Save(at time.Time) error {
	if c == nil || c.Path == "" {
		return errors.New("checkpoint path not configured")
	}
	data, err := json.MarshalIndent(checkpointState{LastChecked: at.Format(time.RFC3339)}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.Path)
}
