package shipment

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCheckpointRoundTrip(t *testing.T) {
	checkpoint := NewCheckpoint(filepath.Join(t.TempDir(), "data", "last_checked.json"))
	at := time.Date(2024, 7, 10, 9, 30, 0, 0, time.UTC)
	if err := checkpoint.Save(at); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded := checkpoint.Load()
	if loaded == nil {
		t.Fatalf("expected a stored boundary")
	}
	if !loaded.Equal(at) {
		t.Fatalf("expected %s, got %s", at, loaded)
	}
}

func TestCheckpointMissingLoadsNil(t *testing.T) {
	checkpoint := NewCheckpoint(filepath.Join(t.TempDir(), "absent.json"))
	if loaded := checkpoint.Load(); loaded != nil {
		t.Fatalf("expected nil for missing checkpoint, got %s", loaded)
	}
}

func TestCheckpointCorruptLoadsNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_checked.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if loaded := NewCheckpoint(path).Load(); loaded != nil {
		t.Fatalf("corrupt checkpoint must widen the fetch, got %s", loaded)
	}
}

func TestCheckpointWithoutPathRejectsSave(t *testing.T) {
	if err := NewCheckpoint("").Save(time.Now()); err == nil {
		t.Fatalf("expected error when no path is configured")
	}
}
