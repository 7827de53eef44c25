package shipment

import (
	"testing"
	"time"
)

func TestCacheServesFreshSnapshotWithoutBackendLoad(t *testing.T) {
	backend := NewInMemoryStateBackend()
	stale := &Snapshot{Documents: []ProcessedDocument{docAt("ORD-OLD", "2024-07-10 10:00:00")}}
	if err := backend.Save(stale); err != nil {
		t.Fatalf("seed backend: %v", err)
	}

	cache := newSnapshotCache(time.Minute, backend)
	defer cache.close()
	cache.put(&Snapshot{Documents: []ProcessedDocument{docAt("ORD-NEW", "2024-07-10 12:00:00")}})

	snapshot, err := cache.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snapshot.Documents[0].OrderKey() != "ORD-NEW" {
		t.Fatalf("fresh cache bypassed, got %q", snapshot.Documents[0].OrderKey())
	}
}

func TestCacheReloadsAfterTTL(t *testing.T) {
	backend := NewInMemoryStateBackend()
	if err := backend.Save(&Snapshot{Documents: []ProcessedDocument{docAt("ORD-BACKEND", "2024-07-10 10:00:00")}}); err != nil {
		t.Fatalf("seed backend: %v", err)
	}

	cache := newSnapshotCache(10*time.Millisecond, backend)
	defer cache.close()
	cache.put(&Snapshot{Documents: []ProcessedDocument{docAt("ORD-CACHED", "2024-07-10 12:00:00")}})

	time.Sleep(25 * time.Millisecond)
	snapshot, err := cache.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snapshot.Documents[0].OrderKey() != "ORD-BACKEND" {
		t.Fatalf("expired cache not reloaded, got %q", snapshot.Documents[0].OrderKey())
	}
}

func TestCacheInvalidateForcesReload(t *testing.T) {
	backend := NewInMemoryStateBackend()
	if err := backend.Save(&Snapshot{Documents: []ProcessedDocument{docAt("ORD-BACKEND", "2024-07-10 10:00:00")}}); err != nil {
		t.Fatalf("seed backend: %v", err)
	}

	cache := newSnapshotCache(time.Minute, backend)
	defer cache.close()
	cache.put(&Snapshot{Documents: []ProcessedDocument{docAt("ORD-CACHED", "2024-07-10 12:00:00")}})
	cache.invalidate()

	snapshot, err := cache.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snapshot.Documents[0].OrderKey() != "ORD-BACKEND" {
		t.Fatalf("invalidated cache not reloaded, got %q", snapshot.Documents[0].OrderKey())
	}
}

func TestCacheGetClonesSnapshot(t *testing.T) {
	backend := NewInMemoryStateBackend()
	cache := newSnapshotCache(time.Minute, backend)
	defer cache.close()
	cache.put(&Snapshot{Documents: []ProcessedDocument{docAt("ORD-1", "2024-07-10 10:00:00")}})

	first, err := cache.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.Documents[0].Record.Fields.Order = "MUTATED"

	second, err := cache.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.Documents[0].OrderKey() != "ORD-1" {
		t.Fatalf("cache handed out shared state: %q", second.Documents[0].OrderKey())
	}
}
