package shipment

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultCacheTTL bounds how stale a cached snapshot may get when the
// backing artifact is mutated by another process. Writes made through the
// store refresh the cache immediately, so the TTL never applies to them.
const DefaultCacheTTL = 30 * time.Second

// snapshotCache holds the most recent snapshot for a fixed TTL to avoid
// re-deserializing the artifact under read pressure. When the backing file
// is watchable, external rewrites invalidate the cache ahead of the TTL.
type snapshotCache struct {
	mu       sync.Mutex
	backend  StateBackend
	snapshot *Snapshot
	loadedAt time.Time
	ttl      time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

func newSnapshotCache(ttl time.Duration, backend StateBackend) *snapshotCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &snapshotCache{
		backend: backend,
		ttl:     ttl,
		done:    make(chan struct{}),
	}
}

// get returns a copy of the cached snapshot if it is fresh, reloading from
// the backend otherwise.
func (c *snapshotCache) get() (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot != nil && time.Since(c.loadedAt) < c.ttl {
		return cloneSnapshot(c.snapshot)
	}
	snapshot, err := c.backend.Load()
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		c.snapshot = nil
		return nil, nil
	}
	c.snapshot = snapshot
	c.loadedAt = time.Now()
	return cloneSnapshot(snapshot)
}

// put installs a snapshot that was just persisted. Write-through: every
// successful store write lands here so readers never observe the TTL lag for
// in-process mutations.
func (c *snapshotCache) put(snapshot *Snapshot) {
	c.mu.Lock()
	c.snapshot = snapshot
	c.loadedAt = time.Now()
	c.mu.Unlock()
}

func (c *snapshotCache) invalidate() {
	c.mu.Lock()
	c.snapshot = nil
	c.mu.Unlock()
}

// watch invalidates the cache when another process rewrites the artifact.
// The parent directory is watched because saves land via rename, which a
// direct file watch loses track of. Watch failures degrade to TTL-only
// staleness bounding.
func (c *snapshotCache) watch(path string) {
	if path == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("snapshot cache: watch unavailable: %v", err)
		return
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		log.Printf("snapshot cache: cannot watch %s: %v", dir, err)
		_ = watcher.Close()
		return
	}
	c.watcher = watcher
	target := filepath.Clean(path)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					c.invalidate()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("snapshot cache: watch error: %v", err)
			case <-c.done:
				return
			}
		}
	}()
}

func (c *snapshotCache) close() {
	if c == nil {
		return
	}
	close(c.done)
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
	c.wg.Wait()
}
