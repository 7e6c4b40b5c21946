package chunkcache

import (
	"time"

	"github.com/ossianhanning/aio-rdb-vfs/internal/applog"
)

const (
	evictHighWatermark = 0.90
	evictLowWatermark  = 0.70
)

// maybeRunEviction triggers the eviction procedure at most once per
// EvictionCheckInterval, or immediately whenever the cache is at or
// above the high watermark (SPEC_FULL.md §4.C).
func (c *Cache) maybeRunEviction() {
	_, totalBytes := c.store.Stats()
	utilisation := float64(totalBytes) / float64(c.opt.MaxCacheSize)

	if utilisation < evictHighWatermark {
		last, _ := c.lastEvictionCheck.Load().(time.Time)
		if time.Since(last) < c.opt.EvictionCheckInterval {
			return
		}
	}
	c.lastEvictionCheck.Store(time.Now())
	c.runEvictionIfNeeded()
}

// runEvictionIfNeeded attempts a non-blocking acquire of the global
// eviction lock; a goroutine that cannot acquire it simply skips
// eviction this round (§5 suspension points).
func (c *Cache) runEvictionIfNeeded() {
	if !c.evictMu.TryLock() {
		return
	}
	defer c.evictMu.Unlock()

	_, totalBytes := c.store.Stats()
	if totalBytes < int64(float64(c.opt.MaxCacheSize)*evictHighWatermark) {
		return
	}

	entries, err := c.store.EnumerateForEviction()
	if err != nil {
		applog.Errorf("chunkcache", "eviction enumerate failed: %v", err)
		return
	}

	target := int64(float64(c.opt.MaxCacheSize) * evictLowWatermark)
	var freed int64
	touched := map[string]bool{}

	for _, e := range entries {
		if totalBytes-freed <= target {
			break
		}
		fs := c.stateFor(e.Key)
		if !fs.tryAcquireReadLock() {
			// A reader is active on this file; skip its chunks this round.
			continue
		}
		fs.taskMu.Lock()
		inFlight := fs.task != nil && fs.task.chunkIndex == e.ChunkIndex
		fs.taskMu.Unlock()
		if inFlight {
			fs.readMu.Unlock()
			continue
		}
		if err := c.store.Delete(e.Key, e.ChunkIndex); err != nil {
			applog.Errorf("chunkcache", "eviction delete %v/%d failed: %v", e.Key, e.ChunkIndex, err)
			fs.readMu.Unlock()
			continue
		}
		freed += e.Size
		touched[e.Key.ContainerHash+"_"+e.Key.FileID] = true
		fs.readMu.Unlock()
	}

	for _, e := range entries {
		if touched[e.Key.ContainerHash+"_"+e.Key.FileID] {
			c.store.DeleteEmptyDir(e.Key)
		}
	}

	if freed > 0 {
		applog.Infof("chunkcache", "eviction freed %d bytes", freed)
	}
}
