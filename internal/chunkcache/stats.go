package chunkcache

import "sync/atomic"

// Statistics is a snapshot of the cache's monotonically-increasing
// counters (SPEC_FULL.md §8, property 2).
type Statistics struct {
	Hits               int64
	Misses             int64
	BytesFromCache     int64
	BytesFromRemote    int64
	DownloadsStarted   int64
	DownloadsCancelled int64
	DownloadsFailed    int64
	ChunkCount         int64
	CacheSizeBytes     int64
}

type counters struct {
	hits               int64
	misses             int64
	bytesFromCache     int64
	bytesFromRemote    int64
	downloadsStarted   int64
	downloadsCancelled int64
	downloadsFailed    int64
}

func (c *counters) snapshot(chunkCount, cacheSizeBytes int64) Statistics {
	return Statistics{
		Hits:               atomic.LoadInt64(&c.hits),
		Misses:             atomic.LoadInt64(&c.misses),
		BytesFromCache:     atomic.LoadInt64(&c.bytesFromCache),
		BytesFromRemote:    atomic.LoadInt64(&c.bytesFromRemote),
		DownloadsStarted:   atomic.LoadInt64(&c.downloadsStarted),
		DownloadsCancelled: atomic.LoadInt64(&c.downloadsCancelled),
		DownloadsFailed:    atomic.LoadInt64(&c.downloadsFailed),
		ChunkCount:         chunkCount,
		CacheSizeBytes:     cacheSizeBytes,
	}
}
