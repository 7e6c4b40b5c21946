package chunkcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/ossianhanning/aio-rdb-vfs/internal/applog"
	"github.com/ossianhanning/aio-rdb-vfs/internal/coreerr"
	"github.com/ossianhanning/aio-rdb-vfs/internal/model"
	"github.com/ossianhanning/aio-rdb-vfs/internal/provider"
)

// startDownload launches a background download of chunk idx of file
// and returns immediately with a handle the caller can join, cancel, or
// wait on.
func (c *Cache) startDownload(key model.FileKey, file *model.File, idx int64) *downloadTask {
	ctx, cancel := context.WithCancel(context.Background())
	t := &downloadTask{chunkIndex: idx, cancel: cancel, done: make(chan struct{})}
	atomic.AddInt64(&c.counters.downloadsStarted, 1)
	go c.runDownload(ctx, key, file, idx, t)
	return t
}

// clearTaskIfCurrent drops fs.task if it still points at t, so a
// completed or cancelled task doesn't linger and block future reads.
func (c *Cache) clearTaskIfCurrent(key model.FileKey, t *downloadTask) {
	fs := c.stateFor(key)
	fs.taskMu.Lock()
	if fs.task == t {
		fs.task = nil
	}
	fs.taskMu.Unlock()
}

// runDownload is the body of a download task: bounded by the global
// semaphore, retried with linear backoff, writing the chunk atomically
// on success (SPEC_FULL.md §4.C "Download task").
func (c *Cache) runDownload(ctx context.Context, key model.FileKey, file *model.File, idx int64, t *downloadTask) {
	defer close(t.done)
	defer c.clearTaskIfCurrent(key, t)

	select {
	case c.downloadSem <- struct{}{}:
	case <-ctx.Done():
		t.err = fmt.Errorf("chunkcache: %w", coreerr.ErrCancelled)
		return
	}
	defer func() { <-c.downloadSem }()

	length := c.chunkLength(file, idx)
	if length <= 0 {
		return
	}
	start := idx * c.opt.ChunkSize
	end := start + length - 1

	var lastErr error
	for attempt := 0; attempt <= c.opt.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.opt.RetryBaseDelay
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				t.err = fmt.Errorf("chunkcache: %w", coreerr.ErrCancelled)
				return
			}
		}

		err := c.fetchAndWrite(ctx, key, file, idx, start, end, length)
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			t.err = fmt.Errorf("chunkcache: %w", coreerr.ErrCancelled)
			return
		}
		if !provider.IsRetryable(err) {
			atomic.AddInt64(&c.counters.downloadsFailed, 1)
			t.err = fmt.Errorf("chunkcache: %w: %v", coreerr.ErrFetchFailed, err)
			return
		}
		applog.Debugf(key, "download retry %d/%d for chunk %d: %v", attempt+1, c.opt.MaxRetries, idx, err)
		lastErr = err
	}

	atomic.AddInt64(&c.counters.downloadsFailed, 1)
	t.err = fmt.Errorf("chunkcache: %w: retries exhausted for chunk %d: %v", coreerr.ErrFetchFailed, idx, lastErr)
}

// fetchAndWrite performs a single attempt: range-GET the chunk, read it
// fully into memory, and write it to the store atomically. No temp file
// is created until the bytes are fully in hand, so a cancellation or
// transport error here never leaves partial on-disk state.
func (c *Cache) fetchAndWrite(ctx context.Context, key model.FileKey, file *model.File, idx, start, end, length int64) error {
	reqCtx, reqCancel := context.WithTimeout(ctx, c.opt.RequestTimeout)
	defer reqCancel()

	rc, err := c.provider.FetchRange(reqCtx, file.DownloadURL, start, end)
	if err != nil {
		return fmt.Errorf("fetch range [%d,%d]: %w", start, end, err)
	}
	defer rc.Close()

	// length is the exact expected byte count for this chunk (the last
	// chunk of a file is already shortened by chunkLength); ReadFull
	// must fill the buffer completely; anything else -- including a
	// truncated transfer reported as io.EOF/io.ErrUnexpectedEOF -- is a
	// short read and must never be persisted as the chunk, or a partial
	// chunk would be served forever as a valid cache hit (store.Has is
	// a pure existence check and never re-validates length).
	data := make([]byte, length)
	n, err := io.ReadFull(rc, data)
	if err != nil {
		return fmt.Errorf("read chunk %d: got %d/%d bytes: %w", idx, n, length, err)
	}

	if err := c.store.WriteAtomic(key, idx, data); err != nil {
		return fmt.Errorf("write chunk %d: %w", idx, err)
	}
	return nil
}
