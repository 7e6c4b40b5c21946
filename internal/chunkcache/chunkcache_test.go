package chunkcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossianhanning/aio-rdb-vfs/internal/chunkstore"
	"github.com/ossianhanning/aio-rdb-vfs/internal/model"
	"github.com/ossianhanning/aio-rdb-vfs/internal/provider"
)

// fakeProvider serves FetchRange out of an in-memory byte slice keyed by
// URL, with optional artificial latency and a fetch counter per URL so
// tests can assert exactly how many chunk fetches were issued.
type fakeProvider struct {
	content map[string][]byte
	delay   time.Duration
	calls   int32

	failN   int32 // fail this many times per call before succeeding
	failErr error

	truncateN int32 // return a body one byte short of the requested range this many times
}

func newFakeProvider(url string, data []byte) *fakeProvider {
	return &fakeProvider{content: map[string][]byte{url: data}}
}

func (f *fakeProvider) FetchRange(ctx context.Context, url string, start, endInclusive int64) (io.ReadCloser, error) {
	atomic.AddInt32(&f.calls, 1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if atomic.LoadInt32(&f.failN) > 0 {
		atomic.AddInt32(&f.failN, -1)
		err := f.failErr
		if err == nil {
			err = errors.New("simulated transient failure")
		}
		return nil, err
	}

	data, ok := f.content[url]
	if !ok {
		return nil, errors.New("fakeProvider: unknown url " + url)
	}
	if endInclusive >= int64(len(data)) {
		endInclusive = int64(len(data)) - 1
	}
	body := data[start : endInclusive+1]
	if atomic.LoadInt32(&f.truncateN) > 0 && len(body) > 0 {
		atomic.AddInt32(&f.truncateN, -1)
		body = body[:len(body)-1]
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (f *fakeProvider) fetchCount() int { return int(atomic.LoadInt32(&f.calls)) }

func (f *fakeProvider) List(ctx context.Context, page, limit int, filter string) ([]provider.RemoteContainer, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) Info(ctx context.Context, hostID string) (provider.RemoteContainer, error) {
	return provider.RemoteContainer{}, errors.New("not implemented")
}
func (f *fakeProvider) AddTorrent(ctx context.Context, data []byte, host, category string, tags []string) (string, error) {
	return "", errors.New("not implemented")
}
func (f *fakeProvider) AddMagnet(ctx context.Context, uri, host string) (string, error) {
	return "", errors.New("not implemented")
}
func (f *fakeProvider) SelectFiles(ctx context.Context, hostID string, selector provider.FileSelector) error {
	return errors.New("not implemented")
}
func (f *fakeProvider) Delete(ctx context.Context, hostID string) error {
	return errors.New("not implemented")
}
func (f *fakeProvider) CheckLink(ctx context.Context, url string) (bool, error) {
	return false, errors.New("not implemented")
}
func (f *fakeProvider) Unrestrict(ctx context.Context, url string) (provider.UnrestrictResult, error) {
	return provider.UnrestrictResult{}, errors.New("not implemented")
}

func fillBytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func testOptions(chunkSize int64) Options {
	o := DefaultOptions()
	o.ChunkSize = chunkSize
	o.EvictionCheckInterval = time.Hour
	o.RetryBaseDelay = time.Millisecond
	o.MaxRetries = 2
	return o
}

// Scenario 1: small sequential read crossing a chunk boundary.
func TestReadCrossingChunkBoundary(t *testing.T) {
	const chunkSize = 1 * 1024 * 1024
	size := int64(2.5 * 1024 * 1024)
	content := fillBytes(int(size))

	store, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	fp := newFakeProvider("u", content)
	c := New(store, fp, testOptions(chunkSize))

	file := &model.File{FileID: "f1", Size: size, DownloadURL: "u"}

	got, err := c.Read(context.Background(), "hash", file, 0, size)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	stats := c.Statistics()
	assert.EqualValues(t, 3, stats.ChunkCount)
	assert.EqualValues(t, 0, stats.Hits)
	assert.EqualValues(t, 3, stats.Misses)

	got2, err := c.Read(context.Background(), "hash", file, 0, size)
	require.NoError(t, err)
	assert.Equal(t, content, got2)

	stats = c.Statistics()
	assert.EqualValues(t, 3, stats.Hits)
	assert.EqualValues(t, 3, stats.Misses)
}

// Scenario 2: readahead fires only once the reader crosses the trigger
// position measured from the end of the chunk.
func TestReadaheadTrigger(t *testing.T) {
	const chunkSize = 8
	content := fillBytes(24)

	store, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	fp := newFakeProvider("u", content)
	opt := testOptions(chunkSize)
	opt.ReadaheadTriggerPosition = 2
	c := New(store, fp, opt)

	file := &model.File{FileID: "f1", Size: int64(len(content)), DownloadURL: "u"}

	_, err = c.Read(context.Background(), "hash", file, 0, 6)
	require.NoError(t, err)

	key := model.FileKey{ContainerHash: "hash", FileID: "f1"}
	time.Sleep(50 * time.Millisecond)
	assert.False(t, store.Has(key, 1), "no readahead expected before crossing the trigger position")

	_, err = c.Read(context.Background(), "hash", file, 0, 7)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.Has(key, 1)
	}, 200*time.Millisecond, 5*time.Millisecond)
}

// Scenario 3: a read targeting a different chunk preempts a still
// in-flight background readahead download for the same file; both the
// read that triggered readahead and the seek-triggered read complete
// with correct bytes, and exactly one download is cancelled.
func TestSeekPreemption(t *testing.T) {
	const chunkSize = 4
	content := fillBytes(10 * chunkSize)

	store, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	fp := newFakeProvider("u", content)
	fp.delay = 150 * time.Millisecond
	opt := testOptions(chunkSize)
	opt.ReadaheadTriggerPosition = 1 // any read past chunk_size-1 into the chunk triggers readahead
	c := New(store, fp, opt)

	file := &model.File{FileID: "f1", Size: int64(len(content)), DownloadURL: "u"}
	key := model.FileKey{ContainerHash: "hash", FileID: "f1"}

	// This read fully consumes chunk 0 and schedules background
	// readahead of chunk 1, which will still be mid-download (fp.delay)
	// by the time the seek below happens.
	buf0, err := c.Read(context.Background(), "hash", file, 0, chunkSize)
	require.NoError(t, err)
	assert.Equal(t, content[0:chunkSize], buf0)

	require.Eventually(t, func() bool {
		return c.stateFor(key).currentTask() != nil
	}, 100*time.Millisecond, 2*time.Millisecond, "readahead of chunk 1 should be in flight")

	buf9, err := c.Read(context.Background(), "hash", file, 9*chunkSize, 1)
	require.NoError(t, err)
	assert.Equal(t, content[9*chunkSize:9*chunkSize+1], buf9)

	stats := c.Statistics()
	assert.EqualValues(t, 1, stats.DownloadsCancelled)
	assert.False(t, store.Has(key, 1), "preempted readahead of chunk 1 must leave no partial chunk")
	assert.True(t, store.Has(key, 9))
}

// Scenario 4: eviction keeps utilisation at or below the configured
// maximum and survives the most-recently-used chunks.
func TestEvictionBoundsCacheSize(t *testing.T) {
	const chunkSize = 10
	numChunks := 10
	content := fillBytes(numChunks * chunkSize)

	store, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	fp := newFakeProvider("u", content)
	opt := testOptions(chunkSize)
	opt.MaxCacheSize = int64(5 * chunkSize)
	opt.EvictionCheckInterval = 0
	c := New(store, fp, opt)

	file := &model.File{FileID: "f1", Size: int64(len(content)), DownloadURL: "u"}

	key := model.FileKey{ContainerHash: "hash", FileID: "f1"}
	for i := 0; i < numChunks; i++ {
		_, err := c.Read(context.Background(), "hash", file, int64(i*chunkSize), chunkSize)
		require.NoError(t, err)
		// Space out last-access timestamps so eviction ordering is
		// deterministic on filesystems with coarse mtime resolution.
		time.Sleep(5 * time.Millisecond)
	}
	// Force one more eviction pass now that the file lock is free.
	c.runEvictionIfNeeded()

	_, totalBytes := store.Stats()
	assert.LessOrEqual(t, totalBytes, opt.MaxCacheSize)

	// The most recently read chunks should have survived.
	assert.True(t, store.Has(key, int64(numChunks-1)))
}

// Scenario 5: invalidation removes all on-disk chunks and accounting,
// and a subsequent read repopulates the cache.
func TestInvalidateThenRepopulate(t *testing.T) {
	const chunkSize = 8
	content := fillBytes(3 * chunkSize)

	store, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	fp := newFakeProvider("u", content)
	c := New(store, fp, testOptions(chunkSize))

	file := &model.File{FileID: "f1", Size: int64(len(content)), DownloadURL: "u"}

	_, err = c.Read(context.Background(), "hash", file, 0, int64(len(content)))
	require.NoError(t, err)

	_, baselineBytes := store.Stats()
	require.NoError(t, c.Invalidate("hash", file))

	chunkCount, totalBytes := store.Stats()
	assert.Zero(t, chunkCount)
	assert.Zero(t, totalBytes)
	assert.NotEqual(t, baselineBytes, totalBytes)

	got, err := c.Read(context.Background(), "hash", file, 0, int64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

// Property 1: reads return exactly the requested byte range for a
// variety of offsets/lengths.
func TestReadReturnsExactByteRange(t *testing.T) {
	const chunkSize = 16
	content := fillBytes(100)

	store, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	fp := newFakeProvider("u", content)
	c := New(store, fp, testOptions(chunkSize))
	file := &model.File{FileID: "f1", Size: int64(len(content)), DownloadURL: "u"}

	cases := []struct{ offset, length int64 }{
		{0, 1}, {0, 100}, {5, 10}, {50, 49}, {99, 1}, {15, 2}, {16, 1},
	}
	for _, tc := range cases {
		got, err := c.Read(context.Background(), "hash", file, tc.offset, tc.length)
		require.NoError(t, err)
		assert.Equal(t, content[tc.offset:tc.offset+tc.length], got)
	}
}

func TestReadClampsLengthPastEOF(t *testing.T) {
	const chunkSize = 16
	content := fillBytes(20)

	store, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	fp := newFakeProvider("u", content)
	c := New(store, fp, testOptions(chunkSize))
	file := &model.File{FileID: "f1", Size: int64(len(content)), DownloadURL: "u"}

	got, err := c.Read(context.Background(), "hash", file, 15, 100)
	require.NoError(t, err)
	assert.Equal(t, content[15:], got)
}

func TestReadRejectsNegativeOffset(t *testing.T) {
	store, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	fp := newFakeProvider("u", []byte("abc"))
	c := New(store, fp, testOptions(8))
	file := &model.File{FileID: "f1", Size: 3, DownloadURL: "u"}

	_, err = c.Read(context.Background(), "hash", file, -1, 1)
	require.Error(t, err)
}

func TestReadPastEOFReturnsEmpty(t *testing.T) {
	store, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	fp := newFakeProvider("u", []byte("abc"))
	c := New(store, fp, testOptions(8))
	file := &model.File{FileID: "f1", Size: 3, DownloadURL: "u"}

	got, err := c.Read(context.Background(), "hash", file, 3, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// Retry policy: transient failures are retried and eventually succeed.
func TestDownloadRetriesTransientFailures(t *testing.T) {
	const chunkSize = 8
	content := fillBytes(chunkSize)

	store, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	fp := newFakeProvider("u", content)
	fp.failN = 2
	c := New(store, fp, testOptions(chunkSize))
	file := &model.File{FileID: "f1", Size: int64(len(content)), DownloadURL: "u"}

	got, err := c.Read(context.Background(), "hash", file, 0, int64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.GreaterOrEqual(t, fp.fetchCount(), 3)
}

// A truncated transfer (fewer bytes than the exact chunk length) must
// never be persisted as the chunk -- it is retried instead, and only the
// eventual full-length read is cached and served.
func TestTruncatedTransferIsRetriedNotCached(t *testing.T) {
	const chunkSize = 8
	content := fillBytes(chunkSize)

	store, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	fp := newFakeProvider("u", content)
	fp.truncateN = 2
	c := New(store, fp, testOptions(chunkSize))
	file := &model.File{FileID: "f1", Size: int64(len(content)), DownloadURL: "u"}

	got, err := c.Read(context.Background(), "hash", file, 0, int64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, content, got, "the chunk eventually served must be the full, exact byte range")
	assert.GreaterOrEqual(t, fp.fetchCount(), 3)

	key := model.FileKey{ContainerHash: "hash", FileID: "f1"}
	onDisk, err := store.Read(key, 0)
	require.NoError(t, err)
	assert.Len(t, onDisk, chunkSize, "a short read must never be written to the store")
}

// Non-retryable provider errors surface as fetch-failed.
type nonRetryableErr struct{ msg string }

func (e *nonRetryableErr) Error() string   { return e.msg }
func (e *nonRetryableErr) Retryable() bool { return false }

func TestNonRetryableErrorSurfacesAsFetchFailed(t *testing.T) {
	const chunkSize = 8
	store, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	fp := newFakeProvider("u", fillBytes(chunkSize))
	fp.failN = 1
	fp.failErr = &nonRetryableErr{msg: "403 forbidden"}
	c := New(store, fp, testOptions(chunkSize))
	file := &model.File{FileID: "f1", Size: int64(chunkSize), DownloadURL: "u"}

	_, err = c.Read(context.Background(), "hash", file, 0, int64(chunkSize))
	require.Error(t, err)
	assert.Equal(t, 1, fp.fetchCount())
}
