package mergedview

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossianhanning/aio-rdb-vfs/internal/chunkcache"
	"github.com/ossianhanning/aio-rdb-vfs/internal/chunkstore"
	"github.com/ossianhanning/aio-rdb-vfs/internal/coreerr"
	"github.com/ossianhanning/aio-rdb-vfs/internal/model"
	"github.com/ossianhanning/aio-rdb-vfs/internal/namespace"
	"github.com/ossianhanning/aio-rdb-vfs/internal/provider"
)

// fakeProvider serves a fixed byte payload for FetchRange and is unused
// for every other RemoteProvider method exercised by these tests.
type fakeProvider struct {
	payload []byte
}

func (f *fakeProvider) List(ctx context.Context, page, limit int, filter string) ([]provider.RemoteContainer, error) {
	return nil, nil
}
func (f *fakeProvider) Info(ctx context.Context, hostID string) (provider.RemoteContainer, error) {
	return provider.RemoteContainer{}, nil
}
func (f *fakeProvider) AddTorrent(ctx context.Context, data []byte, host, category string, tags []string) (string, error) {
	return "", nil
}
func (f *fakeProvider) AddMagnet(ctx context.Context, uri, host string) (string, error) { return "", nil }
func (f *fakeProvider) SelectFiles(ctx context.Context, hostID string, sel provider.FileSelector) error {
	return nil
}
func (f *fakeProvider) Delete(ctx context.Context, hostID string) error { return nil }
func (f *fakeProvider) CheckLink(ctx context.Context, url string) (bool, error) {
	return true, nil
}
func (f *fakeProvider) Unrestrict(ctx context.Context, url string) (provider.UnrestrictResult, error) {
	return provider.UnrestrictResult{}, nil
}
func (f *fakeProvider) FetchRange(ctx context.Context, url string, start, endInclusive int64) (io.ReadCloser, error) {
	end := endInclusive + 1
	if end > int64(len(f.payload)) {
		end = int64(len(f.payload))
	}
	return io.NopCloser(bytes.NewReader(f.payload[start:end])), nil
}

func newTestView(t *testing.T) (*View, *namespace.VirtualNamespace, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := chunkstore.New(filepath.Join(dir, "cache"))
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("x"), 100)
	cache := chunkcache.New(store, &fakeProvider{payload: payload}, chunkcache.Options{
		ChunkSize:              32,
		MaxCacheSize:           1 << 20,
		MaxConcurrentDownloads: 2,
		MaxRetries:             1,
		RequestTimeout:         0,
	})

	ns := namespace.New()
	localRoot := filepath.Join(dir, "local")
	v, err := New(localRoot, ns, cache)
	require.NoError(t, err)
	return v, ns, localRoot
}

func TestResolveLocalFileShadowsVirtual(t *testing.T) {
	v, ns, localRoot := newTestView(t)

	f := &model.File{FileID: "1", Size: 100}
	_, err := ns.AddFile("/show/ep.mkv", "hash1", f)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(localRoot, "show"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "show", "ep.mkv"), []byte("local-data"), 0o644))

	r := v.Resolve("/show/ep.mkv")
	assert.Equal(t, KindLocalFile, r.Kind)
	assert.True(t, r.HasLocal)
	assert.True(t, r.HasVirtual)
}

func TestReadVirtualFileForwardsToChunkCache(t *testing.T) {
	v, ns, _ := newTestView(t)

	f := &model.File{FileID: "1", Size: 100}
	_, err := ns.AddFile("/movie.mkv", "hash1", f)
	require.NoError(t, err)

	data, err := v.Read(context.Background(), "/movie.mkv", 10, 20)
	require.NoError(t, err)
	assert.Len(t, data, 20)
	assert.Equal(t, byte('x'), data[0])
}

func TestListMergesLocalAndVirtualShadowing(t *testing.T) {
	v, ns, localRoot := newTestView(t)

	f := &model.File{FileID: "1", Size: 5}
	_, err := ns.AddFile("/dir/virtual.txt", "hash1", f)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(localRoot, "dir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "dir", "virtual.txt"), []byte("shadow"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "dir", "local-only.txt"), []byte("x"), 0o644))

	entries, err := v.List("/dir")
	require.NoError(t, err)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	assert.True(t, names["virtual.txt"])
	assert.True(t, names["local-only.txt"])
	assert.Len(t, entries, 2)
}

func TestWriteToVirtualFileFails(t *testing.T) {
	v, ns, _ := newTestView(t)

	f := &model.File{FileID: "1", Size: 5}
	_, err := ns.AddFile("/ro.txt", "hash1", f)
	require.NoError(t, err)

	_, err = v.Write("/ro.txt", 0, []byte("nope"))
	assert.ErrorIs(t, err, coreerr.ErrReadOnly)
}

func TestDeleteLocalFileDoesNotTouchVirtualSibling(t *testing.T) {
	v, ns, localRoot := newTestView(t)

	f := &model.File{FileID: "1", Size: 5}
	_, err := ns.AddFile("/a.txt", "hash1", f)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "a.txt"), []byte("x"), 0o644))
	r := v.Resolve("/a.txt")
	require.Equal(t, KindLocalFile, r.Kind)

	require.NoError(t, v.Delete("/a.txt"))
	assert.True(t, ns.FileExists("/a.txt"))
}
