package reconcile

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ossianhanning/aio-rdb-vfs/internal/config"
	"github.com/ossianhanning/aio-rdb-vfs/internal/model"
	"github.com/ossianhanning/aio-rdb-vfs/internal/namespace"
	"github.com/ossianhanning/aio-rdb-vfs/internal/provider"
	"github.com/ossianhanning/aio-rdb-vfs/internal/store"
)

// fakeProvider is a scriptable in-memory RemoteProvider for exercising
// the reconciliation loops without a network round trip.
type fakeProvider struct {
	mu sync.Mutex

	listPage     []provider.RemoteContainer
	infoByHost   map[string]provider.RemoteContainer
	deleted      map[string]bool
	checkLinkOK  bool
	checkLinkErr error
	unrestrict   map[string]provider.UnrestrictResult
	addMagnetID  string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		infoByHost: make(map[string]provider.RemoteContainer),
		deleted:    make(map[string]bool),
		unrestrict: make(map[string]provider.UnrestrictResult),
		checkLinkOK: true,
	}
}

func (f *fakeProvider) List(ctx context.Context, page, limit int, filter string) ([]provider.RemoteContainer, error) {
	if page > 0 {
		return nil, nil
	}
	return f.listPage, nil
}

func (f *fakeProvider) Info(ctx context.Context, hostID string) (provider.RemoteContainer, error) {
	rc, ok := f.infoByHost[hostID]
	if !ok {
		return provider.RemoteContainer{}, io.EOF
	}
	return rc, nil
}

func (f *fakeProvider) AddTorrent(ctx context.Context, data []byte, host, category string, tags []string) (string, error) {
	return f.addMagnetID, nil
}

func (f *fakeProvider) AddMagnet(ctx context.Context, uri, host string) (string, error) {
	return f.addMagnetID, nil
}

func (f *fakeProvider) SelectFiles(ctx context.Context, hostID string, selector provider.FileSelector) error {
	return nil
}

func (f *fakeProvider) Delete(ctx context.Context, hostID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[hostID] = true
	return nil
}

func (f *fakeProvider) CheckLink(ctx context.Context, url string) (bool, error) {
	return f.checkLinkOK, f.checkLinkErr
}

func (f *fakeProvider) Unrestrict(ctx context.Context, url string) (provider.UnrestrictResult, error) {
	if r, ok := f.unrestrict[url]; ok {
		return r, nil
	}
	return provider.UnrestrictResult{}, io.EOF
}

func (f *fakeProvider) FetchRange(ctx context.Context, url string, start, endInclusive int64) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func newTestController(t *testing.T) (*Controller, *fakeProvider, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	ns := namespace.New()
	prov := newFakeProvider()
	cfg := config.Default()
	c := New(cfg, prov, st, ns, nil)
	return c, prov, st
}

func TestReconcileOneNewContainerTriggersCompletion(t *testing.T) {
	c, prov, _ := newTestController(t)

	prov.infoByHost["host-1"] = provider.RemoteContainer{
		HostID: "host-1",
		Files: []provider.RemoteFile{
			{FileID: "f1", RestrictedLink: "restricted://f1", Size: 100, Name: "movie.mkv"},
		},
	}
	prov.unrestrict["restricted://f1"] = provider.UnrestrictResult{Link: "https://cdn/f1", Filename: "movie.mkv", Size: 100}

	rc := provider.RemoteContainer{
		HostID:    "host-1",
		Hash:      "hash-1",
		Name:      "MyShow",
		RawStatus: "downloaded",
	}
	c.reconcileOne(context.Background(), rc)

	cont, ok := c.get("hash-1")
	require.True(t, ok)
	require.Equal(t, model.StatusDownloaded, cont.RemoteStatus)
	require.Len(t, cont.Files, 1)
	require.Equal(t, "https://cdn/f1", cont.Files[0].DownloadURL)
	require.NotEmpty(t, cont.Files[0].LocalPath)
}

func TestCompletionPipelineMarksProblematicOnBlockedExtension(t *testing.T) {
	c, prov, _ := newTestController(t)
	c.cfg.BlockedFileExtensions = []string{".exe"}

	cont := &model.Container{HostID: "host-2", Hash: "hash-2", Name: "Bad"}
	c.put(cont)
	prov.infoByHost["host-2"] = provider.RemoteContainer{
		Files: []provider.RemoteFile{{FileID: "f1", RestrictedLink: "r://f1", Name: "setup.exe"}},
	}

	c.runCompletionPipeline(context.Background(), cont)

	require.Equal(t, model.LifecycleProblematic, cont.LifecycleState)
	require.Contains(t, cont.ProblemReason, "blocked file extension")
}

func TestCompletionPipelineMarksProblematicWhenAllLinksFail(t *testing.T) {
	c, prov, _ := newTestController(t)

	cont := &model.Container{HostID: "host-3", Hash: "hash-3", Name: "Broken"}
	c.put(cont)
	prov.infoByHost["host-3"] = provider.RemoteContainer{
		Files: []provider.RemoteFile{{FileID: "f1", RestrictedLink: "r://missing"}},
	}

	c.runCompletionPipeline(context.Background(), cont)

	require.Equal(t, model.LifecycleProblematic, cont.LifecycleState)
	require.Contains(t, cont.ProblemReason, "all links failed")
}

func TestShouldRunCompletionEnforcesCeiling(t *testing.T) {
	c, _, _ := newTestController(t)
	require.True(t, c.shouldRunCompletion("hash-x"))
	require.False(t, c.shouldRunCompletion("hash-x"))
}

func TestStallDetectionMarksProblematicAndDeletesUpstream(t *testing.T) {
	c, prov, _ := newTestController(t)
	c.cfg.StallSpeedBytesPerSec = 1000
	c.cfg.StallDetectionMinutes = 0 // zero window: first observation already exceeds it

	cont := &model.Container{HostID: "host-4", Hash: "hash-4", Name: "Stalled", RemoteStatus: model.StatusDownloading}
	c.put(cont)
	prov.infoByHost["host-4"] = provider.RemoteContainer{RawStatus: "downloading", Speed: 0, Seeders: 0}

	c.stallDetectionOnce(context.Background())
	// allow the zero-duration ceiling to elapse
	time.Sleep(time.Millisecond)
	c.stallDetectionOnce(context.Background())

	require.Equal(t, model.LifecycleProblematic, cont.LifecycleState)
	require.True(t, prov.deleted["host-4"])
}

func TestStallDetectionClearsOnRecovery(t *testing.T) {
	c, prov, _ := newTestController(t)
	c.cfg.StallSpeedBytesPerSec = 1000

	cont := &model.Container{HostID: "host-5", Hash: "hash-5", Name: "Recovering", RemoteStatus: model.StatusDownloading}
	c.put(cont)
	prov.infoByHost["host-5"] = provider.RemoteContainer{RawStatus: "downloading", Speed: 0, Seeders: 1}
	c.stallDetectionOnce(context.Background())
	_, stalled := c.stallSince["hash-5"]
	require.True(t, stalled)

	prov.infoByHost["host-5"] = provider.RemoteContainer{RawStatus: "downloading", Speed: 5000, Seeders: 3}
	c.stallDetectionOnce(context.Background())
	_, stillStalled := c.stallSince["hash-5"]
	require.False(t, stillStalled)
}

func TestDormancyRetiresIdleContainer(t *testing.T) {
	c, prov, _ := newTestController(t)
	c.cfg.KeepActiveHours = 1

	old := time.Now().Add(-2 * time.Hour)
	cont := &model.Container{
		HostID:         "host-6",
		Hash:           "hash-6",
		Name:           "Idle",
		RemoteStatus:   model.StatusDownloaded,
		LifecycleState: model.LifecycleActive,
		LastAccessed:   &old,
	}
	c.put(cont)

	c.dormancyOnce(context.Background())

	require.Equal(t, model.LifecycleDormant, cont.LifecycleState)
	require.True(t, prov.deleted["host-6"])
}

func TestDormancyDisabledSkipsRetirement(t *testing.T) {
	c, _, _ := newTestController(t)
	c.cfg.EnableDormant = false
	c.cfg.KeepActiveHours = 1

	old := time.Now().Add(-2 * time.Hour)
	cont := &model.Container{
		Hash:           "hash-7",
		RemoteStatus:   model.StatusDownloaded,
		LifecycleState: model.LifecycleActive,
		LastAccessed:   &old,
	}
	c.put(cont)

	c.dormancyOnce(context.Background())

	require.Equal(t, model.LifecycleActive, cont.LifecycleState)
}

func TestRestoreReactivatesDormantContainer(t *testing.T) {
	c, prov, st := newTestController(t)
	prov.addMagnetID = "host-8-new"

	cont := &model.Container{
		HostID:         "host-8-old",
		Hash:           "hash-8",
		Name:           "Dormant",
		LifecycleState: model.LifecycleDormant,
		Files:          []*model.File{{FileID: "f1", RestrictedLink: "r://f1"}},
	}
	require.NoError(t, st.Save(store.DirDeleted, cont))

	prov.infoByHost["host-8-new"] = provider.RemoteContainer{
		Files: []provider.RemoteFile{{FileID: "f1", RestrictedLink: "r://f1-new"}},
	}
	prov.unrestrict["r://f1-new"] = provider.UnrestrictResult{Link: "https://cdn/f1-new"}

	err := c.Restore(context.Background(), "hash-8")
	require.NoError(t, err)

	restored, ok := c.get("hash-8")
	require.True(t, ok)
	require.Equal(t, model.LifecycleActive, restored.LifecycleState)
	require.Equal(t, "https://cdn/f1-new", restored.Files[0].DownloadURL)
}

func TestBootstrapReaddsFilesByLocalPath(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	ns := namespace.New()

	cont := &model.Container{
		HostID: "host-9",
		Hash:   "hash-9",
		Name:   "Resumed",
		Files: []*model.File{
			{FileID: "f1", LocalPath: "/Resumed/movie.mkv"},
		},
	}
	require.NoError(t, st.Save(store.DirActive, cont))

	c := New(config.Default(), newFakeProvider(), st, ns, nil)
	require.NoError(t, c.Bootstrap())

	require.True(t, ns.FileExists("/Resumed/movie.mkv"))
}
