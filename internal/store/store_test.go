package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossianhanning/aio-rdb-vfs/internal/model"
)

func sampleContainer(hostID string) *model.Container {
	return &model.Container{
		HostID:         hostID,
		Hash:           "deadbeef",
		Name:           "test.container",
		AddedAt:        time.Now(),
		RemoteStatus:   model.StatusDownloaded,
		LifecycleState: model.LifecycleActive,
		Files: []*model.File{
			{FileID: "1", Size: 100, LocalPath: "/test/file1.mkv"},
			{FileID: "2", Size: 200, LocalPath: "/test/file2.mkv"},
		},
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	c := sampleContainer("host-1")
	require.NoError(t, s.Save(DirActive, c))

	loaded, err := s.LoadAll(DirActive)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, c.Hash, loaded[0].Hash)
	assert.Len(t, loaded[0].Files, 2)
	assert.Equal(t, "/test/file1.mkv", loaded[0].Files[0].LocalPath)
}

func TestMoveRelocatesDescriptor(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	c := sampleContainer("host-2")
	require.NoError(t, s.Save(DirActive, c))
	require.NoError(t, s.Move("host-2", DirProblematic))

	active, err := s.LoadAll(DirActive)
	require.NoError(t, err)
	assert.Empty(t, active)

	problematic, err := s.LoadAll(DirProblematic)
	require.NoError(t, err)
	require.Len(t, problematic, 1)
	assert.Equal(t, "host-2", problematic[0].HostID)
}

func TestDeleteRemovesDescriptor(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	c := sampleContainer("host-3")
	require.NoError(t, s.Save(DirActive, c))
	require.NoError(t, s.Delete("host-3"))

	active, err := s.LoadAll(DirActive)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestExternalRemoveNotifiesPerFile(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	c := sampleContainer("host-4")
	require.NoError(t, s.Save(DirActive, c))

	var notified []string
	s.Subscribe(func(container *model.Container, f *model.File) {
		notified = append(notified, f.FileID)
	})

	require.NoError(t, s.Watch())
	defer s.Close()

	require.NoError(t, os.Remove(filepath.Join(s.Root(), string(DirActive), "host-4"+descriptorExt)))

	require.Eventually(t, func() bool {
		return len(notified) == 2
	}, 2*time.Second, 20*time.Millisecond)
}
