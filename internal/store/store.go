// Package store persists container descriptors to disk as whole-file
// JSON (SPEC_FULL.md §4.H, carrying spec.md §4.F's persistence
// paragraph): one `<host_id>.trd` file under Active/, Deleted/ or
// Problematic/, written via the same temp-file+fsync+rename idiom as
// chunkstore, and watched with fsnotify so a descriptor removed by an
// external process is treated as a deletion of every File it owned.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ossianhanning/aio-rdb-vfs/internal/applog"
	"github.com/ossianhanning/aio-rdb-vfs/internal/model"
)

// Dir names the three fixed lifecycle directories under a Store's root.
type Dir string

// The three persisted-container directories (spec.md §4.F).
const (
	DirActive      Dir = "Active"
	DirDeleted     Dir = "Deleted"
	DirProblematic Dir = "Problematic"
)

var allDirs = []Dir{DirActive, DirDeleted, DirProblematic}

const descriptorExt = ".trd"

// ExternalDeleteListener is notified when a container's descriptor file
// is removed by something other than this process (e.g. an operator
// deleting a `.trd` file by hand), once per File the container owned.
type ExternalDeleteListener func(container *model.Container, file *model.File)

// Store is the persisted-container directory set rooted at a configured
// path. A single lock serialises every directory move and file write
// (spec.md §5: "a single per-store lock serialises directory moves and
// file writes").
type Store struct {
	root string

	directoryLock sync.Mutex

	idxMu    sync.RWMutex
	location map[string]Dir              // host_id -> current directory
	active   map[string]*model.Container // host_id -> last-known body, Active/ only

	watcher   *fsnotify.Watcher
	listeners []ExternalDeleteListener
}

// New returns a Store rooted at root, creating Active/, Deleted/ and
// Problematic/ if necessary.
func New(root string) (*Store, error) {
	for _, d := range allDirs {
		if err := os.MkdirAll(filepath.Join(root, string(d)), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", d, err)
		}
	}
	return &Store{
		root:     root,
		location: make(map[string]Dir),
		active:   make(map[string]*model.Container),
	}, nil
}

func (s *Store) path(dir Dir, hostID string) string {
	return filepath.Join(s.root, string(dir), hostID+descriptorExt)
}

// Save writes c's descriptor into dir via temp-file+fsync+rename,
// removing any stale copy left in a different directory.
func (s *Store) Save(dir Dir, c *model.Container) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", c.HostID, err)
	}

	s.directoryLock.Lock()
	defer s.directoryLock.Unlock()

	if err := s.writeAtomicLocked(dir, c.HostID, data); err != nil {
		return err
	}
	if prev, ok := s.location[c.HostID]; ok && prev != dir {
		_ = os.Remove(s.path(prev, c.HostID))
	}

	s.idxMu.Lock()
	s.location[c.HostID] = dir
	if dir == DirActive {
		s.active[c.HostID] = c
	} else {
		delete(s.active, c.HostID)
	}
	s.idxMu.Unlock()
	return nil
}

func (s *Store) writeAtomicLocked(dir Dir, hostID string, data []byte) error {
	final := s.path(dir, hostID)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("store: create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("store: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store: rename %s: %w", tmp, err)
	}
	return nil
}

// Move relocates hostID's descriptor from its current directory to dir
// (e.g. active -> problematic on a lifecycle transition), without
// rewriting its contents.
func (s *Store) Move(hostID string, dir Dir) error {
	s.directoryLock.Lock()
	defer s.directoryLock.Unlock()

	s.idxMu.RLock()
	from, ok := s.location[hostID]
	s.idxMu.RUnlock()
	if !ok || from == dir {
		return nil
	}
	if err := os.Rename(s.path(from, hostID), s.path(dir, hostID)); err != nil {
		return fmt.Errorf("store: move %s %s->%s: %w", hostID, from, dir, err)
	}

	s.idxMu.Lock()
	s.location[hostID] = dir
	s.idxMu.Unlock()
	return nil
}

// Delete removes hostID's descriptor entirely (used when a container is
// purged rather than transitioned between lifecycle directories).
func (s *Store) Delete(hostID string) error {
	s.directoryLock.Lock()
	defer s.directoryLock.Unlock()

	s.idxMu.RLock()
	dir, ok := s.location[hostID]
	s.idxMu.RUnlock()
	if !ok {
		return nil
	}
	if err := os.Remove(s.path(dir, hostID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove %s: %w", hostID, err)
	}

	s.idxMu.Lock()
	delete(s.location, hostID)
	delete(s.active, hostID)
	s.idxMu.Unlock()
	return nil
}

// LoadAll reads every descriptor in dir, populating the in-memory
// location index as a side effect (LoadAllDirs calls it for every
// directory at startup; the dormancy loop and Restore reload Deleted/).
func (s *Store) LoadAll(dir Dir) ([]*model.Container, error) {
	full := filepath.Join(s.root, string(dir))
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("store: readdir %s: %w", dir, err)
	}

	var out []*model.Container
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), descriptorExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(full, e.Name()))
		if err != nil {
			applog.Errorf("store", "read %s: %v", e.Name(), err)
			continue
		}
		var c model.Container
		if err := json.Unmarshal(data, &c); err != nil {
			applog.Errorf("store", "parse %s: %v", e.Name(), err)
			continue
		}
		out = append(out, &c)

		s.idxMu.Lock()
		s.location[c.HostID] = dir
		if dir == DirActive {
			s.active[c.HostID] = &c
		}
		s.idxMu.Unlock()
	}
	return out, nil
}

// LoadAllDirs loads every directory, keyed by Dir, for startup
// reconciliation.
func (s *Store) LoadAllDirs() (map[Dir][]*model.Container, error) {
	out := make(map[Dir][]*model.Container, len(allDirs))
	for _, d := range allDirs {
		containers, err := s.LoadAll(d)
		if err != nil {
			return nil, err
		}
		out[d] = containers
	}
	return out, nil
}

// Subscribe registers a listener invoked once per File when a
// container's descriptor disappears from Active/ without going through
// Move or Delete (i.e. was removed externally).
func (s *Store) Subscribe(l ExternalDeleteListener) {
	s.listeners = append(s.listeners, l)
}

// Watch starts an fsnotify watch on Active/, translating external
// `.trd` removals into per-File callbacks, and returning once the
// watcher is installed. Call Close to stop it.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("store: new watcher: %w", err)
	}
	activeDir := filepath.Join(s.root, string(DirActive))
	if err := w.Add(activeDir); err != nil {
		_ = w.Close()
		return fmt.Errorf("store: watch %s: %w", activeDir, err)
	}
	s.watcher = w

	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Remove == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, descriptorExt) {
				continue
			}
			s.handleExternalRemove(filepath.Base(ev.Name))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			applog.Errorf("store", "watch error: %v", err)
		}
	}
}

func (s *Store) handleExternalRemove(filename string) {
	hostID := strings.TrimSuffix(filename, descriptorExt)

	s.idxMu.Lock()
	dir, known := s.location[hostID]
	container := s.active[hostID]
	if known && dir == DirActive {
		delete(s.location, hostID)
		delete(s.active, hostID)
	}
	s.idxMu.Unlock()
	if !known || dir != DirActive || container == nil {
		return
	}

	applog.Infof("store", "external delete detected for %s, marking %d files deleted", hostID, len(container.Files))
	for _, f := range container.Files {
		for _, l := range s.listeners {
			l(container, f)
		}
	}
}

// Close stops the fsnotify watcher, if running.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

// Root returns the store's root directory, mostly for tests.
func (s *Store) Root() string { return s.root }
