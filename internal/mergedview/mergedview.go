// Package mergedview implements the read/write overlay of a local
// directory on top of the VirtualNamespace (SPEC_FULL.md §4.E):
// resolution rules, merged directory listings, and a namespace-event-
// invalidated node cache. Grounded on rclone's backend/cache, which
// layers its own cache Fs in front of a wrapped remote fs.Fs the same
// way this layers a local directory in front of the remote namespace,
// and on the teacher's go.mod dependency on hashicorp/golang-lru for
// the node cache itself.
package mergedview

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ossianhanning/aio-rdb-vfs/internal/applog"
	"github.com/ossianhanning/aio-rdb-vfs/internal/chunkcache"
	"github.com/ossianhanning/aio-rdb-vfs/internal/coreerr"
	"github.com/ossianhanning/aio-rdb-vfs/internal/namespace"
)

// Kind identifies what a resolved path turned out to be.
type Kind int

// Resolution kinds (SPEC_FULL.md §4.E resolution rules).
const (
	KindNotFound Kind = iota
	KindLocalFile
	KindVirtualFile
	KindDirectory
)

// Resolved is the outcome of resolving a canonical path.
type Resolved struct {
	Kind          Kind
	LocalPath     string // valid when Kind == KindLocalFile, or a directory with a local counterpart
	VirtualNode   namespace.NodeInfo
	HasLocal      bool
	HasVirtual    bool
}

// DirEntry is one entry in a merged directory listing.
type DirEntry struct {
	Name     string
	IsDir    bool
	IsLocal  bool // true if this entry came from (or is shadowed by) the local overlay
}

// SecurityDescriptor is the uniform, permissive descriptor every merged
// node reports (SPEC_FULL.md §4.E "Security").
type SecurityDescriptor struct {
	Owner                string
	WorldRead            bool
	WorldTraverse        bool
	WorldWrite           bool
	WorldDelete          bool
	DenyChangePermissions bool
	DenyTakeOwnership     bool
}

// UniformSecurityDescriptor is the single descriptor value returned for
// every node in the merged view.
var UniformSecurityDescriptor = SecurityDescriptor{
	Owner:                 "SYSTEM",
	WorldRead:             true,
	WorldTraverse:         true,
	WorldWrite:            true,
	WorldDelete:           true,
	DenyChangePermissions: true,
	DenyTakeOwnership:     true,
}

// View is the merged read/write overlay.
type View struct {
	localRoot string
	ns        *namespace.VirtualNamespace
	cache     *chunkcache.Cache

	nodeCacheMu sync.Mutex
	nodeCache   *lru.Cache
}

// New builds a View rooted at localRoot, overlaying ns and forwarding
// virtual-file reads to cache.
func New(localRoot string, ns *namespace.VirtualNamespace, cache *chunkcache.Cache) (*View, error) {
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, fmt.Errorf("mergedview: mkdir %s: %w", localRoot, err)
	}
	nc, err := lru.New(4096)
	if err != nil {
		return nil, fmt.Errorf("mergedview: node cache: %w", err)
	}
	v := &View{localRoot: localRoot, ns: ns, cache: cache, nodeCache: nc}
	ns.Subscribe(v.onNamespaceEvent)
	return v, nil
}

func (v *View) localPath(canonical string) string {
	return filepath.Join(v.localRoot, filepath.FromSlash(strings.TrimPrefix(canonical, "/")))
}

// onNamespaceEvent invalidates the node cache in response to namespace
// mutations; folder events recurse over every cached path sharing the
// folder's prefix (SPEC_FULL.md §4.E "Node cache").
func (v *View) onNamespaceEvent(ev namespace.Event) {
	v.nodeCacheMu.Lock()
	defer v.nodeCacheMu.Unlock()

	switch ev.Type {
	case namespace.EventFileAdded, namespace.EventFileDeleted:
		v.nodeCache.Remove(ev.Path)
	case namespace.EventFileMoved:
		v.nodeCache.Remove(ev.OldPath)
		v.nodeCache.Remove(ev.Path)
	case namespace.EventFolderAdded, namespace.EventFolderDeleted:
		v.invalidatePrefixLocked(ev.Path)
	case namespace.EventFolderMoved:
		v.invalidatePrefixLocked(ev.OldPath)
		v.invalidatePrefixLocked(ev.Path)
	}
}

func (v *View) invalidatePrefixLocked(prefix string) {
	for _, k := range v.nodeCache.Keys() {
		ks, ok := k.(string)
		if !ok {
			continue
		}
		if ks == prefix || strings.HasPrefix(ks, prefix+"/") {
			v.nodeCache.Remove(k)
		}
	}
}

// Resolve applies the §4.E resolution rules for a canonical path.
func (v *View) Resolve(canonical string) Resolved {
	if cached, ok := v.nodeCache.Get(canonical); ok {
		return cached.(Resolved)
	}

	lp := v.localPath(canonical)
	localInfo, localErr := os.Lstat(lp)
	hasLocal := localErr == nil
	localIsDir := hasLocal && localInfo.IsDir()

	vnode, hasVirtual := v.ns.Find(canonical)
	virtualIsDir := hasVirtual && vnode.IsFolder

	var r Resolved
	switch {
	case hasLocal && !localIsDir && !hasVirtual:
		r = Resolved{Kind: KindLocalFile, LocalPath: lp, HasLocal: true}
	case hasLocal && !localIsDir && hasVirtual && !virtualIsDir:
		// Local file shadows a virtual file of the same name.
		r = Resolved{Kind: KindLocalFile, LocalPath: lp, HasLocal: true, HasVirtual: true, VirtualNode: vnode}
	case !hasLocal && hasVirtual && !virtualIsDir:
		r = Resolved{Kind: KindVirtualFile, VirtualNode: vnode, HasVirtual: true}
	case localIsDir || virtualIsDir:
		r = Resolved{Kind: KindDirectory, LocalPath: lp, HasLocal: localIsDir, HasVirtual: virtualIsDir, VirtualNode: vnode}
	default:
		r = Resolved{Kind: KindNotFound}
	}

	v.nodeCache.Add(canonical, r)
	return r
}

// List returns the merged, case-insensitive-deduplicated listing of a
// directory: local entries shadow virtual entries of the same name.
func (v *View) List(canonical string) ([]DirEntry, error) {
	r := v.Resolve(canonical)
	if r.Kind != KindDirectory {
		return nil, fmt.Errorf("mergedview: %w: %s", coreerr.ErrNotPresent, canonical)
	}

	seen := map[string]bool{}
	var out []DirEntry

	if r.HasLocal {
		entries, err := os.ReadDir(r.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("mergedview: readdir %s: %w", r.LocalPath, err)
		}
		for _, e := range entries {
			key := strings.ToLower(e.Name())
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir(), IsLocal: true})
		}
	}

	if r.HasVirtual {
		children, err := v.ns.List(canonical)
		if err != nil {
			return nil, fmt.Errorf("mergedview: %w", err)
		}
		for _, c := range children {
			name := leafName(c.Path)
			key := strings.ToLower(name)
			if seen[key] {
				continue // shadowed by a local entry of the same name
			}
			seen[key] = true
			out = append(out, DirEntry{Name: name, IsDir: c.IsFolder})
		}
	}

	return out, nil
}

func leafName(canonical string) string {
	i := strings.LastIndex(canonical, "/")
	if i < 0 {
		return canonical
	}
	return canonical[i+1:]
}

// Read dispatches to a direct local read or to the ChunkCache, per the
// resolved kind.
func (v *View) Read(ctx context.Context, canonical string, offset, length int64) ([]byte, error) {
	r := v.Resolve(canonical)
	switch r.Kind {
	case KindLocalFile:
		return readLocalRange(r.LocalPath, offset, length)
	case KindVirtualFile:
		if r.VirtualNode.File == nil {
			return nil, fmt.Errorf("mergedview: %w: %s", coreerr.ErrNotPresent, canonical)
		}
		return v.cache.Read(ctx, r.VirtualNode.ContainerHash, r.VirtualNode.File, offset, length)
	default:
		return nil, fmt.Errorf("mergedview: %w: %s", coreerr.ErrNotPresent, canonical)
	}
}

func readLocalRange(path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mergedview: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("mergedview: seek %s: %w", path, err)
	}
	buf := make([]byte, length)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("mergedview: read %s: %w", path, err)
	}
	return buf[:n], nil
}

// Write targets the local overlay; it never writes through to the
// virtual namespace (virtual files are read-only per spec.md §1).
// Writing to a pure virtual path fails with coreerr.ErrReadOnly.
func (v *View) Write(canonical string, offset int64, data []byte) (int, error) {
	r := v.Resolve(canonical)
	if r.Kind == KindVirtualFile {
		return 0, fmt.Errorf("mergedview: %w: %s", coreerr.ErrReadOnly, canonical)
	}

	lp := v.localPath(canonical)
	if err := os.MkdirAll(filepath.Dir(lp), 0o755); err != nil {
		return 0, fmt.Errorf("mergedview: mkdir %s: %w", filepath.Dir(lp), err)
	}
	f, err := os.OpenFile(lp, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("mergedview: open %s: %w", lp, err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("mergedview: seek %s: %w", lp, err)
	}
	n, err := f.Write(data)
	if err != nil {
		return n, fmt.Errorf("mergedview: write %s: %w", lp, err)
	}
	v.nodeCache.Remove(canonical)
	return n, nil
}

// Delete removes canonical. If a local counterpart exists it is deleted
// from the local overlay (never propagated to the virtual namespace --
// see DESIGN.md Open Question decision 2); otherwise the deletion
// targets the virtual namespace.
func (v *View) Delete(canonical string) error {
	r := v.Resolve(canonical)
	switch {
	case r.Kind == KindLocalFile:
		if err := os.Remove(r.LocalPath); err != nil {
			return fmt.Errorf("mergedview: remove %s: %w", r.LocalPath, err)
		}
		v.nodeCache.Remove(canonical)
		applog.Debugf("mergedview", "deleted local file %s", canonical)
		return nil
	case r.Kind == KindVirtualFile:
		applog.Debugf("mergedview", "deleting virtual file %s", canonical)
		return v.ns.DeleteFile(canonical)
	case r.Kind == KindDirectory:
		entries, err := v.List(canonical)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return fmt.Errorf("mergedview: %w: %s", coreerr.ErrDirectoryNotEmpty, canonical)
		}
		if r.HasLocal {
			if err := os.Remove(r.LocalPath); err != nil {
				return fmt.Errorf("mergedview: rmdir %s: %w", r.LocalPath, err)
			}
			v.nodeCache.Remove(canonical)
			return nil
		}
		return v.ns.DeleteFolder(canonical)
	default:
		return fmt.Errorf("mergedview: %w: %s", coreerr.ErrNotPresent, canonical)
	}
}

// Rename moves canonical src to dst, targeting the local overlay when a
// local counterpart exists, otherwise the virtual namespace.
func (v *View) Rename(src, dst string) error {
	r := v.Resolve(src)
	switch r.Kind {
	case KindLocalFile:
		dstLocal := v.localPath(dst)
		if err := os.MkdirAll(filepath.Dir(dstLocal), 0o755); err != nil {
			return fmt.Errorf("mergedview: mkdir %s: %w", filepath.Dir(dstLocal), err)
		}
		if err := os.Rename(r.LocalPath, dstLocal); err != nil {
			return fmt.Errorf("mergedview: rename %s->%s: %w", r.LocalPath, dstLocal, err)
		}
		v.nodeCache.Remove(src)
		v.nodeCache.Remove(dst)
		return nil
	case KindVirtualFile:
		return v.ns.MoveFile(src, dst)
	case KindDirectory:
		if r.HasLocal {
			dstLocal := v.localPath(dst)
			if err := os.Rename(r.LocalPath, dstLocal); err != nil {
				return fmt.Errorf("mergedview: rename %s->%s: %w", r.LocalPath, dstLocal, err)
			}
		}
		if r.HasVirtual {
			return v.ns.MoveFolder(src, dst)
		}
		return nil
	default:
		return fmt.Errorf("mergedview: %w: %s", coreerr.ErrNotPresent, src)
	}
}

// Mkdir creates a local directory at canonical.
func (v *View) Mkdir(canonical string) error {
	lp := v.localPath(canonical)
	if err := os.Mkdir(lp, 0o755); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("mergedview: %w: %s", coreerr.ErrCollision, canonical)
		}
		return fmt.Errorf("mergedview: mkdir %s: %w", lp, err)
	}
	v.nodeCache.Remove(canonical)
	return nil
}

