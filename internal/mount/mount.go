// Package mount implements the kernel/userspace filesystem driver
// binding named in spec.md §1 ("the kernel/userspace filesystem driver
// bindings [are] treated as an abstract Mount collaborator that
// forwards read/readdir/open/rename/... operations to the namespace").
// It is a thin adapter over hanwen/go-fuse/v2/fs, translating the core
// error taxonomy (internal/coreerr) to syscall.Errno and forwarding
// every operation to mergedview.View -- not part of the CORE's tested
// surface (SPEC_FULL.md §4.J).
package mount

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ossianhanning/aio-rdb-vfs/internal/coreerr"
	"github.com/ossianhanning/aio-rdb-vfs/internal/mergedview"
)

// node is the single InodeEmbedder implementation for every entry in
// the mounted tree; it carries no state of its own beyond the
// canonical path it represents, since mergedview.View -- not the
// kernel driver -- is the source of truth for the namespace.
type node struct {
	fs.Inode
	view *mergedview.View
	path string
}

var (
	_ fs.NodeLookuper  = (*node)(nil)
	_ fs.NodeReaddirer = (*node)(nil)
	_ fs.NodeGetattrer = (*node)(nil)
	_ fs.NodeOpener    = (*node)(nil)
	_ fs.NodeReader    = (*node)(nil)
	_ fs.NodeWriter    = (*node)(nil)
	_ fs.NodeCreater   = (*node)(nil)
	_ fs.NodeMkdirer   = (*node)(nil)
	_ fs.NodeUnlinker  = (*node)(nil)
	_ fs.NodeRmdirer   = (*node)(nil)
	_ fs.NodeRenamer   = (*node)(nil)
)

func (n *node) child(name string) string {
	if n.path == "/" {
		return "/" + name
	}
	return n.path + "/" + name
}

// translateErrno maps the §7 error taxonomy onto FUSE's syscall.Errno
// vocabulary (SPEC_FULL.md §4.J: ENOENT, EROFS, EEXIST, ENOTEMPTY).
func translateErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case coreerr.Is(err, coreerr.ErrNotPresent):
		return syscall.ENOENT
	case coreerr.Is(err, coreerr.ErrReadOnly):
		return syscall.EROFS
	case coreerr.Is(err, coreerr.ErrCollision):
		return syscall.EEXIST
	case coreerr.Is(err, coreerr.ErrDirectoryNotEmpty):
		return syscall.ENOTEMPTY
	case coreerr.Is(err, coreerr.ErrInvalidRange):
		return syscall.EINVAL
	case coreerr.Is(err, coreerr.ErrCancelled):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}

func fillAttr(out *fuse.Attr, a mergedview.Attr) {
	if a.IsDir {
		out.Mode = syscall.S_IFDIR | 0o777
	} else {
		out.Mode = syscall.S_IFREG | 0o777
		out.Size = uint64(a.Size)
	}
	if !a.ModTime.IsZero() {
		out.SetTimes(nil, &a.ModTime, nil)
	}
}

// Lookup implements fs.NodeLookuper, resolving name under n via
// mergedview.View.Resolve and attaching a child node for whatever kind
// of entry it turns out to be.
func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := n.child(name)
	attr, err := n.view.Stat(childPath)
	if err != nil {
		return nil, translateErrno(err)
	}
	fillAttr(&out.Attr, attr)

	mode := uint32(syscall.S_IFREG)
	if attr.IsDir {
		mode = syscall.S_IFDIR
	}
	child := &node{view: n.view, path: childPath}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: mode}), 0
}

// Getattr implements fs.NodeGetattrer.
func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.view.Stat(n.path)
	if err != nil {
		return translateErrno(err)
	}
	fillAttr(&out.Attr, attr)
	return 0
}

// Readdir implements fs.NodeReaddirer, listing the merged directory
// (SPEC_FULL.md §4.E: local entries shadow virtual entries of the same
// name).
func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.view.List(n.path)
	if err != nil {
		return nil, translateErrno(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(syscall.S_IFREG)
		if e.IsDir {
			mode = syscall.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(out), 0
}

// Open implements fs.NodeOpener. Reads are served directly from
// View.Read on every call rather than through a stateful file handle,
// since the ChunkCache (reached through View) already owns all
// necessary serialisation per file.
func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

// Read implements fs.NodeReader, forwarding to mergedview.View.Read,
// which dispatches to a direct local read or to ChunkCache.Read per
// the resolved kind.
func (n *node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := n.view.Read(ctx, n.path, off, int64(len(dest)))
	if err != nil {
		return nil, translateErrno(err)
	}
	return fuse.ReadResultData(data), 0
}

// Write implements fs.NodeWriter. Writes against a virtual path return
// EROFS (spec.md §1: virtual files are read-only).
func (n *node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	written, err := n.view.Write(n.path, off, data)
	if err != nil {
		return 0, translateErrno(err)
	}
	return uint32(written), 0
}

// Create implements fs.NodeCreater, always targeting the local overlay
// (there is no such thing as creating a new virtual file from the
// mount side).
func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	childPath := n.child(name)
	if _, err := n.view.Write(childPath, 0, nil); err != nil {
		return nil, nil, 0, translateErrno(err)
	}
	attr, err := n.view.Stat(childPath)
	if err != nil {
		return nil, nil, 0, translateErrno(err)
	}
	fillAttr(&out.Attr, attr)
	child := &node{view: n.view, path: childPath}
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG})
	return inode, nil, fuse.FOPEN_DIRECT_IO, 0
}

// Mkdir implements fs.NodeMkdirer, always targeting the local overlay.
func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := n.child(name)
	if err := n.view.Mkdir(childPath); err != nil {
		return nil, translateErrno(err)
	}
	attr, _ := n.view.Stat(childPath)
	fillAttr(&out.Attr, attr)
	child := &node{view: n.view, path: childPath}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

// Unlink implements fs.NodeUnlinker.
func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return translateErrno(n.view.Delete(n.child(name)))
}

// Rmdir implements fs.NodeRmdirer. View.Delete already rejects a
// non-empty merged listing with coreerr.ErrDirectoryNotEmpty.
func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return translateErrno(n.view.Delete(n.child(name)))
}

// Rename implements fs.NodeRenamer.
func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*node)
	if !ok {
		return syscall.EINVAL
	}
	return translateErrno(n.view.Rename(n.child(name), np.child(newName)))
}

// Server wraps the running fuse.Server with the methods callers
// actually need (Unmount, Wait); it exists so callers don't need to
// import hanwen/go-fuse/v2/fuse directly just to shut the mount down.
type Server struct {
	*fuse.Server
}

// Mount attaches view at mountpoint and returns the running Server.
// Mount is told the volume is case-insensitive but case-preserving
// (SPEC_FULL.md §4.E "Security") at the mergedview layer itself --
// go-fuse has no first-class case-insensitivity flag, so this is
// enforced by namespace's own fold-key comparison, not by any mount
// option here.
func Mount(mountpoint string, view *mergedview.View, debug bool) (*Server, error) {
	root := &node{view: view, path: "/"}
	opts := &fs.Options{}
	opts.FsName = "aio-rdb-vfs"
	opts.Name = "aio-rdb-vfs"
	opts.Debug = debug

	srv, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, err
	}
	return &Server{Server: srv}, nil
}
