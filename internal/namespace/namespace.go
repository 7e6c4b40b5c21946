// Package namespace implements the in-memory tree of remote
// folders/files (SPEC_FULL.md §4.D): path lookup, mutation with
// collision resolution, and synchronous change events. Grounded on the
// design notes in spec.md §9: nodes reference their parent by arena
// index rather than an owning pointer, and `full_path` is recomputed by
// walking to the root, so a subtree move never has to fix up owning
// back-references.
package namespace

import (
	"fmt"
	"sync"

	"github.com/ossianhanning/aio-rdb-vfs/internal/coreerr"
	"github.com/ossianhanning/aio-rdb-vfs/internal/model"
)

type nodeID int

const (
	noParent nodeID = -1
	rootID   nodeID = 0
)

type nodeKind int

const (
	kindFolder nodeKind = iota
	kindFile
)

type node struct {
	id     nodeID
	kind   nodeKind
	name   string // sanitised leaf name, case preserved
	parent nodeID

	childOrder []nodeID
	childIndex map[string]nodeID // foldKey(name) -> child id, folders and files share one namespace per spec's uniqueness rule

	containerHash string // file-only
	file          *model.File
}

// VirtualNamespace is the in-memory remote folder/file tree. A single
// coarse lock serialises all reads and writes (§5: "the namespace tree:
// mutations and reads are serialised by a single namespace lock").
type VirtualNamespace struct {
	mu        sync.Mutex
	nodes     map[nodeID]*node
	nextID    nodeID
	listeners []Listener
	fileIndex map[model.FileKey]nodeID
}

// New returns an empty namespace containing only the root folder.
func New() *VirtualNamespace {
	n := &VirtualNamespace{
		nodes:     make(map[nodeID]*node),
		fileIndex: make(map[model.FileKey]nodeID),
	}
	root := &node{
		id:         rootID,
		kind:       kindFolder,
		name:       "",
		parent:     noParent,
		childIndex: make(map[string]nodeID),
	}
	n.nodes[rootID] = root
	n.nextID = rootID + 1
	return n
}

func (n *VirtualNamespace) newNode(kind nodeKind, name string, parent nodeID) *node {
	nd := &node{
		id:         n.nextID,
		kind:       kind,
		name:       name,
		parent:     parent,
		childIndex: make(map[string]nodeID),
	}
	n.nodes[nd.id] = nd
	n.nextID++
	return nd
}

// fullPath walks from id to the root, building the canonical absolute
// path (spec.md §9: "walk-to-root for full_path").
func (n *VirtualNamespace) fullPath(id nodeID) string {
	if id == rootID {
		return "/"
	}
	var segs []string
	for cur := id; cur != rootID; {
		nd := n.nodes[cur]
		segs = append([]string{nd.name}, segs...)
		cur = nd.parent
	}
	p := "/"
	for i, s := range segs {
		if i > 0 {
			p += "/"
		}
		p += s
	}
	return p
}

// lookup walks the tree segment-by-segment from root; O(depth*breadth)
// is acceptable per spec.md §4.D since the hot path is cached upstream
// by MergedView.
func (n *VirtualNamespace) lookup(canonical string) (*node, bool) {
	segs := Split(canonical)
	cur := n.nodes[rootID]
	for _, seg := range segs {
		childID, ok := cur.childIndex[foldKey(seg)]
		if !ok {
			return nil, false
		}
		cur = n.nodes[childID]
	}
	return cur, true
}

// NodeInfo is the public view of a resolved namespace entry.
type NodeInfo struct {
	Path          string
	IsFolder      bool
	ContainerHash string
	File          *model.File
}

func toInfo(n *VirtualNamespace, nd *node) NodeInfo {
	return NodeInfo{
		Path:          n.fullPath(nd.id),
		IsFolder:      nd.kind == kindFolder,
		ContainerHash: nd.containerHash,
		File:          nd.file,
	}
}

// Find resolves path to a node, or (zero, false) if nothing is there.
func (n *VirtualNamespace) Find(path string) (NodeInfo, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	nd, ok := n.lookup(Canonicalize(path))
	if !ok {
		return NodeInfo{}, false
	}
	return toInfo(n, nd), true
}

// FileExists reports whether path resolves to a file.
func (n *VirtualNamespace) FileExists(path string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	nd, ok := n.lookup(Canonicalize(path))
	return ok && nd.kind == kindFile
}

// FolderExists reports whether path resolves to a folder.
func (n *VirtualNamespace) FolderExists(path string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	nd, ok := n.lookup(Canonicalize(path))
	return ok && nd.kind == kindFolder
}

// List returns the ordered names of path's direct children (folders and
// files intermixed in insertion order), or an error if path isn't a
// folder.
func (n *VirtualNamespace) List(path string) ([]NodeInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	nd, ok := n.lookup(Canonicalize(path))
	if !ok || nd.kind != kindFolder {
		return nil, fmt.Errorf("namespace: %w: %s", coreerr.ErrNotPresent, path)
	}
	out := make([]NodeInfo, 0, len(nd.childOrder))
	for _, id := range nd.childOrder {
		out = append(out, toInfo(n, n.nodes[id]))
	}
	return out, nil
}

// ensureFolderPath creates every missing intermediate folder on the way
// to dir (canonical), emitting folder_added for each one created, and
// returns the leaf folder node.
func (n *VirtualNamespace) ensureFolderPath(dir string) *node {
	segs := Split(dir)
	cur := n.nodes[rootID]
	for _, seg := range segs {
		key := foldKey(seg)
		if childID, ok := cur.childIndex[key]; ok {
			cur = n.nodes[childID]
			continue
		}
		child := n.newNode(kindFolder, seg, cur.id)
		cur.childIndex[key] = child.id
		cur.childOrder = append(cur.childOrder, child.id)
		cur = child
		n.emit(Event{Type: EventFolderAdded, Path: n.fullPath(cur.id)})
	}
	return cur
}

func existingNames(parent *node) map[string]bool {
	m := make(map[string]bool, len(parent.childIndex))
	for k := range parent.childIndex {
		m[k] = true
	}
	return m
}

func splitDirLeaf(canonical string) (dir, leaf string) {
	segs := Split(canonical)
	if len(segs) == 0 {
		return "/", ""
	}
	leaf = segs[len(segs)-1]
	dir = "/"
	if len(segs) > 1 {
		dir = "/" + join(segs[:len(segs)-1])
	}
	return dir, leaf
}

func join(segs []string) string {
	out := ""
	for i, s := range segs {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}

// AddFile creates path's intermediate folders as needed, sanitises the
// leaf name, resolves name collisions by appending " (n)", attaches
// file under the given container, and emits file_added. file.LocalPath
// is set to the final (possibly deduplicated) path.
func (n *VirtualNamespace) AddFile(path string, containerHash string, file *model.File) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	dir, leaf := splitDirLeaf(Canonicalize(path))
	leaf = SanitizeLeaf(leaf)
	parent := n.ensureFolderPath(dir)

	leaf = Deduplicate(leaf, existingNames(parent))

	child := n.newNode(kindFile, leaf, parent.id)
	child.containerHash = containerHash
	child.file = file
	parent.childIndex[foldKey(leaf)] = child.id
	parent.childOrder = append(parent.childOrder, child.id)

	full := n.fullPath(child.id)
	file.LocalPath = full
	n.fileIndex[model.FileKey{ContainerHash: containerHash, FileID: file.FileID}] = child.id

	n.emit(Event{Type: EventFileAdded, Path: full})
	return full, nil
}

// DeleteFile detaches the file at path, marks it DeletedLocally, and
// emits file_deleted.
func (n *VirtualNamespace) DeleteFile(path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	canonical := Canonicalize(path)
	nd, ok := n.lookup(canonical)
	if !ok || nd.kind != kindFile {
		return fmt.Errorf("namespace: %w: %s", coreerr.ErrNotPresent, path)
	}
	n.detach(nd)
	nd.file.DeletedLocally = true
	delete(n.fileIndex, model.FileKey{ContainerHash: nd.containerHash, FileID: nd.file.FileID})
	n.emit(Event{Type: EventFileDeleted, Path: canonical})
	return nil
}

// DeleteFolder detaches the folder at path, marking every descendant
// file DeletedLocally and emitting file_deleted for each, then emits
// folder_deleted for the folder itself.
func (n *VirtualNamespace) DeleteFolder(path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	canonical := Canonicalize(path)
	nd, ok := n.lookup(canonical)
	if !ok || nd.kind != kindFolder {
		return fmt.Errorf("namespace: %w: %s", coreerr.ErrNotPresent, path)
	}
	if nd.id == rootID {
		return fmt.Errorf("namespace: %w: cannot delete root", coreerr.ErrReadOnly)
	}

	n.markDescendantFilesDeleted(nd)
	n.detach(nd)
	n.emit(Event{Type: EventFolderDeleted, Path: canonical})
	return nil
}

func (n *VirtualNamespace) markDescendantFilesDeleted(nd *node) {
	for _, id := range nd.childOrder {
		child := n.nodes[id]
		if child.kind == kindFile {
			child.file.DeletedLocally = true
			delete(n.fileIndex, model.FileKey{ContainerHash: child.containerHash, FileID: child.file.FileID})
			n.emit(Event{Type: EventFileDeleted, Path: n.fullPath(child.id)})
		} else {
			n.markDescendantFilesDeleted(child)
		}
	}
}

// detach removes nd from its parent's child list/index and removes nd
// itself from n.nodes (callers that reattach nd put it back). nd's
// descendants stay in n.nodes but are no longer reachable from the root.
func (n *VirtualNamespace) detach(nd *node) {
	parent := n.nodes[nd.parent]
	delete(parent.childIndex, foldKey(nd.name))
	for i, id := range parent.childOrder {
		if id == nd.id {
			parent.childOrder = append(parent.childOrder[:i], parent.childOrder[i+1:]...)
			break
		}
	}
	delete(n.nodes, nd.id)
}

// MoveFile renames/reparents the file at src to dst, updating its
// File.LocalPath, and emits file_moved(src,dst).
func (n *VirtualNamespace) MoveFile(src, dst string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	srcCanon := Canonicalize(src)
	nd, ok := n.lookup(srcCanon)
	if !ok || nd.kind != kindFile {
		return fmt.Errorf("namespace: %w: %s", coreerr.ErrNotPresent, src)
	}

	dstDir, dstLeaf := splitDirLeaf(Canonicalize(dst))
	dstLeaf = SanitizeLeaf(dstLeaf)
	newParent := n.ensureFolderPath(dstDir)
	if _, collide := newParent.childIndex[foldKey(dstLeaf)]; collide {
		return fmt.Errorf("namespace: %w: %s", coreerr.ErrCollision, dst)
	}

	n.detach(nd)
	nd.name = dstLeaf
	nd.parent = newParent.id
	n.nodes[nd.id] = nd
	newParent.childIndex[foldKey(dstLeaf)] = nd.id
	newParent.childOrder = append(newParent.childOrder, nd.id)

	newPath := n.fullPath(nd.id)
	nd.file.LocalPath = newPath
	n.emit(Event{Type: EventFileMoved, OldPath: srcCanon, Path: newPath})
	return nil
}

// MoveFolder renames/reparents the folder at src to dst, recomputing
// LocalPath on every descendant file (the only place LocalPath is
// rewritten other than MoveFile), and emits folder_moved(src,dst).
func (n *VirtualNamespace) MoveFolder(src, dst string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	srcCanon := Canonicalize(src)
	nd, ok := n.lookup(srcCanon)
	if !ok || nd.kind != kindFolder {
		return fmt.Errorf("namespace: %w: %s", coreerr.ErrNotPresent, src)
	}
	if nd.id == rootID {
		return fmt.Errorf("namespace: %w: cannot move root", coreerr.ErrReadOnly)
	}

	dstDir, dstLeaf := splitDirLeaf(Canonicalize(dst))
	dstLeaf = SanitizeLeaf(dstLeaf)
	newParent := n.ensureFolderPath(dstDir)
	if _, collide := newParent.childIndex[foldKey(dstLeaf)]; collide {
		return fmt.Errorf("namespace: %w: %s", coreerr.ErrCollision, dst)
	}

	n.detach(nd)
	nd.name = dstLeaf
	nd.parent = newParent.id
	n.nodes[nd.id] = nd
	newParent.childIndex[foldKey(dstLeaf)] = nd.id
	newParent.childOrder = append(newParent.childOrder, nd.id)

	n.recomputeDescendantPaths(nd)
	n.emit(Event{Type: EventFolderMoved, OldPath: srcCanon, Path: n.fullPath(nd.id)})
	return nil
}

func (n *VirtualNamespace) recomputeDescendantPaths(nd *node) {
	for _, id := range nd.childOrder {
		child := n.nodes[id]
		if child.kind == kindFile {
			child.file.LocalPath = n.fullPath(child.id)
		} else {
			n.recomputeDescendantPaths(child)
		}
	}
}

// FindByKey resolves a File directly by its (container, file_id) key,
// used by reconciliation to relocate a File without knowing its current
// path (e.g. after a rename raced with a status refresh).
func (n *VirtualNamespace) FindByKey(key model.FileKey) (NodeInfo, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, ok := n.fileIndex[key]
	if !ok {
		return NodeInfo{}, false
	}
	return toInfo(n, n.nodes[id]), true
}
