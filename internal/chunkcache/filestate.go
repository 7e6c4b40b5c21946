package chunkcache

import (
	"context"
	"sync"
	"time"
)

// downloadTask tracks a single in-flight chunk download.
type downloadTask struct {
	chunkIndex int64
	cancel     context.CancelFunc
	done       chan struct{}
	err        error
}

// fileState is the per-(container,file) bookkeeping kept for the
// lifetime of the process (one instance per file seen since last
// restart, per SPEC_FULL.md §4.C).
type fileState struct {
	// readMu serialises reads on this file (§5 ordering guarantees).
	readMu sync.Mutex

	// taskMu guards task and lastAccess below; deliberately separate
	// from readMu so a background readahead can register/complete a
	// task without blocking (or being blocked by) foreground reads,
	// while a foreground read can still observe and preempt it.
	taskMu     sync.Mutex
	task       *downloadTask
	lastAccess time.Time
}

func newFileState() *fileState {
	return &fileState{lastAccess: time.Now()}
}

func (fs *fileState) touch() {
	fs.taskMu.Lock()
	fs.lastAccess = time.Now()
	fs.taskMu.Unlock()
}

// currentTask returns the in-flight task, if any.
func (fs *fileState) currentTask() *downloadTask {
	fs.taskMu.Lock()
	defer fs.taskMu.Unlock()
	return fs.task
}

// tryAcquireReadLock is used by eviction to skip files with an active
// reader, without blocking.
func (fs *fileState) tryAcquireReadLock() bool {
	return fs.readMu.TryLock()
}
