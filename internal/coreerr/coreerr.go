// Package coreerr defines the typed error taxonomy used by the CORE
// packages (chunkstore, chunkcache, namespace, mergedview, reconcile).
// CORE packages return these sentinels (wrapped with context via
// fmt.Errorf("...: %w", ...)) and never HTTP or FUSE status codes --
// translation to those happens only at the edge adapters.
package coreerr

import "errors"

// Sentinel errors, one per taxonomy entry in SPEC_FULL.md §7.
var (
	// ErrInvalidRange: a negative read offset. chunkcache.Read returns an
	// empty result, not this error, for a non-positive length or an
	// offset at or past EOF.
	ErrInvalidRange = errors.New("invalid range")
	// ErrFetchFailed: retries exhausted or non-retryable HTTP from the upstream.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrCancelled: a cooperative cancellation of a read or download.
	ErrCancelled = errors.New("cancelled")
	// ErrNotPresent: the target File no longer exists in the namespace.
	ErrNotPresent = errors.New("not present")
	// ErrReadOnly: a write was attempted against a virtual path.
	ErrReadOnly = errors.New("read-only")
	// ErrCollision: create at a path that already resolves to an entry.
	ErrCollision = errors.New("name collision")
	// ErrDirectoryNotEmpty: delete of a folder whose merged listing has entries.
	ErrDirectoryNotEmpty = errors.New("directory not empty")
	// ErrFatal: an I/O error that leaves accounting uncertain.
	ErrFatal = errors.New("fatal cache error")
)

// Is reports whether err is, or wraps, target -- a thin re-export so
// callers in this module don't need to import stdlib errors separately
// just to check a coreerr sentinel.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
