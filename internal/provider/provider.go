// Package provider defines the RemoteProvider collaborator contract
// (SPEC_FULL.md §6) -- the abstract interface to the upstream
// debrid-style service. Its wire protocol is out of CORE scope; CORE
// packages depend only on this interface.
package provider

import (
	"context"
	"errors"
	"io"
)

// FileSelector chooses which files within a container to unrestrict
// after the magnet-conversion/waiting-files stage.
type FileSelector struct {
	// All selects every file when true; otherwise FileIDs names the
	// subset to select.
	All     bool
	FileIDs []string
}

// UnrestrictResult is the response to resolving a restricted link to a
// directly-fetchable one.
type UnrestrictResult struct {
	HostID      string
	Filename    string
	Size        int64
	Link        string // the short-lived fetchable URL
}

// RemoteFile is the upstream's view of one file inside a container.
type RemoteFile struct {
	FileID         string
	RestrictedLink string
	Size           int64
	Name           string
}

// RemoteContainer is the upstream's view of a container, prior to being
// folded into model.Container by the reconciliation loops.
type RemoteContainer struct {
	HostID       string
	Hash         string
	Name         string
	RawStatus    string
	Speed        int64
	Seeders      int
	Files        []RemoteFile
}

// RemoteProvider is the abstract collaborator for the upstream
// debrid-style service (SPEC_FULL.md §6). No assumption is made on the
// wire format; implementations propagate 401/403 as non-retryable and
// treat 429 as retryable.
type RemoteProvider interface {
	// List returns one page of containers known to the upstream.
	List(ctx context.Context, page, limit int, filter string) ([]RemoteContainer, error)
	// Info returns the full, current detail for a single container.
	Info(ctx context.Context, hostID string) (RemoteContainer, error)
	// AddTorrent uploads a .torrent file's bytes and returns the new
	// container's host_id.
	AddTorrent(ctx context.Context, data []byte, host, category string, tags []string) (string, error)
	// AddMagnet adds a magnet URI and returns the new container's
	// host_id.
	AddMagnet(ctx context.Context, uri, host string) (string, error)
	// SelectFiles chooses which files to fetch within a container that
	// is awaiting file selection.
	SelectFiles(ctx context.Context, hostID string, selector FileSelector) error
	// Delete removes a container from the upstream.
	Delete(ctx context.Context, hostID string) error
	// CheckLink reports whether a restricted link is currently
	// resolvable without actually resolving it.
	CheckLink(ctx context.Context, url string) (supported bool, err error)
	// Unrestrict resolves a restricted link to a short-lived,
	// directly-fetchable URL.
	Unrestrict(ctx context.Context, url string) (UnrestrictResult, error)
	// FetchRange opens a byte-range GET against a fetchable URL,
	// returning [start, endInclusive] of the resource.
	FetchRange(ctx context.Context, url string, start, endInclusive int64) (io.ReadCloser, error)
}

// RetryableError is optionally implemented by errors returned from a
// RemoteProvider method to tell a caller's retry loop whether trying
// again is worthwhile (SPEC_FULL.md §7: 429 and transient I/O retry,
// 401/403 and other non-retryable 4xx do not).
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable reports whether err should be retried. Errors that don't
// implement RetryableError are treated as transient by default, per
// spec.md §4.C ("transient HTTP and I/O errors retry internally").
func IsRetryable(err error) bool {
	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return true
}
