package model

import "time"

// MediaInfo is the opaque result of a post-processing probe (media-file
// probing is explicitly out of CORE scope; this is the shape the hook
// populates when present).
type MediaInfo struct {
	Codec    string `json:"codec,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Duration int    `json:"duration_seconds,omitempty"`
}

// File is a member of a Container. FileID is stable within the owning
// container; HostID is the current upstream identifier of the
// unrestricted resource and may be refreshed independently of FileID.
type File struct {
	FileID          string     `json:"file_id"`
	HostID          string     `json:"host_id"`
	Size            int64      `json:"size"`
	RestrictedLink  string     `json:"restricted_link"`
	DownloadURL     string     `json:"download_url"`
	LocalPath       string     `json:"local_path"`
	DeletedLocally  bool       `json:"deleted_locally"`
	MediaInfo       *MediaInfo `json:"media_info,omitempty"`
}

// Container is a single upstream job (one torrent-like entry) grouping
// one or more Files. Container exclusively owns its Files (§3 Ownership).
type Container struct {
	HostID            string         `json:"host_id"`
	Hash              string         `json:"hash"`
	Name              string         `json:"name"`
	AddedAt           time.Time      `json:"added_at"`
	RemoteStatus      RemoteStatus   `json:"remote_status"`
	LifecycleState    LifecycleState `json:"lifecycle_state"`
	Tags              []string       `json:"tags,omitempty"`
	Category          string         `json:"category,omitempty"`
	LastAccessed      *time.Time     `json:"last_accessed,omitempty"`
	LastVerified       *time.Time    `json:"last_verified,omitempty"`
	ProblemReason     string         `json:"problem_reason,omitempty"`
	ProblemDetails    string         `json:"problem_details,omitempty"`
	VerificationAttempts int         `json:"verification_attempts,omitempty"`
	Files             []*File        `json:"files"`
}

// FileKey uniquely identifies a File's on-disk cache directory and
// in-memory per-file cache state: (container_hash, file_id).
type FileKey struct {
	ContainerHash string
	FileID        string
}

// FileKeyFor returns the FileKey for f within this container.
func (c *Container) FileKeyFor(f *File) FileKey {
	return FileKey{ContainerHash: c.Hash, FileID: f.FileID}
}

// TotalSize returns the sum of file sizes, used to check invariant 2
// (stable total size once a container is downloaded).
func (c *Container) TotalSize() int64 {
	var total int64
	for _, f := range c.Files {
		total += f.Size
	}
	return total
}

// FindFile returns the file with the given FileID, or nil.
func (c *Container) FindFile(fileID string) *File {
	for _, f := range c.Files {
		if f.FileID == fileID {
			return f
		}
	}
	return nil
}
