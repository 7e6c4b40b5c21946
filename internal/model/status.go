// Package model holds the shared data types for containers, files and
// their lifecycle/status enums.
package model

import (
	"encoding/json"
	"fmt"
)

// RemoteStatus mirrors the upstream provider's reported torrent state.
type RemoteStatus string

// Canonical remote statuses.
const (
	StatusMagnetConversion RemoteStatus = "magnet_conversion"
	StatusWaitingFiles     RemoteStatus = "waiting_files"
	StatusQueued           RemoteStatus = "queued"
	StatusDownloading      RemoteStatus = "downloading"
	StatusStalled          RemoteStatus = "stalled"
	StatusCompressing      RemoteStatus = "compressing"
	StatusUploading        RemoteStatus = "uploading"
	StatusDownloaded       RemoteStatus = "downloaded"
	StatusError            RemoteStatus = "error"
	StatusMagnetError      RemoteStatus = "magnet_error"
	StatusVirus            RemoteStatus = "virus"
	StatusDead             RemoteStatus = "dead"
	StatusMissing          RemoteStatus = "missing"
)

var validRemoteStatuses = map[RemoteStatus]bool{
	StatusMagnetConversion: true,
	StatusWaitingFiles:     true,
	StatusQueued:           true,
	StatusDownloading:      true,
	StatusStalled:          true,
	StatusCompressing:      true,
	StatusUploading:        true,
	StatusDownloaded:       true,
	StatusError:            true,
	StatusMagnetError:      true,
	StatusVirus:            true,
	StatusDead:             true,
	StatusMissing:          true,
}

// statusAliases maps the upstream provider's raw status strings (§6 of
// SPEC_FULL.md) onto our canonical names. Anything absent from this map
// resolves to StatusMissing.
var statusAliases = map[string]RemoteStatus{
	"magnet_conversion":       StatusMagnetConversion,
	"waiting_files_selection": StatusWaitingFiles,
	"queued":                  StatusQueued,
	"downloading":             StatusDownloading,
	"compressing":             StatusCompressing,
	"uploading":               StatusUploading,
	"downloaded":              StatusDownloaded,
	"error":                   StatusError,
	"magnet_error":            StatusMagnetError,
	"virus":                   StatusVirus,
	"dead":                    StatusDead,
	"stalledDL":               StatusStalled,
}

// CanonicalStatus maps a raw upstream status string onto a RemoteStatus,
// defaulting to StatusMissing for anything unrecognised.
func CanonicalStatus(raw string) RemoteStatus {
	if s, ok := statusAliases[raw]; ok {
		return s
	}
	return StatusMissing
}

// MarshalJSON writes the lowercase snake form required by the persisted
// descriptor schema.
func (s RemoteStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON validates against the closed set of canonical statuses.
func (s *RemoteStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	rs := RemoteStatus(raw)
	if !validRemoteStatuses[rs] {
		return fmt.Errorf("model: unknown remote_status %q", raw)
	}
	*s = rs
	return nil
}

// LifecycleState is the container's local bookkeeping state, independent
// of what the upstream reports.
type LifecycleState string

// Canonical lifecycle states.
const (
	LifecycleActive      LifecycleState = "active"
	LifecycleDormant     LifecycleState = "dormant"
	LifecycleProblematic LifecycleState = "problematic"
)

var validLifecycleStates = map[LifecycleState]bool{
	LifecycleActive:      true,
	LifecycleDormant:     true,
	LifecycleProblematic: true,
}

// MarshalJSON implements json.Marshaler.
func (s LifecycleState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler, validating against the
// closed set of lifecycle states.
func (s *LifecycleState) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ls := LifecycleState(raw)
	if !validLifecycleStates[ls] {
		return fmt.Errorf("model: unknown lifecycle_state %q", raw)
	}
	*s = ls
	return nil
}
