package compatapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/ossianhanning/aio-rdb-vfs/internal/applog"
	"github.com/ossianhanning/aio-rdb-vfs/internal/model"
)

// torrentInfo is the subset of the compatibility client's torrent JSON
// object that SPEC_FULL.md's data model can actually populate
// (SPEC_FULL.md §4.K: "only the fields the spec's data model can
// populate are emitted").
type torrentInfo struct {
	Hash       string  `json:"hash"`
	Name       string  `json:"name"`
	Size       int64   `json:"size"`
	Progress   float64 `json:"progress"`
	State      string  `json:"state"`
	Category   string  `json:"category"`
	Tags       string  `json:"tags"`
	AddedOn    int64   `json:"added_on"`
	SavePath   string  `json:"save_path"`
	ContentPath string `json:"content_path"`
}

// toTorrentInfo translates a model.Container into the compat API's
// torrent JSON shape.
func toTorrentInfo(c *model.Container) torrentInfo {
	var contentPath string
	if len(c.Files) > 0 {
		contentPath = c.Files[0].LocalPath
	}
	progress := 0.0
	if c.RemoteStatus == model.StatusDownloaded {
		progress = 1.0
	}
	return torrentInfo{
		Hash:        strings.ToLower(c.Hash),
		Name:        c.Name,
		Size:        c.TotalSize(),
		Progress:    progress,
		State:       compatState(c),
		Category:    c.Category,
		Tags:        strings.Join(c.Tags, ","),
		AddedOn:     c.AddedAt.Unix(),
		SavePath:    "/" + c.Name,
		ContentPath: contentPath,
	}
}

// compatState maps the internal lifecycle/remote-status pair onto the
// client's own state vocabulary; the mapping is necessarily lossy since
// SPEC_FULL.md's canonical statuses don't have a 1:1 counterpart for
// every upstream state the original client distinguishes.
func compatState(c *model.Container) string {
	if c.LifecycleState == model.LifecycleProblematic {
		return "error"
	}
	if c.LifecycleState == model.LifecycleDormant {
		return "pausedUP"
	}
	switch c.RemoteStatus {
	case model.StatusDownloaded:
		return "uploading"
	case model.StatusDownloading:
		return "downloading"
	case model.StatusStalled:
		return "stalledDL"
	case model.StatusQueued, model.StatusWaitingFiles, model.StatusMagnetConversion, model.StatusCompressing:
		return "queuedDL"
	case model.StatusError, model.StatusMagnetError, model.StatusVirus, model.StatusDead, model.StatusMissing:
		return "error"
	default:
		return "unknown"
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		applog.Errorf("compatapi", "encode response: %v", err)
	}
}

// handleList answers GET /api/v2/torrents/info, optionally filtered by
// the "category" and "hashes" query parameters.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	var wantHashes map[string]bool
	if hashesParam := r.URL.Query().Get("hashes"); hashesParam != "" {
		wantHashes = make(map[string]bool)
		for _, h := range strings.Split(hashesParam, "|") {
			wantHashes[strings.ToLower(h)] = true
		}
	}

	out := make([]torrentInfo, 0)
	for _, c := range s.controller.List() {
		if category != "" && c.Category != category {
			continue
		}
		if wantHashes != nil && !wantHashes[strings.ToLower(c.Hash)] {
			continue
		}
		out = append(out, toTorrentInfo(c))
	}
	writeJSON(w, out)
}

// handleProperties answers GET /api/v2/torrents/properties?hash=...
func (s *Server) handleProperties(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	c, ok := s.controller.Get(hash)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.controller.Touch(hash)
	writeJSON(w, toTorrentInfo(c))
}

// handleAdd answers POST /api/v2/torrents/add. It accepts either a
// multipart form with "urls" (one magnet URI per line) and/or one or
// more "torrents" file parts, plus optional "category"/"tags" fields --
// the same shape the real client's Web API accepts.
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	category := r.FormValue("category")
	var tags []string
	if t := r.FormValue("tags"); t != "" {
		tags = strings.Split(t, ",")
	}

	ctx := r.Context()
	var addedAny bool

	for _, uri := range strings.Split(r.FormValue("urls"), "\n") {
		uri = strings.TrimSpace(uri)
		if uri == "" {
			continue
		}
		if _, err := s.controller.AddMagnet(ctx, uri, s.defaultHost, category, tags); err != nil {
			applog.Errorf("compatapi", "add magnet: %v", err)
			continue
		}
		addedAny = true
	}

	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["torrents"] {
			f, err := fh.Open()
			if err != nil {
				continue
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				continue
			}
			if _, err := s.controller.AddTorrent(ctx, data, s.defaultHost, category, tags); err != nil {
				applog.Errorf("compatapi", "add torrent %s: %v", fh.Filename, err)
				continue
			}
			addedAny = true
		}
	}

	if !addedAny {
		http.Error(w, "Fails.", http.StatusBadRequest)
		return
	}
	w.Write([]byte("Ok."))
}

// handleDelete answers POST /api/v2/torrents/delete (form field
// "hashes", pipe-separated, "deleteFiles" ignored -- virtual files are
// read-only per spec.md §1 Non-goals, so there is nothing to optionally
// retain).
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	for _, hash := range strings.Split(r.FormValue("hashes"), "|") {
		hash = strings.TrimSpace(hash)
		if hash == "" {
			continue
		}
		if err := s.controller.DeleteContainer(r.Context(), hash); err != nil {
			applog.Errorf("compatapi", "delete %s: %v", hash, err)
		}
	}
	w.Write([]byte("Ok."))
}

// handleSetCategory answers POST /api/v2/torrents/setCategory.
func (s *Server) handleSetCategory(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	category := r.FormValue("category")
	for _, hash := range strings.Split(r.FormValue("hashes"), "|") {
		hash = strings.TrimSpace(hash)
		if hash == "" {
			continue
		}
		cont, ok := s.controller.Get(hash)
		if !ok {
			continue
		}
		if err := s.controller.SetCategoryAndTags(hash, category, cont.Tags); err != nil {
			applog.Errorf("compatapi", "set category %s: %v", hash, err)
		}
	}
	w.Write([]byte("Ok."))
}

// handleAddTags answers POST /api/v2/torrents/addTags.
func (s *Server) handleAddTags(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	newTags := strings.Split(r.FormValue("tags"), ",")
	for _, hash := range strings.Split(r.FormValue("hashes"), "|") {
		hash = strings.TrimSpace(hash)
		if hash == "" {
			continue
		}
		cont, ok := s.controller.Get(hash)
		if !ok {
			continue
		}
		if err := s.controller.SetCategoryAndTags(hash, cont.Category, mergeTags(cont.Tags, newTags)); err != nil {
			applog.Errorf("compatapi", "add tags %s: %v", hash, err)
		}
	}
	w.Write([]byte("Ok."))
}

func mergeTags(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string{}, existing...)
	for _, t := range existing {
		seen[t] = true
	}
	for _, t := range add {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
