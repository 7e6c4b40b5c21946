// Package compatapi implements the compatibility HTTP API
// (SPEC_FULL.md §4.K): a go-chi/chi/v5 router exposing the subset of a
// popular torrent client's Web API that external media-library
// automation tools need -- add magnet/torrent, list/info/delete
// containers, set category/tags -- translated onto
// reconcile.Controller. This surface is
// explicitly out of CORE scope per spec.md §1: it is a thin adapter,
// not part of the tested CORE contract, and exact field-for-field
// fidelity with the real client it mimics is not attempted -- only the
// fields SPEC_FULL.md's data model can actually populate are emitted.
package compatapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ossianhanning/aio-rdb-vfs/internal/applog"
	"github.com/ossianhanning/aio-rdb-vfs/internal/reconcile"
)

// Server holds the dependencies needed to answer compat API requests.
type Server struct {
	controller *reconcile.Controller
	defaultHost string

	sessionsMu sync.Mutex
	sessions   map[string]time.Time
}

// New builds a Server fronting controller. defaultHost names the
// upstream "host" value (e.g. a specific debrid provider identifier)
// passed through on every add-torrent/add-magnet call.
func New(controller *reconcile.Controller, defaultHost string) *Server {
	return &Server{
		controller:  controller,
		defaultHost: defaultHost,
		sessions:    make(map[string]time.Time),
	}
}

// Router builds the full chi.Router for the compat API, mounted at the
// caller's chosen prefix (conventionally "/").
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)

	r.Route("/api/v2", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/logout", s.handleLogout)

		r.Route("/torrents", func(r chi.Router) {
			r.Get("/info", s.handleList)
			r.Get("/properties", s.handleProperties)
			r.Post("/add", s.handleAdd)
			r.Post("/delete", s.handleDelete)
			r.Post("/setCategory", s.handleSetCategory)
			r.Post("/addTags", s.handleAddTags)
		})

		r.Get("/app/version", s.handleVersion)
	})

	return r
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		applog.Debugf("compatapi", "%s %s (%s) in %s", r.Method, r.URL.Path, middleware.GetReqID(r.Context()), time.Since(start))
	})
}

// handleVersion answers the client compatibility probe every
// automation tool issues before doing anything else.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("v4.6.0"))
}

// handleLogin issues an opaque SID cookie; the compat API otherwise
// performs no real authentication -- that is handled one layer below
// by whatever fronts this daemon on the network.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	sid := uuid.NewString()
	s.sessionsMu.Lock()
	s.sessions[sid] = time.Now()
	s.sessionsMu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "SID", Value: sid, Path: "/"})
	w.Write([]byte("Ok."))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie("SID"); err == nil {
		s.sessionsMu.Lock()
		delete(s.sessions, c.Value)
		s.sessionsMu.Unlock()
	}
	w.Write([]byte("Ok."))
}
