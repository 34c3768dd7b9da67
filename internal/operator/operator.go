// CLAUDE:SUMMARY Operator HTTP surface — dispatch, state history, version records and the activity feed behind Basic Auth.
// Package operator exposes the engine to its human operator over HTTP:
// submitting dispatches, inspecting the snapshot chain, reading version
// records, and following the activity feed. Everything except /health
// sits behind Basic Auth.
package operator

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/relais/internal/dispatch"
	"github.com/hazyhaar/relais/internal/idgen"
	"github.com/hazyhaar/relais/internal/journal"
	"github.com/hazyhaar/relais/internal/shield"
	"github.com/hazyhaar/relais/internal/snapstore"
	"github.com/hazyhaar/relais/internal/versions"
)

// Dispatcher runs one capability request end to end: routing, state
// append, journaling. The engine satisfies it. The report is always
// non-nil; the result only on success.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dispatch.Request) (*dispatch.Result, *dispatch.Report)
}

// Deps are the engine parts the surface reads from.
type Deps struct {
	Dispatcher Dispatcher
	Store      *snapstore.Store
	Journal    *journal.Journal
	Guard      *versions.Guard
	Logger     *slog.Logger
	NewID      idgen.Generator
}

func (d *Deps) defaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.NewID == nil {
		d.NewID = idgen.Prefixed("req_", idgen.Default)
	}
}

// Server is the operator HTTP surface.
type Server struct {
	deps Deps
	user string
	hash []byte // bcrypt hash of the operator password
}

// New builds the surface. passwordHash is a bcrypt hash; generate one
// with bcrypt.GenerateFromPassword.
func New(username string, passwordHash []byte, deps Deps) *Server {
	deps.defaults()
	return &Server{deps: deps, user: username, hash: passwordHash}
}

// Routes returns the chi router with the shield stack applied. /health is
// open; every /api route requires credentials.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(s.user, s.hash))

		r.Post("/api/dispatch", s.handleDispatch)
		r.Get("/api/head", s.handleHead)
		r.Get("/api/snapshots/{seq}", s.handleSnapshot)
		r.Get("/api/history", s.handleHistory)
		r.Get("/api/version", s.handleVersion)
		r.Get("/api/events", s.handleEvents)
	})

	return r
}
