// Package api serves the JSON control surface: job listing, manual triggers,
// run status and pool statistics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"praice/internal/jobs"
	rtsup "praice/internal/runtime/supervisor"
	"praice/internal/task/engine"
	"praice/internal/task/scheduler"
	"praice/internal/task/tracker"
	logx "praice/pkg/logx"
)

// Scheduler is the beat surface used by the API.
type Scheduler interface {
	Trigger(ctx context.Context, name jobs.Name) (jobs.Run, error)
	Snapshot() []scheduler.JobState
	HolderID() string
}

type Engine interface {
	Snapshot() engine.Snapshot
}

// Backlog reports the broker size.
type Backlog interface {
	Len(ctx context.Context) (int, error)
}

type Deps struct {
	Registry  *jobs.Registry
	Scheduler Scheduler
	Engine    Engine
	Tracker   tracker.Tracker
	Backlog   Backlog
	Log       logx.Logger
	// Loops reports the process goroutines; optional.
	Loops func() rtsup.Snapshot
	// Profiler mounts net/http/pprof under /debug.
	Profiler bool
}

type Server struct {
	router chi.Router
	d      Deps
	log    logx.Logger
	start  time.Time
}

func New(d Deps) *Server {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{router: chi.NewRouter(), d: d, log: log.Named("api"), start: time.Now()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.log))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, ErrNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, ErrValidation, "method not allowed")
	})

	if s.d.Profiler {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Route("/{name}", func(r chi.Router) {
				r.Post("/trigger", s.handleTrigger)
				r.Get("/runs", s.handleListRuns)
			})
		})
		r.Route("/runs/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Get("/history", s.handleRunHistory)
		})
	})
}
