package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"praice/internal/jobs"
	rtsup "praice/internal/runtime/supervisor"
	"praice/internal/task/engine"
	"praice/internal/task/scheduler"
	"praice/internal/task/tracker"
	logx "praice/pkg/logx"
)

type Health struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
	Holder string `json:"holder_id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, Health{
		Status: "healthy",
		Uptime: time.Since(s.start).Round(time.Second).String(),
		Holder: s.d.Scheduler.HolderID(),
	})
}

// Job is one registered job with its scheduling state.
type Job struct {
	Name       jobs.Name           `json:"name"`
	Cadence    string              `json:"cadence"`
	Enabled    bool                `json:"enabled"`
	MaxRetries int                 `json:"max_retries"`
	Timeout    string              `json:"timeout"`
	Args       jobs.Args           `json:"args,omitempty"`
	State      *scheduler.JobState `json:"schedule,omitempty"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	states := map[jobs.Name]scheduler.JobState{}
	for _, st := range s.d.Scheduler.Snapshot() {
		states[st.Name] = st
	}
	entries := s.d.Registry.List()
	out := make([]Job, 0, len(entries))
	for _, e := range entries {
		j := Job{
			Name:       e.Spec.Name,
			Cadence:    e.Spec.Cadence,
			Enabled:    e.Spec.Enabled,
			MaxRetries: e.Spec.MaxRetries,
			Timeout:    e.Spec.Timeout.String(),
			Args:       e.Spec.Args,
		}
		if st, ok := states[e.Spec.Name]; ok {
			j.State = &st
		}
		out = append(out, j)
	}
	respondOK(w, r, out)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	name, ok := s.jobName(w, r)
	if !ok {
		return
	}
	run, err := s.d.Scheduler.Trigger(r.Context(), name)
	switch {
	case err == nil:
		s.log.Info("manual trigger", logx.String("job", string(name)), logx.String("run_id", run.ID))
		respondAccepted(w, r, run)
	case errors.Is(err, jobs.ErrUnknownJob):
		respondError(w, r, http.StatusNotFound, ErrNotFound, err.Error())
	case errors.Is(err, jobs.ErrLeaseContention), errors.Is(err, jobs.ErrJobDisabled):
		respondError(w, r, http.StatusConflict, ErrConflict, err.Error())
	default:
		s.log.Warn("manual trigger failed", logx.String("job", string(name)), logx.Err(err))
		respondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	name, ok := s.jobName(w, r)
	if !ok {
		return
	}
	limit := tracker.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, r, http.StatusBadRequest, ErrValidation, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.d.Tracker.ListRecent(r.Context(), name, limit)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	if runs == nil {
		runs = []jobs.Run{}
	}
	respondOK(w, r, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.d.Tracker.GetStatus(r.Context(), id)
	if errors.Is(err, tracker.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, ErrNotFound, "run '"+id+"' not found")
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	respondOK(w, r, run)
}

func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hist, err := s.d.Tracker.History(r.Context(), id)
	if errors.Is(err, tracker.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, ErrNotFound, "run '"+id+"' not found")
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	respondOK(w, r, hist)
}

type Stats struct {
	Holder    string               `json:"holder_id"`
	Backlog   int                  `json:"backlog"`
	Engine    engine.Snapshot      `json:"engine"`
	Scheduler []scheduler.JobState `json:"scheduler"`
	Loops     *rtsup.Snapshot      `json:"loops,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	n, err := s.d.Backlog.Len(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	out := Stats{
		Holder:    s.d.Scheduler.HolderID(),
		Backlog:   n,
		Engine:    s.d.Engine.Snapshot(),
		Scheduler: s.d.Scheduler.Snapshot(),
	}
	if s.d.Loops != nil {
		snap := s.d.Loops()
		out.Loops = &snap
	}
	respondOK(w, r, out)
}

// jobName resolves the {name} parameter; unknown names answer 404.
func (s *Server) jobName(w http.ResponseWriter, r *http.Request) (jobs.Name, bool) {
	raw := chi.URLParam(r, "name")
	name, err := jobs.ParseName(raw)
	if err == nil {
		if _, ok := s.d.Registry.Get(name); ok {
			return name, true
		}
	}
	respondError(w, r, http.StatusNotFound, ErrNotFound, "job '"+raw+"' not found")
	return "", false
}
