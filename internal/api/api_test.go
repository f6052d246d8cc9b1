package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"praice/internal/eventbus"
	"praice/internal/jobs"
	"praice/internal/task/broker"
	"praice/internal/task/engine"
	"praice/internal/task/lease"
	"praice/internal/task/scheduler"
	"praice/internal/task/tracker"
	logx "praice/pkg/logx"
)

type fixture struct {
	srv     *Server
	broker  broker.Broker
	tracker tracker.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	noop := jobs.HandlerFunc(func(context.Context, jobs.Run, jobs.Args) error { return nil })
	h := jobs.Handlers{}
	for _, n := range jobs.Names() {
		h[n] = noop
	}
	specs := jobs.Catalogue()
	for i := range specs {
		if specs[i].Name == jobs.CollectFundamentals {
			specs[i].Enabled = false
		}
	}
	specs = specs[:len(specs)-1] // populate-sentiment-score is not registered
	reg, err := jobs.NewRegistry(specs, h, time.UTC)
	require.NoError(t, err)

	b := broker.NewMemory(nil)
	tr := tracker.NewMemory(nil, 0)
	bus := eventbus.New()
	sched := scheduler.New(scheduler.Config{HolderID: "test-holder"}, reg, b, lease.NewMemory(nil), tr, logx.Nop(), bus)
	eng := engine.New(engine.Config{}, reg, b, tr, logx.Nop(), bus)
	srv := New(Deps{Registry: reg, Scheduler: sched, Engine: eng, Tracker: tr, Backlog: b, Log: logx.Nop()})
	return &fixture{srv: srv, broker: b, tracker: tr}
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var env Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func TestHealthEnvelope(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w, env := do(t, f.srv, http.MethodGet, "/api/v1/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", env.Status)
	assert.True(t, strings.HasPrefix(env.RequestID, "req_"))
	assert.Equal(t, env.RequestID, w.Header().Get("X-Request-ID"))
	assert.False(t, env.Timestamp.IsZero())
	assert.Nil(t, env.Error)

	var h Health
	require.NoError(t, json.Unmarshal(env.Data, &h))
	assert.Equal(t, "test-holder", h.Holder)
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, env := do(t, f.srv, http.MethodGet, "/api/v1/jobs")
	var out []Job
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.Len(t, out, 7)
	assert.Equal(t, jobs.CollectHeadlines, out[0].Name)
	assert.Equal(t, "80m", out[0].Cadence)
	require.NotNil(t, out[0].State)
	assert.False(t, out[0].State.Next.IsZero())
}

func TestTriggerAndQueryRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	h := f.srv

	w, env := do(t, h, http.MethodPost, "/api/v1/jobs/collect-articles/trigger")
	require.Equal(t, http.StatusAccepted, w.Code)
	var run jobs.Run
	require.NoError(t, json.Unmarshal(env.Data, &run))
	assert.Equal(t, jobs.StatusQueued, run.Status)
	assert.Equal(t, jobs.TriggerManual, run.Trigger)

	// Same second, same slot: the lease is taken.
	w, env = do(t, h, http.MethodPost, "/api/v1/jobs/collect-articles/trigger")
	if w.Code != http.StatusConflict {
		// The clock crossed a second boundary between the two calls.
		assert.Equal(t, http.StatusAccepted, w.Code)
	} else {
		assert.Equal(t, ErrConflict, env.Error.Code)
	}

	w, env = do(t, h, http.MethodGet, "/api/v1/runs/"+run.ID)
	require.Equal(t, http.StatusOK, w.Code)
	var got jobs.Run
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, run.ID, got.ID)

	_, env = do(t, h, http.MethodGet, "/api/v1/runs/"+run.ID+"/history")
	var hist []tracker.Transition
	require.NoError(t, json.Unmarshal(env.Data, &hist))
	require.Len(t, hist, 2)
	assert.Equal(t, jobs.StatusPending, hist[0].Status)

	_, env = do(t, h, http.MethodGet, "/api/v1/jobs/collect-articles/runs?limit=5")
	var runs []jobs.Run
	require.NoError(t, json.Unmarshal(env.Data, &runs))
	assert.NotEmpty(t, runs)
	assert.Equal(t, run.ID, runs[len(runs)-1].ID)

	_, env = do(t, h, http.MethodGet, "/api/v1/stats")
	var st Stats
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, len(runs), st.Backlog)
	assert.Len(t, st.Scheduler, 7)
}

func TestErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tests := []struct {
		method, path string
		status       int
		code         ErrorCode
	}{
		{http.MethodPost, "/api/v1/jobs/nope/trigger", http.StatusNotFound, ErrNotFound},
		{http.MethodPost, "/api/v1/jobs/populate-sentiment-score/trigger", http.StatusNotFound, ErrNotFound},
		{http.MethodPost, "/api/v1/jobs/collect-store-fundamental-data/trigger", http.StatusConflict, ErrConflict},
		{http.MethodGet, "/api/v1/jobs/collect-articles/runs?limit=zero", http.StatusBadRequest, ErrValidation},
		{http.MethodGet, "/api/v1/runs/missing", http.StatusNotFound, ErrNotFound},
		{http.MethodGet, "/api/v1/runs/missing/history", http.StatusNotFound, ErrNotFound},
		{http.MethodGet, "/api/v1/nothing", http.StatusNotFound, ErrNotFound},
	}
	for _, tt := range tests {
		w, env := do(t, f.srv, tt.method, tt.path)
		assert.Equal(t, tt.status, w.Code, tt.path)
		assert.Equal(t, "error", env.Status, tt.path)
		require.NotNil(t, env.Error, tt.path)
		assert.Equal(t, tt.code, env.Error.Code, tt.path)
	}
}

func TestClient(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()
	ctx := context.Background()

	c, err := NewClient(ts.URL, 5*time.Second, logx.Nop())
	require.NoError(t, err)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)

	list, err := c.Jobs(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 7)

	run, err := c.Trigger(ctx, string(jobs.NewsWordsCount))
	require.NoError(t, err)
	got, err := c.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, got.Status)

	hist, err := c.History(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	runs, err := c.Runs(ctx, string(jobs.NewsWordsCount), 3)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Backlog)

	_, err = c.Run(ctx, "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, ErrNotFound, apiErr.Err.Code)
}

func TestProfilerMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	w, _ := do(t, f.srv, http.MethodGet, "/debug/pprof/")
	assert.Equal(t, http.StatusNotFound, w.Code)

	d := f.srv.d
	d.Profiler = true
	srv := New(d)
	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")
}
