package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"praice/internal/api"
	"praice/internal/eventbus"
	"praice/internal/jobs"
	"praice/internal/task/broker"
	"praice/internal/task/engine"
	"praice/internal/task/lease"
	"praice/internal/task/scheduler"
	"praice/internal/task/tracker"
	logx "praice/pkg/logx"
)

// startTestServer serves the control API over in-memory backends. The worker
// pool is not started, so triggered runs stay queued.
func startTestServer(t *testing.T) string {
	t.Helper()
	noop := jobs.HandlerFunc(func(context.Context, jobs.Run, jobs.Args) error { return nil })
	h := jobs.Handlers{}
	for _, n := range jobs.Names() {
		h[n] = noop
	}
	reg, err := jobs.NewRegistry(jobs.Catalogue(), h, time.UTC)
	require.NoError(t, err)

	b := broker.NewMemory(nil)
	tr := tracker.NewMemory(nil, 0)
	bus := eventbus.New()
	sched := scheduler.New(scheduler.Config{HolderID: "cli-test"}, reg, b, lease.NewMemory(nil), tr, logx.Nop(), bus)
	eng := engine.New(engine.Config{}, reg, b, tr, logx.Nop(), bus)
	srv := api.New(api.Deps{Registry: reg, Scheduler: sched, Engine: eng, Tracker: tr, Backlog: b, Log: logx.Nop()})

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts.URL
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

var runIDPattern = regexp.MustCompile(`Queued: (\S+)`)

func TestJobsTriggerRunsStatus(t *testing.T) {
	url := startTestServer(t)

	out, err := execute(t, "--server", url, "jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	for _, n := range jobs.Names() {
		assert.Contains(t, out, string(n))
	}

	out, err = execute(t, "--server", url, "trigger", string(jobs.CollectPriceData))
	require.NoError(t, err)
	m := runIDPattern.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	runID := m[1]
	assert.Contains(t, out, "collect-price-data")

	out, err = execute(t, "--server", url, "runs", string(jobs.CollectPriceData), "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, runID)
	assert.Contains(t, out, "queued")
	assert.Contains(t, out, "manual")

	out, err = execute(t, "--server", url, "status", runID)
	require.NoError(t, err)
	assert.Contains(t, out, "Run: "+runID)
	assert.Contains(t, out, "Status:    queued")
	assert.Contains(t, out, "History:")
	assert.Equal(t, 2, strings.Count(out, "    - "), "pending and queued transitions")

	out, err = execute(t, "--server", url, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Holder:  cli-test")
	assert.Contains(t, out, "Backlog: 1")
}

func TestCommandErrors(t *testing.T) {
	url := startTestServer(t)

	_, err := execute(t, "--server", url, "trigger", "mine-bitcoin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")

	_, err = execute(t, "--server", url, "status", "no-such-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")

	out, err := execute(t, "--server", url, "runs", string(jobs.TechnicalAnalysis))
	require.NoError(t, err)
	assert.Contains(t, out, "No runs found.")

	_, err = execute(t, "--server", url, "trigger")
	assert.Error(t, err, "job name is required")
}

func TestCheckConfig(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "beat.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
broker:
  url: redis://:hunter2@cache:6379/0
jobs:
  - name: collect-articles
    cadence: 15m
  - name: populate-sentiment-score
    enabled: false
`), 0o600))

	out, err := execute(t, "--config", good, "check-config")
	require.NoError(t, err)
	assert.Contains(t, out, "redis://:xxxxx@cache:6379/0")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "collect-articles")
	assert.Contains(t, out, "15m")
	assert.NotContains(t, out, "collect-price-data", "only listed jobs are loaded")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
jobs:
  - name: collect-articles
    cadence: "every tuesday"
`), 0o600))
	_, err = execute(t, "--config", bad, "check-config")
	require.Error(t, err)
	assert.True(t, jobs.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "cadence")
}
