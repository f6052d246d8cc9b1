package tracker

import (
	"context"
	"sync"
	"time"

	"praice/internal/jobs"
)

// Memory keeps transitions in process. Runs beyond maxRuns are forgotten,
// oldest first.
type Memory struct {
	mu      sync.RWMutex
	now     func() time.Time
	maxRuns int

	byRun map[string][]Transition
	order []string // run ids by first transition
}

func NewMemory(now func() time.Time, maxRuns int) *Memory {
	if now == nil {
		now = time.Now
	}
	if maxRuns <= 0 {
		maxRuns = 10000
	}
	return &Memory{now: now, maxRuns: maxRuns, byRun: map[string][]Transition{}}
}

func (m *Memory) Record(_ context.Context, run jobs.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRun[run.ID]; !ok {
		m.order = append(m.order, run.ID)
		if len(m.order) > m.maxRuns {
			drop := m.order[0]
			m.order = m.order[1:]
			delete(m.byRun, drop)
		}
	}
	m.byRun[run.ID] = append(m.byRun[run.ID], newTransition(run, m.now()))
	return nil
}

func (m *Memory) GetStatus(_ context.Context, runID string) (jobs.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts := m.byRun[runID]
	if len(ts) == 0 {
		return jobs.Run{}, ErrNotFound
	}
	return ts[len(ts)-1].Run.Clone(), nil
}

func (m *Memory) ListRecent(_ context.Context, job jobs.Name, limit int) ([]jobs.Run, error) {
	limit = clampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]jobs.Run, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		ts := m.byRun[m.order[i]]
		if len(ts) == 0 || ts[0].Job != job {
			continue
		}
		out = append(out, ts[len(ts)-1].Run.Clone())
	}
	return out, nil
}

func (m *Memory) History(_ context.Context, runID string) ([]Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts := m.byRun[runID]
	if len(ts) == 0 {
		return nil, ErrNotFound
	}
	return append([]Transition(nil), ts...), nil
}
