package scheduler

import (
	"context"
	"sync"
	"time"

	"praice/internal/eventbus"
	"praice/internal/jobs"
	"praice/internal/runtime/supervisor"
	"praice/internal/task/broker"
	"praice/internal/task/lease"
	"praice/internal/task/tracker"
	logx "praice/pkg/logx"
)

// Config controls the beat loop.
type Config struct {
	TickInterval time.Duration
	LeaseTTL     time.Duration
	// HolderID identifies this instance in lease records. Empty means host-pid-random.
	HolderID string
}

const (
	DefaultTickInterval = time.Second
	DefaultLeaseTTL     = 5 * time.Minute
)

// State is the per-job position in IDLE -> DUE -> LEASED -> ENQUEUED.
// A successful firing (scheduled or manual) stays ENQUEUED until the next
// slot is due; a skipped, contended or failed firing returns to IDLE.
type State string

const (
	StateIdle     State = "idle"
	StateDue      State = "due"
	StateLeased   State = "leased"
	StateEnqueued State = "enqueued"
)

type jobState struct {
	entry     jobs.Entry
	state     State
	next      time.Time
	lastFired time.Time
	lastRunID string
	lastErr   string
}

// JobState is a read-only view of one job for diagnostics.
type JobState struct {
	Name      jobs.Name `json:"name"`
	Cadence   string    `json:"cadence"`
	Enabled   bool      `json:"enabled"`
	State     State     `json:"state"`
	Next      time.Time `json:"next_fire_time,omitempty"`
	LastFired time.Time `json:"last_fired_at,omitempty"`
	LastRunID string    `json:"last_run_id,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type Option func(*Service)

// WithClock replaces time.Now. Tests drive ticks with a fake clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	bus eventbus.Bus
	now func() time.Time

	reg     *jobs.Registry
	broker  broker.Broker
	leases  lease.Manager
	tracker tracker.Tracker

	order []jobs.Name
	jobs  map[jobs.Name]*jobState

	// tickMu serializes ticks and manual triggers; Stop waits on it.
	tickMu sync.Mutex

	sup    *supervisor.Supervisor
	cancel context.CancelFunc

	warnMu   sync.Mutex
	lastWarn map[jobs.Name]time.Time
}
