package engine

import (
	"context"
	"sync"
	"time"

	"praice/internal/eventbus"
	"praice/internal/jobs"
	"praice/internal/runtime/supervisor"
	"praice/internal/task/broker"
	"praice/internal/task/tracker"
	logx "praice/pkg/logx"
)

// Config controls the worker pool.
type Config struct {
	Workers int
	// PollInterval is how long an idle worker waits before dequeuing again.
	PollInterval time.Duration
	// VisibilityTimeout hides a dequeued run from other workers. It must exceed
	// every job timeout, otherwise a slow run is redelivered while still executing.
	VisibilityTimeout time.Duration
	// DrainTimeout bounds how long Stop waits for in-flight runs before
	// interrupting them.
	DrainTimeout time.Duration
}

const (
	DefaultWorkers           = 4
	DefaultPollInterval      = time.Second
	DefaultVisibilityTimeout = 15 * time.Minute
	DefaultDrainTimeout      = 30 * time.Second

	// opTimeout bounds broker and tracker calls made after a handler returns.
	opTimeout = 10 * time.Second

	warnThrottleEvery = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

// Snapshot is a point-in-time view of the pool.
type Snapshot struct {
	Running      bool   `json:"running"`
	Workers      int    `json:"workers"`
	InFlight     int    `json:"in_flight"`
	Succeeded    uint64 `json:"succeeded"`
	Retried      uint64 `json:"retried"`
	Failed       uint64 `json:"failed"`
	DeadLettered uint64 `json:"dead_lettered"`
	Interrupted  uint64 `json:"interrupted"`
	StaleAcks    uint64 `json:"stale_acks"`
}

type Option func(*Service)

// WithClock replaces time.Now for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	reg     *jobs.Registry
	broker  broker.Broker
	tracker tracker.Tracker

	sup      *supervisor.Supervisor
	stopCh   chan struct{}
	stopping bool

	// runCtx parents every handler context; canceling it interrupts in-flight runs.
	runCtx    context.Context
	runCancel context.CancelFunc

	inFlight     int32
	succeeded    uint64
	retried      uint64
	failed       uint64
	deadLettered uint64
	interrupted  uint64
	staleAcks    uint64

	lastDequeueWarnAt int64
}
