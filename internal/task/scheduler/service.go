package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"praice/internal/eventbus"
	"praice/internal/jobs"
	"praice/internal/runtime/supervisor"
	"praice/internal/task/broker"
	"praice/internal/task/lease"
	"praice/internal/task/tracker"
	logx "praice/pkg/logx"
)

func New(cfg Config, reg *jobs.Registry, b broker.Broker, leases lease.Manager, tr tracker.Tracker, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if strings.TrimSpace(cfg.HolderID) == "" {
		cfg.HolderID = defaultHolderID()
	}
	s := &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		now:      time.Now,
		reg:      reg,
		broker:   b,
		leases:   leases,
		tracker:  tr,
		jobs:     map[jobs.Name]*jobState{},
		lastWarn: map[jobs.Name]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	now := s.now()
	for _, e := range reg.List() {
		st := &jobState{entry: e, state: StateIdle}
		if e.Spec.Enabled {
			st.next = e.Schedule.Next(now)
		}
		s.jobs[e.Spec.Name] = st
		s.order = append(s.order, e.Spec.Name)
	}
	return s
}

func defaultHolderID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "beat"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// HolderID returns the identity this instance uses for leases.
func (s *Service) HolderID() string { return s.cfg.HolderID }

// Start runs the tick loop under a supervisor until Stop or ctx cancel.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.GoRestart("scheduler.tick", s.loop, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	enabled := 0
	for _, st := range s.jobs {
		if st.entry.Spec.Enabled {
			enabled++
		}
	}
	s.log.Info("service started",
		logx.String("holder", s.cfg.HolderID),
		logx.Duration("tick", s.cfg.TickInterval),
		logx.Int("jobs", len(s.order)),
		logx.Int("enabled", enabled),
	)
}

func (s *Service) loop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	// A tick that already started finishes its lease and enqueue even when ctx is canceled.
	tickCtx := context.WithoutCancel(ctx)
	s.Tick(tickCtx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Tick(tickCtx)
		}
	}
}

// Stop stops ticking and waits for an in-flight tick to complete.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	sup, cancel := s.sup, s.cancel
	s.sup, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sup != nil {
		if err := sup.Wait(ctx); err != nil {
			s.log.Warn("tick loop did not stop cleanly", logx.Err(err))
		}
	}
	// Manual triggers hold the same lock.
	done := make(chan struct{})
	go func() {
		s.tickMu.Lock()
		s.tickMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}
