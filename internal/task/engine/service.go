package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"praice/internal/eventbus"
	"praice/internal/jobs"
	"praice/internal/runtime/supervisor"
	"praice/internal/task/broker"
	"praice/internal/task/tracker"
	logx "praice/pkg/logx"
)

func New(cfg Config, reg *jobs.Registry, b broker.Broker, tr tracker.Tracker, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		now:     time.Now,
		reg:     reg,
		broker:  b,
		tracker: tr,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	cfg := s.cfg
	s.stopCh = make(chan struct{})
	s.stopping = false
	// Handlers outlive the parent context until Stop decides to interrupt them.
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log.Named("engine")),
		// Worker failures should not hard-kill the app.
		supervisor.WithCancelOnError(false),
	)
	stopCh := s.stopCh
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		// Auto-restart workers if they panic or exit unexpectedly.
		s.sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			return s.worker(c, stopCh, idx)
		})
	}
	s.log.Info("worker pool started",
		logx.Int("workers", cfg.Workers),
		logx.Duration("poll", cfg.PollInterval),
		logx.Duration("visibility", cfg.VisibilityTimeout),
	)
}

// Stop stops dequeuing and waits up to DrainTimeout for in-flight runs.
// Runs still executing after that are canceled and returned to the broker
// without counting an attempt.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	sup, runCancel, drain := s.sup, s.runCancel, s.cfg.DrainTimeout
	s.mu.Unlock()

	start := time.Now()
	s.log.Info("stop requested", logx.Int("in_flight", int(atomic.LoadInt32(&s.inFlight))))
	sup.Cancel()

	drainCtx, cancel := context.WithTimeout(ctx, drain)
	err := sup.Wait(drainCtx)
	cancel()
	if err != nil && drainCtx.Err() != nil {
		s.log.Warn("drain timed out; interrupting in-flight runs",
			logx.Duration("drain_timeout", drain),
			logx.Int("in_flight", int(atomic.LoadInt32(&s.inFlight))),
		)
		runCancel()
		if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
			s.log.Warn("worker pool stop timed out", logx.Err(ctx.Err()))
			return
		}
	}
	runCancel()

	s.mu.Lock()
	s.stopCh = nil
	s.sup = nil
	s.stopping = false
	s.mu.Unlock()
	s.log.Info("worker pool stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.stopCh != nil && !s.stopping
	workers := s.cfg.Workers
	s.mu.Unlock()
	return Snapshot{
		Running:      running,
		Workers:      workers,
		InFlight:     int(atomic.LoadInt32(&s.inFlight)),
		Succeeded:    atomic.LoadUint64(&s.succeeded),
		Retried:      atomic.LoadUint64(&s.retried),
		Failed:       atomic.LoadUint64(&s.failed),
		DeadLettered: atomic.LoadUint64(&s.deadLettered),
		Interrupted:  atomic.LoadUint64(&s.interrupted),
		StaleAcks:    atomic.LoadUint64(&s.staleAcks),
	}
}

func (s *Service) record(ctx context.Context, run jobs.Run) {
	if s.tracker == nil {
		return
	}
	if err := s.tracker.Record(ctx, run); err != nil {
		s.log.Warn("tracker record failed",
			logx.String("run_id", run.ID),
			logx.String("status", string(run.Status)),
			logx.Err(err),
		)
	}
}

func (s *Service) publish(topic string, run jobs.Run) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: s.now(), Data: run.Clone()})
}

func (s *Service) warnDequeue(err error) {
	now := time.Now().UnixNano()
	last := atomic.LoadInt64(&s.lastDequeueWarnAt)
	if last != 0 && time.Duration(now-last) < warnThrottleEvery {
		return
	}
	if !atomic.CompareAndSwapInt64(&s.lastDequeueWarnAt, last, now) {
		return
	}
	s.log.Warn("dequeue failed", logx.Err(err))
}

func isStale(err error) bool { return errors.Is(err, broker.ErrStaleReceipt) }
