package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"praice/internal/eventbus"
	"praice/internal/jobs"
	"praice/internal/task/broker"
	logx "praice/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, idx int) error {
	s.mu.Lock()
	cfg, runCtx := s.cfg, s.runCtx
	s.mu.Unlock()
	log := s.log.With(logx.Int("worker", idx))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		default:
		}

		// A claim must not be lost to cancellation half way through.
		d, err := s.broker.Dequeue(runCtx, cfg.VisibilityTimeout)
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			s.warnDequeue(err)
		}
		if d == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-stopCh:
				return nil
			case <-time.After(cfg.PollInterval):
			}
			continue
		}
		s.execOne(runCtx, log, d)
	}
}

// execOne runs one delivery and settles it with the broker.
func (s *Service) execOne(runCtx context.Context, log logx.Logger, d *broker.Delivery) {
	run := d.Run
	log = log.With(logx.String("job", string(run.Job)), logx.String("run_id", run.ID), logx.Int("attempt", run.Attempt))

	handler, spec, err := s.reg.Resolve(run.Job)
	if err != nil {
		opCtx, cancel := s.opContext()
		defer cancel()
		s.ack(opCtx, log, d)
		run.Status = jobs.StatusDeadLettered
		run.Terminal = true
		run.FinishedAt = jobs.TimePtr(s.now())
		run.LastError = jobs.ErrorText(jobs.Permanent(err))
		s.record(opCtx, run)
		s.publish(eventbus.RunDeadLettered, run)
		atomic.AddUint64(&s.deadLettered, 1)
		log.Error("run dead-lettered: job not registered", logx.Err(err))
		return
	}

	start := s.now()
	run.Status = jobs.StatusRunning
	run.StartedAt = jobs.TimePtr(start)
	run.FinishedAt = nil
	s.record(runCtx, run)
	s.publish(eventbus.RunStarted, run)
	log.Debug("run started", logx.Int("deliveries", d.Deliveries))

	atomic.AddInt32(&s.inFlight, 1)
	err = s.invoke(runCtx, log, handler, spec, run)
	atomic.AddInt32(&s.inFlight, -1)

	finish := s.now()
	dur := finish.Sub(start)
	opCtx, cancel := s.opContext()
	defer cancel()

	switch {
	case err == nil:
		s.ack(opCtx, log, d)
		run.Status = jobs.StatusSucceeded
		run.Terminal = true
		run.LastError = ""
		run.FinishedAt = jobs.TimePtr(finish)
		s.record(opCtx, run)
		s.publish(eventbus.RunSucceeded, run)
		atomic.AddUint64(&s.succeeded, 1)
		if dur >= 750*time.Millisecond {
			log.Info("run succeeded", logx.Duration("dur", dur))
		} else {
			log.Debug("run succeeded", logx.Duration("dur", dur))
		}

	case runCtx.Err() != nil:
		// Interrupted by shutdown: hand the run back without counting an attempt.
		run.Status = jobs.StatusQueued
		run.LastError = "interrupted: " + jobs.ErrorText(err)
		run.EnqueuedAt = jobs.TimePtr(finish)
		d.Run = run
		// Queued goes in before the nack: once visible, a peer may record running.
		s.record(opCtx, run)
		s.nack(opCtx, log, d, 0)
		s.publish(eventbus.RunInterrupted, run)
		atomic.AddUint64(&s.interrupted, 1)
		log.Warn("run interrupted by shutdown", logx.Duration("dur", dur))

	case jobs.IsPermanent(err):
		s.ack(opCtx, log, d)
		run.Status = jobs.StatusFailed
		run.Terminal = true
		run.LastError = jobs.ErrorText(err)
		run.FinishedAt = jobs.TimePtr(finish)
		s.record(opCtx, run)
		s.publish(eventbus.RunFailed, run)
		atomic.AddUint64(&s.failed, 1)
		log.Warn("run failed permanently", logx.Duration("dur", dur), logx.Err(err))

	case run.Attempt < spec.MaxRetries:
		delay := jobs.RetryDelay(spec, run.Attempt, err)
		run.Status = jobs.StatusFailed
		run.LastError = jobs.ErrorText(err)
		run.FinishedAt = jobs.TimePtr(finish)
		s.record(opCtx, run)

		run.Attempt++
		run.Status = jobs.StatusQueued
		run.EnqueuedAt = jobs.TimePtr(finish)
		run.StartedAt, run.FinishedAt = nil, nil
		d.Run = run
		s.record(opCtx, run)
		s.nack(opCtx, log, d, delay)
		s.publish(eventbus.RunRetrying, run)
		atomic.AddUint64(&s.retried, 1)
		log.Warn("run failed; retry scheduled",
			logx.Duration("dur", dur),
			logx.Duration("delay", delay),
			logx.Int("next_attempt", run.Attempt),
			logx.Err(err),
		)

	default:
		s.ack(opCtx, log, d)
		run.Status = jobs.StatusDeadLettered
		run.Terminal = true
		run.LastError = jobs.ErrorText(fmt.Errorf("%w after %d attempts: %v", jobs.ErrRetriesExhausted, run.Attempt+1, err))
		run.FinishedAt = jobs.TimePtr(finish)
		s.record(opCtx, run)
		s.publish(eventbus.RunDeadLettered, run)
		atomic.AddUint64(&s.deadLettered, 1)
		log.Error("run dead-lettered", logx.Duration("dur", dur), logx.Err(err))
	}
}

// invoke runs the handler under the job timeout. Panics and timeouts become
// transient errors.
func (s *Service) invoke(parent context.Context, log logx.Logger, h jobs.Handler, spec jobs.Spec, run jobs.Run) (err error) {
	ctx, cancel := context.WithTimeout(parent, spec.Timeout)
	defer cancel()
	func() {
		// Guard against handler panics so one bad job can't kill a worker.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				log.Error("run panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = h.Handle(ctx, run.Clone(), spec.Args.Clone())
	}()
	if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// A handler that overran its deadline did not finish in time, whatever
		// it returned. %v drops any classification: a timeout is always retryable.
		if err == nil {
			err = errors.New("handler returned after the deadline")
		}
		err = fmt.Errorf("timed out after %s: %v", spec.Timeout, err)
	}
	return err
}

func (s *Service) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

func (s *Service) ack(ctx context.Context, log logx.Logger, d *broker.Delivery) {
	if err := s.broker.Ack(ctx, d); err != nil {
		if isStale(err) {
			atomic.AddUint64(&s.staleAcks, 1)
			log.Warn("ack after visibility expired; run was redelivered", logx.Err(err))
			return
		}
		log.Error("ack failed", logx.Err(err))
	}
}

func (s *Service) nack(ctx context.Context, log logx.Logger, d *broker.Delivery, delay time.Duration) {
	if err := s.broker.Nack(ctx, d, delay); err != nil {
		if isStale(err) {
			atomic.AddUint64(&s.staleAcks, 1)
			log.Warn("nack after visibility expired; run was redelivered", logx.Err(err))
			return
		}
		log.Error("nack failed", logx.Err(err))
	}
}
