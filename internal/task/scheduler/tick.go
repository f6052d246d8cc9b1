package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"praice/internal/eventbus"
	"praice/internal/jobs"
	"praice/internal/task/lease"
	logx "praice/pkg/logx"
)

// maxSkipCount bounds the missed-slot count computed after long downtime.
const maxSkipCount = 100000

// Tick evaluates every enabled job once against the current time.
func (s *Service) Tick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	now := s.now()
	for _, name := range s.order {
		s.tickJob(ctx, name, now)
	}
}

func (s *Service) tickJob(ctx context.Context, name jobs.Name, now time.Time) {
	s.mu.Lock()
	st := s.jobs[name]
	if st == nil || !st.entry.Spec.Enabled || st.next.IsZero() || now.Before(st.next) {
		s.mu.Unlock()
		return
	}
	entry, due := st.entry, st.next
	st.state = StateDue
	s.mu.Unlock()

	slot, skipped := latestSlot(entry, due, now)
	after := entry.Schedule.Next(now)
	if skipped > 0 {
		s.log.Warn("missed firings coalesced",
			logx.String("job", string(name)),
			logx.Time("oldest", due),
			logx.Time("slot", slot),
			logx.Int("skipped", skipped),
			logx.Time("next", after),
		)
	}

	// A slot older than the lease TTL may already have been fired by a peer
	// whose lease has since expired; firing it again would duplicate the run.
	if late := now.Sub(slot); late >= s.cfg.LeaseTTL {
		s.log.Warn("slot missed; lease window passed",
			logx.String("job", string(name)),
			logx.Time("slot", slot),
			logx.Duration("late", late),
			logx.Time("next", after),
		)
		s.setState(name, func(st *jobState) {
			st.next = after
			st.state = StateIdle
			st.lastErr = "missed slot " + slot.UTC().Format(time.RFC3339)
		})
		return
	}

	_, err := s.fire(ctx, entry, slot, jobs.TriggerSchedule)
	switch {
	case err == nil:
		// fire left the job ENQUEUED; it stays so until the next slot is due.
		s.setState(name, func(st *jobState) { st.next = after })
	case errors.Is(err, jobs.ErrLeaseContention), isPushError(err):
		s.reportFireError(name, err)
		s.setState(name, func(st *jobState) {
			st.next = after
			st.state = StateIdle
		})
	default:
		// The lease store is unreachable: keep the slot and try again next tick.
		s.reportFireError(name, err)
		s.setState(name, func(st *jobState) {
			st.state = StateIdle
			st.lastErr = jobs.ErrorText(err)
		})
	}
}

// latestSlot returns the newest fire time in [due, now] and how many older
// ones it supersedes.
func latestSlot(e jobs.Entry, due, now time.Time) (time.Time, int) {
	slot, n := due, 0
	for t := e.Schedule.Next(due); !t.IsZero() && !t.After(now) && n < maxSkipCount; t = e.Schedule.Next(t) {
		slot = t
		n++
	}
	return slot, n
}

// Trigger fires name immediately. The firing is leased under a manual key
// for the current second, so concurrent triggers from several instances
// produce one run without contending with a scheduled slot of that second.
func (s *Service) Trigger(ctx context.Context, name jobs.Name) (jobs.Run, error) {
	entry, ok := s.reg.Get(name)
	if !ok {
		return jobs.Run{}, fmt.Errorf("%w: %q", jobs.ErrUnknownJob, name)
	}
	if !entry.Spec.Enabled {
		return jobs.Run{}, fmt.Errorf("%w: %q", jobs.ErrJobDisabled, name)
	}
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	due := s.now().UTC().Truncate(time.Second)
	run, err := s.fire(ctx, entry, due, jobs.TriggerManual)
	if err == nil {
		s.log.Info("job triggered", logx.String("job", string(name)), logx.String("run_id", run.ID))
	}
	return run, err
}

type pushError struct{ err error }

func (e *pushError) Error() string { return "enqueue: " + e.err.Error() }
func (e *pushError) Unwrap() error { return e.err }

func isPushError(err error) bool {
	var pe *pushError
	return errors.As(err, &pe)
}

// fire leases (job, due), records the run and pushes it to the broker.
func (s *Service) fire(ctx context.Context, e jobs.Entry, due time.Time, trigger jobs.Trigger) (jobs.Run, error) {
	name := e.Spec.Name
	key := lease.Key(name, due)
	if trigger == jobs.TriggerManual {
		key = lease.ManualKey(name, due)
	}
	ok, err := s.leases.TryAcquire(ctx, key, s.cfg.HolderID, s.cfg.LeaseTTL)
	if err != nil {
		return jobs.Run{}, fmt.Errorf("lease %s: %w", key, err)
	}
	if !ok {
		s.log.Debug("firing leased by a peer", logx.String("job", string(name)), logx.String("key", key))
		return jobs.Run{}, fmt.Errorf("%w: %s", jobs.ErrLeaseContention, key)
	}
	s.setState(name, func(st *jobState) { st.state = StateLeased })

	run := jobs.NewRun(name, due, trigger)
	s.record(ctx, run)

	// Queued is recorded before the push so a worker's running transition can never precede it.
	run.Status = jobs.StatusQueued
	run.EnqueuedAt = jobs.TimePtr(s.now())
	s.record(ctx, run)

	if err := s.broker.Enqueue(ctx, run); err != nil {
		run.Status = jobs.StatusFailed
		run.Terminal = true
		run.FinishedAt = jobs.TimePtr(s.now())
		run.LastError = "discarded: enqueue: " + jobs.ErrorText(err)
		s.record(ctx, run)
		if rerr := s.leases.Release(ctx, key, s.cfg.HolderID); rerr != nil {
			s.log.Warn("lease release failed", logx.String("key", key), logx.Err(rerr))
		}
		s.publish(eventbus.ScheduleMissed, run)
		s.setState(name, func(st *jobState) {
			st.lastErr = run.LastError
			st.lastRunID = run.ID
		})
		return run, &pushError{err: err}
	}

	s.publish(eventbus.RunQueued, run)
	s.setState(name, func(st *jobState) {
		st.state = StateEnqueued
		st.lastFired = due
		st.lastRunID = run.ID
		st.lastErr = ""
	})
	s.log.Debug("run enqueued",
		logx.String("job", string(name)),
		logx.String("run_id", run.ID),
		logx.Time("due", due),
		logx.String("trigger", string(trigger)),
	)
	return run, nil
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

func (s *Service) setState(name jobs.Name, fn func(st *jobState)) {
	s.mu.Lock()
	if st := s.jobs[name]; st != nil {
		fn(st)
	}
	s.mu.Unlock()
}
