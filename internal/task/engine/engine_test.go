package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"praice/internal/eventbus"
	"praice/internal/jobs"
	"praice/internal/task/broker"
	"praice/internal/task/tracker"
	logx "praice/pkg/logx"
)

const waitFor = 3 * time.Second

func spec(name jobs.Name, maxRetries int, timeout time.Duration) jobs.Spec {
	return jobs.Spec{
		Name:        name,
		Cadence:     "1m",
		Enabled:     true,
		MaxRetries:  maxRetries,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
		Timeout:     timeout,
	}
}

type fixture struct {
	broker  *broker.Memory
	tracker *tracker.Memory
	bus     eventbus.Bus
	pool    *Service
}

func newFixture(t *testing.T, cfg Config, specs []jobs.Spec, handlers jobs.Handlers) *fixture {
	t.Helper()
	for _, n := range jobs.Names() {
		if handlers[n] == nil {
			handlers[n] = jobs.HandlerFunc(func(context.Context, jobs.Run, jobs.Args) error { return nil })
		}
	}
	reg, err := jobs.NewRegistry(specs, handlers, time.UTC)
	require.NoError(t, err)
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Millisecond
	}
	f := &fixture{
		broker:  broker.NewMemory(nil),
		tracker: tracker.NewMemory(nil, 0),
		bus:     eventbus.New(),
	}
	f.pool = New(cfg, reg, f.broker, f.tracker, logx.Nop(), f.bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		f.pool.Stop(ctx)
	})
	return f
}

func (f *fixture) enqueue(t *testing.T, job jobs.Name) jobs.Run {
	t.Helper()
	run := jobs.NewRun(job, time.Now(), jobs.TriggerSchedule)
	run.Status = jobs.StatusQueued
	require.NoError(t, f.tracker.Record(context.Background(), run))
	require.NoError(t, f.broker.Enqueue(context.Background(), run))
	return run
}

func (f *fixture) waitTerminal(t *testing.T, runID string) jobs.Run {
	t.Helper()
	var got jobs.Run
	require.Eventually(t, func() bool {
		r, err := f.tracker.GetStatus(context.Background(), runID)
		if err != nil {
			return false
		}
		got = r
		return r.Terminal
	}, waitFor, 2*time.Millisecond)
	return got
}

func statuses(t *testing.T, tr tracker.Tracker, runID string) []jobs.Status {
	t.Helper()
	hist, err := tr.History(context.Background(), runID)
	require.NoError(t, err)
	out := make([]jobs.Status, 0, len(hist))
	for _, h := range hist {
		out = append(out, h.Status)
	}
	return out
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	attempts := make(chan int, 8)
	h := jobs.HandlerFunc(func(_ context.Context, run jobs.Run, _ jobs.Args) error {
		calls.Add(1)
		attempts <- run.Attempt
		if run.Attempt < 2 {
			return jobs.Transient(errors.New("upstream 503"))
		}
		return nil
	})
	f := newFixture(t, Config{Workers: 2}, []jobs.Spec{spec(jobs.CollectArticles, 2, time.Second)}, jobs.Handlers{jobs.CollectArticles: h})
	run := f.enqueue(t, jobs.CollectArticles)
	f.pool.Start(context.Background())

	got := f.waitTerminal(t, run.ID)
	assert.Equal(t, jobs.StatusSucceeded, got.Status)
	assert.Equal(t, 2, got.Attempt)
	assert.Empty(t, got.LastError)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 0, <-attempts)
	assert.Equal(t, 1, <-attempts)
	assert.Equal(t, 2, <-attempts)

	assert.Equal(t, []jobs.Status{
		jobs.StatusQueued,
		jobs.StatusRunning, jobs.StatusFailed, jobs.StatusQueued,
		jobs.StatusRunning, jobs.StatusFailed, jobs.StatusQueued,
		jobs.StatusRunning, jobs.StatusSucceeded,
	}, statuses(t, f.tracker, run.ID))

	n, err := f.broker.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	snap := f.pool.Snapshot()
	assert.EqualValues(t, 1, snap.Succeeded)
	assert.EqualValues(t, 2, snap.Retried)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	h := jobs.HandlerFunc(func(context.Context, jobs.Run, jobs.Args) error {
		calls.Add(1)
		return jobs.Permanent(errors.New("422 unprocessable"))
	})
	f := newFixture(t, Config{Workers: 1}, []jobs.Spec{spec(jobs.GenerateNewsSummaries, 3, time.Second)}, jobs.Handlers{jobs.GenerateNewsSummaries: h})
	run := f.enqueue(t, jobs.GenerateNewsSummaries)
	f.pool.Start(context.Background())

	got := f.waitTerminal(t, run.ID)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, 0, got.Attempt)
	assert.Contains(t, got.LastError, "422 unprocessable")

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	n, err := f.broker.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "no requeue")
}

func TestRetriesExhaustedDeadLetters(t *testing.T) {
	t.Parallel()
	events := make(chan eventbus.Event, 4)
	h := jobs.HandlerFunc(func(context.Context, jobs.Run, jobs.Args) error {
		return errors.New("connection reset")
	})
	f := newFixture(t, Config{Workers: 3}, []jobs.Spec{spec(jobs.PopulateSentiment, 1, time.Second)}, jobs.Handlers{jobs.PopulateSentiment: h})
	ch, unsub := f.bus.Subscribe(4, eventbus.RunDeadLettered)
	defer unsub()
	go func() {
		for ev := range ch {
			events <- ev
		}
	}()
	run := f.enqueue(t, jobs.PopulateSentiment)
	f.pool.Start(context.Background())

	got := f.waitTerminal(t, run.ID)
	assert.Equal(t, jobs.StatusDeadLettered, got.Status)
	assert.Equal(t, 1, got.Attempt, "attempt never exceeds max_retries")
	assert.Contains(t, got.LastError, jobs.ErrRetriesExhausted.Error())
	assert.Contains(t, got.LastError, "connection reset")

	d, err := f.broker.Dequeue(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, d, "dead-lettered runs are not redelivered")

	select {
	case ev := <-events:
		r, ok := ev.Data.(jobs.Run)
		require.True(t, ok)
		assert.Equal(t, run.ID, r.ID)
	case <-time.After(waitFor):
		t.Fatal("expected a dead-letter event")
	}
}

func TestTimeoutAndPanicAreTransient(t *testing.T) {
	t.Parallel()
	slow := jobs.HandlerFunc(func(ctx context.Context, _ jobs.Run, _ jobs.Args) error {
		<-ctx.Done()
		// A handler that reports cancellation as permanent is still retried.
		return jobs.Permanent(ctx.Err())
	})
	boom := jobs.HandlerFunc(func(context.Context, jobs.Run, jobs.Args) error {
		panic("nil map")
	})
	f := newFixture(t, Config{Workers: 2},
		[]jobs.Spec{spec(jobs.TechnicalAnalysis, 1, 10*time.Millisecond), spec(jobs.NewsWordsCount, 1, time.Second)},
		jobs.Handlers{jobs.TechnicalAnalysis: slow, jobs.NewsWordsCount: boom},
	)
	timedOut := f.enqueue(t, jobs.TechnicalAnalysis)
	panicked := f.enqueue(t, jobs.NewsWordsCount)
	f.pool.Start(context.Background())

	got := f.waitTerminal(t, timedOut.ID)
	assert.Equal(t, jobs.StatusDeadLettered, got.Status)
	assert.Contains(t, got.LastError, "timed out after 10ms")

	got = f.waitTerminal(t, panicked.ID)
	assert.Equal(t, jobs.StatusDeadLettered, got.Status)
	assert.Contains(t, got.LastError, "panic: nil map")

	assert.True(t, f.pool.Snapshot().Running, "workers survive handler panics")
}

func TestHandlerIgnoringDeadlineIsRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	h := jobs.HandlerFunc(func(context.Context, jobs.Run, jobs.Args) error {
		if calls.Add(1) == 1 {
			time.Sleep(30 * time.Millisecond)
		}
		return nil
	})
	f := newFixture(t, Config{Workers: 1},
		[]jobs.Spec{spec(jobs.CollectHeadlines, 2, 10*time.Millisecond)}, jobs.Handlers{jobs.CollectHeadlines: h})
	run := f.enqueue(t, jobs.CollectHeadlines)
	f.pool.Start(context.Background())

	got := f.waitTerminal(t, run.ID)
	assert.Equal(t, jobs.StatusSucceeded, got.Status)
	assert.Equal(t, 1, got.Attempt, "the overrun attempt counts as a transient failure")
	assert.Contains(t, statuses(t, f.tracker, run.ID), jobs.StatusFailed)
}

func TestUnregisteredJobIsDeadLettered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 1}, []jobs.Spec{spec(jobs.CollectArticles, 1, time.Second)}, jobs.Handlers{})
	run := f.enqueue(t, jobs.CollectFundamentals)
	f.pool.Start(context.Background())

	got := f.waitTerminal(t, run.ID)
	assert.Equal(t, jobs.StatusDeadLettered, got.Status)
	assert.Contains(t, got.LastError, jobs.ErrUnknownJob.Error())
}

func TestUnackedRunIsRedelivered(t *testing.T) {
	t.Parallel()
	h := jobs.HandlerFunc(func(context.Context, jobs.Run, jobs.Args) error { return nil })
	f := newFixture(t, Config{Workers: 1, VisibilityTimeout: 30 * time.Millisecond},
		[]jobs.Spec{spec(jobs.CollectHeadlines, 0, 10*time.Millisecond)}, jobs.Handlers{jobs.CollectHeadlines: h})
	run := f.enqueue(t, jobs.CollectHeadlines)

	// A worker that crashed after claiming the run never acks it.
	crashed, err := f.broker.Dequeue(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, crashed)
	assert.Equal(t, 1, crashed.Deliveries)

	f.pool.Start(context.Background())
	got := f.waitTerminal(t, run.ID)
	assert.Equal(t, jobs.StatusSucceeded, got.Status)
	assert.Equal(t, 0, got.Attempt, "redelivery is not a retry")

	assert.ErrorIs(t, f.broker.Ack(context.Background(), crashed), broker.ErrStaleReceipt)
}

func TestStopDrainsInFlightRuns(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	h := jobs.HandlerFunc(func(context.Context, jobs.Run, jobs.Args) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		return nil
	})
	f := newFixture(t, Config{Workers: 1, DrainTimeout: time.Second},
		[]jobs.Spec{spec(jobs.CollectPriceData, 0, time.Second)}, jobs.Handlers{jobs.CollectPriceData: h})
	run := f.enqueue(t, jobs.CollectPriceData)
	f.pool.Start(context.Background())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	f.pool.Stop(ctx)

	got, err := f.tracker.GetStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusSucceeded, got.Status)
	assert.False(t, f.pool.Snapshot().Running)
}

func TestStopInterruptsAfterDrainTimeout(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	h := jobs.HandlerFunc(func(ctx context.Context, _ jobs.Run, _ jobs.Args) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	f := newFixture(t, Config{Workers: 1, DrainTimeout: 10 * time.Millisecond},
		[]jobs.Spec{spec(jobs.CollectArticles, 3, time.Hour)}, jobs.Handlers{jobs.CollectArticles: h})
	events, unsub := f.bus.Subscribe(4, eventbus.RunInterrupted)
	defer unsub()
	run := f.enqueue(t, jobs.CollectArticles)
	f.pool.Start(context.Background())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	f.pool.Stop(ctx)

	got, err := f.tracker.GetStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempt, "an interrupted run keeps its attempt")

	d, err := f.broker.Dequeue(context.Background(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, d, "interrupted run is visible again")
	assert.Equal(t, run.ID, d.Run.ID)
	assert.Equal(t, 0, d.Run.Attempt)

	select {
	case ev := <-events:
		assert.Equal(t, eventbus.RunInterrupted, ev.Type)
	default:
		t.Fatal("expected a run.interrupted event")
	}
	assert.EqualValues(t, 1, f.pool.Snapshot().Interrupted)
}

// claimingPeer hands every nacked run straight to a second consumer, which
// records it running the way another instance would.
type claimingPeer struct {
	*broker.Memory
	tr      tracker.Tracker
	claimed chan jobs.Run
}

func (p *claimingPeer) Nack(ctx context.Context, d *broker.Delivery, delay time.Duration) error {
	if err := p.Memory.Nack(ctx, d, delay); err != nil {
		return err
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, err := p.Memory.Dequeue(ctx, time.Minute)
		if err != nil {
			return err
		}
		if got == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		run := got.Run
		run.Status = jobs.StatusRunning
		run.StartedAt = jobs.TimePtr(time.Now())
		if err := p.tr.Record(ctx, run); err != nil {
			return err
		}
		p.claimed <- run
		return nil
	}
	return errors.New("nacked run never became visible")
}

func newPeerPool(t *testing.T, cfg Config, h jobs.Handler) (*Service, *claimingPeer, *tracker.Memory) {
	t.Helper()
	handlers := jobs.Handlers{}
	for _, n := range jobs.Names() {
		handlers[n] = h
	}
	reg, err := jobs.NewRegistry([]jobs.Spec{spec(jobs.CollectArticles, 3, time.Hour)}, handlers, time.UTC)
	require.NoError(t, err)
	tr := tracker.NewMemory(nil, 0)
	peer := &claimingPeer{Memory: broker.NewMemory(nil), tr: tr, claimed: make(chan jobs.Run, 1)}
	cfg.PollInterval = 2 * time.Millisecond
	pool := New(cfg, reg, peer, tr, logx.Nop(), eventbus.New())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		pool.Stop(ctx)
	})
	return pool, peer, tr
}

func enqueueOn(t *testing.T, b broker.Broker, tr tracker.Tracker) jobs.Run {
	t.Helper()
	run := jobs.NewRun(jobs.CollectArticles, time.Now(), jobs.TriggerSchedule)
	run.Status = jobs.StatusQueued
	require.NoError(t, tr.Record(context.Background(), run))
	require.NoError(t, b.Enqueue(context.Background(), run))
	return run
}

func TestRetryRecordsQueuedBeforeHandingBack(t *testing.T) {
	t.Parallel()
	h := jobs.HandlerFunc(func(context.Context, jobs.Run, jobs.Args) error {
		return jobs.Transient(errors.New("upstream 503"))
	})
	pool, peer, tr := newPeerPool(t, Config{Workers: 1}, h)
	run := enqueueOn(t, peer, tr)
	pool.Start(context.Background())

	select {
	case <-peer.claimed:
	case <-time.After(waitFor):
		t.Fatal("retried run was never handed back")
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	pool.Stop(ctx)

	got, err := tr.GetStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, got.Status, "the peer's running transition is the latest")
	assert.Equal(t, 1, got.Attempt)
}

func TestInterruptRecordsQueuedBeforeHandingBack(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	var once atomic.Bool
	h := jobs.HandlerFunc(func(ctx context.Context, _ jobs.Run, _ jobs.Args) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	})
	pool, peer, tr := newPeerPool(t, Config{Workers: 1, DrainTimeout: 10 * time.Millisecond}, h)
	run := enqueueOn(t, peer, tr)
	pool.Start(context.Background())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	pool.Stop(ctx)

	select {
	case <-peer.claimed:
	default:
		t.Fatal("interrupted run was never handed back")
	}
	got, err := tr.GetStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, got.Status, "the peer's running transition is the latest")
	assert.Equal(t, 0, got.Attempt)
}
