package notifier

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"praice/internal/eventbus"
	"praice/internal/jobs"
	rtsup "praice/internal/runtime/supervisor"
	logx "praice/pkg/logx"
)

const historySize = 100

type Option func(*Service)

// WithClock overrides time.Now for dedup windows and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service turns terminal run failures into alerts:
// bus subscription + per-job dedup + queue + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	cfg     Config
	sender  Sender
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time
	limiter *rate.Limiter

	sup      *rtsup.Supervisor
	unsub    func()
	stopDone chan struct{}

	// job -> suppress until
	dmu   sync.Mutex
	dedup map[jobs.Name]time.Time

	hmu     sync.Mutex
	history []Alert

	sent, deduped, dropped, failed atomic.Uint64
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 256
	}
	s := &Service{
		cfg:    cfg,
		sender: sender,
		log:    log,
		bus:    bus,
		now:    time.Now,
		dedup:  map[jobs.Name]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	return s
}

// Enabled reports whether alerts will be delivered.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled && s.sender != nil && s.bus != nil
}

// Start subscribes to the bus. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.Enabled() {
		s.log.Info("notifier disabled")
		return
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	events, unsub := s.bus.Subscribe(s.cfg.QueueSize, eventbus.RunDeadLettered, eventbus.RunFailed)
	queue := make(chan Alert, s.cfg.QueueSize)
	s.unsub = unsub
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Alerts are best-effort; a broken sender must not stop the process.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.Go("alerts.intake", func(c context.Context) error {
		defer close(queue)
		s.intakeLoop(c, events, queue)
		return nil
	})
	sup.Go("alerts.sender", func(c context.Context) error {
		s.sendLoop(c, queue)
		return nil
	})
	s.log.Info("notifier started", logx.Int64("chat_id", s.cfg.ChatID), logx.Duration("dedup_window", s.cfg.DedupWindow))
}

// Stop unsubscribes and drains queued alerts until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	unsub := s.unsub
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Closing the subscription ends intake, which closes the queue.
		unsub()
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.sup, s.unsub, s.stopDone = nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("notifier stop deadline reached; dropping queued alerts")
		sup.Cancel()
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		Sent:    s.sent.Load(),
		Deduped: s.deduped.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
	}
}

// History returns recently delivered alerts, oldest first.
func (s *Service) History() []Alert {
	s.hmu.Lock()
	out := append([]Alert(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) intakeLoop(ctx context.Context, events <-chan eventbus.Event, queue chan<- Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			run, ok := ev.Data.(jobs.Run)
			if !ok || !run.Terminal {
				continue
			}
			if !s.dedupAllow(run.Job) {
				s.deduped.Add(1)
				s.log.Debug("alert suppressed", logx.String("job", string(run.Job)), logx.String("run_id", run.ID))
				continue
			}
			a := Alert{At: s.now(), Job: run.Job, RunID: run.ID, Status: run.Status, Text: FormatAlert(run)}
			select {
			case queue <- a:
			default:
				s.dropped.Add(1)
				s.log.Warn("alert queue full; dropping", logx.String("job", string(run.Job)), logx.String("run_id", run.ID))
			}
		}
	}
}

func (s *Service) sendLoop(ctx context.Context, queue <-chan Alert) {
	for a := range queue {
		if ctx.Err() != nil {
			return
		}
		s.sendWithRetry(ctx, a)
	}
}

func (s *Service) sendWithRetry(ctx context.Context, a Alert) {
	log := s.log.With(logx.String("job", string(a.Job)), logx.String("run_id", a.RunID))
	maxAttempts := 1 + s.cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.Send(callCtx, s.cfg.ChatID, a.Text)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.appendHistory(a)
			log.Info("alert sent", logx.String("status", string(a.Status)))
			return
		}
		lastErr = err
		log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(s.cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.failed.Add(1)
	log.Warn("alert not delivered", logx.Int("attempts", maxAttempts), logx.Err(lastErr))
}

func (s *Service) appendHistory(a Alert) {
	s.hmu.Lock()
	s.history = append(s.history, a)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// dedupAllow reports whether job may alert now and, if so, opens a new
// suppression window for it.
func (s *Service) dedupAllow(job jobs.Name) bool {
	window := s.cfg.DedupWindow
	if window <= 0 {
		return true
	}
	now := s.now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[job]; ok && now.Before(until) {
		return false
	}
	s.dedup[job] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > s.cfg.DedupMaxEntries {
		var (
			minKey jobs.Name
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

// FormatAlert renders the message text for a terminal run.
func FormatAlert(run jobs.Run) string {
	var b strings.Builder
	switch run.Status {
	case jobs.StatusDeadLettered:
		fmt.Fprintf(&b, "🚨 %s dead-lettered\n", run.Job)
	default:
		fmt.Fprintf(&b, "⚠️ %s failed\n", run.Job)
	}
	fmt.Fprintf(&b, "run: %s\n", run.ID)
	fmt.Fprintf(&b, "trigger: %s\n", run.Trigger)
	fmt.Fprintf(&b, "scheduled: %s\n", run.ScheduledAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "attempts: %d", run.Attempt+1)
	if msg := strings.TrimSpace(run.LastError); msg != "" {
		if len(msg) > 500 {
			msg = msg[:500] + "…"
		}
		fmt.Fprintf(&b, "\nerror: %s", msg)
	}
	return b.String()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
