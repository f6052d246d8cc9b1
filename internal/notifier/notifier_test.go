package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"praice/internal/eventbus"
	"praice/internal/jobs"
	"praice/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	texts []string
	fails int
}

func (r *recorder) Send(_ context.Context, chatID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("telegram: 502")
	}
	r.texts = append(r.texts, text)
	return nil
}

func (r *recorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func terminal(job jobs.Name, status jobs.Status) jobs.Run {
	run := jobs.NewRun(job, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), jobs.TriggerSchedule)
	run.Status = status
	run.Terminal = true
	run.Attempt = 3
	run.LastError = "retries exhausted after 4 attempts: upstream 503"
	return run
}

func start(t *testing.T, cfg Config, s Sender) (*Service, eventbus.Bus, *clock) {
	t.Helper()
	bus := eventbus.New()
	clk := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg.Enabled = true
	cfg.ChatID = 42
	cfg.RatePerSec = 1000
	cfg.RetryBase = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	svc := New(cfg, s, logx.Logger{}, bus, WithClock(clk.Now))
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc, bus, clk
}

func stop(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)
	require.NoError(t, ctx.Err())
}

func TestAlertsOnTerminalFailuresOnly(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	svc, bus, _ := start(t, Config{}, rec)

	retrying := terminal(jobs.CollectArticles, jobs.StatusFailed)
	retrying.Terminal = false
	bus.Publish(eventbus.Event{Type: eventbus.RunFailed, Data: retrying})
	bus.Publish(eventbus.Event{Type: eventbus.RunSucceeded, Data: terminal(jobs.CollectHeadlines, jobs.StatusSucceeded)})
	bus.Publish(eventbus.Event{Type: eventbus.RunDeadLettered, Data: terminal(jobs.PopulateSentiment, jobs.StatusDeadLettered)})
	bus.Publish(eventbus.Event{Type: eventbus.RunFailed, Data: terminal(jobs.TechnicalAnalysis, jobs.StatusFailed)})
	stop(t, svc)

	sent := rec.sent()
	require.Len(t, sent, 2)
	assert.True(t, strings.HasPrefix(sent[0], "🚨 populate-sentiment-score dead-lettered"), sent[0])
	assert.Contains(t, sent[0], "attempts: 4")
	assert.Contains(t, sent[0], "upstream 503")
	assert.Contains(t, sent[1], "technical-analysis failed")

	st := svc.Stats()
	assert.EqualValues(t, 2, st.Sent)
	require.Len(t, svc.History(), 2)
	assert.Equal(t, jobs.PopulateSentiment, svc.History()[0].Job)
}

func TestDedupPerJobWithinWindow(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	svc, bus, clk := start(t, Config{DedupWindow: 15 * time.Minute}, rec)

	bus.Publish(eventbus.Event{Type: eventbus.RunDeadLettered, Data: terminal(jobs.CollectArticles, jobs.StatusDeadLettered)})
	bus.Publish(eventbus.Event{Type: eventbus.RunDeadLettered, Data: terminal(jobs.CollectArticles, jobs.StatusDeadLettered)})
	bus.Publish(eventbus.Event{Type: eventbus.RunDeadLettered, Data: terminal(jobs.CollectHeadlines, jobs.StatusDeadLettered)})
	require.Eventually(t, func() bool { return svc.Stats().Deduped == 1 }, time.Second, 5*time.Millisecond)

	clk.Advance(16 * time.Minute)
	bus.Publish(eventbus.Event{Type: eventbus.RunDeadLettered, Data: terminal(jobs.CollectArticles, jobs.StatusDeadLettered)})
	stop(t, svc)

	assert.Len(t, rec.sent(), 3)
	assert.EqualValues(t, 1, svc.Stats().Deduped)
}

func TestRetriesThenGivesUp(t *testing.T) {
	t.Parallel()
	rec := &recorder{fails: 1}
	svc, bus, _ := start(t, Config{RetryMax: 1}, rec)
	bus.Publish(eventbus.Event{Type: eventbus.RunDeadLettered, Data: terminal(jobs.CollectArticles, jobs.StatusDeadLettered)})
	require.Eventually(t, func() bool { return svc.Stats().Sent == 1 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	rec.fails = 5
	rec.mu.Unlock()
	bus.Publish(eventbus.Event{Type: eventbus.RunDeadLettered, Data: terminal(jobs.CollectHeadlines, jobs.StatusDeadLettered)})
	stop(t, svc)

	assert.EqualValues(t, 1, svc.Stats().Failed)
	assert.Len(t, rec.sent(), 1)
}

func TestDisabledIsNoop(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	svc := New(Config{Enabled: false}, &recorder{}, logx.Logger{}, bus)
	assert.False(t, svc.Enabled())
	svc.Start(context.Background())
	svc.Stop(context.Background())

	svc = New(Config{Enabled: true}, nil, logx.Logger{}, bus)
	assert.False(t, svc.Enabled())
}

func TestNewTelegramRequiresToken(t *testing.T) {
	t.Parallel()
	_, err := NewTelegram("  ")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestFormatAlertTruncatesLongErrors(t *testing.T) {
	t.Parallel()
	run := terminal(jobs.GenerateNewsSummaries, jobs.StatusFailed)
	run.Attempt = 0
	run.LastError = strings.Repeat("x", 800)
	text := FormatAlert(run)
	assert.Contains(t, text, "attempts: 1")
	assert.Contains(t, text, "…")
	assert.Less(t, len(text), 700)
}
