package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"praice/internal/collector"
	"praice/internal/jobs"
)

type taskCall struct {
	task string
	args map[string]any
}

type fakeCollector struct {
	mu    sync.Mutex
	calls []taskCall
	err   error
}

func (f *fakeCollector) RunTask(_ context.Context, task string, args map[string]any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, taskCall{task: task, args: args})
	return 3, f.err
}

type fakeNews struct {
	mu        sync.Mutex
	pending   []collector.Article
	field     string
	minWords  int
	summaries map[int64]string
	scores    map[int64]float64
}

func (f *fakeNews) PendingNews(_ context.Context, field string, limit, minWords int) ([]collector.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.field, f.minWords = field, minWords
	if limit < len(f.pending) {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeNews) PutSummary(_ context.Context, id int64, s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.summaries == nil {
		f.summaries = map[int64]string{}
	}
	f.summaries[id] = s
	return nil
}

func (f *fakeNews) PutSentiment(_ context.Context, id int64, s float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scores == nil {
		f.scores = map[int64]float64{}
	}
	f.scores[id] = s
	return nil
}

type fakeInference struct {
	errs   map[string]error
	models []string
	mu     sync.Mutex
}

func (f *fakeInference) Summarize(_ context.Context, text, model string, _ int) (string, error) {
	f.mu.Lock()
	f.models = append(f.models, model)
	f.mu.Unlock()
	if err := f.errs[text]; err != nil {
		return "", err
	}
	return "summary of " + text, nil
}

func (f *fakeInference) SentimentScore(_ context.Context, text, _ string) (float64, error) {
	if err := f.errs[text]; err != nil {
		return 0, err
	}
	return 0.4, nil
}

func run(job jobs.Name) jobs.Run { return jobs.NewRun(job, time.Now(), jobs.TriggerSchedule) }

func TestEveryJobHasAHandler(t *testing.T) {
	t.Parallel()
	hs := Handlers(Deps{Collector: &fakeCollector{}, News: &fakeNews{}, Inference: &fakeInference{}})
	for _, n := range jobs.Names() {
		assert.NotNil(t, hs[n], "handler for %s", n)
	}
	_, err := jobs.NewRegistry(jobs.Catalogue(), hs, time.UTC)
	require.NoError(t, err)
}

func TestCollectionTasks(t *testing.T) {
	t.Parallel()
	now := func() time.Time { return time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC) }
	tests := []struct {
		job  jobs.Name
		task string
		want map[string]any
	}{
		{jobs.CollectHeadlines, collector.TaskHeadlines, map[string]any{"source": "yfinance"}},
		{jobs.CollectArticles, collector.TaskArticles, map[string]any{"limit": 100}},
		{jobs.CollectPriceData, collector.TaskPrices, map[string]any{"period": "5d"}},
		// 02:00 UTC is still the previous day in New York.
		{jobs.TechnicalAnalysis, collector.TaskTechnicalAnalysis, map[string]any{"start_date": "2025-03-07", "end_date": "2025-03-09"}},
		{jobs.CollectFundamentals, collector.TaskFundamentals, map[string]any{}},
		{jobs.NewsWordsCount, collector.TaskNewsWordCounts, map[string]any{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.job), func(t *testing.T) {
			t.Parallel()
			c := &fakeCollector{}
			hs := Handlers(Deps{Collector: c, News: &fakeNews{}, Inference: &fakeInference{}, Now: now})
			spec, ok := jobs.CatalogueSpec(tt.job)
			require.True(t, ok)
			require.NoError(t, hs[tt.job].Handle(context.Background(), run(tt.job), spec.Args))
			require.Len(t, c.calls, 1)
			assert.Equal(t, tt.task, c.calls[0].task)
			assert.Equal(t, tt.want, c.calls[0].args)
		})
	}
}

func TestCollectionErrorsKeepClassification(t *testing.T) {
	t.Parallel()
	c := &fakeCollector{err: jobs.Transient(errors.New("503"))}
	hs := Handlers(Deps{Collector: c, News: &fakeNews{}, Inference: &fakeInference{}})
	err := hs[jobs.CollectPriceData].Handle(context.Background(), run(jobs.CollectPriceData), nil)
	require.Error(t, err)
	assert.False(t, jobs.IsPermanent(err))

	err = hs[jobs.CollectArticles].Handle(context.Background(), run(jobs.CollectArticles), jobs.Args{"limit": "lots"})
	assert.True(t, jobs.IsPermanent(err), "bad static args are permanent")
	assert.Len(t, c.calls, 1, "no call made with bad args")

	err = hs[jobs.TechnicalAnalysis].Handle(context.Background(), run(jobs.TechnicalAnalysis), jobs.Args{"timezone": "Mars/Olympus"})
	assert.True(t, jobs.IsPermanent(err))
}

func TestSummariesSkipPermanentArticleFailures(t *testing.T) {
	t.Parallel()
	news := &fakeNews{pending: []collector.Article{
		{ID: 1, Content: "a"}, {ID: 2, Content: "bad"}, {ID: 3, Content: "c"},
	}}
	inf := &fakeInference{errs: map[string]error{"bad": jobs.Permanent(errors.New("422"))}}
	hs := Handlers(Deps{Collector: &fakeCollector{}, News: news, Inference: inf})
	spec, _ := jobs.CatalogueSpec(jobs.GenerateNewsSummaries)

	require.NoError(t, hs[jobs.GenerateNewsSummaries].Handle(context.Background(), run(jobs.GenerateNewsSummaries), spec.Args))
	assert.Equal(t, collector.FieldSummary, news.field)
	assert.Equal(t, 300, news.minWords)
	assert.Equal(t, map[int64]string{1: "summary of a", 3: "summary of c"}, news.summaries)
	assert.Equal(t, "facebook/bart-large-cnn", inf.models[0])
}

func TestSummariesTransientAbortsRun(t *testing.T) {
	t.Parallel()
	news := &fakeNews{pending: []collector.Article{{ID: 1, Content: "a"}, {ID: 2, Content: "slow"}}}
	inf := &fakeInference{errs: map[string]error{"slow": jobs.RetryAfter(errors.New("429"), time.Second)}}
	hs := Handlers(Deps{Collector: &fakeCollector{}, News: news, Inference: inf})

	err := hs[jobs.GenerateNewsSummaries].Handle(context.Background(), run(jobs.GenerateNewsSummaries), jobs.Args{"limit": "5"})
	require.Error(t, err)
	assert.False(t, jobs.IsPermanent(err))
	hint, ok := jobs.RetryAfterHint(err)
	assert.True(t, ok)
	assert.Equal(t, time.Second, hint)
	assert.Contains(t, news.summaries, int64(1), "finished articles stay written")
}

func TestSentimentUsesSummaryAndFailsWhenNothingScored(t *testing.T) {
	t.Parallel()
	news := &fakeNews{pending: []collector.Article{{ID: 4, Content: "long body", Summary: "short"}}}
	hs := Handlers(Deps{Collector: &fakeCollector{}, News: news, Inference: &fakeInference{}})
	require.NoError(t, hs[jobs.PopulateSentiment].Handle(context.Background(), run(jobs.PopulateSentiment), nil))
	assert.Equal(t, collector.FieldSentiment, news.field)
	assert.InDelta(t, 0.4, news.scores[4], 1e-9)

	bad := &fakeNews{pending: []collector.Article{{ID: 5, Content: "x"}}}
	inf := &fakeInference{errs: map[string]error{"x": jobs.Permanent(errors.New("400"))}}
	hs = Handlers(Deps{Collector: &fakeCollector{}, News: bad, Inference: inf})
	err := hs[jobs.PopulateSentiment].Handle(context.Background(), run(jobs.PopulateSentiment), nil)
	assert.True(t, jobs.IsPermanent(err))

	empty := &fakeNews{}
	hs = Handlers(Deps{Collector: &fakeCollector{}, News: empty, Inference: &fakeInference{}})
	assert.NoError(t, hs[jobs.PopulateSentiment].Handle(context.Background(), run(jobs.PopulateSentiment), nil))
}
