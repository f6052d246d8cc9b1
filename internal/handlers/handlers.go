// Package handlers binds every catalogue job to its implementation.
//
// Handlers are idempotent: collection tasks are upserts on the collection
// service, and enrichment jobs only ever select articles whose field is still
// empty, so a redelivered run repeats no finished work.
package handlers

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"

	"praice/internal/collector"
	"praice/internal/jobs"
	logx "praice/pkg/logx"
)

// Collector runs collection tasks on the data-collection service.
type Collector interface {
	RunTask(ctx context.Context, task string, args map[string]any) (int, error)
}

// NewsStore reads articles awaiting enrichment and writes results back.
type NewsStore interface {
	PendingNews(ctx context.Context, field string, limit, minWords int) ([]collector.Article, error)
	PutSummary(ctx context.Context, id int64, summary string) error
	PutSentiment(ctx context.Context, id int64, score float64) error
}

// Inference is the model-serving boundary.
type Inference interface {
	Summarize(ctx context.Context, text, model string, maxTokens int) (string, error)
	SentimentScore(ctx context.Context, text, model string) (float64, error)
}

type Deps struct {
	Collector Collector
	News      NewsStore
	Inference Inference
	Log       logx.Logger
	// Now is used for date windows. Defaults to time.Now.
	Now func() time.Time
}

// Handlers returns the implementation for every job name.
func Handlers(d Deps) jobs.Handlers {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return jobs.Handlers{
		jobs.CollectHeadlines:      collectTask(d, collector.TaskHeadlines, headlineArgs),
		jobs.CollectArticles:       collectTask(d, collector.TaskArticles, limitArgs(100)),
		jobs.CollectPriceData:      collectTask(d, collector.TaskPrices, priceArgs),
		jobs.TechnicalAnalysis:     collectTask(d, collector.TaskTechnicalAnalysis, technicalArgs(d.Now)),
		jobs.CollectFundamentals:   collectTask(d, collector.TaskFundamentals, noArgs),
		jobs.NewsWordsCount:        collectTask(d, collector.TaskNewsWordCounts, noArgs),
		jobs.GenerateNewsSummaries: &summaries{d: d},
		jobs.PopulateSentiment:     &sentiment{d: d},
	}
}

type argsFunc func(args jobs.Args) (map[string]any, error)

func collectTask(d Deps, task string, build argsFunc) jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, run jobs.Run, args jobs.Args) error {
		body, err := build(args)
		if err != nil {
			return err
		}
		n, err := d.Collector.RunTask(ctx, task, body)
		if err != nil {
			return err
		}
		d.Log.Info("collection task completed",
			logx.String("job", string(run.Job)),
			logx.String("run_id", run.ID),
			logx.String("task", task),
			logx.Int("processed", n),
		)
		return nil
	})
}

func noArgs(jobs.Args) (map[string]any, error) { return map[string]any{}, nil }

func headlineArgs(args jobs.Args) (map[string]any, error) {
	return map[string]any{"source": args.String("source", "yfinance")}, nil
}

func limitArgs(def int) argsFunc {
	return func(args jobs.Args) (map[string]any, error) {
		limit, err := args.Int("limit", def)
		if err != nil {
			return nil, err
		}
		return map[string]any{"limit": limit}, nil
	}
}

func priceArgs(args jobs.Args) (map[string]any, error) {
	return map[string]any{"period": args.String("period", "5d")}, nil
}

// technicalArgs turns lookback_days into a date window ending today in the
// market timezone.
func technicalArgs(now func() time.Time) argsFunc {
	return func(args jobs.Args) (map[string]any, error) {
		days, err := args.Int("lookback_days", 2)
		if err != nil {
			return nil, err
		}
		tz := args.String("timezone", "US/Eastern")
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, jobs.Permanent(fmt.Errorf("arg timezone: %w", err))
		}
		end := now().In(loc)
		start := end.AddDate(0, 0, -days)
		return map[string]any{
			"start_date": start.Format(time.DateOnly),
			"end_date":   end.Format(time.DateOnly),
		}, nil
	}
}

// enrichResult tallies one pass over pending articles.
type enrichResult struct {
	done    int
	skipped int
	lastErr error
}

// settle turns the tally into the run outcome. Per-article permanent failures
// are skipped; when nothing succeeded the last of them fails the run.
func (r enrichResult) settle(listed int) error {
	if listed > 0 && r.done == 0 && r.lastErr != nil {
		return r.lastErr
	}
	return nil
}

type summaries struct{ d Deps }

func (h *summaries) Handle(ctx context.Context, run jobs.Run, args jobs.Args) error {
	limit, err := args.Int("limit", 5)
	if err != nil {
		return err
	}
	maxTokens, err := args.Int("max_tokens", 200)
	if err != nil {
		return err
	}
	minWords, err := args.Int("min_words", 300)
	if err != nil {
		return err
	}
	model := args.String("model", "")

	items, err := h.d.News.PendingNews(ctx, collector.FieldSummary, limit, minWords)
	if err != nil {
		return err
	}
	var res enrichResult
	var ids []int64
	for _, a := range items {
		summary, err := h.d.Inference.Summarize(ctx, a.Content, model, maxTokens)
		if err == nil {
			err = h.d.News.PutSummary(ctx, a.ID, summary)
		}
		if err != nil {
			if !jobs.IsPermanent(err) {
				return fmt.Errorf("article %d: %w", a.ID, err)
			}
			res.skipped++
			res.lastErr = fmt.Errorf("article %d: %w", a.ID, err)
			h.d.Log.Warn("summary skipped", logx.String("run_id", run.ID), logx.Int64("article", a.ID), logx.Err(err))
			continue
		}
		res.done++
		ids = append(ids, a.ID)
	}
	h.d.Log.Info("news summaries generated",
		logx.String("run_id", run.ID),
		logx.Int("generated", res.done),
		logx.Int("skipped", res.skipped),
		logx.Any("news_ids", ids),
	)
	return res.settle(len(items))
}

type sentiment struct{ d Deps }

func (h *sentiment) Handle(ctx context.Context, run jobs.Run, args jobs.Args) error {
	limit, err := args.Int("limit", 5)
	if err != nil {
		return err
	}
	model := args.String("model", "")

	items, err := h.d.News.PendingNews(ctx, collector.FieldSentiment, limit, 0)
	if err != nil {
		return err
	}
	var res enrichResult
	for _, a := range items {
		// Scores come from the summary when there is one; long articles exceed the model window.
		text := a.Summary
		if text == "" {
			text = a.Content
		}
		score, err := h.d.Inference.SentimentScore(ctx, text, model)
		if err == nil {
			err = h.d.News.PutSentiment(ctx, a.ID, score)
		}
		if err != nil {
			if !jobs.IsPermanent(err) {
				return fmt.Errorf("article %d: %w", a.ID, err)
			}
			res.skipped++
			res.lastErr = fmt.Errorf("article %d: %w", a.ID, err)
			h.d.Log.Warn("sentiment skipped", logx.String("run_id", run.ID), logx.Int64("article", a.ID), logx.Err(err))
			continue
		}
		res.done++
	}
	h.d.Log.Info("sentiment scores populated",
		logx.String("run_id", run.ID),
		logx.Int("scored", res.done),
		logx.Int("skipped", res.skipped),
	)
	return res.settle(len(items))
}
