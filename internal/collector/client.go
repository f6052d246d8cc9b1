// Package collector talks to the data-collection service that owns scraping,
// market data and the news store.
package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"praice/internal/jobs"
	"praice/internal/remote"
	logx "praice/pkg/logx"
)

type Config = remote.Config

// Task names understood by POST /tasks/{task}.
const (
	TaskHeadlines         = "headlines"
	TaskArticles          = "articles"
	TaskPrices            = "prices"
	TaskTechnicalAnalysis = "technical-analysis"
	TaskFundamentals      = "fundamentals"
	TaskNewsWordCounts    = "news-word-counts"
)

// Pending field selectors for GET /news/pending.
const (
	FieldSummary   = "summary"
	FieldSentiment = "sentiment"
)

// Article is a stored news item awaiting enrichment.
type Article struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Summary    string `json:"summary,omitempty"`
	WordsCount int    `json:"words_count"`
}

type Client struct {
	rc *remote.Client
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	rc, err := remote.New("collector", cfg, log)
	if err != nil {
		return nil, err
	}
	return &Client{rc: rc}, nil
}

type taskResponse struct {
	Processed *int `json:"processed"`
}

// RunTask asks the collection service to run task with args and returns how
// many items it processed.
func (c *Client) RunTask(ctx context.Context, task string, args map[string]any) (int, error) {
	if args == nil {
		args = map[string]any{}
	}
	var out taskResponse
	if err := c.rc.Do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(task), nil, args, &out); err != nil {
		return 0, fmt.Errorf("task %s: %w", task, err)
	}
	if out.Processed == nil {
		return 0, jobs.Permanent(fmt.Errorf("task %s: response has no processed count", task))
	}
	return *out.Processed, nil
}

type pendingResponse struct {
	Items []Article `json:"items"`
}

// PendingNews lists up to limit articles whose field is not populated yet.
// minWords > 0 skips articles shorter than that.
func (c *Client) PendingNews(ctx context.Context, field string, limit, minWords int) ([]Article, error) {
	q := url.Values{"field": {field}, "limit": {strconv.Itoa(limit)}}
	if minWords > 0 {
		q.Set("min_words", strconv.Itoa(minWords))
	}
	var out pendingResponse
	if err := c.rc.Do(ctx, http.MethodGet, "/news/pending", q, nil, &out); err != nil {
		return nil, fmt.Errorf("pending news: %w", err)
	}
	return out.Items, nil
}

func (c *Client) PutSummary(ctx context.Context, id int64, summary string) error {
	path := "/news/" + strconv.FormatInt(id, 10) + "/summary"
	if err := c.rc.Do(ctx, http.MethodPut, path, nil, map[string]string{"summary": summary}, nil); err != nil {
		return fmt.Errorf("store summary %d: %w", id, err)
	}
	return nil
}

func (c *Client) PutSentiment(ctx context.Context, id int64, score float64) error {
	path := "/news/" + strconv.FormatInt(id, 10) + "/sentiment"
	if err := c.rc.Do(ctx, http.MethodPut, path, nil, map[string]float64{"sentiment_score": score}, nil); err != nil {
		return fmt.Errorf("store sentiment %d: %w", id, err)
	}
	return nil
}
