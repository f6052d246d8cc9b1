// Package inference calls the model-serving boundary for summarization
// and sentiment scoring.
package inference

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"

	"praice/internal/jobs"
	"praice/internal/remote"
	logx "praice/pkg/logx"
)

const (
	DefaultSummaryModel   = "facebook/bart-large-cnn"
	DefaultSentimentModel = "ProsusAI/finbert"
	DefaultMaxTokens      = 200
)

type Config = remote.Config

// Client is safe for concurrent use. It does not retry; the worker pool does.
type Client struct {
	rc *remote.Client
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	rc, err := remote.New("inference", cfg, log)
	if err != nil {
		return nil, err
	}
	return &Client{rc: rc}, nil
}

type summarizeRequest struct {
	Text      string `json:"text"`
	MaxTokens int    `json:"max_tokens"`
	ModelName string `json:"model_name"`
}

type summarizeResponse struct {
	Summary *string `json:"summary"`
}

// Summarize returns a summary of text. Empty model and maxTokens use the defaults.
func (c *Client) Summarize(ctx context.Context, text, model string, maxTokens int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", jobs.Permanent(fmt.Errorf("summarize: empty text"))
	}
	if model == "" {
		model = DefaultSummaryModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	var out summarizeResponse
	err := c.rc.Do(ctx, http.MethodPost, "/summarize", nil, summarizeRequest{Text: text, MaxTokens: maxTokens, ModelName: model}, &out)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	if out.Summary == nil {
		return "", jobs.Permanent(fmt.Errorf("summarize: response has no summary"))
	}
	return *out.Summary, nil
}

type sentimentRequest struct {
	Text      string `json:"text"`
	ModelName string `json:"model_name"`
}

type sentimentResponse struct {
	Score *float64 `json:"sentiment_score"`
}

// SentimentScore returns a score in [-1, 1].
func (c *Client) SentimentScore(ctx context.Context, text, model string) (float64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, jobs.Permanent(fmt.Errorf("sentiment: empty text"))
	}
	if model == "" {
		model = DefaultSentimentModel
	}
	var out sentimentResponse
	if err := c.rc.Do(ctx, http.MethodPost, "/sentiment_score", nil, sentimentRequest{Text: text, ModelName: model}, &out); err != nil {
		return 0, fmt.Errorf("sentiment: %w", err)
	}
	if out.Score == nil {
		return 0, jobs.Permanent(fmt.Errorf("sentiment: response has no sentiment_score"))
	}
	s := *out.Score
	if math.IsNaN(s) || s < -1 || s > 1 {
		return 0, jobs.Permanent(fmt.Errorf("sentiment: score %v out of range", s))
	}
	return s, nil
}
