package notifier

import (
	"context"
	"time"

	"praice/internal/jobs"
)

// Config controls the alert pipeline.
type Config struct {
	Enabled         bool
	ChatID          int64
	QueueSize       int
	RatePerSec      float64
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Sender delivers one text message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, chatID int64, text string) error

func (f SenderFunc) Send(ctx context.Context, chatID int64, text string) error {
	return f(ctx, chatID, text)
}

// Alert is one delivered message, kept in a short history.
type Alert struct {
	At     time.Time   `json:"at"`
	Job    jobs.Name   `json:"job"`
	RunID  string      `json:"run_id"`
	Status jobs.Status `json:"status"`
	Text   string      `json:"text"`
}

// Stats counts what happened to alert candidates since Start.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Deduped uint64 `json:"deduped"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}
