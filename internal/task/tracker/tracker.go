// Package tracker records run state transitions.
//
// The log is append-only: every status change of a run is one Transition that
// carries a full snapshot of the run. The latest transition answers a status
// query, and the whole sequence is the run's history.
package tracker

import (
	"context"
	"errors"
	"time"

	"praice/internal/jobs"
)

var ErrNotFound = errors.New("tracker: run not found")

// DefaultListLimit caps ListRecent when the caller passes limit <= 0.
const DefaultListLimit = 20

// MaxListLimit bounds ListRecent regardless of the requested limit.
const MaxListLimit = 500

type Transition struct {
	RunID   string      `json:"run_id"`
	Job     jobs.Name   `json:"job_name"`
	Status  jobs.Status `json:"status"`
	Attempt int         `json:"attempt"`
	At      time.Time   `json:"at"`
	Error   string      `json:"error,omitempty"`
	Run     jobs.Run    `json:"run"`
}

// Tracker is implemented by every backend.
type Tracker interface {
	// Record appends a transition for run's current status.
	Record(ctx context.Context, run jobs.Run) error
	// GetStatus returns the latest snapshot of a run, or ErrNotFound.
	GetStatus(ctx context.Context, runID string) (jobs.Run, error)
	// ListRecent returns the latest snapshot of the most recently created runs of job, newest first.
	ListRecent(ctx context.Context, job jobs.Name, limit int) ([]jobs.Run, error)
	// History returns every transition of a run in the order it was recorded.
	History(ctx context.Context, runID string) ([]Transition, error)
}

func newTransition(run jobs.Run, at time.Time) Transition {
	return Transition{
		RunID:   run.ID,
		Job:     run.Job,
		Status:  run.Status,
		Attempt: run.Attempt,
		At:      at.UTC(),
		Error:   run.LastError,
		Run:     run.Clone(),
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
