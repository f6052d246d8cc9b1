package jobs

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusQueued       Status = "queued"
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead-lettered"
)

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Run is one execution of a job for a given due time. Its status moves
// pending -> queued -> running -> succeeded|failed; a transient failure goes
// back to queued with attempt+1 until retries run out and the run is dead-lettered.
type Run struct {
	ID          string     `json:"run_id"`
	Job         Name       `json:"job_name"`
	Trigger     Trigger    `json:"trigger"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	EnqueuedAt  *time.Time `json:"enqueued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Status      Status     `json:"status"`
	Attempt     int        `json:"attempt"`
	LastError   string     `json:"last_error,omitempty"`
	Terminal    bool       `json:"terminal"`
}

// NewRun creates a pending run.
func NewRun(job Name, scheduledAt time.Time, trigger Trigger) Run {
	return Run{
		ID:          uuid.NewString(),
		Job:         job,
		Trigger:     trigger,
		ScheduledAt: scheduledAt.UTC(),
		Status:      StatusPending,
	}
}

func (r Run) Clone() Run {
	cp := r
	cp.EnqueuedAt = cloneTime(r.EnqueuedAt)
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.FinishedAt = cloneTime(r.FinishedAt)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t in UTC.
func TimePtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}
