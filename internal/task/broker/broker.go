// Package broker is the durable backlog between the scheduler and the workers.
//
// Delivery is at-least-once. Dequeue hides an item for a visibility window and
// hands out a fresh receipt. An item that is neither acked nor nacked before the
// window ends becomes visible again. Ack and Nack only succeed with the receipt
// of the latest delivery, so a worker that lost visibility cannot remove or
// reschedule an item another worker now holds.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"praice/internal/jobs"
)

var (
	ErrStaleReceipt = errors.New("broker: stale receipt")
	ErrDuplicate    = errors.New("broker: run already enqueued")
	ErrInvalidRun   = errors.New("broker: run id and job name required")
)

// Delivery is one hand-out of a backlog item.
type Delivery struct {
	Run          jobs.Run
	Receipt      string
	Deliveries   int
	Seq          int64
	VisibleUntil time.Time
}

// Broker is implemented by every backlog backend.
//
// Items are ordered by Run.ScheduledAt, then by insertion sequence. Retries and
// redeliveries keep their original position, so ordering is best-effort.
type Broker interface {
	Enqueue(ctx context.Context, run jobs.Run) error
	// Dequeue returns nil, nil when nothing is visible.
	Dequeue(ctx context.Context, visibility time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack stores d.Run (updated attempt/last_error) and makes it visible after delay.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error
	Len(ctx context.Context) (int, error)
}

func newReceipt() string { return uuid.NewString() }

func validate(run jobs.Run) error {
	if run.ID == "" || run.Job == "" {
		return ErrInvalidRun
	}
	return nil
}
