package broker

import (
	"context"
	"sync"
	"time"

	"praice/internal/jobs"
)

type memItem struct {
	run        jobs.Run
	seq        int64
	visibleAt  time.Time
	receipt    string
	deliveries int
}

// Memory is a process-local backlog. It is used in tests and single-process setups.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	seq   int64
	items map[string]*memItem
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, items: map[string]*memItem{}}
}

func (m *Memory) Enqueue(_ context.Context, run jobs.Run) error {
	if err := validate(run); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[run.ID]; ok {
		return ErrDuplicate
	}
	m.seq++
	m.items[run.ID] = &memItem{run: run.Clone(), seq: m.seq, visibleAt: m.now()}
	return nil
}

func (m *Memory) Dequeue(_ context.Context, visibility time.Duration) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var head *memItem
	for _, it := range m.items {
		if it.visibleAt.After(now) {
			continue
		}
		if head == nil || before(it, head) {
			head = it
		}
	}
	if head == nil {
		return nil, nil
	}
	head.receipt = newReceipt()
	head.deliveries++
	head.visibleAt = now.Add(visibility)
	return &Delivery{
		Run:          head.run.Clone(),
		Receipt:      head.receipt,
		Deliveries:   head.deliveries,
		Seq:          head.seq,
		VisibleUntil: head.visibleAt,
	}, nil
}

func before(a, b *memItem) bool {
	if !a.run.ScheduledAt.Equal(b.run.ScheduledAt) {
		return a.run.ScheduledAt.Before(b.run.ScheduledAt)
	}
	return a.seq < b.seq
}

func (m *Memory) Ack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[d.Run.ID]
	if !ok || it.receipt != d.Receipt {
		return ErrStaleReceipt
	}
	delete(m.items, d.Run.ID)
	return nil
}

func (m *Memory) Nack(_ context.Context, d *Delivery, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[d.Run.ID]
	if !ok || it.receipt != d.Receipt {
		return ErrStaleReceipt
	}
	it.run = d.Run.Clone()
	it.receipt = ""
	it.visibleAt = m.now().Add(delay)
	return nil
}

func (m *Memory) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}
