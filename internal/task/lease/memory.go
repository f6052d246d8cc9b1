package lease

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process lease table. It only coordinates goroutines of one
// process; multi-instance deployments need the SQLite or Redis backend.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memLease
}

type memLease struct {
	holder    string
	expiresAt time.Time
}

// NewMemory returns an empty lease table. now may be nil (time.Now).
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, leases: map[string]memLease{}}
}

func (m *Memory) TryAcquire(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.leases[key]; ok && now.Before(cur.expiresAt) {
		return false, nil
	}
	m.leases[key] = memLease{holder: holder, expiresAt: now.Add(ttl)}
	// Opportunistic cleanup keeps the table bounded.
	if len(m.leases) > 1024 {
		for k, l := range m.leases {
			if !now.Before(l.expiresAt) {
				delete(m.leases, k)
			}
		}
	}
	return true, nil
}

func (m *Memory) Release(_ context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[key]; ok && cur.holder == holder {
		delete(m.leases, key)
	}
	return nil
}
