// Package lease provides time-bounded exclusivity tokens.
//
// A lease is keyed by (job name, due time). Whichever scheduler instance
// acquires it first owns that firing; every other instance skips it. Leases
// expire on their own, so a crashed holder never blocks a future firing.
package lease

import (
	"context"
	"errors"
	"time"

	"praice/internal/jobs"
)

// Manager is implemented by every lease backend.
//
// TryAcquire must be a single atomic check-and-set: it succeeds only when no
// unexpired lease exists for key. Release clears the lease early, and only
// when holder still owns it.
type Manager interface {
	TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) error
}

var ErrInvalidTTL = errors.New("lease ttl must be > 0")

// Key renders the resource key for a firing.
func Key(job jobs.Name, due time.Time) string {
	return string(job) + "@" + due.UTC().Format(time.RFC3339)
}

// ManualKey renders the resource key for a manual trigger at second at. It
// never equals a scheduled Key, so a trigger and a slot due in the same
// second do not contend.
func ManualKey(job jobs.Name, at time.Time) string {
	return Key(job, at) + "#manual"
}
