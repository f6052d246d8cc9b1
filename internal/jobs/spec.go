package jobs

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"praice/internal/cadence"
)

// Args are static handler arguments declared next to the cadence.
type Args map[string]string

func (a Args) String(key, def string) string {
	if v, ok := a[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// Int parses key as a positive integer. A malformed value is a permanent error:
// retrying cannot fix static configuration.
func (a Args) Int(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0, Permanent(fmt.Errorf("arg %s: want positive integer, got %q", key, v))
	}
	return n, nil
}

func (a Args) Clone() Args {
	if a == nil {
		return nil
	}
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Keys returns argument names in sorted order.
func (a Args) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Spec is the immutable description of a recurring job.
type Spec struct {
	Name        Name          `json:"name"`
	Cadence     string        `json:"cadence"`
	Enabled     bool          `json:"enabled"`
	MaxRetries  int           `json:"max_retries"`
	BackoffBase time.Duration `json:"backoff_base"`
	BackoffCap  time.Duration `json:"backoff_cap"`
	Timeout     time.Duration `json:"timeout"`
	Args        Args          `json:"args,omitempty"`
}

// Handler executes one attempt of a run. Handlers must be idempotent: the
// broker delivers at least once, so the same run may execute more than once.
type Handler interface {
	Handle(ctx context.Context, run Run, args Args) error
}

type HandlerFunc func(ctx context.Context, run Run, args Args) error

func (f HandlerFunc) Handle(ctx context.Context, run Run, args Args) error { return f(ctx, run, args) }

// Handlers binds job names to their implementation.
type Handlers map[Name]Handler

// Entry is a loaded job: its spec, parsed cadence and resolved handler.
type Entry struct {
	Spec     Spec
	Schedule cadence.Cadence
	Handler  Handler
}
