// Package cadence turns cron expressions and fixed intervals into
// deterministic firing times.
//
// Every scheduler instance must compute the same due times for a job, since
// the due time is part of the lease key. Cron schedules are deterministic by
// construction. Interval schedules are anchored on a grid counted from the Unix
// epoch, shifted by a per-job phase derived from a stable hash of the job name
// so that unrelated jobs with the same interval don't fire in the same second.
package cadence

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// MaxPhase bounds the per-job offset applied to interval grids.
const MaxPhase = 30 * time.Second

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Cadence computes firing times.
type Cadence interface {
	// Next returns the first firing time strictly after t.
	// A zero time means the cadence never fires again.
	Next(t time.Time) time.Time
	Expr() Expr
}

type options struct {
	loc      *time.Location
	phaseKey string
}

type Option func(*options)

// WithLocation sets the zone cron expressions are evaluated in (default UTC).
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.loc = loc
		}
	}
}

// WithPhaseKey derives the interval grid phase from key (usually the job name).
func WithPhaseKey(key string) Option { return func(o *options) { o.phaseKey = key } }

// Parse parses raw and builds a Cadence.
func Parse(raw string, opts ...Option) (Cadence, error) {
	o := options{loc: time.UTC}
	for _, fn := range opts {
		fn(&o)
	}
	expr, err := ParseExpr(raw)
	if err != nil {
		return nil, err
	}
	switch expr.Kind {
	case KindInterval:
		return newGrid(expr, o.phaseKey), nil
	default:
		sched, err := parser.Parse(expr.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid cron %q: %w", expr.Cron, err)
		}
		// "@every" descriptors are intervals in disguise; keep them on the grid.
		if every, ok := sched.(cron.ConstantDelaySchedule); ok {
			expr = Expr{Kind: KindInterval, Every: every.Delay, Source: "cron"}
			return newGrid(expr, o.phaseKey), nil
		}
		// An explicit CRON_TZ= prefix wins over the configured zone.
		if spec, ok := sched.(*cron.SpecSchedule); ok && !strings.HasPrefix(expr.Cron, "CRON_TZ=") && !strings.HasPrefix(expr.Cron, "TZ=") {
			spec.Location = o.loc
		}
		return cronCadence{sched: sched, expr: expr}, nil
	}
}

type cronCadence struct {
	sched cron.Schedule
	expr  Expr
}

func (c cronCadence) Next(t time.Time) time.Time {
	n := c.sched.Next(t)
	if n.IsZero() {
		return n
	}
	return n.UTC()
}

func (c cronCadence) Expr() Expr { return c.expr }

type grid struct {
	every time.Duration
	phase time.Duration
	expr  Expr
}

func newGrid(expr Expr, key string) grid {
	return grid{every: expr.Every, phase: Phase(key, expr.Every), expr: expr}
}

func (g grid) Next(t time.Time) time.Time {
	off := t.UnixNano() - int64(g.phase)
	every := int64(g.every)
	k := off / every
	if off < 0 && off%every != 0 {
		k--
	}
	return time.Unix(0, (k+1)*every+int64(g.phase)).UTC()
}

func (g grid) Expr() Expr { return g.expr }

// Phase returns the deterministic grid offset for key: fnv64a(key) mod min(every, MaxPhase).
func Phase(key string, every time.Duration) time.Duration {
	if key == "" || every <= 0 {
		return 0
	}
	span := every
	if span > MaxPhase {
		span = MaxPhase
	}
	// Whole seconds keep due times readable and stable in lease keys.
	if span >= time.Second {
		return time.Duration(fnv64a(key)%uint64(span/time.Second)) * time.Second
	}
	return time.Duration(fnv64a(key) % uint64(span))
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
