package jobs

import (
	"fmt"
	"time"

	"praice/internal/cadence"
)

// Registry holds the loaded job entries. It is read-only after NewRegistry.
type Registry struct {
	order   []Name
	entries map[Name]Entry
}

// NewRegistry validates specs and binds each one to its handler.
// Every problem is reported as a *ConfigurationError; they are joined when
// there is more than one.
func NewRegistry(specs []Spec, handlers Handlers, loc *time.Location) (*Registry, error) {
	if loc == nil {
		loc = time.UTC
	}
	r := &Registry{entries: make(map[Name]Entry, len(specs))}
	var errs ConfigErrors
	for i, s := range specs {
		field := fmt.Sprintf("jobs[%d]", i)
		if s.Name != "" {
			field = fmt.Sprintf("jobs[%s]", s.Name)
		}
		if !s.Name.Valid() {
			errs.Addf(field+".name", "unknown job %q", s.Name)
			continue
		}
		if _, dup := r.entries[s.Name]; dup {
			errs.Addf(field+".name", "duplicate job name")
			continue
		}
		sched, err := cadence.Parse(s.Cadence, cadence.WithLocation(loc), cadence.WithPhaseKey(string(s.Name)))
		if err != nil {
			errs.Addf(field+".cadence", "%v", err)
		} else if sched.Next(time.Now()).IsZero() {
			errs.Addf(field+".cadence", "cadence %q never fires", s.Cadence)
		}
		if s.MaxRetries < 0 {
			errs.Addf(field+".max_retries", "must be >= 0")
		}
		if s.BackoffBase <= 0 {
			errs.Addf(field+".backoff_base", "must be > 0")
		}
		if s.BackoffCap < s.BackoffBase {
			errs.Addf(field+".backoff_cap", "must be >= backoff_base")
		}
		if s.Timeout <= 0 {
			errs.Addf(field+".timeout", "must be > 0")
		}
		h := handlers[s.Name]
		if h == nil {
			errs.Addf(field+".handler", "no handler registered")
		}
		s.Args = s.Args.Clone()
		r.entries[s.Name] = Entry{Spec: s, Schedule: sched, Handler: h}
		r.order = append(r.order, s.Name)
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

// List returns entries in load order.
func (r *Registry) List() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.entries[n])
	}
	return out
}

// Get returns the entry for name.
func (r *Registry) Get(name Name) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Resolve returns the handler and spec for name, or ErrUnknownJob.
func (r *Registry) Resolve(name Name) (Handler, Spec, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, Spec{}, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return e.Handler, e.Spec, nil
}

// MaxTimeout returns the largest timeout among loaded jobs.
func (r *Registry) MaxTimeout() time.Duration {
	var m time.Duration
	for _, e := range r.entries {
		if e.Spec.Timeout > m {
			m = e.Spec.Timeout
		}
	}
	return m
}
