package config

import (
	"praice/internal/jobs"
)

// JobSpecs merges the jobs section with the catalogue. Without a jobs section
// every catalogue job is returned with the default retry policy. Unknown names
// are passed through so the registry reports them.
func (c *Config) JobSpecs() []jobs.Spec {
	apply := func(s jobs.Spec) jobs.Spec {
		s.MaxRetries = c.Defaults.MaxRetries
		s.BackoffBase = c.Defaults.BackoffBase.Std()
		s.BackoffCap = c.Defaults.BackoffCap.Std()
		s.Timeout = c.Defaults.Timeout.Std()
		return s
	}
	if len(c.Jobs) == 0 {
		cat := jobs.Catalogue()
		out := make([]jobs.Spec, 0, len(cat))
		for _, s := range cat {
			out = append(out, apply(s))
		}
		return out
	}

	out := make([]jobs.Spec, 0, len(c.Jobs))
	for _, jc := range c.Jobs {
		s, ok := jobs.CatalogueSpec(jobs.Name(jc.Name))
		if !ok {
			s = jobs.Spec{Name: jobs.Name(jc.Name), Enabled: true}
		}
		s = apply(s)
		if jc.Cadence != "" {
			s.Cadence = jc.Cadence
		}
		if jc.Enabled != nil {
			s.Enabled = *jc.Enabled
		}
		if jc.MaxRetries != nil {
			s.MaxRetries = *jc.MaxRetries
		}
		if jc.BackoffBase != nil {
			s.BackoffBase = jc.BackoffBase.Std()
		}
		if jc.BackoffCap != nil {
			s.BackoffCap = jc.BackoffCap.Std()
		}
		if jc.Timeout != nil {
			s.Timeout = jc.Timeout.Std()
		}
		if len(jc.Args) > 0 {
			args := s.Args.Clone()
			if args == nil {
				args = jobs.Args{}
			}
			for k, v := range jc.Args {
				args[k] = v
			}
			s.Args = args
		}
		out = append(out, s)
	}
	return out
}
