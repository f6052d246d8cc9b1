package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"praice/internal/jobs"
	logx "praice/pkg/logx"
)

var storeSchemes = map[string][]string{
	"broker.url":  {"memory", "sqlite", "sqlite3", "redis", "rediss"},
	"lease.url":   {"memory", "sqlite", "sqlite3", "redis", "rediss"},
	"tracker.url": {"memory", "sqlite", "sqlite3", "postgres", "postgresql"},
}

// Validate reports every invalid value at once. Each problem is a
// *jobs.ConfigurationError.
func (c *Config) Validate() error {
	var errs jobs.ConfigErrors
	positive := func(field string, d Duration) {
		if d <= 0 {
			errs.Addf(field, "must be > 0")
		}
	}

	positive("scheduler.tick_interval", c.Scheduler.TickInterval)
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs.Addf("scheduler.timezone", "%v", err)
		}
	}
	positive("lease.ttl", c.Lease.TTL)

	stores := []struct{ field, raw string }{
		{"broker.url", c.Broker.URL},
		{"lease.url", c.Lease.URL},
		{"tracker.url", c.Tracker.URL},
	}
	for _, st := range stores {
		if !contains(storeSchemes[st.field], schemeOf(st.raw)) {
			errs.Addf(st.field, "unsupported url %q (want one of %s)", RedactURL(st.raw), strings.Join(storeSchemes[st.field], ", "))
		}
	}
	if c.Storage.BusyTimeout < 0 {
		errs.Addf("storage.busy_timeout", "must be >= 0")
	}

	if c.Engine.Workers < 1 {
		errs.Addf("engine.workers", "must be >= 1")
	}
	positive("engine.poll_interval", c.Engine.PollInterval)
	positive("engine.visibility_timeout", c.Engine.VisibilityTimeout)
	if c.Engine.DrainTimeout < 0 {
		errs.Addf("engine.drain_timeout", "must be >= 0")
	}

	if c.Defaults.MaxRetries < 0 {
		errs.Addf("defaults.max_retries", "must be >= 0")
	}
	positive("defaults.backoff_base", c.Defaults.BackoffBase)
	if c.Defaults.BackoffCap < c.Defaults.BackoffBase {
		errs.Addf("defaults.backoff_cap", "must be >= backoff_base")
	}
	positive("defaults.timeout", c.Defaults.Timeout)

	seen := map[string]bool{}
	for i, jc := range c.Jobs {
		field := fmt.Sprintf("jobs[%d]", i)
		if _, err := jobs.ParseName(jc.Name); err != nil {
			errs.Addf(field+".name", "%v", err)
		}
		if seen[jc.Name] {
			errs.Addf(field+".name", "duplicate job %q", jc.Name)
		}
		seen[jc.Name] = true
		if jc.MaxRetries != nil && *jc.MaxRetries < 0 {
			errs.Addf(field+".max_retries", "must be >= 0")
		}
		if jc.BackoffBase != nil {
			positive(field+".backoff_base", *jc.BackoffBase)
		}
		if jc.BackoffCap != nil {
			positive(field+".backoff_cap", *jc.BackoffCap)
		}
		if jc.Timeout != nil {
			positive(field+".timeout", *jc.Timeout)
		}
	}
	// A run must finish or time out before its delivery becomes visible again.
	for _, s := range c.JobSpecs() {
		if s.Timeout >= c.Engine.VisibilityTimeout.Std() {
			errs.Addf("engine.visibility_timeout", "%s must exceed the timeout of %s (%s)", c.Engine.VisibilityTimeout, s.Name, s.Timeout)
		}
	}

	validHTTP := func(field, raw string) {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs.Addf(field, "want an http(s) url, got %q", raw)
		}
	}
	validHTTP("inference.url", c.Inference.URL)
	validHTTP("collector.url", c.Collector.URL)
	positive("inference.timeout", c.Inference.Timeout)
	positive("collector.timeout", c.Collector.Timeout)
	if c.Inference.RatePerSec < 0 {
		errs.Addf("inference.rate_per_sec", "must be >= 0")
	}

	if !logx.ValidLevel(c.Logging.Level) {
		errs.Addf("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		errs.Addf("logging.format", "want console or json, got %q", c.Logging.Format)
	}

	if c.Notifier.Telegram.Token != "" && c.Notifier.Telegram.ChatID == 0 {
		errs.Addf("notifier.telegram.chat_id", "required when a token is set")
	}
	if c.Notifier.RatePerSec < 0 {
		errs.Addf("notifier.rate_per_sec", "must be >= 0")
	}
	if c.Notifier.DedupWindow < 0 {
		errs.Addf("notifier.dedup_window", "must be >= 0")
	}
	return errs.Err()
}

// Location returns the cron evaluation zone.
func (c *Config) Location() *time.Location {
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.UTC
}

// LogConfig maps the logging section onto logx.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		File:   logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// RedactURL hides the password of a store URL for logs and output.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
