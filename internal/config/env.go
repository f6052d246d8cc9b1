package config

import (
	"net/url"
	"strconv"
	"strings"

	"praice/internal/jobs"
)

// envBinding overrides one field from one variable.
type envBinding struct {
	key   string
	field string
	set   func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"PRAICE_BROKER_URL", "broker.url", func(c *Config, v string) error { c.Broker.URL = v; return nil }},
	{"PRAICE_LEASE_URL", "lease.url", func(c *Config, v string) error { c.Lease.URL = v; return nil }},
	{"PRAICE_LEASE_TTL", "lease.ttl", durationEnv(func(c *Config) *Duration { return &c.Lease.TTL })},
	{"PRAICE_TRACKER_URL", "tracker.url", func(c *Config, v string) error { c.Tracker.URL = v; return nil }},
	{"PRAICE_TICK_INTERVAL", "scheduler.tick_interval", durationEnv(func(c *Config) *Duration { return &c.Scheduler.TickInterval })},
	{"PRAICE_TIMEZONE", "scheduler.timezone", func(c *Config, v string) error { c.Scheduler.Timezone = v; return nil }},
	{"PRAICE_HOLDER_ID", "scheduler.holder_id", func(c *Config, v string) error { c.Scheduler.HolderID = v; return nil }},
	{"PRAICE_BACKOFF_BASE", "defaults.backoff_base", durationEnv(func(c *Config) *Duration { return &c.Defaults.BackoffBase })},
	{"PRAICE_BACKOFF_CAP", "defaults.backoff_cap", durationEnv(func(c *Config) *Duration { return &c.Defaults.BackoffCap })},
	{"PRAICE_MAX_RETRIES", "defaults.max_retries", intEnv(func(c *Config) *int { return &c.Defaults.MaxRetries })},
	{"PRAICE_JOB_TIMEOUT", "defaults.timeout", durationEnv(func(c *Config) *Duration { return &c.Defaults.Timeout })},
	{"PRAICE_WORKERS", "engine.workers", intEnv(func(c *Config) *int { return &c.Engine.Workers })},
	{"PRAICE_POLL_INTERVAL", "engine.poll_interval", durationEnv(func(c *Config) *Duration { return &c.Engine.PollInterval })},
	{"PRAICE_VISIBILITY_TIMEOUT", "engine.visibility_timeout", durationEnv(func(c *Config) *Duration { return &c.Engine.VisibilityTimeout })},
	{"PRAICE_DRAIN_TIMEOUT", "engine.drain_timeout", durationEnv(func(c *Config) *Duration { return &c.Engine.DrainTimeout })},
	{"PRAICE_INFERENCE_URL", "inference.url", func(c *Config, v string) error { c.Inference.URL = v; return nil }},
	{"PRAICE_INFERENCE_TIMEOUT", "inference.timeout", durationEnv(func(c *Config) *Duration { return &c.Inference.Timeout })},
	{"PRAICE_COLLECTOR_URL", "collector.url", func(c *Config, v string) error { c.Collector.URL = v; return nil }},
	{"PRAICE_COLLECTOR_TIMEOUT", "collector.timeout", durationEnv(func(c *Config) *Duration { return &c.Collector.Timeout })},
	{"PRAICE_HTTP_ADDR", "http.addr", func(c *Config, v string) error { c.HTTP.Addr = v; return nil }},
	{"PRAICE_HTTP_PPROF", "http.pprof", func(c *Config, v string) error {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.HTTP.Pprof = on
		return nil
	}},
	{"PRAICE_LOG_LEVEL", "logging.level", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"PRAICE_LOG_FORMAT", "logging.format", func(c *Config, v string) error { c.Logging.Format = v; return nil }},
	{"PRAICE_TELEGRAM_TOKEN", "notifier.telegram.token", func(c *Config, v string) error { c.Notifier.Telegram.Token = v; return nil }},
	{"PRAICE_TELEGRAM_CHAT_ID", "notifier.telegram.chat_id", func(c *Config, v string) error {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.Notifier.Telegram.ChatID = id
		return nil
	}},
}

func durationEnv(field func(c *Config) *Duration) func(c *Config, v string) error {
	return func(c *Config, v string) error {
		d, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = Duration(d)
		return nil
	}
}

func intEnv(field func(c *Config) *int) func(c *Config, v string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

// applyEnv overrides cfg from getenv. Empty variables are ignored; malformed
// ones are reported as configuration errors naming the variable.
func applyEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	var errs jobs.ConfigErrors
	for _, b := range envBindings {
		v := strings.TrimSpace(getenv(b.key))
		if v == "" {
			continue
		}
		if err := b.set(cfg, v); err != nil {
			errs.Addf(b.field, "%s: %v", b.key, err)
		}
	}
	return errs.Err()
}

func schemeOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}
