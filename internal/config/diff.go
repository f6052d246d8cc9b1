package config

import (
	"reflect"
	"sort"

	logx "praice/pkg/logx"
)

// HotSections can be applied without a restart.
var HotSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns the changed top-level sections (sorted) and
// safe attrs for logging. Secrets are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field
	section := func(name string, o, n any, fields ...logx.Field) {
		if reflect.DeepEqual(o, n) {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	section("logging", oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.String("logging.format", newCfg.Logging.Format),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
	)
	section("scheduler", oldCfg.Scheduler, newCfg.Scheduler,
		logx.Duration("scheduler.tick_interval", newCfg.Scheduler.TickInterval.Std()),
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
	)
	section("lease", oldCfg.Lease, newCfg.Lease, logx.Duration("lease.ttl", newCfg.Lease.TTL.Std()))
	section("broker", oldCfg.Broker, newCfg.Broker, logx.String("broker.url", RedactURL(newCfg.Broker.URL)))
	section("tracker", oldCfg.Tracker, newCfg.Tracker, logx.String("tracker.url", RedactURL(newCfg.Tracker.URL)))
	section("storage", oldCfg.Storage, newCfg.Storage)
	section("engine", oldCfg.Engine, newCfg.Engine,
		logx.Int("engine.workers", newCfg.Engine.Workers),
		logx.Duration("engine.visibility_timeout", newCfg.Engine.VisibilityTimeout.Std()),
	)
	section("defaults", oldCfg.Defaults, newCfg.Defaults, logx.Int("defaults.max_retries", newCfg.Defaults.MaxRetries))
	section("jobs", oldCfg.Jobs, newCfg.Jobs, logx.Int("jobs.count", len(newCfg.Jobs)))
	section("inference", oldCfg.Inference, newCfg.Inference, logx.String("inference.url", RedactURL(newCfg.Inference.URL)))
	section("collector", oldCfg.Collector, newCfg.Collector, logx.String("collector.url", RedactURL(newCfg.Collector.URL)))
	section("http", oldCfg.HTTP, newCfg.HTTP, logx.String("http.addr", newCfg.HTTP.Addr))
	section("notifier", oldCfg.Notifier, newCfg.Notifier,
		logx.Bool("notifier.token_set", newCfg.Notifier.Telegram.Token != ""),
		logx.Duration("notifier.dedup_window", newCfg.Notifier.DedupWindow.Std()),
	)

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !HotSections[s] {
			out = append(out, s)
		}
	}
	return out
}
