package config

import (
	"time"
)

// Config is the single validated process configuration. Zero values are
// replaced by Default() before a file is decoded over them.
type Config struct {
	Scheduler SchedulerConfig `json:"scheduler"`
	Lease     LeaseConfig     `json:"lease"`
	Broker    StoreConfig     `json:"broker"`
	Tracker   StoreConfig     `json:"tracker"`
	Storage   StorageConfig   `json:"storage"`
	Engine    EngineConfig    `json:"engine"`

	// Defaults is the retry policy applied to jobs that leave it unset.
	Defaults JobDefaults `json:"defaults"`
	// Jobs overrides the catalogue. When omitted every catalogue job is loaded.
	Jobs []JobConfig `json:"jobs,omitempty"`

	Inference ClientConfig   `json:"inference"`
	Collector ClientConfig   `json:"collector"`
	HTTP      HTTPConfig     `json:"http"`
	Logging   LoggingConfig  `json:"logging"`
	Notifier  NotifierConfig `json:"notifier"`
}

type SchedulerConfig struct {
	TickInterval Duration `json:"tick_interval"`
	// Timezone is an IANA zone used to evaluate cron cadences. Default UTC.
	Timezone string `json:"timezone,omitempty"`
	// HolderID identifies this instance in the lease table. Default host-pid-random.
	HolderID string `json:"holder_id,omitempty"`
}

type LeaseConfig struct {
	// URL defaults to broker.url.
	URL string   `json:"url,omitempty"`
	TTL Duration `json:"ttl"`
}

// StoreConfig names a backend by URL (memory://, sqlite://, redis://, postgres://).
type StoreConfig struct {
	URL string `json:"url,omitempty"`
}

type StorageConfig struct {
	// BusyTimeout applies to SQLite handles.
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
}

type EngineConfig struct {
	Workers           int      `json:"workers"`
	PollInterval      Duration `json:"poll_interval"`
	VisibilityTimeout Duration `json:"visibility_timeout"`
	DrainTimeout      Duration `json:"drain_timeout"`
}

type JobDefaults struct {
	MaxRetries  int      `json:"max_retries"`
	BackoffBase Duration `json:"backoff_base"`
	BackoffCap  Duration `json:"backoff_cap"`
	Timeout     Duration `json:"timeout"`
}

// JobConfig overrides one catalogue job. Unset fields keep the catalogue
// cadence and args, and the retry policy from defaults.
type JobConfig struct {
	Name        string            `json:"name"`
	Cadence     string            `json:"cadence,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	MaxRetries  *int              `json:"max_retries,omitempty"`
	BackoffBase *Duration         `json:"backoff_base,omitempty"`
	BackoffCap  *Duration         `json:"backoff_cap,omitempty"`
	Timeout     *Duration         `json:"timeout,omitempty"`
	Args        map[string]string `json:"args,omitempty"`
}

type ClientConfig struct {
	URL        string   `json:"url"`
	Timeout    Duration `json:"timeout"`
	RatePerSec float64  `json:"rate_per_sec,omitempty"`
	Burst      int      `json:"burst,omitempty"`
}

type HTTPConfig struct {
	// Addr is the control API listen address. Empty disables the server.
	Addr         string   `json:"addr"`
	ReadTimeout  Duration `json:"read_timeout,omitempty"`
	WriteTimeout Duration `json:"write_timeout,omitempty"`
	// Pprof mounts the runtime profiler under /debug. Keep the API on loopback when set.
	Pprof bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level  string      `json:"level"`
	Format string      `json:"format,omitempty"` // console | json
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// NotifierConfig controls dead-letter alerts. Without a token it is disabled.
type NotifierConfig struct {
	Telegram    TelegramConfig `json:"telegram"`
	RatePerSec  float64        `json:"rate_per_sec"`
	DedupWindow Duration       `json:"dedup_window"`
}

type TelegramConfig struct {
	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id,omitempty"`
}

// Default returns the configuration used when neither file nor environment
// sets a value.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{TickInterval: Duration(time.Second)},
		Lease:     LeaseConfig{TTL: Duration(5 * time.Minute)},
		Broker:    StoreConfig{URL: "sqlite://./data/beat.db"},
		Storage:   StorageConfig{BusyTimeout: Duration(5 * time.Second)},
		Engine: EngineConfig{
			Workers:           4,
			PollInterval:      Duration(time.Second),
			VisibilityTimeout: Duration(15 * time.Minute),
			DrainTimeout:      Duration(30 * time.Second),
		},
		Defaults: JobDefaults{
			MaxRetries:  3,
			BackoffBase: Duration(time.Second),
			BackoffCap:  Duration(5 * time.Minute),
			Timeout:     Duration(10 * time.Minute),
		},
		Inference: ClientConfig{URL: "http://127.0.0.1:8000", Timeout: Duration(30 * time.Second)},
		Collector: ClientConfig{URL: "http://127.0.0.1:8001", Timeout: Duration(30 * time.Second)},
		HTTP:      HTTPConfig{Addr: "127.0.0.1:8090", ReadTimeout: Duration(10 * time.Second), WriteTimeout: Duration(30 * time.Second)},
		Logging:   LoggingConfig{Level: "INFO", Format: "console"},
		Notifier:  NotifierConfig{RatePerSec: 1, DedupWindow: Duration(15 * time.Minute)},
	}
}

// fillDerived resolves fields that default to other fields.
func (c *Config) fillDerived() {
	if c.Lease.URL == "" {
		c.Lease.URL = c.Broker.URL
	}
	if c.Tracker.URL == "" {
		switch schemeOf(c.Broker.URL) {
		case "sqlite", "sqlite3", "memory":
			c.Tracker.URL = c.Broker.URL
		default:
			c.Tracker.URL = "sqlite://./data/tracker.db"
		}
	}
}
