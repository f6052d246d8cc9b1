package app

import (
	"praice/internal/config"
	"praice/internal/notifier"
	"praice/internal/remote"
	"praice/internal/storage"
	"praice/internal/task/engine"
	"praice/internal/task/scheduler"
)

// Mapping from the validated file/env config to component configs.

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		BrokerURL:   cfg.Broker.URL,
		LeaseURL:    cfg.Lease.URL,
		TrackerURL:  cfg.Tracker.URL,
		BusyTimeout: cfg.Storage.BusyTimeout.Std(),
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval.Std(),
		LeaseTTL:     cfg.Lease.TTL.Std(),
		HolderID:     cfg.Scheduler.HolderID,
	}
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Workers:           cfg.Engine.Workers,
		PollInterval:      cfg.Engine.PollInterval.Std(),
		VisibilityTimeout: cfg.Engine.VisibilityTimeout.Std(),
		DrainTimeout:      cfg.Engine.DrainTimeout.Std(),
	}
}

func clientConfig(c config.ClientConfig) remote.Config {
	return remote.Config{
		BaseURL:    c.URL,
		Timeout:    c.Timeout.Std(),
		RatePerSec: c.RatePerSec,
		Burst:      c.Burst,
	}
}

func notifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	return notifier.Config{
		Enabled:     n.Telegram.Token != "",
		ChatID:      n.Telegram.ChatID,
		RatePerSec:  n.RatePerSec,
		DedupWindow: n.DedupWindow.Std(),
		RetryMax:    2,
	}
}
