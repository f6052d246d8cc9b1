// Package notifier sends operator alerts for runs that ended badly.
//
// The service listens on the event bus for dead-lettered runs and runs that
// failed permanently, formats a short message and hands it to a Sender. A
// Telegram sender backed by telebot is provided.
//
// # Throttling
//
// Alerts are deduplicated per job within a window, so a job that keeps
// dead-lettering produces one message per window rather than one per run.
// Delivery is rate limited and retried with jittered backoff. Delivery
// failures are logged and never reach the engine.
package notifier
