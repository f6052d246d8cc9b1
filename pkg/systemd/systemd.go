// Package systemd reports service state to the service manager through
// sd_notify. Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) (bool, error) { return daemon.SdNotify(false, "STATUS="+msg) }

// WatchdogInterval is the configured WatchdogSec, or 0 when the watchdog is off.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}

// Watchdog pings the service manager at half the watchdog interval until ctx
// is done. A ping is skipped while healthy reports false, so a wedged process
// gets restarted. It returns immediately when the watchdog is off.
func Watchdog(ctx context.Context, healthy func() bool) error {
	every := WatchdogInterval() / 2
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
