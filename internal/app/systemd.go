package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "tweetup/pkg/logx"
)

// notifier talks to the service manager. Outside systemd (no NOTIFY_SOCKET)
// every call is a no-op.
type notifier interface {
	Notify(state string) (bool, error)
	WatchdogInterval() (time.Duration, error)
}

type sdNotifier struct{}

func (sdNotifier) Notify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func (sdNotifier) WatchdogInterval() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) }

func (a *App) sdNotify(state string) {
	sent, err := a.sd.Notify(state)
	switch {
	case err != nil:
		a.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		a.log.Debug("systemd notified", logx.String("state", state))
	}
}

// watchdog pings the service manager at half the configured interval until
// ctx is done. It returns immediately when the watchdog is not enabled.
func (a *App) watchdog(ctx context.Context) error {
	interval, err := a.sd.WatchdogInterval()
	if err != nil {
		a.log.Warn("systemd watchdog check failed", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := a.clk.Ticker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.sdNotify(daemon.SdNotifyWatchdog)
		}
	}
}
