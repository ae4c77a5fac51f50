package app

import (
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tickserver/internal/config"
	"tickserver/internal/tick"
	logx "tickserver/pkg/logx"
)

// notifier forwards lifecycle states to systemd. Every call is a no-op when
// NOTIFY_SOCKET is unset.
type notifier struct {
	log     logx.Logger
	enabled atomic.Bool
	dog     atomic.Bool

	// watchdog pings are fed from the tick loop, so a stuck loop stops them
	every time.Duration
	last  atomic.Int64
}

func newNotifier(cfg config.SystemdConfig, log logx.Logger) *notifier {
	n := &notifier{log: log}
	if iv, err := daemon.SdWatchdogEnabled(false); err != nil {
		log.Warn("systemd watchdog check failed", logx.Err(err))
	} else if iv > 0 {
		// ping at half the timeout, as sd_watchdog_enabled(3) recommends
		n.every = iv / 2
	}
	n.apply(cfg)
	return n
}

func (n *notifier) apply(cfg config.SystemdConfig) {
	n.enabled.Store(cfg.Notify)
	n.dog.Store(cfg.Watchdog && n.every > 0)
}

func (n *notifier) send(state string) {
	if !n.enabled.Load() {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *notifier) ready()     { n.send(daemon.SdNotifyReady) }
func (n *notifier) stopping()  { n.send(daemon.SdNotifyStopping) }
func (n *notifier) reloading() { n.send(daemon.SdNotifyReloading) }

// attach registers the watchdog feed on the clock.
func (n *notifier) attach(c *tick.Clock) {
	c.AfterTick(func(uint64) {
		if !n.dog.Load() {
			return
		}
		now := time.Now().UnixNano()
		if now-n.last.Load() < int64(n.every) {
			return
		}
		n.last.Store(now)
		_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	})
}
