package app

import (
	"context"
	"slices"
	"strings"

	"tickserver/internal/config"
	logx "tickserver/pkg/logx"
)

// reloadLoop applies every committed config until ctx is done.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	// Track last applied config to generate a safe diff summary for logx.
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, last, cfg)
			last = cfg
		}
	}
}

// apply pushes cfg to every live component. Sections that cannot change at
// runtime are reported and left alone.
func (a *App) apply(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.sd.reloading()
	defer a.sd.ready()

	changed := func(s string) bool { return slices.Contains(sections, s) }

	if changed("logging") {
		a.logs.Apply(mapLogConfig(cfg))
	}
	if changed("tick") {
		if tc, err := mapTickConfig(cfg); err != nil {
			a.log.Warn("invalid tick config; keeping previous", logx.Err(err))
		} else {
			a.clock.Apply(tc)
		}
	}
	if changed("plugins") {
		if hc, err := mapHandlerConfig(cfg); err != nil {
			a.log.Warn("invalid plugins config; keeping previous", logx.Err(err))
		} else {
			a.handler.Apply(hc)
		}
		if poll, maxWait, err := mapStepWait(cfg); err == nil {
			a.runner.SetStepWait(poll, maxWait)
		}
	}
	if changed("world") {
		a.syncMobs(cfg)
	}
	if changed("scripts") {
		if a.loader == nil || cfg.Scripts.Dir != a.loader.Dir() || cfg.Scripts.Watch != prev.Scripts.Watch {
			a.log.Warn("scripts.dir or scripts.watch changed; restart required for changes to take effect")
		}
		if a.loader != nil {
			a.loader.SetAllowed(cfg.Scripts.AllowStdlib)
			if _, err := a.loader.Load(ctx); err != nil {
				a.log.Warn("some scripts failed to load", logx.Err(err))
			}
		}
	}
	if changed("spawns") {
		if err := a.spawner.Apply(mapSpawns(cfg)); err != nil {
			a.log.Warn("invalid spawns; keeping previous", logx.Err(err))
		}
	}
	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed("admin") && a.admin != nil {
		if ac, err := mapAdminConfig(cfg); err != nil {
			a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
		} else {
			a.admin.Reconfigure(ctx, ac)
		}
	}
	if changed("systemd") {
		a.sd.apply(cfg.Systemd)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
