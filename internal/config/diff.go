package config

import (
	"reflect"
	"strings"

	logx "tickserver/pkg/logx"
)

// SummarizeConfigChange returns the names of changed sections and safe
// structured attrs for logging. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Tick != newCfg.Tick {
		changed = append(changed, "tick")
		attrs = append(attrs, logx.String("tick.interval", strings.TrimSpace(newCfg.Tick.Interval)))
	}

	if oldCfg.Plugins != newCfg.Plugins {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.Int("plugins.max_active", newCfg.Plugins.MaxActive),
			logx.Float64("plugins.submit_rate", newCfg.Plugins.SubmitRate),
			logx.String("plugins.step_wait_max", strings.TrimSpace(newCfg.Plugins.StepWaitMax)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scripts, newCfg.Scripts) {
		changed = append(changed, "scripts")
		attrs = append(attrs, logx.String("scripts.dir", newCfg.Scripts.Dir))
	}

	if !reflect.DeepEqual(oldCfg.World, newCfg.World) {
		changed = append(changed, "world")
		attrs = append(attrs, logx.Int("world.mobs", len(newCfg.World.Mobs)))
	}

	if !reflect.DeepEqual(oldCfg.Spawns, newCfg.Spawns) {
		changed = append(changed, "spawns")
		attrs = append(attrs, logx.Int("spawns.count", len(newCfg.Spawns)))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}

	oa, na := oldCfg.Admin, newCfg.Admin
	nTok := strings.TrimSpace(na.Token) != ""
	// a rotated token counts as a change, but only its presence is logged
	if oa != na {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", na.Enabled),
			logx.String("admin.addr", strings.TrimSpace(na.Addr)),
			logx.Bool("admin.token_set", nTok),
			logx.Bool("admin.pprof", na.Pprof),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	return changed, attrs
}
