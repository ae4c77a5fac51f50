package app

import (
	"fmt"
	"strings"
	"time"

	"tickserver/internal/admin"
	"tickserver/internal/config"
	"tickserver/internal/plugin"
	"tickserver/internal/plugin/handler"
	"tickserver/internal/spawn"
	"tickserver/internal/storage"
	"tickserver/internal/tick"
	logx "tickserver/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTickConfig(cfg *config.Config) (tick.Config, error) {
	iv, err := config.ParseDurationOrDefault("tick.interval", cfg.Tick.Interval, tick.DefaultInterval)
	if err != nil {
		return tick.Config{}, err
	}
	return tick.Config{Interval: iv, StatusEvery: cfg.Tick.StatusEvery}, nil
}

func mapHandlerConfig(cfg *config.Config) (handler.Config, error) {
	p := cfg.Plugins
	out := handler.Config{
		MaxActive:           p.MaxActive,
		SubmitRate:          p.SubmitRate,
		SubmitBurst:         p.SubmitBurst,
		HistorySize:         p.HistorySize,
		CircuitTripFailures: p.CircuitTripFailures,
	}
	var err error
	if out.CircuitBaseDelay, err = config.ParseDurationField("plugins.circuit_base_delay", p.CircuitBaseDelay); err != nil {
		return handler.Config{}, err
	}
	if out.CircuitMaxDelay, err = config.ParseDurationField("plugins.circuit_max_delay", p.CircuitMaxDelay); err != nil {
		return handler.Config{}, err
	}
	if out.CircuitResetAfter, err = config.ParseDurationField("plugins.circuit_reset_after", p.CircuitResetAfter); err != nil {
		return handler.Config{}, err
	}
	return out, nil
}

// mapStepWait returns the convergence poll and upper bound for plugin events.
func mapStepWait(cfg *config.Config) (poll, maxWait time.Duration, err error) {
	poll, err = config.ParseDurationOrDefault("plugins.step_poll", cfg.Plugins.StepPoll, plugin.DefaultStepPoll)
	if err != nil {
		return 0, 0, err
	}
	maxWait, err = config.ParseDurationOrDefault("plugins.step_wait_max", cfg.Plugins.StepWaitMax, plugin.DefaultStepWaitMax)
	if err != nil {
		return 0, 0, err
	}
	return poll, maxWait, nil
}

func mapSpawns(cfg *config.Config) []spawn.Spec {
	out := make([]spawn.Spec, 0, len(cfg.Spawns))
	for _, sc := range cfg.Spawns {
		if sc.Disabled {
			continue
		}
		out = append(out, spawn.Spec{
			Name:         sc.Name,
			Schedule:     sc.Schedule,
			Script:       sc.Script,
			Mob:          sc.Mob,
			AllowOverlap: sc.AllowOverlap,
		})
	}
	return out
}

// mapStorageConfig reports enabled=false when no driver is configured.
func mapStorageConfig(cfg *config.Config) (sc storage.Config, retention time.Duration, enabled bool, err error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, 0, false, nil
	}
	s := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, 0, false, nil
	}
	path := strings.TrimSpace(s.Path)
	retention, err = config.ParseDurationField("storage.retention", s.Retention)
	if err != nil {
		return storage.Config{}, 0, false, err
	}

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, retention, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, 0, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, 0, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, retention, true, nil
	default:
		return storage.Config{}, 0, false, fmt.Errorf("unknown storage.driver: %s", s.Driver)
	}
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	a := cfg.Admin
	out := admin.Config{
		Enabled:              a.Enabled,
		Addr:                 strings.TrimSpace(a.Addr),
		Token:                strings.TrimSpace(a.Token),
		AllowInsecure:        a.AllowInsecure,
		Pprof:                a.Pprof,
		MutexProfileFraction: a.MutexProfileFraction,
		BlockProfileRate:     a.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("admin.read_timeout", a.ReadTimeout, 10*time.Second); err != nil {
		return admin.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("admin.idle_timeout", a.IdleTimeout, 60*time.Second); err != nil {
		return admin.Config{}, err
	}
	return out, nil
}

// validate runs every mapping so a reload that the components would refuse
// is rejected before commit.
func validate(cfg *config.Config) error {
	if _, err := mapTickConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHandlerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStepWait(cfg); err != nil {
		return err
	}
	if _, _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	for _, sp := range mapSpawns(cfg) {
		if _, err := spawn.ParseSchedule(sp.Schedule); err != nil {
			return fmt.Errorf("spawn %q: %w", sp.Name, err)
		}
	}
	return nil
}
