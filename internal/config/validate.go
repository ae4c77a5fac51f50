package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	logx "tickserver/pkg/logx"
)

// Validate checks everything that can be checked without the rest of the
// server. Schedules and script names are checked by the app validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}

	dur("tick.interval", cfg.Tick.Interval)

	p := cfg.Plugins
	if p.MaxActive < 0 {
		add(errors.New("plugins.max_active: must be >= 0"))
	}
	if p.SubmitRate < 0 {
		add(errors.New("plugins.submit_rate: must be >= 0"))
	}
	dur("plugins.step_poll", p.StepPoll)
	dur("plugins.step_wait_max", p.StepWaitMax)
	dur("plugins.circuit_base_delay", p.CircuitBaseDelay)
	dur("plugins.circuit_max_delay", p.CircuitMaxDelay)
	dur("plugins.circuit_reset_after", p.CircuitResetAfter)

	for i, m := range cfg.World.Mobs {
		if strings.TrimSpace(m.Name) == "" {
			add(fmt.Errorf("world.mobs[%d].name: required", i))
		}
	}

	seen := map[string]bool{}
	for i, s := range cfg.Spawns {
		path := fmt.Sprintf("spawns[%d]", i)
		name := strings.ToLower(strings.TrimSpace(s.Name))
		switch {
		case name == "":
			add(fmt.Errorf("%s.name: required", path))
		case seen[name]:
			add(fmt.Errorf("%s.name: duplicate %q", path, s.Name))
		}
		seen[name] = true
		if strings.TrimSpace(s.Schedule) == "" {
			add(fmt.Errorf("%s.schedule: required", path))
		}
		if strings.TrimSpace(s.Script) == "" {
			add(fmt.Errorf("%s.script: required", path))
		}
		if strings.TrimSpace(s.Mob) == "" {
			add(fmt.Errorf("%s.mob: required", path))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
		dur("storage.retention", st.Retention)
	}

	a := cfg.Admin
	dur("admin.read_timeout", a.ReadTimeout)
	dur("admin.idle_timeout", a.IdleTimeout)
	if a.Enabled && strings.TrimSpace(a.Token) == "" && !a.AllowInsecure {
		if addr := strings.TrimSpace(a.Addr); addr != "" && !loopback(addr) {
			add(fmt.Errorf("admin.addr: %q is not loopback; set admin.token or admin.allow_insecure", addr))
		}
	}

	return errors.Join(errs...)
}

func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
