package config

// Config is the whole server configuration. JSON or YAML; unknown keys are
// rejected so typos surface on load and on reload.
type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Tick    TickConfig     `json:"tick"`
	Plugins PluginsConfig  `json:"plugins"`
	Scripts ScriptsConfig  `json:"scripts"`
	World   WorldConfig    `json:"world"`
	Spawns  []SpawnConfig  `json:"spawns,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Admin   AdminConfig    `json:"admin"`
	Systemd SystemdConfig  `json:"systemd"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TickConfig controls the tick clock.
//
// Interval is a Go duration string; default "640ms".
type TickConfig struct {
	Interval    string `json:"interval"`
	StatusEvery uint64 `json:"status_every,omitempty"`
}

// PluginsConfig controls plugin execution.
//
// All durations are Go duration strings (e.g. "1ms", "200ms", "5s").
//
// Defaults (when fields are omitted/zero):
//   - max_active: 1024
//   - submit_rate: 0 (unlimited), submit_burst: 64
//   - step_poll: "1ms", step_wait_max: "200ms"
//   - history_size: 200
//   - circuit_trip_failures: 5 (negative disables)
type PluginsConfig struct {
	MaxActive   int     `json:"max_active,omitempty"`
	SubmitRate  float64 `json:"submit_rate,omitempty"`
	SubmitBurst int     `json:"submit_burst,omitempty"`

	StepPoll    string `json:"step_poll,omitempty"`
	StepWaitMax string `json:"step_wait_max,omitempty"`

	HistorySize int `json:"history_size,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// ScriptsConfig points at interpreted plugin scripts.
//
// Every *.go file in Dir is one script, named after the file. AllowStdlib
// lists the standard packages scripts may import besides the server API; an
// empty list allows only "fmt", "strings", "math" and "time".
type ScriptsConfig struct {
	Dir         string   `json:"dir,omitempty"`
	Watch       bool     `json:"watch,omitempty"`
	AllowStdlib []string `json:"allow_stdlib,omitempty"`
}

type WorldConfig struct {
	Mobs []MobConfig `json:"mobs,omitempty"`
}

type MobConfig struct {
	Name string `json:"name"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
}

// SpawnConfig starts Script on the mob named Mob on a schedule.
//
// Schedule accepts a cron spec (5 or 6 fields, or "@hourly"), "every <duration>"
// or an HH:MM interval.
type SpawnConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Script   string `json:"script"`
	Mob      string `json:"mob"`
	Disabled bool   `json:"disabled,omitempty"`

	// AllowOverlap starts a new run even if the previous one is still live.
	AllowOverlap bool `json:"allow_overlap,omitempty"`
}

// StorageConfig controls the optional run-record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tickserver.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Retention   string `json:"retention,omitempty"`    // Go duration string; 0 keeps everything
}

// AdminConfig controls the optional admin HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// SystemdConfig controls sd_notify integration. Both are no-ops when the
// process was not started by systemd.
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}
