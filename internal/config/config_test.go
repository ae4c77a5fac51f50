package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	logx "tickserver/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
tick:
  interval: 100ms
plugins:
  max_active: 8
  step_wait_max: 50ms
world:
  mobs:
    - name: bob
      x: 1
      y: 2
spawns:
  - name: morning-greet
    schedule: "every 5m"
    script: greet
    mob: bob
admin:
  enabled: true
  addr: 127.0.0.1:0
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("server.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Tick.Interval != "100ms" || cfg.Plugins.MaxActive != 8 {
		t.Fatalf("got tick=%q max_active=%d", cfg.Tick.Interval, cfg.Plugins.MaxActive)
	}
	if len(cfg.World.Mobs) != 1 || cfg.World.Mobs[0] != (MobConfig{Name: "bob", X: 1, Y: 2}) {
		t.Fatalf("got mobs %+v", cfg.World.Mobs)
	}
	if len(cfg.Spawns) != 1 || cfg.Spawns[0].Script != "greet" {
		t.Fatalf("got spawns %+v", cfg.Spawns)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.yaml", []byte("tick:\n  intervall: 1s\n")); err == nil {
		t.Fatal("unknown yaml key accepted")
	}
	if _, err := Decode("c.json", []byte(`{"tick":{"interval":"1s"}} {}`)); err == nil {
		t.Fatal("trailing json accepted")
	}
	cfg, err := Decode("c.yml", []byte(""))
	if err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("empty config should validate: %v", err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Logging: LoggingConfig{Level: "loud"},
		Tick:    TickConfig{Interval: "fast"},
		Plugins: PluginsConfig{MaxActive: -1, StepWaitMax: "-1s"},
		Spawns: []SpawnConfig{
			{Name: "a", Schedule: "every 1m", Script: "greet", Mob: "bob"},
			{Name: "A", Schedule: "", Script: "greet"},
		},
		Storage: &StorageConfig{Driver: "postgres"},
		Admin:   AdminConfig{Enabled: true, Addr: "0.0.0.0:6060"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate accepted a broken config")
	}
	for _, want := range []string{
		"logging.level",
		"tick.interval",
		"plugins.max_active",
		"plugins.step_wait_max",
		`spawns[1].name: duplicate "A"`,
		"spawns[1].schedule",
		"spawns[1].mob",
		"storage.driver",
		"admin.addr",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestValidateAdminInsecureOverride(t *testing.T) {
	t.Parallel()
	cfg := &Config{Admin: AdminConfig{Enabled: true, Addr: ":6060", AllowInsecure: true}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("allow_insecure: %v", err)
	}
	cfg.Admin = AdminConfig{Enabled: true, Addr: ":6060", Token: "s3cret"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("token: %v", err)
	}
}

func TestSummarizeConfigChangeHidesToken(t *testing.T) {
	t.Parallel()
	a := &Config{Admin: AdminConfig{Token: "one"}}
	b := &Config{Admin: AdminConfig{Token: "two"}, Tick: TickConfig{Interval: "1s"}}

	changed, attrs := SummarizeConfigChange(a, b)
	if !slices.Equal(changed, []string{"tick", "admin"}) {
		t.Fatalf("changed = %v, want [tick admin]", changed)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("diff", attrs...)
	if strings.Contains(buf.String(), `"two"`) || strings.Contains(buf.String(), `"one"`) {
		t.Fatalf("token leaked into log: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "admin.token_set") {
		t.Fatalf("token presence not logged: %s", buf.String())
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Second)
	if err != nil || d != time.Second {
		t.Fatalf("got %v, %v; want 1s", d, err)
	}
	d, err = ParseDurationOrDefault("x", " 250ms ", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("got %v, %v; want 250ms", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "soon", time.Second); err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestManagerReloadPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "server.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(`{"tick":{"interval":"1s"}}`)

	m := NewManager(path)
	m.SetLogger(logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx := context.Background()

	// unchanged content is not republished
	m.reload(ctx)
	select {
	case <-sub:
		t.Fatal("unchanged config published")
	default:
	}

	// invalid content keeps the old config
	write(`{"tick":{"interval":"never"}}`)
	m.reload(ctx)
	if got := m.Get().Tick.Interval; got != "1s" {
		t.Fatalf("invalid reload committed: interval=%q", got)
	}

	m.SetValidator(func(context.Context, *Config) error { return nil })
	write(`{"tick":{"interval":"2s"}}`)
	m.reload(ctx)
	select {
	case cfg := <-sub:
		if cfg.Tick.Interval != "2s" {
			t.Fatalf("published interval %q, want 2s", cfg.Tick.Interval)
		}
	default:
		t.Fatal("valid change not published")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	m.SetLogger(logx.Nop())
	sub := m.Subscribe(1)
	first := &Config{Tick: TickConfig{Interval: "1s"}}
	second := &Config{Tick: TickConfig{Interval: "2s"}}
	m.publish(first)
	m.publish(second)
	if got := <-sub; got != second {
		t.Fatalf("got %+v, want newest", got.Tick)
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel open after Unsubscribe")
	}
}
