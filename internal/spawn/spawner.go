// Package spawn starts scripts on mobs from cron or interval schedules.
//
// Triggers come from a robfig/cron goroutine; starting a plugin only
// registers its event with the tick clock, so nothing here runs script code.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"tickserver/internal/eventbus"
	"tickserver/internal/plugin"
	"tickserver/internal/world"
	logx "tickserver/pkg/logx"
)

var ErrOverlap = errors.New("previous run still live")

// Starter is the part of plugin.Runner the spawner needs.
type Starter interface {
	Start(mob *world.Mob, script string, walk *world.WalkToAction) (*plugin.TickEvent, error)
	IsRunning(mobID int, script string) bool
}

// MobFinder resolves a spawn's mob by name at fire time, so a mob that
// appears later is picked up without re-applying.
type MobFinder interface {
	MobByName(name string) (*world.Mob, error)
}

// Spec is one configured spawn.
type Spec struct {
	Name         string
	Schedule     string
	Script       string
	Mob          string
	AllowOverlap bool
}

type def struct {
	spec    Spec
	sched   Schedule
	entryID cron.EntryID
	spread  time.Duration

	fired   uint64
	skipped uint64
	lastErr string
}

// Info describes one spawn for snapshots.
type Info struct {
	Name     string    `json:"name"`
	Script   string    `json:"script"`
	Mob      string    `json:"mob"`
	Spec     string    `json:"spec"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev"`
	Fired    uint64    `json:"fired"`
	Skipped  uint64    `json:"skipped"`
	LastErr  string    `json:"last_error,omitempty"`
	Overlaps bool      `json:"allow_overlap"`
}

type Spawner struct {
	starter Starter
	mobs    MobFinder
	log     logx.Logger
	bus     eventbus.Bus

	mu   sync.Mutex
	c    *cron.Cron
	defs map[string]*def

	warn rate.Sometimes
}

func New(starter Starter, mobs MobFinder, log logx.Logger, bus eventbus.Bus) *Spawner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Spawner{
		starter: starter,
		mobs:    mobs,
		log:     log,
		bus:     bus,
		defs:    map[string]*def{},
		warn:    rate.Sometimes{Interval: 5 * time.Second},
	}
}

func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Apply replaces the spawn set. Unchanged spawns keep their cron entry, and
// so their next fire time. Nothing is applied if any spec is invalid.
func (s *Spawner) Apply(specs []Spec) error {
	parsed := make(map[string]*def, len(specs))
	var errs []error
	for _, sp := range specs {
		k := key(sp.Name)
		if k == "" {
			errs = append(errs, errors.New("spawn name required"))
			continue
		}
		if _, dup := parsed[k]; dup {
			errs = append(errs, fmt.Errorf("spawn %q: duplicate name", sp.Name))
			continue
		}
		sc, err := ParseSchedule(sp.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("spawn %q: %w", sp.Name, err))
			continue
		}
		parsed[k] = &def{spec: sp, sched: sc}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, old := range s.defs {
		if nd, ok := parsed[k]; ok && nd.spec == old.spec {
			parsed[k] = old
			continue
		}
		if s.c != nil && old.entryID != 0 {
			s.c.Remove(old.entryID)
		}
		s.log.Debug("spawn removed", logx.String("spawn", old.spec.Name))
	}
	for _, d := range parsed {
		if d.entryID == 0 && s.c != nil {
			s.registerLocked(d)
		}
	}
	s.defs = parsed
	return nil
}

// Start begins triggering. It is a no-op if already started.
func (s *Spawner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(cronParser))
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("spawner started", logx.Int("spawns", len(s.defs)))
}

// Stop halts triggering and waits for a running trigger to return.
func (s *Spawner) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("spawner stopped")
}

func (s *Spawner) registerLocked(d *def) {
	job := cron.FuncJob(func() { _ = s.fire(d) })
	if d.sched.Kind == KindInterval {
		sched, jitter := withSpread(d.sched.Every, time.Now(), d.spec.Name)
		d.spread = jitter
		d.entryID = s.c.Schedule(sched, job)
	} else {
		id, err := s.c.AddJob(d.sched.Cron, job)
		if err != nil {
			s.log.Error("spawn register failed", logx.String("spawn", d.spec.Name), logx.Err(err))
			return
		}
		d.entryID = id
	}
	s.log.Debug("spawn registered",
		logx.String("spawn", d.spec.Name),
		logx.String("spec", d.sched.Spec()),
		logx.String("script", d.spec.Script),
		logx.String("mob", d.spec.Mob),
		logx.Duration("spread", d.spread),
	)
}

// Fire runs the named spawn now, as if its schedule had triggered.
func (s *Spawner) Fire(name string) error {
	s.mu.Lock()
	d, ok := s.defs[key(name)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown spawn %q", name)
	}
	return s.fire(d)
}

func (s *Spawner) fire(d *def) error {
	sp := d.spec
	err := s.start(sp)

	s.mu.Lock()
	switch {
	case errors.Is(err, ErrOverlap):
		d.skipped++
	case err != nil:
		d.lastErr = err.Error()
	default:
		d.fired++
		d.lastErr = ""
	}
	s.mu.Unlock()

	switch {
	case errors.Is(err, ErrOverlap):
		s.log.Debug("spawn skipped", logx.String("spawn", sp.Name), logx.Err(err))
	case err != nil:
		s.warn.Do(func() {
			s.log.Warn("spawn failed", logx.String("spawn", sp.Name), logx.String("script", sp.Script), logx.Err(err))
		})
	default:
		eventbus.PublishSafe(s.bus, eventbus.Event{
			Type: eventbus.SpawnFired,
			Data: map[string]any{"spawn": sp.Name, "script": sp.Script, "mob": sp.Mob},
		})
	}
	return err
}

func (s *Spawner) start(sp Spec) error {
	mob, err := s.mobs.MobByName(sp.Mob)
	if err != nil {
		return err
	}
	if !sp.AllowOverlap && s.starter.IsRunning(mob.ID(), sp.Script) {
		return ErrOverlap
	}
	_, err = s.starter.Start(mob, sp.Script, nil)
	return err
}

// Snapshot lists spawns by name.
func (s *Spawner) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.defs))
	for _, d := range s.defs {
		it := Info{
			Name:     d.spec.Name,
			Script:   d.spec.Script,
			Mob:      d.spec.Mob,
			Spec:     d.sched.Spec(),
			Fired:    d.fired,
			Skipped:  d.skipped,
			LastErr:  d.lastErr,
			Overlaps: d.spec.AllowOverlap,
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
