package plugin

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tickserver/internal/eventbus"
	"tickserver/internal/plugin/task"
	"tickserver/internal/world"
	logx "tickserver/pkg/logx"
)

// Runner starts named scripts on mobs. It owns the bookkeeping of live
// plugin events; the clock owns their scheduling.
type Runner struct {
	world   *world.World
	sub     Submitter
	scripts *Registry
	log     logx.Logger
	bus     eventbus.Bus

	opts atomic.Pointer[Options]

	mu   sync.Mutex
	live map[*TickEvent]struct{}
}

func NewRunner(w *world.World, sub Submitter, scripts *Registry, log logx.Logger, bus eventbus.Bus) *Runner {
	r := &Runner{
		world:   w,
		sub:     sub,
		scripts: scripts,
		log:     log,
		bus:     bus,
		live:    make(map[*TickEvent]struct{}),
	}
	r.SetStepWait(0, 0)
	return r
}

func (r *Runner) Scripts() *Registry { return r.scripts }

// SetStepWait changes the convergence wait for events started afterwards.
func (r *Runner) SetStepWait(poll, maxWait time.Duration) {
	o := Options{Poll: poll, MaxWait: maxWait}.withDefaults()
	r.opts.Store(&o)
}

// Start schedules script on mob. With a non-nil walk, the plugin is stopped
// as soon as the mob's current walk action is no longer walk.
func (r *Runner) Start(mob *world.Mob, script string, walk *world.WalkToAction) (*TickEvent, error) {
	body, err := r.scripts.Get(script)
	if err != nil {
		return nil, err
	}
	opts := *r.opts.Load()
	opts.Log = r.log
	opts.Bus = r.bus
	opts.OnStop = r.forget

	tk := task.New(normName(script), mob, body, r.log)
	ev := NewTickEvent(mob, "plugin:"+normName(script), walk, tk, r.sub, opts)

	r.mu.Lock()
	r.live[ev] = struct{}{}
	r.mu.Unlock()

	if err := r.world.Clock.Schedule(ev); err != nil {
		r.forget(ev)
		return nil, fmt.Errorf("schedule %s: %w", script, err)
	}
	r.log.Debug("plugin scheduled", logx.String("script", tk.Name()), logx.String("mob", mob.String()), logx.String("walk", walk.String()))
	return ev, nil
}

// WalkThenRun issues a walk to dest on mob and starts script bound to that
// walk action.
func (r *Runner) WalkThenRun(mob *world.Mob, script string, dest world.Point) (*TickEvent, error) {
	if _, err := r.scripts.Get(script); err != nil {
		return nil, err
	}
	walk := mob.WalkTo(dest, r.world.Clock.Now(), script)
	return r.Start(mob, script, walk)
}

func (r *Runner) forget(ev *TickEvent) {
	r.mu.Lock()
	delete(r.live, ev)
	r.mu.Unlock()
}

// IsRunning reports whether script is live on the mob with that id.
func (r *Runner) IsRunning(mobID int, script string) bool {
	n := normName(script)
	r.mu.Lock()
	defer r.mu.Unlock()
	for ev := range r.live {
		if ev.mob.ID() == mobID && ev.task.Name() == n {
			return true
		}
	}
	return false
}

// Live lists running plugin events ordered by mob id, then script.
func (r *Runner) Live() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.live))
	for ev := range r.live {
		out = append(out, ev.info())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].MobID != out[j].MobID {
			return out[i].MobID < out[j].MobID
		}
		return out[i].Script < out[j].Script
	})
	return out
}

// StopMob stops every plugin running on the mob and reports how many.
func (r *Runner) StopMob(mobID int) int {
	r.mu.Lock()
	var hit []*TickEvent
	for ev := range r.live {
		if ev.mob.ID() == mobID {
			hit = append(hit, ev)
		}
	}
	r.mu.Unlock()
	for _, ev := range hit {
		ev.Stop()
	}
	return len(hit)
}

// MobOf returns the mob a script session runs on, or nil.
func MobOf(s *task.Session) *world.Mob {
	m, _ := s.Owner().(*world.Mob)
	return m
}
