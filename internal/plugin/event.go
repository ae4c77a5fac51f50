package plugin

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tickserver/internal/eventbus"
	"tickserver/internal/plugin/handler"
	"tickserver/internal/plugin/task"
	"tickserver/internal/tick"
	"tickserver/internal/world"
	logx "tickserver/pkg/logx"
)

// Submitter is the part of the handler a TickEvent needs.
type Submitter interface {
	Submit(job handler.Job) (*handler.Future, error)
}

const (
	DefaultStepPoll    = time.Millisecond
	DefaultStepWaitMax = 200 * time.Millisecond
)

// Options tune how long Run waits for a stepped task to park again.
type Options struct {
	// Poll is the fallback re-check interval while waiting.
	Poll time.Duration
	// MaxWait bounds the wait. A task still mid-step after it gets no new
	// step until it parks.
	MaxWait time.Duration

	Log logx.Logger
	Bus eventbus.Bus

	// OnStop runs once, after the event has stopped its task.
	OnStop func(*TickEvent)
}

func (o Options) withDefaults() Options {
	if o.Poll <= 0 {
		o.Poll = DefaultStepPoll
	}
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultStepWaitMax
	}
	return o
}

// TickEvent binds a plugin task to the tick clock. Each Run grants the task
// at most one step and returns once the task has parked again.
//
// If the event was created for a specific walk action, the task is torn down
// as soon as the mob's current walk action is a different one.
type TickEvent struct {
	tick.BaseEvent

	mob  *world.Mob
	walk *world.WalkToAction
	task *task.Task
	sub  Submitter
	opts Options
	log  logx.Logger

	future      atomic.Pointer[handler.Future]
	submissions atomic.Int32

	slowWarn rate.Sometimes
}

func NewTickEvent(mob *world.Mob, descriptor string, walk *world.WalkToAction, tk *task.Task, sub Submitter, opts Options) *TickEvent {
	opts = opts.withDefaults()
	var owner tick.Actor
	if mob != nil {
		owner = mob
	}
	return &TickEvent{
		BaseEvent: tick.NewBaseEvent(owner, descriptor, true),
		mob:       mob,
		walk:      walk,
		task:      tk,
		sub:       sub,
		opts:      opts,
		log:       opts.Log.With(logx.String("plugin", tk.Name()), logx.Int("mob", mob.ID())),
		slowWarn:  rate.Sometimes{Interval: 5 * time.Second},
	}
}

func (e *TickEvent) Task() *task.Task                 { return e.task }
func (e *TickEvent) Mob() *world.Mob                  { return e.mob }
func (e *TickEvent) WalkContext() *world.WalkToAction { return e.walk }

// Future is the completion handle, nil until the first Run submits the task.
func (e *TickEvent) Future() *handler.Future { return e.future.Load() }

// Submissions counts calls made to the handler. It never exceeds one.
func (e *TickEvent) Submissions() int { return int(e.submissions.Load()) }

// IsStale reports whether the mob has moved on to another walk action since
// this event was created. An event without a walk context is never stale.
func (e *TickEvent) IsStale() bool {
	if e.walk == nil {
		return false
	}
	return e.mob.LastExecutedWalkToAction() != e.walk
}

func (e *TickEvent) Run() {
	if !e.Running() {
		return
	}

	if e.IsStale() {
		e.log.Debug("plugin stale; walk action changed",
			logx.String("was", e.walk.String()),
			logx.String("now", e.mob.LastExecutedWalkToAction().String()),
			logx.Uint64("steps", e.task.Steps()),
		)
		eventbus.PublishSafe(e.opts.Bus, eventbus.Event{Type: eventbus.PluginStale, Data: e.info()})
		e.Stop()
		return
	}

	f := e.future.Load()
	if f == nil {
		var err error
		e.submissions.Add(1)
		f, err = e.sub.Submit(e.task)
		if err != nil {
			e.rejected(err)
			return
		}
		e.future.Store(f)
	}

	e.task.Lock()
	e.task.Advance()
	e.task.Step()
	for e.task.ShouldRun() && !f.Done() {
		e.task.Step()
	}
	e.task.Unlock()

	e.awaitSettled(f)

	if f.Done() {
		e.Stop()
	}
}

func (e *TickEvent) rejected(err error) {
	level := e.log.Warn
	if errors.Is(err, handler.ErrCircuitOpen) || errors.Is(err, handler.ErrStopped) {
		level = e.log.Debug
	}
	level("plugin submission refused; stopping", logx.Err(err))
	info := e.info()
	info.Error = err.Error()
	eventbus.PublishSafe(e.opts.Bus, eventbus.Event{Type: eventbus.PluginRejected, Data: info})
	e.Stop()
}

func (e *TickEvent) converged(f *handler.Future) bool {
	if f.Done() {
		return true
	}
	if e.task.State().Terminal() {
		// the handle resolves right after; wait for it
		return false
	}
	return e.task.HasStarted() && !e.task.MidStep()
}

// awaitSettled waits until the task parks, or the handle resolves. It is
// woken by the task's settled signal and re-checks on a short poll.
func (e *TickEvent) awaitSettled(f *handler.Future) {
	if e.converged(f) {
		return
	}
	deadline := time.NewTimer(e.opts.MaxWait)
	defer deadline.Stop()
	poll := time.NewTicker(e.opts.Poll)
	defer poll.Stop()

	for !e.converged(f) {
		select {
		case <-e.task.Settled():
		case <-f.DoneCh():
		case <-poll.C:
		case <-deadline.C:
			e.slowWarn.Do(func() {
				e.log.Warn("plugin step still running at wait limit",
					logx.Duration("max_wait", e.opts.MaxWait),
					logx.String("state", e.task.State().String()),
					logx.Uint64("steps", e.task.Steps()),
				)
			})
			return
		}
	}
}

// Stop cancels the handle, stops the task and retires the event. Only the
// first call has any effect. It returns once the handle has resolved, or
// after MaxWait if the task is still mid-step.
func (e *TickEvent) Stop() {
	if !e.MarkStopped() {
		return
	}
	f := e.future.Load()
	if f != nil {
		f.Cancel(true)
	}
	e.task.Stop()
	if f != nil {
		e.awaitResolved(f)
	}
	if e.opts.OnStop != nil {
		e.opts.OnStop(e)
	}
}

// awaitResolved waits for a cancelled handle to report done. A parked task
// unwinds almost at once.
func (e *TickEvent) awaitResolved(f *handler.Future) {
	if f.Done() {
		return
	}
	deadline := time.NewTimer(e.opts.MaxWait)
	defer deadline.Stop()
	select {
	case <-f.DoneCh():
	case <-deadline.C:
		e.log.Warn("plugin still unwinding at wait limit",
			logx.Duration("max_wait", e.opts.MaxWait),
			logx.String("state", e.task.State().String()),
		)
	}
}

// Info describes a plugin event for diagnostics and the bus.
type Info struct {
	Script  string `json:"script"`
	Mob     string `json:"mob,omitempty"`
	MobID   int    `json:"mob_id,omitempty"`
	State   string `json:"state"`
	Steps   uint64 `json:"steps"`
	Tick    uint64 `json:"tick"`
	Walk    string `json:"walk,omitempty"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

func (e *TickEvent) info() Info {
	in := Info{
		Script:  e.task.Name(),
		Mob:     e.mob.Name(),
		MobID:   e.mob.ID(),
		State:   e.task.State().String(),
		Steps:   e.task.Steps(),
		Tick:    e.task.LocalTick(),
		Running: e.Running(),
	}
	if e.walk != nil {
		in.Walk = e.walk.String()
	}
	return in
}

func (e *TickEvent) Info() Info { return e.info() }
