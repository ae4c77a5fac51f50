package task

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"tickserver/internal/tick"
	logx "tickserver/pkg/logx"
)

// ErrInterrupted is reported for a task that was stopped before its script
// could run to completion.
var ErrInterrupted = errors.New("plugin task interrupted")

// Script is a plugin body. It is written as ordinary sequential code and
// pauses through the Session it receives.
type Script func(s *Session) error

// Task runs one Script cooperatively: the script advances through at most one
// step per grant, and every grant comes from the owning tick event.
//
// The worker side (Call) runs on a pool goroutine. The control side (Advance,
// Step, ShouldRun) is driven by the tick loop while holding Lock.
type Task struct {
	name   string
	owner  tick.Actor
	script Script
	log    logx.Logger

	mu sync.Mutex

	state        atomic.Int32
	startGranted atomic.Bool
	localTick    atomic.Uint64
	wakeAt       atomic.Uint64
	steps        atomic.Uint64

	resume  chan struct{}
	settled chan struct{}

	quit     context.Context
	quitFn   context.CancelFunc
	stopOnce sync.Once
}

func New(name string, owner tick.Actor, script Script, log logx.Logger) *Task {
	quit, quitFn := context.WithCancel(context.Background())
	return &Task{
		name:    name,
		owner:   owner,
		script:  script,
		log:     log,
		resume:  make(chan struct{}, 1),
		settled: make(chan struct{}, 1),
		quit:    quit,
		quitFn:  quitFn,
	}
}

func (t *Task) Name() string      { return t.name }
func (t *Task) Owner() tick.Actor { return t.owner }
func (t *Task) State() State      { return State(t.state.Load()) }
func (t *Task) Steps() uint64     { return t.steps.Load() }

// LocalTick is the tick count this task has observed. Only Advance moves it.
func (t *Task) LocalTick() uint64 { return t.localTick.Load() }

// Lock serializes step control. No two callers may advance the task at once.
func (t *Task) Lock()   { t.mu.Lock() }
func (t *Task) Unlock() { t.mu.Unlock() }

// Advance moves the task's local tick forward by one. Caller holds Lock.
func (t *Task) Advance() uint64 { return t.localTick.Add(1) }

// Step grants the worker permission to run to its next pause point. It
// reports whether a step was granted; a task that is executing, not yet due,
// or terminal is left alone. Caller holds Lock.
func (t *Task) Step() bool {
	switch t.State() {
	case NotStarted, Initializing:
		if !t.startGranted.CompareAndSwap(false, true) {
			return false
		}
	case Parked:
		if t.localTick.Load() < t.wakeAt.Load() {
			return false
		}
		if !t.state.CompareAndSwap(int32(Parked), int32(Executing)) {
			return false
		}
	default:
		return false
	}
	t.steps.Add(1)
	select {
	case t.resume <- struct{}{}:
	default:
	}
	return true
}

// ShouldRun reports whether a step could be granted right now: the worker has
// not been started yet, or it is parked and its delay has elapsed.
func (t *Task) ShouldRun() bool {
	switch t.State() {
	case NotStarted, Initializing:
		return !t.startGranted.Load()
	case Parked:
		return t.localTick.Load() >= t.wakeAt.Load()
	default:
		return false
	}
}

// HasStarted reports whether the worker has taken its first step.
func (t *Task) HasStarted() bool {
	s := t.State()
	return s != NotStarted && s != Initializing
}

// IsAlive reports whether the worker body is still on its goroutine.
func (t *Task) IsAlive() bool {
	s := t.State()
	return s == Initializing || s == Parked || s == Executing
}

// IsWaitingAtPause reports whether the worker is parked waiting for a step.
func (t *Task) IsWaitingAtPause() bool { return t.State() == Parked }

// MidStep reports whether the worker is executing a granted step.
func (t *Task) MidStep() bool { return t.State() == Executing }

// Cancelled reports whether the task ended by interruption.
func (t *Task) Cancelled() bool { return t.State() == Cancelled }

// Settled receives a signal each time the worker parks or terminates. A
// signal may be stale; callers re-check state after waking.
func (t *Task) Settled() <-chan struct{} { return t.settled }

// Interrupt releases a parked worker with a cancellation instead of a step.
// A worker that is mid-step observes it at its next pause point.
func (t *Task) Interrupt() { t.Stop() }

// Stop requests termination. Safe to call any number of times.
func (t *Task) Stop() {
	t.stopOnce.Do(func() {
		t.quitFn()
		if t.state.CompareAndSwap(int32(NotStarted), int32(Cancelled)) {
			t.settle()
		}
		t.log.Debug("plugin task stop requested", logx.String("task", t.name), logx.String("state", t.State().String()))
	})
}

// Call runs the script body on the calling goroutine. It first waits for the
// start grant, so no script code runs outside a tick boundary.
//
// An interrupted script never returns here: the goroutine unwinds through
// runtime.Goexit and the state is set to Cancelled by a deferred handler.
// Callers that need to observe that must do so in their own defers.
func (t *Task) Call(ctx context.Context) (steps int, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !t.state.CompareAndSwap(int32(NotStarted), int32(Initializing)) {
		if t.Cancelled() {
			return 0, fmt.Errorf("task %s: %w", t.name, ErrInterrupted)
		}
		return 0, fmt.Errorf("task %s: already called", t.name)
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unlink := context.AfterFunc(t.quit, cancel)
	defer unlink()

	returned := false
	defer func() {
		if r := recover(); r != nil {
			t.log.Warn("plugin script panicked", logx.String("task", t.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			steps = int(t.steps.Load())
			err = fmt.Errorf("task %s: script panic: %v", t.name, r)
			t.finish(Finished)
			return
		}
		if !returned {
			t.finish(Cancelled)
		}
	}()

	select {
	case <-t.resume:
	case <-t.quit.Done():
		t.exit()
	case <-ctx.Done():
		t.exit()
	}
	if t.quit.Err() != nil {
		t.exit()
	}
	t.state.Store(int32(Executing))

	err = t.script(&Session{t: t, ctx: sctx})
	returned = true
	t.finish(Finished)
	return int(t.steps.Load()), err
}

func (t *Task) finish(s State) {
	t.state.Store(int32(s))
	t.settle()
}

func (t *Task) settle() {
	select {
	case t.settled <- struct{}{}:
	default:
	}
}

// exit unwinds the worker goroutine. Deferred calls run, but recover cannot
// stop it, so script code has no way to swallow the interruption.
func (t *Task) exit() { runtime.Goexit() }

// park blocks the worker until the next granted step at or after wake.
func (t *Task) park(ctx context.Context, ticks uint64) {
	if ctx.Err() != nil {
		t.exit()
	}
	t.wakeAt.Store(t.localTick.Load() + ticks)
	t.state.Store(int32(Parked))
	t.settle()

	select {
	case <-t.resume:
	case <-t.quit.Done():
		t.exit()
	}
	// A step and a stop can race; the stop wins.
	if t.quit.Err() != nil || ctx.Err() != nil {
		t.exit()
	}
}

func (t *Task) String() string {
	return fmt.Sprintf("%s[%s tick=%d steps=%d]", t.name, t.State(), t.LocalTick(), t.Steps())
}
