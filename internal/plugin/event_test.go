package plugin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tickserver/internal/eventbus"
	"tickserver/internal/plugin/handler"
	"tickserver/internal/plugin/task"
	"tickserver/internal/tick"
	"tickserver/internal/world"
	logx "tickserver/pkg/logx"
)

type countingSubmitter struct {
	h   *handler.Handler
	err error
	n   atomic.Int32
}

func (c *countingSubmitter) Submit(job handler.Job) (*handler.Future, error) {
	c.n.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.h.Submit(job)
}

func newHandler(t *testing.T, bus eventbus.Bus) *handler.Handler {
	t.Helper()
	h := handler.New(handler.Config{}, logx.Nop(), bus)
	h.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	})
	return h
}

type points struct {
	mu  sync.Mutex
	hit []int
}

func (p *points) add(n int) {
	p.mu.Lock()
	p.hit = append(p.hit, n)
	p.mu.Unlock()
}

func (p *points) list() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.hit...)
}

// threePauses has three pause points: two yields and the return.
func threePauses(p *points) task.Script {
	return func(s *task.Session) error {
		p.add(1)
		s.Yield()
		p.add(2)
		s.Yield()
		p.add(3)
		return nil
	}
}

var slowWait = Options{MaxWait: 2 * time.Second}

func waitDone(t *testing.T, f *handler.Future) {
	t.Helper()
	select {
	case <-f.DoneCh():
	case <-time.After(2 * time.Second):
		t.Fatal("handle never resolved")
	}
}

func TestScenarioThreePausePointsFinishOnThirdTick(t *testing.T) {
	t.Parallel()
	clock := tick.New(tick.Config{}, logx.Nop(), nil)
	sub := &countingSubmitter{h: newHandler(t, nil)}
	mob := world.NewMob(1, "guard", world.Point{})
	p := &points{}
	tk := task.New("three", mob, threePauses(p), logx.Nop())
	ev := NewTickEvent(mob, "plugin:three", nil, tk, sub, slowWait)
	if err := clock.Schedule(ev); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	for i := 1; i <= 2; i++ {
		// a nil walk context is never stale, whatever the mob does
		mob.WalkTo(world.Point{X: i}, clock.Now(), "wander")
		clock.Tick()
		if tk.State() == task.Finished || ev.Future().Done() {
			t.Fatalf("finished after %d ticks, want 3", i)
		}
		if got := len(p.list()); got != i {
			t.Fatalf("tick %d reached %d pause points, want %d", i, got, i)
		}
	}
	clock.Tick()
	if !ev.Future().Done() || tk.State() != task.Finished {
		t.Fatalf("after 3 ticks done=%v state=%s, want done and finished", ev.Future().Done(), tk.State())
	}
	if ev.Running() || ev.Future().Cancelled() {
		t.Fatalf("running=%v cancelled=%v, want stopped and not cancelled", ev.Running(), ev.Future().Cancelled())
	}
	if got := clock.Snapshot().Live; got != 0 {
		t.Fatalf("clock Live = %d, want 0", got)
	}
	if sub.n.Load() != 1 {
		t.Fatalf("Submit called %d times, want 1", sub.n.Load())
	}
}

func TestScenarioStaleWalkCancelsBeforeNextStep(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	clock := tick.New(tick.Config{}, logx.Nop(), bus)
	sub := &countingSubmitter{h: newHandler(t, nil)}
	mob := world.NewMob(1, "guard", world.Point{})
	walk := mob.WalkTo(world.Point{X: 5}, 0, "quest")
	p := &points{}
	tk := task.New("three", mob, threePauses(p), logx.Nop())
	opts := slowWait
	opts.Bus = bus
	ev := NewTickEvent(mob, "plugin:three", walk, tk, sub, opts)
	_ = clock.Schedule(ev)

	clock.Tick()
	if ev.IsStale() {
		t.Fatal("stale before the walk changed")
	}
	mob.WalkTo(world.Point{X: 5}, 1, "quest")
	clock.Tick()

	if ev.Running() {
		t.Fatal("stale event still running")
	}
	f := ev.Future()
	if !f.Done() || !f.Cancelled() {
		t.Fatalf("handle done=%v cancelled=%v right after the stale tick, want both", f.Done(), f.Cancelled())
	}
	if got := p.list(); len(got) != 1 {
		t.Fatalf("pause points reached %v, want [1]", got)
	}
	if tk.Steps() != 1 {
		t.Fatalf("steps = %d, want 1", tk.Steps())
	}

	stale := false
	for len(events) > 0 {
		if (<-events).Type == eventbus.PluginStale {
			stale = true
		}
	}
	if !stale {
		t.Fatal("no plugin.stale published")
	}
}

func TestScenarioExternalStopWhileParked(t *testing.T) {
	t.Parallel()
	clock := tick.New(tick.Config{}, logx.Nop(), nil)
	sub := &countingSubmitter{h: newHandler(t, nil)}
	p := &points{}
	tk := task.New("three", nil, threePauses(p), logx.Nop())
	ev := NewTickEvent(nil, "plugin:three", nil, tk, sub, slowWait)
	_ = clock.Schedule(ev)

	clock.Tick()
	if !tk.IsWaitingAtPause() {
		t.Fatalf("state = %s, want parked", tk.State())
	}
	ev.Stop()
	if f := ev.Future(); !f.Done() || !f.Cancelled() {
		t.Fatalf("handle done=%v cancelled=%v after Stop returned, want both", f.Done(), f.Cancelled())
	}
	ev.Stop()

	clock.Tick()
	clock.Tick()
	if got := p.list(); len(got) != 1 {
		t.Fatalf("pause points reached %v, want [1]", got)
	}
	if got := clock.Snapshot().Live; got != 0 {
		t.Fatalf("clock Live = %d, want 0", got)
	}
}

func TestStopBeforeFirstRunNeverSubmits(t *testing.T) {
	t.Parallel()
	sub := &countingSubmitter{h: newHandler(t, nil)}
	tk := task.New("idle", nil, threePauses(&points{}), logx.Nop())
	ev := NewTickEvent(nil, "plugin:idle", nil, tk, sub, slowWait)
	ev.Stop()
	ev.Run()
	if sub.n.Load() != 0 || ev.Future() != nil {
		t.Fatalf("stopped event submitted %d times", sub.n.Load())
	}
	if tk.State() != task.Cancelled {
		t.Fatalf("task state = %s, want cancelled", tk.State())
	}
}

func TestSubmissionFailureStopsEvent(t *testing.T) {
	t.Parallel()
	clock := tick.New(tick.Config{}, logx.Nop(), nil)
	sub := &countingSubmitter{h: newHandler(t, nil), err: handler.ErrPoolExhausted}
	tk := task.New("three", nil, threePauses(&points{}), logx.Nop())
	ev := NewTickEvent(nil, "plugin:three", nil, tk, sub, slowWait)
	_ = clock.Schedule(ev)

	for i := 0; i < 5; i++ {
		clock.Tick()
	}
	if ev.Running() {
		t.Fatal("event still running after refused submission")
	}
	if ev.Submissions() != 1 || sub.n.Load() != 1 {
		t.Fatalf("submissions = %d/%d, want 1", ev.Submissions(), sub.n.Load())
	}
}

func TestScriptErrorStopsEventOnly(t *testing.T) {
	t.Parallel()
	clock := tick.New(tick.Config{}, logx.Nop(), nil)
	sub := &countingSubmitter{h: newHandler(t, nil)}
	boom := errors.New("quest data missing")
	bad := task.New("bad", nil, func(s *task.Session) error {
		s.Yield()
		return boom
	}, logx.Nop())
	badEv := NewTickEvent(nil, "plugin:bad", nil, bad, sub, slowWait)
	good := newFuncCounter()
	_ = clock.Schedule(badEv)
	_ = clock.Schedule(good)

	for i := 0; i < 3; i++ {
		clock.Tick()
	}
	if badEv.Running() {
		t.Fatal("failed plugin still running")
	}
	if err := badEv.Future().Err(); !errors.Is(err, boom) {
		t.Fatalf("handle error = %v, want %v", err, boom)
	}
	if good.runs.Load() != 3 {
		t.Fatalf("other event ran %d times, want 3", good.runs.Load())
	}
}

// newFuncCounter is a continuous event counting its runs.
func newFuncCounter() *funcCounter {
	fc := &funcCounter{}
	fc.FuncEvent = tick.NewFuncEvent(nil, "counter", true, func() { fc.runs.Add(1) })
	return fc
}

type funcCounter struct {
	*tick.FuncEvent
	runs atomic.Int32
}

func TestNoNewStepWhileMidStep(t *testing.T) {
	t.Parallel()
	clock := tick.New(tick.Config{}, logx.Nop(), nil)
	sub := &countingSubmitter{h: newHandler(t, nil)}
	gate := make(chan struct{})
	p := &points{}
	tk := task.New("slow", nil, func(s *task.Session) error {
		p.add(1)
		<-gate
		s.Yield()
		p.add(2)
		return nil
	}, logx.Nop())
	ev := NewTickEvent(nil, "plugin:slow", nil, tk, sub, Options{MaxWait: 20 * time.Millisecond})
	_ = clock.Schedule(ev)

	clock.Tick()
	if !tk.MidStep() {
		t.Fatalf("state = %s, want executing", tk.State())
	}
	clock.Tick()
	if tk.Steps() != 1 {
		t.Fatalf("steps = %d while mid-step, want 1", tk.Steps())
	}

	close(gate)
	deadline := time.Now().Add(2 * time.Second)
	for !tk.IsWaitingAtPause() {
		if time.Now().After(deadline) {
			t.Fatalf("task never parked, state=%s", tk.State())
		}
		time.Sleep(time.Millisecond)
	}
	clock.Tick()
	if tk.Steps() != 2 {
		t.Fatalf("steps = %d, want 2", tk.Steps())
	}
	waitDone(t, ev.Future())
	if got := p.list(); len(got) != 2 {
		t.Fatalf("pause points reached %v, want [1 2]", got)
	}
}
