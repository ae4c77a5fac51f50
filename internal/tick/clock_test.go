package tick

import (
	"context"
	"errors"
	"testing"
	"time"

	"tickserver/internal/eventbus"
	logx "tickserver/pkg/logx"
)

type actor struct {
	id   int
	name string
}

func (a actor) ID() int      { return a.id }
func (a actor) Name() string { return a.name }

type countingEvent struct {
	BaseEvent
	runs  int
	ticks []uint64
	clock *Clock
	onRun func()
}

func (e *countingEvent) Run() {
	e.runs++
	if e.clock != nil {
		e.ticks = append(e.ticks, e.clock.Now())
	}
	if e.onRun != nil {
		e.onRun()
	}
}

func newCounting(c *Clock, continuous bool) *countingEvent {
	return &countingEvent{BaseEvent: NewBaseEvent(actor{1, "guard"}, "count", continuous), clock: c}
}

func TestTickIncrementsBeforeDispatch(t *testing.T) {
	t.Parallel()
	c := New(Config{}, logx.Nop(), nil)
	ev := newCounting(c, true)
	if err := c.Schedule(ev); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	for i := 0; i < 3; i++ {
		c.Tick()
	}
	want := []uint64{1, 2, 3}
	if len(ev.ticks) != len(want) {
		t.Fatalf("ticks = %v, want %v", ev.ticks, want)
	}
	for i := range want {
		if ev.ticks[i] != want[i] {
			t.Fatalf("ticks = %v, want %v", ev.ticks, want)
		}
	}
}

func TestOneShotRunsOnce(t *testing.T) {
	t.Parallel()
	c := New(Config{}, logx.Nop(), nil)
	ev := newCounting(c, false)
	_ = c.Schedule(ev)
	c.Tick()
	c.Tick()
	if ev.runs != 1 {
		t.Fatalf("runs = %d, want 1", ev.runs)
	}
	if ev.Running() {
		t.Fatal("one-shot event still running after first run")
	}
	if got := c.Snapshot().Live; got != 0 {
		t.Fatalf("Live = %d, want 0", got)
	}
}

func TestStoppedEventNeverRunsAgain(t *testing.T) {
	t.Parallel()
	c := New(Config{}, logx.Nop(), nil)
	ev := newCounting(c, true)
	_ = c.Schedule(ev)
	c.Tick()
	ev.Stop()
	ev.Stop()
	c.Tick()
	c.Tick()
	if ev.runs != 1 {
		t.Fatalf("runs = %d, want 1", ev.runs)
	}
}

func TestScheduledDuringTickJoinsNextBoundary(t *testing.T) {
	t.Parallel()
	c := New(Config{}, logx.Nop(), nil)
	late := newCounting(c, true)
	first := newCounting(c, false)
	first.onRun = func() { _ = c.Schedule(late) }
	_ = c.Schedule(first)

	c.Tick()
	if late.runs != 0 {
		t.Fatalf("event scheduled mid-tick ran in the same tick")
	}
	c.Tick()
	if late.runs != 1 || late.ticks[0] != 2 {
		t.Fatalf("late event runs=%d ticks=%v, want one run at tick 2", late.runs, late.ticks)
	}
}

func TestPanickingEventIsRemovedClockContinues(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	crashes, unsub := bus.Subscribe(8)
	defer unsub()

	c := New(Config{}, logx.Nop(), bus)
	bad := newCounting(c, true)
	bad.onRun = func() { panic("script exploded") }
	good := newCounting(c, true)
	_ = c.Schedule(bad)
	_ = c.Schedule(good)

	c.Tick()
	c.Tick()

	if bad.Running() {
		t.Fatal("crashed event should be stopped")
	}
	if bad.runs != 1 {
		t.Fatalf("crashed event runs = %d, want 1", bad.runs)
	}
	if good.runs != 2 {
		t.Fatalf("healthy event runs = %d, want 2", good.runs)
	}
	if got := c.Snapshot().Crashed; got != 1 {
		t.Fatalf("Crashed = %d, want 1", got)
	}

	found := false
	for len(crashes) > 0 {
		if e := <-crashes; e.Type == eventbus.EventCrashed {
			found = true
		}
	}
	if !found {
		t.Fatal("no event.crashed published")
	}
}

func TestAfterTickHook(t *testing.T) {
	t.Parallel()
	c := New(Config{}, logx.Nop(), nil)
	var seen []uint64
	c.AfterTick(func(n uint64) { seen = append(seen, n) })
	c.Tick()
	c.Tick()
	if len(seen) != 2 || seen[1] != 2 {
		t.Fatalf("after-tick saw %v, want [1 2]", seen)
	}
}

func TestCloseStopsEverythingAndRefusesNew(t *testing.T) {
	t.Parallel()
	c := New(Config{}, logx.Nop(), nil)
	live := newCounting(c, true)
	pending := newCounting(c, true)
	_ = c.Schedule(live)
	c.Tick()
	_ = c.Schedule(pending)

	c.Close()
	if live.Running() || pending.Running() {
		t.Fatal("Close left events running")
	}
	if err := c.Schedule(newCounting(c, true)); !errors.Is(err, ErrClockStopped) {
		t.Fatalf("Schedule after Close error = %v, want ErrClockStopped", err)
	}
}

func TestRunTicksUntilCanceled(t *testing.T) {
	t.Parallel()
	c := New(Config{Interval: 5 * time.Millisecond}, logx.Nop(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want deadline exceeded", err)
	}
	if c.Now() == 0 {
		t.Fatal("clock never ticked")
	}
}
