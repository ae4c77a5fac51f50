package task

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	logx "tickserver/pkg/logx"
)

type mob struct{}

func (mob) ID() int      { return 7 }
func (mob) Name() string { return "goblin" }

type callResult struct {
	steps int
	err   error
}

// start runs Call on its own goroutine. The returned channel closes when the
// goroutine exits, including by interruption.
func start(tk *Task) (<-chan struct{}, *callResult) {
	done := make(chan struct{})
	res := &callResult{}
	go func() {
		defer close(done)
		res.steps, res.err = tk.Call(context.Background())
	}()
	return done, res
}

// drive performs one tick of the owning event's protocol and waits until the
// worker is parked again or gone.
func drive(t *testing.T, tk *Task, done <-chan struct{}) {
	t.Helper()
	tk.Lock()
	tk.Advance()
	tk.Step()
	for tk.ShouldRun() {
		tk.Step()
	}
	tk.Unlock()

	deadline := time.After(2 * time.Second)
	for {
		if tk.State().Terminal() {
			select {
			case <-done:
				return
			case <-deadline:
				t.Fatalf("worker did not exit, state=%s", tk.State())
			}
		}
		if tk.HasStarted() && !tk.MidStep() {
			return
		}
		select {
		case <-tk.Settled():
		case <-done:
		case <-time.After(time.Millisecond):
		case <-deadline:
			t.Fatalf("task never settled, state=%s", tk.State())
		}
	}
}

type trace struct {
	mu     sync.Mutex
	points []int
}

func (tr *trace) hit(p int) {
	tr.mu.Lock()
	tr.points = append(tr.points, p)
	tr.mu.Unlock()
}

func (tr *trace) get() []int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]int(nil), tr.points...)
}

// threePoints pauses twice and returns, which makes three pause points.
func threePoints(tr *trace) Script {
	return func(s *Session) error {
		tr.hit(1)
		s.Yield()
		tr.hit(2)
		s.Yield()
		tr.hit(3)
		return nil
	}
}

func TestOneStepPerTick(t *testing.T) {
	t.Parallel()
	tr := &trace{}
	tk := New("three", mob{}, threePoints(tr), logx.Nop())
	done, res := start(tk)

	for i := 1; i <= 2; i++ {
		drive(t, tk, done)
		if tk.State() == Finished {
			t.Fatalf("finished after %d ticks, want 3", i)
		}
		if got := len(tr.get()); got != i {
			t.Fatalf("after tick %d reached %d points, want %d", i, got, i)
		}
	}
	drive(t, tk, done)
	if tk.State() != Finished {
		t.Fatalf("state = %s, want finished", tk.State())
	}
	<-done
	if res.err != nil || res.steps != 3 {
		t.Fatalf("Call = (%d, %v), want (3, nil)", res.steps, res.err)
	}
}

func TestDelayWaitsLocalTicks(t *testing.T) {
	t.Parallel()
	var seen []uint64
	var mu sync.Mutex
	tk := New("slow", mob{}, func(s *Session) error {
		mu.Lock()
		seen = append(seen, s.Tick())
		mu.Unlock()
		s.Delay(3)
		mu.Lock()
		seen = append(seen, s.Tick())
		mu.Unlock()
		return nil
	}, logx.Nop())
	done, _ := start(tk)

	ticks := 0
	for !tk.State().Terminal() && ticks < 10 {
		drive(t, tk, done)
		ticks++
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 4 {
		t.Fatalf("script saw ticks %v, want [1 4]", seen)
	}
	if ticks != 4 {
		t.Fatalf("finished after %d ticks, want 4", ticks)
	}
	if tk.Steps() != 2 {
		t.Fatalf("steps = %d, want 2", tk.Steps())
	}
}

func TestStepIsNotGrantedTwiceWithinATick(t *testing.T) {
	t.Parallel()
	tr := &trace{}
	tk := New("three", mob{}, threePoints(tr), logx.Nop())
	done, _ := start(tk)
	drive(t, tk, done)

	tk.Lock()
	tk.Advance()
	if !tk.Step() {
		t.Fatal("first step of tick 2 was not granted")
	}
	if tk.ShouldRun() {
		t.Fatal("ShouldRun true right after a granted step")
	}
	if tk.Step() {
		t.Fatal("second step granted within the same tick")
	}
	tk.Unlock()
	tk.Stop()
	<-done
}

func TestStopWhileParkedCannotBeRecovered(t *testing.T) {
	t.Parallel()
	tr := &trace{}
	var deferred, recovered bool
	tk := New("guarded", mob{}, func(s *Session) error {
		defer func() {
			deferred = true
			if r := recover(); r != nil {
				recovered = true
			}
		}()
		tr.hit(1)
		s.Yield()
		tr.hit(2)
		s.Yield()
		tr.hit(3)
		return nil
	}, logx.Nop())
	done, _ := start(tk)
	drive(t, tk, done)
	if !tk.IsWaitingAtPause() {
		t.Fatalf("state = %s, want parked", tk.State())
	}

	tk.Stop()
	tk.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker still parked after Stop")
	}
	if tk.State() != Cancelled || !tk.Cancelled() {
		t.Fatalf("state = %s, want cancelled", tk.State())
	}
	if !deferred || recovered {
		t.Fatalf("deferred=%v recovered=%v, want deferred and not recovered", deferred, recovered)
	}
	if got := tr.get(); len(got) != 1 {
		t.Fatalf("reached points %v, want only [1]", got)
	}
	if tk.IsAlive() {
		t.Fatal("IsAlive after cancellation")
	}
}

func TestStopBeforeCall(t *testing.T) {
	t.Parallel()
	ran := false
	tk := New("never", nil, func(*Session) error { ran = true; return nil }, logx.Nop())
	tk.Stop()
	_, err := tk.Call(context.Background())
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Call error = %v, want ErrInterrupted", err)
	}
	if ran || tk.State() != Cancelled {
		t.Fatalf("ran=%v state=%s, want not run and cancelled", ran, tk.State())
	}
}

func TestScriptPanicFinishesWithError(t *testing.T) {
	t.Parallel()
	tk := New("boom", mob{}, func(s *Session) error {
		s.Yield()
		panic("bad script")
	}, logx.Nop())
	done, res := start(tk)
	drive(t, tk, done)
	drive(t, tk, done)
	<-done
	if tk.State() != Finished {
		t.Fatalf("state = %s, want finished", tk.State())
	}
	if res.err == nil || !strings.Contains(res.err.Error(), "bad script") {
		t.Fatalf("Call error = %v, want script panic", res.err)
	}
}

func TestCancelledContextObservedAtNextPause(t *testing.T) {
	t.Parallel()
	tr := &trace{}
	ctx, cancel := context.WithCancel(context.Background())
	tk := New("ctx", mob{}, func(s *Session) error {
		tr.hit(1)
		s.Yield()
		tr.hit(2)
		cancel()
		s.Yield()
		tr.hit(3)
		return nil
	}, logx.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = tk.Call(ctx)
	}()
	drive(t, tk, done)
	drive(t, tk, done)
	<-done
	if tk.State() != Cancelled {
		t.Fatalf("state = %s, want cancelled", tk.State())
	}
	if got := tr.get(); len(got) != 2 {
		t.Fatalf("reached points %v, want [1 2]", got)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	cases := map[State]string{
		NotStarted:   "not_started",
		Initializing: "initializing",
		Parked:       "parked",
		Executing:    "executing",
		Finished:     "finished",
		Cancelled:    "cancelled",
		State(99):    "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
