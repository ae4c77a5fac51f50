package handler

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"tickserver/internal/eventbus"
	"tickserver/internal/plugin/task"
	logx "tickserver/pkg/logx"
)

type funcJob struct {
	name string
	fn   func(ctx context.Context) (int, error)
}

func (j funcJob) Name() string                          { return j.name }
func (j funcJob) Call(ctx context.Context) (int, error) { return j.fn(ctx) }

// blockingJob waits until it is interrupted, then leaves the way a plugin
// task does.
type blockingJob struct {
	name    string
	release chan struct{}
}

func newBlocking(name string) *blockingJob {
	return &blockingJob{name: name, release: make(chan struct{})}
}

func (j *blockingJob) Name() string { return j.name }
func (j *blockingJob) Interrupt()   { close(j.release) }
func (j *blockingJob) Call(context.Context) (int, error) {
	<-j.release
	runtime.Goexit()
	return 0, nil
}

func newStarted(t *testing.T, cfg Config) *Handler {
	t.Helper()
	h := New(cfg, logx.Nop(), nil)
	h.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	})
	return h
}

func wait(t *testing.T, f *Future) (int, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	select {
	case <-f.DoneCh():
	case <-ctx.Done():
		t.Fatalf("future %s never completed", f.Name())
	}
	return f.Result()
}

func TestSubmitResolvesResult(t *testing.T) {
	t.Parallel()
	h := newStarted(t, Config{})
	f, err := h.Submit(funcJob{name: "ok", fn: func(context.Context) (int, error) { return 4, nil }})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	n, err := wait(t, f)
	if n != 4 || err != nil || f.Cancelled() {
		t.Fatalf("result = (%d, %v, cancelled=%v), want (4, nil, false)", n, err, f.Cancelled())
	}
	if got := h.Snapshot(); got.Finished != 1 || got.Active != 0 {
		t.Fatalf("snapshot finished=%d active=%d, want 1 and 0", got.Finished, got.Active)
	}
}

func TestFailureAndPanicAreRecordedOnHandle(t *testing.T) {
	t.Parallel()
	h := newStarted(t, Config{})

	boom := errors.New("boom")
	f1, _ := h.Submit(funcJob{name: "err", fn: func(context.Context) (int, error) { return 1, boom }})
	if _, err := wait(t, f1); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	f2, _ := h.Submit(funcJob{name: "panic", fn: func(context.Context) (int, error) { panic("kaboom") }})
	if _, err := wait(t, f2); err == nil {
		t.Fatal("panicking job resolved without error")
	}
	if f2.Cancelled() {
		t.Fatal("panicking job reported as cancelled")
	}

	f3, err := h.Submit(funcJob{name: "after", fn: func(context.Context) (int, error) { return 0, nil }})
	if err != nil {
		t.Fatalf("Submit after panic: %v", err)
	}
	wait(t, f3)

	snap := h.Snapshot()
	if snap.Failed != 2 || snap.Finished != 1 {
		t.Fatalf("failed=%d finished=%d, want 2 and 1", snap.Failed, snap.Finished)
	}
}

func TestPoolExhaustedIsSynchronous(t *testing.T) {
	t.Parallel()
	h := newStarted(t, Config{MaxActive: 1})
	job := newBlocking("hold")
	f, err := h.Submit(job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := h.Submit(newBlocking("second")); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("second Submit error = %v, want ErrPoolExhausted", err)
	}

	if !f.Cancel(true) {
		t.Fatal("Cancel on live job returned false")
	}
	wait(t, f)
	if !f.Cancelled() {
		t.Fatal("interrupted job not reported as cancelled")
	}
	if f.Cancel(true) {
		t.Fatal("Cancel after completion returned true")
	}
	if _, err := h.Submit(funcJob{name: "ok", fn: func(context.Context) (int, error) { return 0, nil }}); err != nil {
		t.Fatalf("Submit after slot freed: %v", err)
	}
}

func TestNonForcefulCancelCancelsContext(t *testing.T) {
	t.Parallel()
	h := newStarted(t, Config{})
	started := make(chan struct{})
	f, _ := h.Submit(funcJob{name: "ctx", fn: func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	}})
	<-started
	f.Cancel(false)
	_, err := wait(t, f)
	if !errors.Is(err, context.Canceled) || !f.Cancelled() {
		t.Fatalf("err=%v cancelled=%v, want context.Canceled and cancelled", err, f.Cancelled())
	}
}

func TestForcefulCancelUnwindsParkedTask(t *testing.T) {
	t.Parallel()
	h := newStarted(t, Config{})
	ran := false
	tk := task.New("parked", nil, func(*task.Session) error { ran = true; return nil }, logx.Nop())
	f, err := h.Submit(tk)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.Cancel(true)
	wait(t, f)
	if !f.Cancelled() || tk.State() != task.Cancelled || ran {
		t.Fatalf("cancelled=%v state=%s ran=%v", f.Cancelled(), tk.State(), ran)
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	h := newStarted(t, Config{CircuitTripFailures: 2, CircuitBaseDelay: time.Minute})
	fail := funcJob{name: "flaky", fn: func(context.Context) (int, error) { return 0, errors.New("nope") }}
	for i := 0; i < 2; i++ {
		f, err := h.Submit(fail)
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		wait(t, f)
	}
	if _, err := h.Submit(fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Submit error = %v, want ErrCircuitOpen", err)
	}
	if _, err := h.Submit(funcJob{name: "other", fn: func(context.Context) (int, error) { return 0, nil }}); err != nil {
		t.Fatalf("other script rejected: %v", err)
	}
	if snap := h.Snapshot(); snap.CircuitOpen != 1 {
		t.Fatalf("CircuitOpen = %d, want 1", snap.CircuitOpen)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	t.Parallel()
	h := newStarted(t, Config{SubmitRate: 0.001, SubmitBurst: 1})
	ok := funcJob{name: "r", fn: func(context.Context) (int, error) { return 0, nil }}
	if _, err := h.Submit(ok); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := h.Submit(ok); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second Submit error = %v, want ErrRateLimited", err)
	}
}

func TestStopInterruptsLiveAndRefusesNew(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	h := New(Config{}, logx.Nop(), bus)
	h.Start(context.Background())
	f, _ := h.Submit(newBlocking("forever"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !f.Done() || !f.Cancelled() {
		t.Fatalf("live job done=%v cancelled=%v after Stop", f.Done(), f.Cancelled())
	}
	if _, err := h.Submit(newBlocking("late")); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop error = %v, want ErrStopped", err)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	want := []string{eventbus.PluginSubmitted, eventbus.PluginStarted, eventbus.PluginCancelled}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}
