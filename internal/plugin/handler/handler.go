package handler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tickserver/internal/eventbus"
	rtsup "tickserver/internal/runtime/supervisor"
	"tickserver/internal/tick"
	logx "tickserver/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Handler runs plugin jobs, one goroutine per live job, bounded by
// Config.MaxActive. Submit never blocks: a full pool is reported as
// ErrPoolExhausted so the caller can retry on a later tick or give up.
type Handler struct {
	mu      sync.Mutex
	cfg     Config
	sup     *rtsup.Supervisor
	running bool

	log logx.Logger
	bus eventbus.Bus

	limiter *rate.Limiter
	active  atomic.Int32
	idSeq   atomic.Uint64

	liveMu sync.Mutex
	live   map[uint64]*Future

	circuits circuitStore

	hmu     sync.Mutex
	history []HistoryItem

	submitted atomic.Uint64
	finished  atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	rejected  atomic.Uint64

	exhaustedWarn rate.Sometimes
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Handler {
	cfg = cfg.withDefaults()
	return &Handler{
		cfg:           cfg,
		log:           log,
		bus:           bus,
		limiter:       newLimiter(cfg),
		live:          make(map[uint64]*Future),
		exhaustedWarn: rate.Sometimes{Interval: warnThrottleEvery},
	}
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.SubmitRate <= 0 {
		return rate.NewLimiter(rate.Inf, cfg.SubmitBurst)
	}
	return rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst)
}

// Apply swaps limits in place. Live jobs are unaffected; a lower MaxActive
// only gates new submissions.
func (h *Handler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()

	if cfg.SubmitRate <= 0 {
		h.limiter.SetLimit(rate.Inf)
	} else {
		h.limiter.SetLimit(rate.Limit(cfg.SubmitRate))
	}
	h.limiter.SetBurst(cfg.SubmitBurst)
	h.log.Info("plugin handler config applied", logx.Int("max_active", cfg.MaxActive), logx.Float64("submit_rate", cfg.SubmitRate))
}

func (h *Handler) config() Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

// Supervisor returns the supervisor owning job goroutines (nil if not started).
func (h *Handler) Supervisor() *rtsup.Supervisor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sup
}

// Start is idempotent.
func (h *Handler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.sup = rtsup.New(ctx,
		rtsup.WithLogger(h.log),
		// a failing script must not take the server down
		rtsup.WithCancelOnError(false),
	)
	h.running = true
	h.log.Info("plugin handler started", logx.Int("max_active", h.cfg.MaxActive))
}

// Stop refuses new jobs, forcefully cancels live ones and waits for their
// goroutines until ctx is done.
func (h *Handler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	sup := h.sup
	h.mu.Unlock()

	h.liveMu.Lock()
	live := make([]*Future, 0, len(h.live))
	for _, f := range h.live {
		live = append(live, f)
	}
	h.liveMu.Unlock()
	for _, f := range live {
		f.Cancel(true)
	}

	err := sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		h.log.Warn("plugin handler stop timed out", logx.Int("active", int(h.active.Load())), logx.Err(err))
		return err
	}
	h.log.Info("plugin handler stopped", logx.Int("cancelled", len(live)))
	return nil
}

// Submit starts job on its own goroutine and returns its completion handle.
// It never blocks; every refusal is returned synchronously.
func (h *Handler) Submit(job Job) (*Future, error) {
	if job == nil {
		return nil, errors.New("plugin handler: nil job")
	}
	now := time.Now()
	name := job.Name()

	h.mu.Lock()
	running := h.running
	sup := h.sup
	cfg := h.cfg
	h.mu.Unlock()

	if !running || sup == nil {
		return nil, ErrStopped
	}
	if open, until := h.circuits.isOpen(now, name, cfg); open {
		h.reject(now, job, "circuit_open")
		h.log.Debug("plugin skipped: circuit open", logx.String("script", name), logx.Time("until", until))
		return nil, fmt.Errorf("%s: %w", name, ErrCircuitOpen)
	}
	if !h.limiter.AllowN(now, 1) {
		h.rejected.Add(1)
		return nil, ErrRateLimited
	}
	for {
		n := h.active.Load()
		if int(n) >= cfg.MaxActive {
			h.reject(now, job, "pool_exhausted")
			h.exhaustedWarn.Do(func() {
				h.log.Warn("plugin pool exhausted", logx.Int("active", int(n)), logx.Int("max_active", cfg.MaxActive), logx.Uint64("rejected", h.rejected.Load()))
			})
			return nil, ErrPoolExhausted
		}
		if h.active.CompareAndSwap(n, n+1) {
			break
		}
	}

	f := newFuture(sup.Context(), h.idSeq.Add(1), job)
	h.liveMu.Lock()
	h.live[f.id] = f
	h.liveMu.Unlock()
	h.submitted.Add(1)
	eventbus.PublishSafe(h.bus, eventbus.Event{Type: eventbus.PluginSubmitted, Time: now, Data: runEvent(f, job)})

	sup.Go("plugin."+name, func(context.Context) error {
		h.run(f, job)
		return nil
	})
	return f, nil
}

// run executes job on the current goroutine. Completion is recorded in a
// deferred call because an interrupted job leaves through runtime.Goexit.
func (h *Handler) run(f *Future, job Job) {
	f.started = time.Now()
	h.log.Debug("plugin started", logx.String("script", f.name), logx.Uint64("id", f.id))
	eventbus.PublishSafe(h.bus, eventbus.Event{Type: eventbus.PluginStarted, Time: f.started, Data: runEvent(f, job)})

	var (
		steps    int
		err      error
		returned bool
	)
	defer func() {
		panicked := false
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("panic: %v", r)
			h.log.Error("plugin job panicked", logx.String("script", f.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		cancelled := !returned && !panicked
		if cr, ok := job.(CancelReporter); ok && cr.Cancelled() {
			cancelled = true
		}
		if !cancelled && f.CancelRequested() && errors.Is(err, context.Canceled) {
			cancelled = true
		}
		h.finish(f, job, steps, err, cancelled)
	}()

	steps, err = job.Call(f.ctx)
	returned = true
}

func (h *Handler) finish(f *Future, job Job, steps int, err error, cancelled bool) {
	now := time.Now()
	dur := now.Sub(f.started)
	cfg := h.config()

	item := HistoryItem{ID: f.id, Name: f.name, Started: f.started, Duration: dur, Steps: steps}
	ev := runEvent(f, job)
	ev.Duration = dur
	ev.Steps = steps

	switch {
	case cancelled:
		item.Outcome = OutcomeCancelled
		h.cancelled.Add(1)
		h.log.Debug("plugin cancelled", logx.String("script", f.name), logx.Uint64("id", f.id), logx.Int("steps", steps))
		eventbus.PublishSafe(h.bus, eventbus.Event{Type: eventbus.PluginCancelled, Time: now, Data: ev})
	case err != nil:
		item.Outcome = OutcomeFailed
		item.Error = err.Error()
		ev.Error = item.Error
		h.failed.Add(1)
		h.circuits.record(now, f.name, cfg, true)
		h.log.Warn("plugin failed", logx.String("script", f.name), logx.Uint64("id", f.id), logx.Int("steps", steps), logx.Duration("dur", dur), logx.Err(err))
		eventbus.PublishSafe(h.bus, eventbus.Event{Type: eventbus.PluginFailed, Time: now, Data: ev})
	default:
		item.Outcome = OutcomeFinished
		h.finished.Add(1)
		h.circuits.record(now, f.name, cfg, false)
		h.log.Debug("plugin finished", logx.String("script", f.name), logx.Uint64("id", f.id), logx.Int("steps", steps), logx.Duration("dur", dur))
		eventbus.PublishSafe(h.bus, eventbus.Event{Type: eventbus.PluginFinished, Time: now, Data: ev})
	}
	h.remember(item, cfg)

	h.liveMu.Lock()
	delete(h.live, f.id)
	h.liveMu.Unlock()
	h.active.Add(-1)

	// last, so a waiter observes the pool slot already released
	f.complete(steps, err, cancelled)
}

func (h *Handler) reject(now time.Time, job Job, reason string) {
	h.rejected.Add(1)
	h.remember(HistoryItem{Name: job.Name(), Started: now, Outcome: OutcomeRejected, Error: reason}, h.config())
}

func (h *Handler) remember(item HistoryItem, cfg Config) {
	h.hmu.Lock()
	h.history = append(h.history, item)
	if len(h.history) > cfg.HistorySize {
		h.history = h.history[len(h.history)-cfg.HistorySize:]
	}
	h.hmu.Unlock()
}

// Active is the number of live jobs.
func (h *Handler) Active() int { return int(h.active.Load()) }

func (h *Handler) Snapshot() Snapshot {
	cfg := h.config()
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()

	total, open := h.circuits.snapshot(time.Now())
	h.hmu.Lock()
	hist := append([]HistoryItem(nil), h.history...)
	h.hmu.Unlock()
	sort.SliceStable(hist, func(i, j int) bool { return hist[i].Started.After(hist[j].Started) })

	return Snapshot{
		Running:      running,
		MaxActive:    cfg.MaxActive,
		Active:       h.Active(),
		Submitted:    h.submitted.Load(),
		Finished:     h.finished.Load(),
		Failed:       h.failed.Load(),
		Cancelled:    h.cancelled.Load(),
		Rejected:     h.rejected.Load(),
		CircuitTotal: total,
		CircuitOpen:  open,
		History:      hist,
	}
}

type ownedJob interface {
	Owner() tick.Actor
}

func runEvent(f *Future, job Job) RunEvent {
	ev := RunEvent{ID: f.id, Name: f.name, Started: f.started}
	if oj, ok := job.(ownedJob); ok {
		if o := oj.Owner(); o != nil {
			ev.Owner = fmt.Sprintf("%s#%d", o.Name(), o.ID())
		}
	}
	return ev
}
