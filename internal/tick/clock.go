package tick

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"tickserver/internal/eventbus"
	logx "tickserver/pkg/logx"
)

var ErrClockStopped = errors.New("tick clock stopped")

// Config controls the tick clock.
type Config struct {
	// Interval is the fixed duration of one tick. Defaults to 640ms.
	Interval time.Duration

	// StatusEvery logs a status line every N ticks. 0 disables it.
	StatusEvery uint64
}

const DefaultInterval = 640 * time.Millisecond

// Counter is the process-wide tick counter. It only ever moves forward.
type Counter struct {
	v atomic.Uint64
}

func (c *Counter) Load() uint64    { return c.v.Load() }
func (c *Counter) advance() uint64 { return c.v.Add(1) }

// Snapshot is a diagnostics view of the clock.
type Snapshot struct {
	Tick        uint64        `json:"tick"`
	Interval    time.Duration `json:"interval"`
	Live        int           `json:"live"`
	Pending     int           `json:"pending"`
	Crashed     uint64        `json:"crashed"`
	Overruns    uint64        `json:"overruns"`
	LastTickDur time.Duration `json:"last_tick_dur"`
}

// Clock fires tick boundaries and runs every live event once per boundary.
//
// Tick must only be called from one goroutine (the tick loop). Schedule is
// safe from any goroutine: new events join the live set at the start of the
// next boundary, so an event never observes a half-updated live set.
type Clock struct {
	log logx.Logger
	bus eventbus.Bus

	counter  Counter
	interval atomic.Int64
	status   atomic.Uint64

	mu      sync.Mutex
	pending []Event
	closed  bool

	// owned by the tick goroutine
	live []Event

	liveN       atomic.Int32
	crashed     atomic.Uint64
	overruns    atomic.Uint64
	lastTickDur atomic.Int64

	afterMu sync.Mutex
	after   []func(tick uint64)

	overrunLog rate.Sometimes
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Clock {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Clock{
		log:        log,
		bus:        bus,
		overrunLog: rate.Sometimes{Interval: 5 * time.Second},
	}
	c.Apply(cfg)
	return c
}

// Apply updates the interval and status cadence. A running loop picks up the
// new interval at its next boundary.
func (c *Clock) Apply(cfg Config) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	c.interval.Store(int64(cfg.Interval))
	c.status.Store(cfg.StatusEvery)
}

func (c *Clock) Interval() time.Duration { return time.Duration(c.interval.Load()) }

// Now returns the current tick.
func (c *Clock) Now() uint64 { return c.counter.Load() }

// AfterTick registers fn to run on the tick goroutine after every boundary.
func (c *Clock) AfterTick(fn func(tick uint64)) {
	if fn == nil {
		return
	}
	c.afterMu.Lock()
	c.after = append(c.after, fn)
	c.afterMu.Unlock()
}

// Schedule queues ev; it starts running at the next tick boundary.
func (c *Clock) Schedule(ev Event) error {
	if ev == nil {
		return errors.New("tick: nil event")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClockStopped
	}
	c.pending = append(c.pending, ev)
	return nil
}

// Tick advances the counter and dispatches every live event once, in
// scheduling order. Stopped events are dropped from the live set.
func (c *Clock) Tick() uint64 {
	start := time.Now()
	now := c.counter.advance()

	c.mu.Lock()
	if len(c.pending) > 0 {
		c.live = append(c.live, c.pending...)
		c.pending = c.pending[:0]
	}
	c.mu.Unlock()

	kept := c.live[:0]
	for _, ev := range c.live {
		if ev.Running() {
			c.dispatch(ev, now)
		}
		if ev.Running() {
			kept = append(kept, ev)
			continue
		}
		eventbus.PublishSafe(c.bus, eventbus.Event{Type: eventbus.EventStopped, Tick: now, Data: describe(ev)})
	}
	for i := len(kept); i < len(c.live); i++ {
		c.live[i] = nil
	}
	c.live = kept
	c.liveN.Store(int32(len(kept)))

	c.afterMu.Lock()
	after := c.after
	c.afterMu.Unlock()
	for _, fn := range after {
		fn(now)
	}

	took := time.Since(start)
	c.lastTickDur.Store(int64(took))
	if iv := c.Interval(); took > iv {
		c.overruns.Add(1)
		eventbus.PublishSafe(c.bus, eventbus.Event{Type: eventbus.TickOverrun, Tick: now, Data: took.String()})
		c.overrunLog.Do(func() {
			c.log.Warn("tick overran its interval", logx.Uint64("tick", now), logx.Duration("took", took), logx.Duration("interval", iv), logx.Uint64("overruns", c.overruns.Load()))
		})
	}
	if every := c.status.Load(); every > 0 && now%every == 0 {
		c.log.Info("tick status",
			logx.String("tick", humanize.Comma(int64(now))),
			logx.Int("live", len(kept)),
			logx.Duration("last_tick", took),
			logx.Uint64("overruns", c.overruns.Load()),
		)
	}
	return now
}

// dispatch runs one event. A panic stops and removes that event only.
func (c *Clock) dispatch(ev Event, now uint64) {
	defer func() {
		if r := recover(); r != nil {
			c.crashed.Add(1)
			c.log.Error("event crashed; stopping it",
				logx.Uint64("tick", now),
				logx.String("event", ev.Descriptor()),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			safeStop(ev, c.log)
			eventbus.PublishSafe(c.bus, eventbus.Event{Type: eventbus.EventCrashed, Tick: now, Data: describe(ev)})
		}
	}()
	ev.Run()
	if !ev.Continuous() {
		ev.Stop()
	}
}

func safeStop(ev Event, log logx.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event stop panicked", logx.String("event", ev.Descriptor()), logx.Any("panic", r))
		}
	}()
	ev.Stop()
}

// Run drives Tick at the configured interval until ctx is done.
func (c *Clock) Run(ctx context.Context) error {
	iv := c.Interval()
	t := time.NewTicker(iv)
	defer t.Stop()
	c.log.Info("tick clock started", logx.Duration("interval", iv), logx.Uint64("tick", c.Now()))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			c.Tick()
			if next := c.Interval(); next != iv {
				iv = next
				t.Reset(iv)
				c.log.Info("tick interval changed", logx.Duration("interval", iv))
			}
		}
	}
}

// Close refuses new events and stops every live and pending one. It must be
// called from the tick goroutine or after the loop has exited.
func (c *Clock) Close() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ev := range pending {
		safeStop(ev, c.log)
	}
	for _, ev := range c.live {
		safeStop(ev, c.log)
	}
	c.live = nil
	c.liveN.Store(0)
}

func (c *Clock) Snapshot() Snapshot {
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	return Snapshot{
		Tick:        c.Now(),
		Interval:    c.Interval(),
		Live:        int(c.liveN.Load()),
		Pending:     pending,
		Crashed:     c.crashed.Load(),
		Overruns:    c.overruns.Load(),
		LastTickDur: time.Duration(c.lastTickDur.Load()),
	}
}

// EventInfo is the bus payload describing an event.
type EventInfo struct {
	Descriptor string `json:"descriptor"`
	Owner      string `json:"owner,omitempty"`
	OwnerID    int    `json:"owner_id,omitempty"`
}

func describe(ev Event) EventInfo {
	info := EventInfo{Descriptor: ev.Descriptor()}
	if o := ev.Owner(); o != nil {
		info.Owner = o.Name()
		info.OwnerID = o.ID()
	}
	return info
}

func (i EventInfo) String() string {
	if i.Owner == "" {
		return i.Descriptor
	}
	return fmt.Sprintf("%s (%s#%d)", i.Descriptor, i.Owner, i.OwnerID)
}
