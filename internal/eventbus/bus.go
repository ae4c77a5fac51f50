package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler. Subscribers switch on Type.
const (
	PluginSubmitted = "plugin.submitted"
	PluginStarted   = "plugin.started"
	PluginFinished  = "plugin.finished"
	PluginFailed    = "plugin.failed"
	PluginCancelled = "plugin.cancelled"
	PluginRejected  = "plugin.rejected"
	PluginStale     = "plugin.stale"

	EventStopped = "event.stopped"
	EventCrashed = "event.crashed"

	TickOverrun = "tick.overrun"
	SpawnFired  = "spawn.fired"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking (it is called from the tick loop).
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers drop events.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Tick uint64    `json:"tick,omitempty"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; unsubscribe takes the write lock
	// before closing, so a send never races a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Dropped reports how many deliveries were dropped because a subscriber was
// full. Returns 0 for buses that do not track drops.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

// PublishSafe publishes e when b is non-nil.
func PublishSafe(b Bus, e Event) {
	if b != nil {
		b.Publish(e)
	}
}
