package tick

import "sync/atomic"

// Actor is the owner of a scheduled event. Events hold it as a non-owning
// reference: they read its identity, never manage its lifetime.
type Actor interface {
	ID() int
	Name() string
}

// Event is a unit of tick-driven work.
//
// Run is invoked by the clock once per tick while the event is running. It
// must return promptly. Stop is idempotent; after it returns the clock never
// calls Run again.
type Event interface {
	Run()
	Stop()
	Running() bool
	Continuous() bool
	Descriptor() string
	Owner() Actor
}

// BaseEvent carries the bookkeeping every event shares. Embed it and
// implement Run.
type BaseEvent struct {
	owner      Actor
	descriptor string
	continuous bool

	stopped int32 // atomic; plain int32 so BaseEvent can be built by value
}

func NewBaseEvent(owner Actor, descriptor string, continuous bool) BaseEvent {
	return BaseEvent{owner: owner, descriptor: descriptor, continuous: continuous}
}

func (e *BaseEvent) Owner() Actor       { return e.owner }
func (e *BaseEvent) Descriptor() string { return e.descriptor }
func (e *BaseEvent) Continuous() bool   { return e.continuous }
func (e *BaseEvent) Running() bool      { return atomic.LoadInt32(&e.stopped) == 0 }

// Stop marks the event dead.
func (e *BaseEvent) Stop() { atomic.StoreInt32(&e.stopped, 1) }

// MarkStopped is Stop for embedders: it reports whether this call was the one
// that stopped the event, so owned resources are released exactly once.
func (e *BaseEvent) MarkStopped() bool { return atomic.CompareAndSwapInt32(&e.stopped, 0, 1) }

// FuncEvent adapts a plain function to Event.
type FuncEvent struct {
	BaseEvent
	fn func()
}

// NewFuncEvent wraps fn. A one-shot FuncEvent runs once and is retired by the clock.
func NewFuncEvent(owner Actor, descriptor string, continuous bool, fn func()) *FuncEvent {
	return &FuncEvent{BaseEvent: NewBaseEvent(owner, descriptor, continuous), fn: fn}
}

func (e *FuncEvent) Run() {
	if e.fn != nil {
		e.fn()
	}
}
