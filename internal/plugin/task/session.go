package task

import (
	"context"

	"tickserver/internal/tick"
	logx "tickserver/pkg/logx"
)

// Session is what a script sees of its task. Every Delay or Yield is a pause
// point: control goes back to the tick loop until the task is stepped again.
type Session struct {
	t   *Task
	ctx context.Context
}

// Delay parks the script for n ticks of the task's local clock. n below 1
// is treated as 1. If the task is stopped while parked, Delay does not
// return.
func (s *Session) Delay(n int) {
	if n < 1 {
		n = 1
	}
	s.t.park(s.ctx, uint64(n))
}

// Yield gives up the rest of this tick.
func (s *Session) Yield() { s.Delay(1) }

// Tick is the task's local tick.
func (s *Session) Tick() uint64 { return s.t.LocalTick() }

// Context is cancelled when the task is stopped or its handle is cancelled.
// Scripts doing blocking work outside Delay should watch it.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) Owner() tick.Actor { return s.t.owner }
func (s *Session) Name() string      { return s.t.name }

func (s *Session) Logger() logx.Logger {
	l := s.t.log.With(logx.String("script", s.t.name))
	if o := s.t.owner; o != nil {
		l = l.With(logx.Int("mob", o.ID()))
	}
	return l
}
