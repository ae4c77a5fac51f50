// Package script provides the scripts the server can start on mobs: a few
// compiled builtins and any number of interpreted .go files.
//
// Interpreted scripts are package main and export
//
//	func Run(s *rsc.Session) error
//
// where rsc is the API below. Every Delay or Yield is a pause point.
package script

import (
	"tickserver/internal/plugin"
	"tickserver/internal/plugin/task"
	"tickserver/internal/world"
)

// Session is the script-facing view of a running plugin.
type Session struct {
	s   *task.Session
	mob *world.Mob
}

func Wrap(s *task.Session) *Session {
	return &Session{s: s, mob: plugin.MobOf(s)}
}

// Delay pauses for n ticks.
func (s *Session) Delay(n int) { s.s.Delay(n) }

// Yield pauses until the next tick.
func (s *Session) Yield() { s.s.Yield() }

// Tick counts the ticks this script has been stepped through.
func (s *Session) Tick() int { return int(s.s.Tick()) }

// Cancelled reports whether the script has been asked to stop. Scripts only
// need it around work that does not pause.
func (s *Session) Cancelled() bool { return s.s.Context().Err() != nil }

func (s *Session) Me() string { return s.mob.Name() }

func (s *Session) Pos() (x, y int) {
	if s.mob == nil {
		return 0, 0
	}
	p := s.mob.Position()
	return p.X, p.Y
}

// StepToward moves the mob one tile toward (x, y) without issuing a walk
// action, and reports whether it has arrived.
func (s *Session) StepToward(x, y int) bool {
	if s.mob == nil {
		return false
	}
	return s.mob.StepToward(world.Point{X: x, Y: y})
}

func (s *Session) Say(msg string) {
	if s.mob != nil {
		s.mob.Say(msg)
	}
}

func (s *Session) Log(msg string) { s.s.Logger().Info(msg) }
