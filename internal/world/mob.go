package world

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Point is a tile position.
type Point struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

func (p Point) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Y) }

// WalkToAction is one issued walk command. Actions are compared by identity:
// two actions with the same destination are still different actions.
type WalkToAction struct {
	Dest   Point
	Issued uint64 // tick
	Reason string
}

func NewWalkTo(dest Point, tick uint64, reason string) *WalkToAction {
	return &WalkToAction{Dest: dest, Issued: tick, Reason: reason}
}

func (a *WalkToAction) String() string {
	if a == nil {
		return "<none>"
	}
	return fmt.Sprintf("walk%s@%d", a.Dest, a.Issued)
}

const sayHistory = 16

// Mob is a character or creature in the world. Its walk action belongs to
// gameplay code; plugins only read it.
type Mob struct {
	id   int
	name string

	mu   sync.Mutex
	pos  Point
	said []string

	walk atomic.Pointer[WalkToAction]
}

func NewMob(id int, name string, pos Point) *Mob {
	return &Mob{id: id, name: name, pos: pos}
}

func (m *Mob) ID() int {
	if m == nil {
		return 0
	}
	return m.id
}

func (m *Mob) Name() string {
	if m == nil {
		return ""
	}
	return m.name
}

func (m *Mob) Position() Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

func (m *Mob) SetPosition(p Point) {
	m.mu.Lock()
	m.pos = p
	m.mu.Unlock()
}

// WalkTo issues a new walk command and makes it the current one.
func (m *Mob) WalkTo(dest Point, tick uint64, reason string) *WalkToAction {
	a := NewWalkTo(dest, tick, reason)
	m.walk.Store(a)
	return a
}

// SetWalkToAction replaces the current walk action. nil clears it.
func (m *Mob) SetWalkToAction(a *WalkToAction) { m.walk.Store(a) }

// LastExecutedWalkToAction is the most recently issued walk action.
func (m *Mob) LastExecutedWalkToAction() *WalkToAction {
	if m == nil {
		return nil
	}
	return m.walk.Load()
}

// StepToward moves one tile toward dest and reports whether the mob is there.
func (m *Mob) StepToward(dest Point) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos.X += sign(dest.X - m.pos.X)
	m.pos.Y += sign(dest.Y - m.pos.Y)
	return m.pos == dest
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// Say records a chat line from the mob.
func (m *Mob) Say(msg string) {
	m.mu.Lock()
	m.said = append(m.said, msg)
	if len(m.said) > sayHistory {
		m.said = m.said[len(m.said)-sayHistory:]
	}
	m.mu.Unlock()
}

// Said returns the recent chat lines, oldest first.
func (m *Mob) Said() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.said...)
}

func (m *Mob) String() string {
	if m == nil {
		return "<nil mob>"
	}
	return fmt.Sprintf("%s#%d", m.name, m.id)
}
