package world

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"tickserver/internal/tick"
	logx "tickserver/pkg/logx"
)

var ErrUnknownMob = errors.New("unknown mob")

// World is the context object handed to everything that needs the clock or
// the mob set. There is one per server; it is passed down, never global.
type World struct {
	Clock *tick.Clock
	log   logx.Logger

	mu     sync.RWMutex
	mobs   map[int]*Mob
	nextID atomic.Int64

	movement *tick.FuncEvent
}

func New(clock *tick.Clock, log logx.Logger) *World {
	return &World{Clock: clock, log: log, mobs: make(map[int]*Mob)}
}

// Spawn creates a mob with the next free id.
func (w *World) Spawn(name string, pos Point) *Mob {
	m := NewMob(int(w.nextID.Add(1)), name, pos)
	w.mu.Lock()
	w.mobs[m.id] = m
	w.mu.Unlock()
	w.log.Debug("mob spawned", logx.String("mob", m.String()), logx.String("pos", pos.String()))
	return m
}

func (w *World) Remove(id int) {
	w.mu.Lock()
	delete(w.mobs, id)
	w.mu.Unlock()
}

func (w *World) Mob(id int) (*Mob, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if m := w.mobs[id]; m != nil {
		return m, nil
	}
	return nil, ErrUnknownMob
}

// MobByName returns the lowest-id mob with that name (case-insensitive).
func (w *World) MobByName(name string) (*Mob, error) {
	name = strings.TrimSpace(name)
	var best *Mob
	w.mu.RLock()
	for _, m := range w.mobs {
		if strings.EqualFold(m.name, name) && (best == nil || m.id < best.id) {
			best = m
		}
	}
	w.mu.RUnlock()
	if best == nil {
		return nil, ErrUnknownMob
	}
	return best, nil
}

// Mobs returns every mob ordered by id.
func (w *World) Mobs() []*Mob {
	w.mu.RLock()
	out := make([]*Mob, 0, len(w.mobs))
	for _, m := range w.mobs {
		out = append(out, m)
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// StartMovement schedules the continuous event that walks every mob one tile
// per tick toward its current walk destination.
func (w *World) StartMovement() error {
	if w.movement != nil {
		return nil
	}
	w.movement = tick.NewFuncEvent(nil, "world.movement", true, w.moveAll)
	return w.Clock.Schedule(w.movement)
}

func (w *World) moveAll() {
	for _, m := range w.Mobs() {
		a := m.LastExecutedWalkToAction()
		if a == nil || m.Position() == a.Dest {
			continue
		}
		m.StepToward(a.Dest)
	}
}
