package world

import (
	"errors"
	"testing"

	"tickserver/internal/tick"
	logx "tickserver/pkg/logx"
)

func TestNilMobIsSafe(t *testing.T) {
	t.Parallel()
	var m *Mob
	if m.ID() != 0 || m.Name() != "" || m.LastExecutedWalkToAction() != nil || m.String() != "<nil mob>" {
		t.Fatal("nil mob accessors should return zero values")
	}
}

func TestWalkActionsCompareByIdentity(t *testing.T) {
	t.Parallel()
	m := NewMob(1, "guard", Point{})
	a := m.WalkTo(Point{3, 3}, 1, "patrol")
	if m.LastExecutedWalkToAction() != a {
		t.Fatal("WalkTo did not become the current action")
	}
	b := m.WalkTo(Point{3, 3}, 1, "patrol")
	if a == b || m.LastExecutedWalkToAction() != b {
		t.Fatal("same destination must still be a new action")
	}
	m.SetWalkToAction(nil)
	if m.LastExecutedWalkToAction() != nil {
		t.Fatal("SetWalkToAction(nil) did not clear")
	}
}

func TestStepToward(t *testing.T) {
	t.Parallel()
	m := NewMob(1, "rat", Point{0, 0})
	steps := 0
	for !m.StepToward(Point{2, -3}) {
		steps++
		if steps > 10 {
			t.Fatal("never arrived")
		}
	}
	if got := m.Position(); got != (Point{2, -3}) {
		t.Fatalf("position = %v, want (2,-3)", got)
	}
	if steps != 2 {
		t.Fatalf("took %d extra steps, want 2", steps)
	}
}

func TestSayKeepsRecentLines(t *testing.T) {
	t.Parallel()
	m := NewMob(1, "bob", Point{})
	for i := 0; i < sayHistory+4; i++ {
		m.Say("line")
	}
	m.Say("last")
	got := m.Said()
	if len(got) != sayHistory || got[len(got)-1] != "last" {
		t.Fatalf("Said len=%d last=%q, want %d and \"last\"", len(got), got[len(got)-1], sayHistory)
	}
}

func TestWorldRegistryAndMovement(t *testing.T) {
	t.Parallel()
	clock := tick.New(tick.Config{}, logx.Nop(), nil)
	w := New(clock, logx.Nop())
	a := w.Spawn("Guard", Point{0, 0})
	b := w.Spawn("guard", Point{5, 5})

	if got, _ := w.MobByName("GUARD"); got != a {
		t.Fatalf("MobByName = %v, want %v", got, a)
	}
	if _, err := w.Mob(99); !errors.Is(err, ErrUnknownMob) {
		t.Fatalf("Mob(99) error = %v, want ErrUnknownMob", err)
	}
	if got := w.Mobs(); len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("Mobs = %v", got)
	}

	if err := w.StartMovement(); err != nil {
		t.Fatalf("StartMovement: %v", err)
	}
	a.WalkTo(Point{2, 0}, clock.Now(), "test")
	for i := 0; i < 3; i++ {
		clock.Tick()
	}
	if got := a.Position(); got != (Point{2, 0}) {
		t.Fatalf("walker at %v, want (2,0)", got)
	}
	if got := b.Position(); got != (Point{5, 5}) {
		t.Fatalf("idle mob moved to %v", got)
	}

	w.Remove(a.ID())
	if _, err := w.Mob(a.ID()); err == nil {
		t.Fatal("removed mob still present")
	}
}
