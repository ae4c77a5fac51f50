package script

import (
	"fmt"

	"tickserver/internal/plugin"
	"tickserver/internal/plugin/task"
)

// Builtins returns the compiled scripts.
func Builtins() map[string]task.Script {
	return map[string]task.Script{
		"greet":  compiled(greet),
		"patrol": compiled(patrol),
		"guard":  compiled(guard),
		"idle":   compiled(idle),
	}
}

// RegisterBuiltins adds every builtin to reg.
func RegisterBuiltins(reg *plugin.Registry) error {
	for name, body := range Builtins() {
		if err := reg.Register(name, plugin.SourceBuiltin, body); err != nil {
			return fmt.Errorf("builtin %s: %w", name, err)
		}
	}
	return nil
}

func compiled(fn func(*Session) error) task.Script {
	return func(ts *task.Session) error { return fn(Wrap(ts)) }
}

func greet(s *Session) error {
	s.Say("hello")
	s.Yield()
	s.Say("goodbye")
	return nil
}

// patrol walks five tiles east and back, resting three ticks at each end,
// until stopped.
func patrol(s *Session) error {
	x, y := s.Pos()
	ends := [2][2]int{{x + 5, y}, {x, y}}
	for leg := 0; ; leg++ {
		to := ends[leg%2]
		for !s.StepToward(to[0], to[1]) {
			s.Yield()
		}
		s.Delay(3)
	}
}

// guard calls out every twenty ticks, three times.
func guard(s *Session) error {
	for i := 1; i <= 3; i++ {
		s.Say(fmt.Sprintf("all clear (%d)", i))
		s.Delay(20)
	}
	s.Say("shift over")
	return nil
}

func idle(s *Session) error {
	s.Delay(10)
	return nil
}
