//go:build script

package main

import (
	"fmt"

	"rsc"
)

// Run walks a small square, pausing a tick per tile.
func Run(s *rsc.Session) error {
	x, y := s.Pos()
	corners := [][2]int{{x + 3, y}, {x + 3, y + 3}, {x, y + 3}, {x, y}}
	for i, c := range corners {
		for !s.StepToward(c[0], c[1]) {
			s.Yield()
		}
		s.Log(fmt.Sprintf("corner %d", i+1))
		s.Delay(2)
	}
	s.Say("back home")
	return nil
}
