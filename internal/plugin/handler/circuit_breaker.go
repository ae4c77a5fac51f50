package handler

import (
	"strings"
	"sync"
	"time"
)

// circuitState tracks consecutive failures for one script name.
//
// On success the failures reset and the circuit closes. Once failures reach
// the trip count the circuit opens for an exponentially increasing cooldown.
// Cancellation counts as neither.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// getLocked returns the state for key. Caller holds s.mu.
func (s *circuitStore) getLocked(key string) *circuitState {
	k := strings.TrimSpace(key)
	if k == "" {
		return nil
	}
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[k]
	if st == nil {
		st = &circuitState{}
		s.m[k] = st
	}
	return st
}

func (s *circuitStore) resetIfIdleLocked(st *circuitState, now time.Time, cfg Config) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cfg.CircuitResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (s *circuitStore) isOpen(now time.Time, key string, cfg Config) (bool, time.Time) {
	if cfg.CircuitTripFailures < 0 {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(key)
	if st == nil {
		return false, time.Time{}
	}
	s.resetIfIdleLocked(st, now, cfg)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *circuitStore) record(now time.Time, key string, cfg Config, failed bool) {
	if cfg.CircuitTripFailures < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(key)
	if st == nil {
		return
	}
	s.resetIfIdleLocked(st, now, cfg)

	if !failed {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < cfg.CircuitTripFailures {
		return
	}

	d := cfg.CircuitBaseDelay
	for i := 0; i < st.fails-cfg.CircuitTripFailures; i++ {
		d *= 2
		if d >= cfg.CircuitMaxDelay {
			break
		}
	}
	if d > cfg.CircuitMaxDelay {
		d = cfg.CircuitMaxDelay
	}
	st.openUntil = now.Add(d)
}

func (s *circuitStore) snapshot(now time.Time) (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total = len(s.m)
	for _, st := range s.m {
		if st != nil && !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
