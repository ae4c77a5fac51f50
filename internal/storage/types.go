package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one finished plugin run. Keep it compact and schema-stable.
type RunRecord struct {
	ID       uint64        `json:"id"`
	Script   string        `json:"script"`
	Mob      string        `json:"mob,omitempty"`
	Outcome  string        `json:"outcome"`
	Steps    int           `json:"steps"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Query selects runs. Zero fields match everything; Limit 0 means 100.
type Query struct {
	Script  string
	Outcome string
	Limit   int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 100
	}
	return q.Limit
}

func (q Query) match(r RunRecord) bool {
	return (q.Script == "" || q.Script == r.Script) && (q.Outcome == "" || q.Outcome == r.Outcome)
}
