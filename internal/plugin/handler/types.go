package handler

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStopped       = errors.New("plugin handler stopped")
	ErrPoolExhausted = errors.New("plugin handler pool exhausted")
	ErrCircuitOpen   = errors.New("plugin skipped: circuit breaker open")
	ErrRateLimited   = errors.New("plugin submit rate limited")
)

// Job is a unit of work the handler runs on its own goroutine.
//
// Call may end the goroutine with runtime.Goexit; the handler reports that as
// a cancellation.
type Job interface {
	Name() string
	Call(ctx context.Context) (int, error)
}

// Interrupter is implemented by jobs that can be released from a blocking
// wait. Forceful cancellation uses it.
type Interrupter interface {
	Interrupt()
}

// CancelReporter lets a job state that it ended by cancellation even though
// Call returned normally.
type CancelReporter interface {
	Cancelled() bool
}

// Config controls the plugin handler.
type Config struct {
	// MaxActive bounds the number of jobs alive at once. Each live plugin
	// holds a goroutine for its whole lifetime, so this is the pool size.
	MaxActive int

	// SubmitRate limits new submissions per second. 0 disables the limit.
	SubmitRate  float64
	SubmitBurst int

	HistorySize int

	// Circuit breaker (consecutive failures per script name).
	//
	// If CircuitTripFailures < 0, the circuit breaker is disabled.
	// If CircuitTripFailures == 0, a default is applied.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxActive <= 0 {
		c.MaxActive = 1024
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

// Outcome values recorded in history and run events.
const (
	OutcomeFinished  = "finished"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

type HistoryItem struct {
	ID       uint64        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Steps    int           `json:"steps"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// RunEvent is the bus payload for plugin lifecycle events.
type RunEvent struct {
	ID       uint64        `json:"id"`
	Name     string        `json:"name"`
	Owner    string        `json:"owner,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration,omitempty"`
	Steps    int           `json:"steps,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool `json:"running"`
	MaxActive int  `json:"max_active"`
	Active    int  `json:"active"`

	Submitted uint64 `json:"submitted"`
	Finished  uint64 `json:"finished"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Rejected  uint64 `json:"rejected"`

	CircuitTotal int `json:"circuit_total"`
	CircuitOpen  int `json:"circuit_open"`

	History []HistoryItem `json:"history,omitempty"`
}
