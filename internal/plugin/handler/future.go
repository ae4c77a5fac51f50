package handler

import (
	"context"
	"sync/atomic"
	"time"
)

// Future is the completion handle of a submitted job. A job has at most one.
type Future struct {
	id   uint64
	name string
	job  Job

	ctx    context.Context
	cancel context.CancelFunc

	cancelReq atomic.Bool
	done      chan struct{}

	// written once before done is closed
	steps     int
	err       error
	cancelled bool
	started   time.Time
	finished  time.Time
}

func newFuture(parent context.Context, id uint64, job Job) *Future {
	ctx, cancel := context.WithCancel(parent)
	return &Future{
		id:     id,
		name:   job.Name(),
		job:    job,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (f *Future) ID() uint64   { return f.id }
func (f *Future) Name() string { return f.name }

// Cancel requests termination. The job's context is cancelled, so it stops at
// its next natural pause point; with force, a job parked in a blocking wait is
// interrupted as well. It reports whether this call made the first request
// on a still-running job.
func (f *Future) Cancel(force bool) bool {
	if f.Done() {
		return false
	}
	first := f.cancelReq.CompareAndSwap(false, true)
	f.cancel()
	if force {
		if in, ok := f.job.(Interrupter); ok {
			in.Interrupt()
		}
	}
	return first
}

// CancelRequested reports whether Cancel was ever called.
func (f *Future) CancelRequested() bool { return f.cancelReq.Load() }

func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// DoneCh is closed when the job has returned, failed or been cancelled.
func (f *Future) DoneCh() <-chan struct{} { return f.done }

// Cancelled reports whether the job ended by cancellation. Only meaningful
// once Done is true.
func (f *Future) Cancelled() bool {
	if !f.Done() {
		return false
	}
	return f.cancelled
}

// Err is the failure recorded for the job, if any.
func (f *Future) Err() error {
	if !f.Done() {
		return nil
	}
	return f.err
}

// Result returns the job result. Only meaningful once Done is true.
func (f *Future) Result() (int, error) {
	if !f.Done() {
		return 0, nil
	}
	return f.steps, f.err
}

// Wait blocks until the job completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (int, error) {
	select {
	case <-f.done:
		return f.steps, f.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *Future) complete(steps int, err error, cancelled bool) {
	f.steps = steps
	f.err = err
	f.cancelled = cancelled
	f.finished = time.Now()
	f.cancel()
	close(f.done)
}
