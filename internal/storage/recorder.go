package storage

import (
	"context"
	"time"

	"tickserver/internal/eventbus"
	"tickserver/internal/plugin/handler"
	logx "tickserver/pkg/logx"
)

const (
	recorderBuffer = 256
	writeTimeout   = 2 * time.Second
	pruneEvery     = 10 * time.Minute
)

// Recorder writes every finished, failed or cancelled plugin run to a Store.
type Recorder struct {
	store     Store
	bus       eventbus.Bus
	log       logx.Logger
	retention time.Duration
}

// NewRecorder returns a recorder. retention 0 keeps everything.
func NewRecorder(store Store, bus eventbus.Bus, retention time.Duration, log logx.Logger) *Recorder {
	return &Recorder{store: store, bus: bus, retention: retention, log: log}
}

func outcomeOf(typ string) string {
	switch typ {
	case eventbus.PluginFinished:
		return handler.OutcomeFinished
	case eventbus.PluginFailed:
		return handler.OutcomeFailed
	case eventbus.PluginCancelled:
		return handler.OutcomeCancelled
	}
	return ""
}

// Record converts one bus event. It reports false for events that are not
// run completions.
func Record(e eventbus.Event) (RunRecord, bool) {
	outcome := outcomeOf(e.Type)
	ev, ok := e.Data.(handler.RunEvent)
	if outcome == "" || !ok {
		return RunRecord{}, false
	}
	return RunRecord{
		ID:       ev.ID,
		Script:   ev.Name,
		Mob:      ev.Owner,
		Outcome:  outcome,
		Steps:    ev.Steps,
		Started:  ev.Started,
		Duration: ev.Duration,
		Error:    ev.Error,
	}, true
}

// Run consumes the bus until ctx is done. Meant for supervisor.Go.
func (r *Recorder) Run(ctx context.Context) error {
	ch, unsubscribe := r.bus.Subscribe(recorderBuffer)
	defer unsubscribe()

	var prune <-chan time.Time
	if r.retention > 0 {
		t := time.NewTicker(pruneEvery)
		defer t.Stop()
		prune = t.C
		r.prune(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			rec, ok := Record(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := r.store.AppendRun(wctx, rec)
			cancel()
			if err != nil {
				r.log.Warn("run record write failed", logx.String("script", rec.Script), logx.Err(err))
			}
		case <-prune:
			r.prune(ctx)
		}
	}
}

func (r *Recorder) prune(ctx context.Context) {
	n, err := r.store.Prune(ctx, time.Now().Add(-r.retention))
	if err != nil {
		r.log.Warn("run record prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		r.log.Debug("run records pruned", logx.Int("count", n), logx.Duration("retention", r.retention))
	}
}
