package app

import (
	"context"
	"fmt"
	"time"

	"tickserver/internal/admin"
	"tickserver/internal/config"
	"tickserver/internal/eventbus"
	"tickserver/internal/plugin"
	"tickserver/internal/plugin/handler"
	rtsup "tickserver/internal/runtime/supervisor"
	"tickserver/internal/script"
	"tickserver/internal/spawn"
	"tickserver/internal/storage"
	"tickserver/internal/tick"
	"tickserver/internal/world"
	logx "tickserver/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sd   *notifier

	store    storage.Store
	recorder *storage.Recorder

	clock   *tick.Clock
	handler *handler.Handler
	world   *world.World
	runner  *plugin.Runner
	loader  *script.Loader
	spawner *spawn.Spawner
	admin   *admin.Service

	tickDone chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	// Storage (optional)
	var (
		store    storage.Store
		recorder *storage.Recorder
	)
	if sc, retention, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		recorder = storage.NewRecorder(st, bus, retention, log.With(logx.String("comp", "storage")))
		appLog.Info("storage enabled", logx.String("driver", sc.Driver), logx.Duration("retention", retention))
	}

	tc, err := mapTickConfig(cfg)
	if err != nil {
		return nil, err
	}
	hc, err := mapHandlerConfig(cfg)
	if err != nil {
		return nil, err
	}
	poll, maxWait, err := mapStepWait(cfg)
	if err != nil {
		return nil, err
	}

	clock := tick.New(tc, log.With(logx.String("comp", "tick")), bus)
	h := handler.New(hc, log.With(logx.String("comp", "handler")), bus)
	w := world.New(clock, log.With(logx.String("comp", "world")))

	reg := plugin.NewRegistry()
	if err := script.RegisterBuiltins(reg); err != nil {
		return nil, err
	}
	runner := plugin.NewRunner(w, h, reg, log.With(logx.String("comp", "plugin")), bus)
	runner.SetStepWait(poll, maxWait)

	var loader *script.Loader
	if cfg.Scripts.Dir != "" {
		loader = script.NewLoader(cfg.Scripts.Dir, cfg.Scripts.AllowStdlib, reg, log.With(logx.String("comp", "scripts")))
	}

	sp := spawn.New(runner, w, log.With(logx.String("comp", "spawn")), bus)

	a := &App{
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		sd:       newNotifier(cfg.Systemd, log.With(logx.String("comp", "systemd"))),
		store:    store,
		recorder: recorder,
		clock:    clock,
		handler:  h,
		world:    w,
		runner:   runner,
		loader:   loader,
		spawner:  sp,
	}
	a.syncMobs(cfg)
	if err := sp.Apply(mapSpawns(cfg)); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) World() *world.World     { return a.world }
func (a *App) Runner() *plugin.Runner  { return a.runner }
func (a *App) Clock() *tick.Clock      { return a.clock }
func (a *App) Spawner() *spawn.Spawner { return a.spawner }

// Admin is nil before Start.
func (a *App) Admin() *admin.Service { return a.admin }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// syncMobs spawns configured mobs that do not exist yet. Mobs are never
// removed on reload; a running plugin may still hold them.
func (a *App) syncMobs(cfg *config.Config) {
	for _, m := range cfg.World.Mobs {
		if _, err := a.world.MobByName(m.Name); err == nil {
			continue
		}
		a.world.Spawn(m.Name, world.Point{X: m.X, Y: m.Y})
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.handler.Start(a.sup.Context())
	if err := a.world.StartMovement(); err != nil {
		return err
	}

	cfg := a.cfgm.Get()
	if a.loader != nil {
		if _, err := a.loader.Load(a.sup.Context()); err != nil {
			// broken files are skipped; the rest are installed
			a.log.Warn("some scripts failed to load", logx.Err(err))
		}
		if cfg.Scripts.Watch {
			a.sup.GoRestart("scripts.watch", a.loader.Watch, time.Second, 30*time.Second)
		}
	}

	a.sd.attach(a.clock)
	a.tickDone = make(chan struct{})
	a.sup.Go("tick.loop", func(c context.Context) error {
		defer close(a.tickDone)
		err := a.clock.Run(c)
		// the loop owns the live set, so it retires the events on the way out
		a.clock.Close()
		return err
	})

	if a.recorder != nil {
		a.sup.Go("storage.recorder", a.recorder.Run)
	}
	a.spawner.Start()

	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		return err
	}
	a.admin = admin.New(adminCfg, admin.Sources{
		Clock:      a.clock,
		Handler:    a.handler,
		Runner:     a.runner,
		Spawner:    a.spawner,
		World:      a.world,
		Store:      a.store,
		Bus:        a.bus,
		Supervisor: a.sup,
	}, a.log.With(logx.String("comp", "admin")))
	a.admin.Reconfigure(a.sup.Context(), adminCfg)

	// Debug trace of every lifecycle event.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Uint64("tick", e.Tick))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sd.ready()
	a.log.Info("server started",
		logx.Duration("tick", a.clock.Interval()),
		logx.Int("mobs", len(a.world.Mobs())),
		logx.Int("scripts", len(a.runner.Scripts().List())),
		logx.Int("spawns", len(a.spawner.Snapshot())),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// No new runs first, then the loop, then the workers it was driving.
	step("spawner", time.Second, func(c context.Context) error { a.spawner.Stop(c); return nil })
	step("admin", time.Second, func(c context.Context) error {
		if a.admin != nil {
			a.admin.Stop(c)
		}
		return nil
	})

	a.sup.Cancel()
	step("tick", 2*time.Second, func(c context.Context) error {
		select {
		case <-a.tickDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("plugins", 4*time.Second, a.handler.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
