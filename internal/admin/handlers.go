package admin

import (
	"context"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strconv"
	"strings"
	"time"

	"tickserver/internal/eventbus"
	"tickserver/internal/plugin"
	"tickserver/internal/plugin/handler"
	rtsup "tickserver/internal/runtime/supervisor"
	"tickserver/internal/spawn"
	"tickserver/internal/storage"
	"tickserver/internal/tick"
	"tickserver/internal/world"
)

const stopMobWait = 10 * time.Second

// Sources is what the admin server reads from. Nil fields are left out of
// responses.
type Sources struct {
	Clock      *tick.Clock
	Handler    *handler.Handler
	Runner     *plugin.Runner
	Spawner    *spawn.Spawner
	World      *world.World
	Store      storage.Store
	Bus        eventbus.Bus
	Supervisor *rtsup.Supervisor
}

type MobInfo struct {
	ID   int         `json:"id"`
	Name string      `json:"name"`
	Pos  world.Point `json:"pos"`
	Walk string      `json:"walk,omitempty"`
}

type Snapshot struct {
	Time       time.Time           `json:"time"`
	Uptime     time.Duration       `json:"uptime"`
	Goroutines int                 `json:"goroutines"`
	Clock      *tick.Snapshot      `json:"clock,omitempty"`
	Handler    *handler.Snapshot   `json:"handler,omitempty"`
	Plugins    []plugin.Info       `json:"plugins,omitempty"`
	Scripts    []plugin.ScriptInfo `json:"scripts,omitempty"`
	Spawns     []spawn.Info        `json:"spawns,omitempty"`
	Mobs       []MobInfo           `json:"mobs,omitempty"`
	Supervisor *rtsup.Snapshot     `json:"supervisor,omitempty"`
}

// Snapshot collects the current state of every source.
func (s *Service) Snapshot() Snapshot {
	src := s.src
	now := time.Now()
	out := Snapshot{Time: now, Uptime: now.Sub(s.started), Goroutines: runtime.NumGoroutine()}
	if src.Clock != nil {
		cs := src.Clock.Snapshot()
		out.Clock = &cs
	}
	if src.Handler != nil {
		hs := src.Handler.Snapshot()
		out.Handler = &hs
	}
	if src.Runner != nil {
		out.Plugins = src.Runner.Live()
		out.Scripts = src.Runner.Scripts().List()
	}
	if src.Spawner != nil {
		out.Spawns = src.Spawner.Snapshot()
	}
	if src.World != nil {
		for _, m := range src.World.Mobs() {
			mi := MobInfo{ID: m.ID(), Name: m.Name(), Pos: m.Position()}
			if w := m.LastExecutedWalkToAction(); w != nil {
				mi.Walk = w.String()
			}
			out.Mobs = append(out.Mobs, mi)
		}
	}
	if src.Supervisor != nil {
		ss := src.Supervisor.Snapshot()
		out.Supervisor = &ss
	}
	return out
}

func (s *Service) routes(ctx context.Context, cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("GET /healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("GET /debug/snapshot", wrap(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Snapshot())
	}))
	mux.HandleFunc("GET /debug/summary", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(Summary(s.Snapshot())))
	}))
	mux.HandleFunc("GET /debug/runs", wrap(s.handleRuns))
	mux.HandleFunc("POST /debug/mobs/{id}/stop", wrap(s.handleStopMob))
	mux.HandleFunc("POST /debug/spawns/{name}/fire", wrap(s.handleFire))
	mux.HandleFunc("GET /ws/events", wrap(s.eventsHandler(ctx)))

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.src.Store == nil {
		http.Error(w, "storage disabled", http.StatusServiceUnavailable)
		return
	}
	q := storage.Query{
		Script:  strings.ToLower(strings.TrimSpace(r.URL.Query().Get("script"))),
		Outcome: strings.TrimSpace(r.URL.Query().Get("outcome")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		q.Limit = min(n, 1000)
	}
	runs, err := s.src.Store.Runs(r.Context(), q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Service) handleStopMob(w http.ResponseWriter, r *http.Request) {
	if s.src.Runner == nil || s.src.Clock == nil {
		http.Error(w, "no runner", http.StatusServiceUnavailable)
		return
	}
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "bad mob id", http.StatusBadRequest)
		return
	}
	// Events are only stopped from the tick loop, so the stop rides a
	// one-shot event.
	res := make(chan int, 1)
	ev := tick.NewFuncEvent(nil, "admin.stop-mob", false, func() { res <- s.src.Runner.StopMob(id) })
	if err := s.src.Clock.Schedule(ev); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	select {
	case n := <-res:
		writeJSON(w, http.StatusOK, map[string]int{"stopped": n})
	case <-r.Context().Done():
	case <-time.After(stopMobWait):
		http.Error(w, "tick loop did not pick up the stop", http.StatusGatewayTimeout)
	}
}

func (s *Service) handleFire(w http.ResponseWriter, r *http.Request) {
	if s.src.Spawner == nil {
		http.Error(w, "no spawner", http.StatusServiceUnavailable)
		return
	}
	if err := s.src.Spawner.Fire(r.PathValue("name")); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"fired": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Either "Authorization: Bearer <token>" or ?token=<token>; the
		// query form exists for browsers opening the websocket.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
