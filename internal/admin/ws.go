package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tickserver/internal/eventbus"
	logx "tickserver/pkg/logx"
)

const (
	wsBuffer     = 256
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	// Access is controlled by the token and bind address, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventsHandler streams bus events as JSON text frames. ?type=plugin.
// keeps only events whose type has that prefix. A client that cannot keep
// up loses events, never blocks the bus.
func (s *Service) eventsHandler(srvCtx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.src.Bus == nil {
			http.Error(w, "no event bus", http.StatusServiceUnavailable)
			return
		}
		prefix := strings.TrimSpace(r.URL.Query().Get("type"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		events, unsubscribe := s.src.Bus.Subscribe(wsBuffer)
		defer unsubscribe()
		s.log.Debug("event stream opened", logx.String("remote", r.RemoteAddr), logx.String("type", prefix))

		// Reader: only control frames and close are expected.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-srvCtx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"), time.Now().Add(time.Second))
				return
			case <-closed:
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case e, ok := <-events:
				if !ok {
					return
				}
				if prefix != "" && !strings.HasPrefix(e.Type, prefix) {
					continue
				}
				b, err := json.Marshal(e)
				if err != nil {
					b, _ = json.Marshal(eventbus.Event{Type: e.Type, Time: e.Time, Tick: e.Tick})
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}
}
