package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bilibilidm/botd/backend/httpapi"
	"bilibilidm/botd/backend/router"
)

const (
	eventWriteTimeout  = 10 * time.Second
	eventPingInterval  = 30 * time.Second
	subscriberBuffer   = 128
	historyLimitMax    = 500
	historyLimitPreset = 100
)

type eventsModule struct {
	deps     *router.Dependencies
	upgrader websocket.Upgrader
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		allowOrigin := deps.Config.AllowOrigin
		return &eventsModule{
			deps: deps,
			upgrader: websocket.Upgrader{
				ReadBufferSize:  1024,
				WriteBufferSize: 4096,
				CheckOrigin: func(r *http.Request) bool {
					if allowOrigin == "*" {
						return true
					}
					return strings.EqualFold(r.Header.Get("Origin"), allowOrigin)
				},
			},
		}
	})
}

func (m *eventsModule) Prefix() string {
	return m.deps.Config.APIBase + "/events"
}

func (m *eventsModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/stream", Summary: "Live event stream over websocket", Handler: m.stream},
		{Method: http.MethodGet, Pattern: "/history", Summary: "Persisted event history", Handler: m.history},
	}
}

// stream upgrades to a websocket and forwards bus events until the
// client goes away. Each event is one JSON text frame.
func (m *eventsModule) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.deps.Logger.Warn("event stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := m.deps.Bus.Subscribe(subscriberBuffer)
	defer cancel()

	// Drain the read side so close frames and pongs are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	pinger := time.NewTicker(eventPingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-pinger.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func (m *eventsModule) history(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", historyLimitPreset)
	if limit > historyLimitMax {
		limit = historyLimitMax
	}
	eventType := strings.TrimSpace(r.URL.Query().Get("type"))
	events, err := m.deps.Store.ListBotEvents(r.Context(), limit, eventType)
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	httpapi.OK(w, events)
}
