package handlers

import (
	"net/http"
	"runtime"
	"time"

	"bilibilidm/botd/backend/httpapi"
	"bilibilidm/botd/backend/router"
)

type healthModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &healthModule{deps: deps}
	})
}

func (m *healthModule) Prefix() string {
	return m.deps.Config.APIBase
}

func (m *healthModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/health", Summary: "Health check", Handler: m.health},
		{Method: http.MethodGet, Pattern: "/capabilities", Summary: "Capability manifest", Handler: m.capabilities},
	}
}

func (m *healthModule) health(w http.ResponseWriter, r *http.Request) {
	type payload struct {
		Status    string `json:"status"`
		Now       string `json:"now"`
		GoVersion string `json:"goVersion"`
		Adapter   bool   `json:"adapterRunning"`
	}
	httpapi.OK(w, payload{
		Status:    "ok",
		Now:       time.Now().Format(time.RFC3339),
		GoVersion: runtime.Version(),
		Adapter:   m.deps.Adapter.Running(),
	})
}

func (m *healthModule) capabilities(w http.ResponseWriter, r *http.Request) {
	type capability struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	httpapi.OK(w, []capability{
		{Name: "account.qr_login", Description: "QR code login handshake with cached credential reuse"},
		{Name: "message.private", Description: "Send, receive and recall private messages"},
		{Name: "message.image", Description: "Image upload and image message delivery"},
		{Name: "feed.dynamics", Description: "Followed dynamics feed change events"},
		{Name: "feed.live", Description: "Followed live broadcast start/stop events"},
		{Name: "relation.manage", Description: "Follow, unfollow and followings listing"},
		{Name: "events.stream", Description: "Websocket event stream with persisted history"},
	})
}
