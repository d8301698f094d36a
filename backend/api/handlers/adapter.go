package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"bilibilidm/botd/backend/httpapi"
	"bilibilidm/botd/backend/router"
)

type adapterModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &adapterModule{deps: deps}
	})
}

func (m *adapterModule) Prefix() string {
	return m.deps.Config.APIBase + "/adapter"
}

func (m *adapterModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodPost, Pattern: "/start", Summary: "Start the adapter", Handler: m.start},
		{Method: http.MethodPost, Pattern: "/stop", Summary: "Stop the adapter", Handler: m.stop},
		{Method: http.MethodGet, Pattern: "/status", Summary: "Adapter status", Handler: m.status},
		{Method: http.MethodPost, Pattern: "/poll-interval", Summary: "Change the message poll interval", Handler: m.setPollInterval},
	}
}

// start launches the adapter in the background; the login handshake can
// take minutes when a QR scan is needed.
func (m *adapterModule) start(w http.ResponseWriter, r *http.Request) {
	if m.deps.Adapter.Running() {
		httpapi.Error(w, -1, "adapter already running", http.StatusOK)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
		defer cancel()
		if err := m.deps.Adapter.Start(ctx); err != nil {
			m.deps.Logger.Error("adapter start failed", zap.Error(err))
		}
	}()
	httpapi.OKMessage(w, "adapter starting")
}

func (m *adapterModule) stop(w http.ResponseWriter, r *http.Request) {
	m.deps.Adapter.Stop()
	httpapi.OKMessage(w, "adapter stopped")
}

func (m *adapterModule) status(w http.ResponseWriter, r *http.Request) {
	httpapi.OK(w, m.deps.Adapter.Status())
}

func (m *adapterModule) setPollInterval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IntervalMs int64 `json:"intervalMs"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusBadRequest)
		return
	}
	interval := time.Duration(req.IntervalMs) * time.Millisecond
	if err := m.deps.Adapter.SetMessageInterval(interval); err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	httpapi.OK(w, map[string]string{"interval": interval.String()})
}
