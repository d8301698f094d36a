package handlers

import (
	"net/http"
	"strings"
	"time"

	"bilibilidm/botd/backend/httpapi"
	"bilibilidm/botd/backend/router"
)

type logModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &logModule{deps: deps}
	})
}

func (m *logModule) Prefix() string {
	return m.deps.Config.APIBase + "/log"
}

func (m *logModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/api-errors", Summary: "Recent upstream API errors", Handler: m.apiErrors},
		{Method: http.MethodPost, Pattern: "/cleanup", Summary: "Prune old logs and events", Handler: m.cleanup},
	}
}

func (m *logModule) apiErrors(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit > 500 {
		limit = 500
	}
	keyword := strings.TrimSpace(r.URL.Query().Get("endpoint"))
	logs, err := m.deps.Store.ListBilibiliAPIErrorLogs(r.Context(), limit, keyword)
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	httpapi.OK(w, logs)
}

func (m *logModule) cleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeepDays int `json:"keepDays"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusBadRequest)
		return
	}
	if req.KeepDays <= 0 {
		req.KeepDays = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -req.KeepDays)
	deleted, err := m.deps.Store.CleanupBefore(r.Context(), cutoff)
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	httpapi.OK(w, map[string]int64{"deleted": deleted})
}
