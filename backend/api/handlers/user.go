package handlers

import (
	"net/http"
	"strings"

	"bilibilidm/botd/backend/httpapi"
	"bilibilidm/botd/backend/router"
)

type userModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &userModule{deps: deps}
	})
}

func (m *userModule) Prefix() string {
	return m.deps.Config.APIBase + "/user"
}

func (m *userModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/info", Summary: "Public profile by mid", Handler: m.info},
		{Method: http.MethodGet, Pattern: "/search", Summary: "Search users or content", Handler: m.search},
		{Method: http.MethodGet, Pattern: "/dynamics", Summary: "Dynamics feed of one account", Handler: m.dynamics},
		{Method: http.MethodGet, Pattern: "/dynamic", Summary: "One dynamic by id", Handler: m.dynamicDetail},
	}
}

func (m *userModule) info(w http.ResponseWriter, r *http.Request) {
	mid := queryInt64(r, "mid")
	if mid <= 0 {
		httpapi.Error(w, -1, "mid is required", http.StatusBadRequest)
		return
	}
	card, err := m.deps.Bilibili.GetUser(r.Context(), mid)
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	if card == nil {
		httpapi.Error(w, -1, "profile unavailable", http.StatusOK)
		return
	}
	httpapi.OK(w, card)
}

func (m *userModule) search(w http.ResponseWriter, r *http.Request) {
	keyword := strings.TrimSpace(r.URL.Query().Get("keyword"))
	if keyword == "" {
		httpapi.Error(w, -1, "keyword is required", http.StatusBadRequest)
		return
	}
	searchType := strings.TrimSpace(r.URL.Query().Get("type"))

	var (
		raw any
		err error
	)
	if searchType == "" {
		raw, err = m.deps.Bilibili.Search(r.Context(), keyword)
	} else {
		raw, err = m.deps.Bilibili.SearchByType(r.Context(), searchType, keyword)
	}
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	httpapi.OK(w, raw)
}

func (m *userModule) dynamics(w http.ResponseWriter, r *http.Request) {
	mid := queryInt64(r, "mid")
	if mid <= 0 {
		httpapi.Error(w, -1, "mid is required", http.StatusBadRequest)
		return
	}
	data, err := m.deps.Bilibili.PersonalDynamics(r.Context(), mid)
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	if data == nil {
		httpapi.Error(w, -1, "dynamics unavailable", http.StatusOK)
		return
	}
	httpapi.OK(w, data)
}

func (m *userModule) dynamicDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		httpapi.Error(w, -1, "id is required", http.StatusBadRequest)
		return
	}
	item, err := m.deps.Bilibili.DynamicDetail(r.Context(), id)
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	if item == nil {
		httpapi.Error(w, -1, "dynamic unavailable", http.StatusOK)
		return
	}
	httpapi.OK(w, item)
}
