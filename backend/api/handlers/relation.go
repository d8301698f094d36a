package handlers

import (
	"net/http"

	"bilibilidm/botd/backend/httpapi"
	"bilibilidm/botd/backend/router"
)

type relationModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &relationModule{deps: deps}
	})
}

func (m *relationModule) Prefix() string {
	return m.deps.Config.APIBase + "/relation"
}

func (m *relationModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodPost, Pattern: "/follow", Summary: "Follow a user", Handler: m.follow},
		{Method: http.MethodPost, Pattern: "/unfollow", Summary: "Unfollow a user", Handler: m.unfollow},
		{Method: http.MethodGet, Pattern: "/check", Summary: "Check follow state", Handler: m.check},
		{Method: http.MethodGet, Pattern: "/followings", Summary: "List followed accounts", Handler: m.followings},
	}
}

func (m *relationModule) follow(w http.ResponseWriter, r *http.Request) {
	m.modify(w, r, true)
}

func (m *relationModule) unfollow(w http.ResponseWriter, r *http.Request) {
	m.modify(w, r, false)
}

func (m *relationModule) modify(w http.ResponseWriter, r *http.Request, follow bool) {
	var req struct {
		Mid int64 `json:"mid"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Mid <= 0 {
		httpapi.Error(w, -1, "mid is required", http.StatusBadRequest)
		return
	}
	var (
		ok  bool
		err error
	)
	if follow {
		ok, err = m.deps.Bilibili.FollowUser(r.Context(), req.Mid)
	} else {
		ok, err = m.deps.Bilibili.UnfollowUser(r.Context(), req.Mid)
	}
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	if !ok {
		httpapi.Error(w, -1, "relation change refused upstream", http.StatusOK)
		return
	}
	httpapi.OKMessage(w, "ok")
}

func (m *relationModule) check(w http.ResponseWriter, r *http.Request) {
	mid := queryInt64(r, "mid")
	if mid <= 0 {
		httpapi.Error(w, -1, "mid is required", http.StatusBadRequest)
		return
	}
	following, err := m.deps.Bilibili.IsFollowing(r.Context(), mid)
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	httpapi.OK(w, map[string]bool{"following": following})
}

func (m *relationModule) followings(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 50)
	data, err := m.deps.Bilibili.Followings(r.Context(), page, pageSize)
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	if data == nil {
		httpapi.Error(w, -1, "followings unavailable", http.StatusOK)
		return
	}
	httpapi.OK(w, data)
}
