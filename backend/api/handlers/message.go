package handlers

import (
	"net/http"

	"bilibilidm/botd/backend/httpapi"
	"bilibilidm/botd/backend/router"
	"bilibilidm/botd/backend/service/adapter"
)

type messageModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &messageModule{deps: deps}
	})
}

func (m *messageModule) Prefix() string {
	return m.deps.Config.APIBase + "/message"
}

func (m *messageModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodPost, Pattern: "/send", Summary: "Send a private message", Handler: m.send},
		{Method: http.MethodPost, Pattern: "/recall", Summary: "Recall a sent message", Handler: m.recall},
		{Method: http.MethodGet, Pattern: "/get", Summary: "Look up a recent message by msg_key", Handler: m.get},
	}
}

func (m *messageModule) send(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReceiverID int64             `json:"receiverId"`
		Elements   []adapter.Element `json:"elements"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusBadRequest)
		return
	}
	keys, err := m.deps.Adapter.SendMessage(r.Context(), req.ReceiverID, req.Elements)
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	httpapi.OK(w, map[string]any{"msgKeys": keys})
}

func (m *messageModule) recall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReceiverID int64  `json:"receiverId"`
		MsgKey     uint64 `json:"msgKey"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusBadRequest)
		return
	}
	if err := m.deps.Adapter.RecallMessage(r.Context(), req.ReceiverID, req.MsgKey); err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	httpapi.OKMessage(w, "recalled")
}

func (m *messageModule) get(w http.ResponseWriter, r *http.Request) {
	talkerID := queryInt64(r, "talkerId")
	sessionType := int(queryInt64(r, "sessionType"))
	msgKey := queryUint64(r, "msgKey")
	if talkerID <= 0 || msgKey == 0 {
		httpapi.Error(w, -1, "talkerId and msgKey are required", http.StatusBadRequest)
		return
	}
	if sessionType <= 0 {
		sessionType = 1
	}
	message, err := m.deps.Bilibili.GetMessage(r.Context(), talkerID, sessionType, msgKey)
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	if message == nil {
		httpapi.Error(w, -1, "message not found in the recent window", http.StatusOK)
		return
	}
	httpapi.OK(w, message)
}
