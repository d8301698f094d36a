package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"bilibilidm/botd/backend/httpapi"
	"bilibilidm/botd/backend/router"
	"bilibilidm/botd/backend/service/login"
)

// loginTimeout bounds one background QR login run: generation plus the
// full scan-confirmation window.
const loginTimeout = 3 * time.Minute

type accountModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &accountModule{deps: deps}
	})
}

func (m *accountModule) Prefix() string {
	return m.deps.Config.APIBase + "/account"
}

func (m *accountModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodPost, Pattern: "/login", Summary: "Start bot account login", Handler: m.startLogin},
		{Method: http.MethodGet, Pattern: "/login/status", Summary: "Login handshake status", Handler: m.loginStatus},
		{Method: http.MethodPost, Pattern: "/logout", Summary: "Drop bot credentials", Handler: m.logout},
		{Method: http.MethodGet, Pattern: "/myinfo", Summary: "Bot account identity", Handler: m.myInfo},
	}
}

// startLogin kicks the handshake off in the background. Clients poll
// /login/status (or watch the event stream) for the QR code and the
// outcome.
func (m *accountModule) startLogin(w http.ResponseWriter, r *http.Request) {
	status := m.deps.Login.Status()
	if !status.State.Terminal() && status.State != login.StateInit {
		httpapi.OK(w, status)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
		defer cancel()
		if _, err := m.deps.Login.Login(ctx); err != nil {
			m.deps.Logger.Warn("background login ended with error", zap.Error(err))
		}
	}()

	httpapi.OKMessage(w, "login started")
}

func (m *accountModule) loginStatus(w http.ResponseWriter, r *http.Request) {
	httpapi.OK(w, m.deps.Login.Status())
}

func (m *accountModule) logout(w http.ResponseWriter, r *http.Request) {
	if m.deps.Adapter.Running() {
		httpapi.Error(w, -1, "stop the adapter before logging out", http.StatusOK)
		return
	}
	if err := m.deps.Login.Logout(); err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	httpapi.OKMessage(w, "credentials cleared")
}

func (m *accountModule) myInfo(w http.ResponseWriter, r *http.Request) {
	user, err := m.deps.Bilibili.MyInfo(r.Context())
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	if user == nil {
		httpapi.Error(w, -1, "session not usable, login required", http.StatusOK)
		return
	}
	httpapi.OK(w, user)
}
