package httpapi

import (
	"context"
	"net/http"
	"strings"

	"bilibilidm/botd/backend/service/auth"
	"bilibilidm/botd/backend/store"
)

type contextKey string

const adminUserContextKey contextKey = "adminUser"

// SessionCookieName is the fallback token carrier for browser clients.
const SessionCookieName = "botd_session"

func AdminUserFromContext(ctx context.Context) *store.AdminUser {
	user, _ := ctx.Value(adminUserContextKey).(*store.AdminUser)
	return user
}

func AuthRequired(authSvc *auth.Service, apiBase string) func(http.Handler) http.Handler {
	loginPath := apiBase + "/auth/login"
	statusPath := apiBase + "/auth/status"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path

			// Skip auth for non-API paths (metrics, health).
			if !strings.HasPrefix(path, apiBase+"/") {
				next.ServeHTTP(w, r)
				return
			}
			// Skip auth for the login and status endpoints.
			if path == loginPath || path == statusPath {
				next.ServeHTTP(w, r)
				return
			}

			token := ExtractToken(r)
			if token == "" {
				Error(w, -401, "unauthorized", http.StatusUnauthorized)
				return
			}

			user, err := authSvc.Validate(r.Context(), token)
			if err != nil || user == nil {
				Error(w, -401, "unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), adminUserContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func ExtractToken(r *http.Request) string {
	// 1. Authorization: Bearer <token>
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(auth, prefix) {
			return strings.TrimSpace(auth[len(prefix):])
		}
	}
	// 2. Cookie fallback
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	// 3. Query fallback for websocket clients that cannot set headers.
	if raw := strings.TrimSpace(r.URL.Query().Get("token")); raw != "" {
		return raw
	}
	return ""
}
