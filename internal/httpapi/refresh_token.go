package httpapi

import (
	"net/http"
	"strings"
	"time"
)

const refreshCookieName = "refresh_token"

// refreshTokenFrom extracts the presented refresh token. Precedence: cookie,
// then Authorization bearer, then JSON body field, then query parameter.
func refreshTokenFrom(r *http.Request, body string) string {
	if c, err := r.Cookie(refreshCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if raw, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
		return raw
	}
	if body = strings.TrimSpace(body); body != "" {
		return body
	}
	return strings.TrimSpace(r.URL.Query().Get("refreshToken"))
}

// Cross-site SPA clients need SameSite=None; the cookie is scoped to the auth
// endpoints so it never rides along on ordinary API calls.
func (a *API) setRefreshCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    value,
		Path:     "/api/auth",
		MaxAge:   int(a.refreshTTL / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/api/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
}
