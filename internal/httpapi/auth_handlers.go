package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"agrimap.org/internal/session"
	"agrimap.org/internal/token"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"deviceId"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
	DeviceID     string `json:"deviceId"`
}

type tokenPairResponse struct {
	TokenType        string        `json:"tokenType"`
	AccessToken      string        `json:"accessToken"`
	RefreshToken     string        `json:"refreshToken"`
	AccessExpiresAt  time.Time     `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time     `json:"refreshExpiresAt"`
	User             *userResponse `json:"user,omitempty"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	OrgID    string `json:"orgId,omitempty"`
}

func pairResponse(pair *session.TokenPair) tokenPairResponse {
	resp := tokenPairResponse{
		TokenType:        pair.TokenType,
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
	if pair.Principal != nil {
		resp.User = &userResponse{
			ID:       pair.Principal.ID,
			Username: pair.Principal.Username,
			Role:     pair.Principal.Role,
			OrgID:    pair.Principal.OrgID,
		}
	}
	return resp
}

// deviceID resolves the client device identifier: body field first, then the
// X-Device-Id header.
func deviceID(r *http.Request, body string) string {
	if body = strings.TrimSpace(body); body != "" {
		return body
	}
	return strings.TrimSpace(r.Header.Get("X-Device-Id"))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	pair, err := a.svc.Login(r.Context(), session.LoginInput{
		Username:  strings.TrimSpace(req.Username),
		Password:  req.Password,
		DeviceID:  deviceID(r, req.DeviceID),
		UserAgent: r.UserAgent(),
		IP:        clientIP(r),
	})
	if err != nil {
		writeSessionError(w, r, err)
		return
	}

	a.setRefreshCookie(w, pair.RefreshToken)
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSONOptional(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	raw := refreshTokenFrom(r, req.RefreshToken)
	if raw == "" {
		writeError(w, r, http.StatusBadRequest, "refresh token is required")
		return
	}

	pair, err := a.svc.Rotate(r.Context(), session.RefreshInput{
		TokenValue: raw,
		DeviceID:   deviceID(r, req.DeviceID),
		UserAgent:  r.UserAgent(),
		IP:         clientIP(r),
	})
	if err != nil {
		a.clearRefreshCookie(w)
		writeSessionError(w, r, err)
		return
	}

	a.setRefreshCookie(w, pair.RefreshToken)
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSONOptional(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// Logout without a token is still a successful logout.
	if raw := refreshTokenFrom(r, req.RefreshToken); raw != "" {
		if err := a.svc.Logout(r.Context(), raw); err != nil {
			writeSessionError(w, r, err)
			return
		}
	}

	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

type heartbeatRequest struct {
	DeviceID string `json:"deviceId"`
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := token.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var req heartbeatRequest
	if err := decodeJSONOptional(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	a.svc.Heartbeat(r.Context(), claims.Subject, deviceID(r, req.DeviceID))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := token.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}

	user, err := a.svc.Me(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{
		ID:       user.ID,
		Username: user.Username,
		Role:     user.Role,
		OrgID:    user.OrgID,
	})
}

// decodeJSONOptional tolerates an absent body; anything present must still be
// well-formed JSON.
func decodeJSONOptional(w http.ResponseWriter, r *http.Request, dst any) error {
	err := decodeJSON(w, r, dst)
	if err != nil && err.Error() == "request body is required" {
		return nil
	}
	return err
}
