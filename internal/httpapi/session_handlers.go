package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"agrimap.org/internal/session"
	"agrimap.org/internal/token"
)

type sessionResponse struct {
	ID          string     `json:"id"`
	TokenSuffix string     `json:"tokenSuffix"`
	DeviceID    string     `json:"deviceId,omitempty"`
	UserAgent   string     `json:"userAgent,omitempty"`
	IP          string     `json:"ip,omitempty"`
	Revoked     bool       `json:"revoked"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
}

type sessionPageResponse struct {
	Sessions   []sessionResponse `json:"sessions"`
	Page       int               `json:"page"`
	Size       int               `json:"size"`
	TotalItems int64             `json:"totalItems"`
	TotalPages int               `json:"totalPages"`
	Last       bool              `json:"last"`
}

// handleSessions lists the caller's session history. Token material never
// leaves the server; each row carries only a hash suffix for support tickets.
func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := token.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}

	q := session.SessionQuery{
		PrincipalID:    claims.Subject,
		IncludeRevoked: queryBool(r, "includeRevoked"),
		IncludeExpired: queryBool(r, "includeExpired"),
		Page:           queryInt(r, "page", 0),
		Size:           queryInt(r, "size", 10),
	}

	page, err := a.svc.ListSessions(r.Context(), q)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}

	resp := sessionPageResponse{
		Sessions:   make([]sessionResponse, 0, len(page.Sessions)),
		Page:       page.Page,
		Size:       page.Size,
		TotalItems: page.TotalItems,
		TotalPages: page.TotalPages,
		Last:       page.Last,
	}
	for _, s := range page.Sessions {
		item := sessionResponse{
			ID:          s.ID,
			TokenSuffix: session.TokenSuffix(s.TokenHash),
			DeviceID:    s.DeviceID,
			UserAgent:   s.UserAgent,
			IP:          s.IP,
			Revoked:     s.Revoked,
			ExpiresAt:   s.ExpiresAt,
			CreatedAt:   s.CreatedAt,
		}
		if !s.LastSeenAt.IsZero() {
			ls := s.LastSeenAt
			item.LastSeenAt = &ls
		}
		resp.Sessions = append(resp.Sessions, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

type revokeDeviceRequest struct {
	DeviceID string `json:"deviceId"`
}

func (a *API) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := token.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var req revokeDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, r, http.StatusBadRequest, "deviceId is required")
		return
	}

	if err := a.svc.RevokeDevice(r.Context(), claims.Subject, strings.TrimSpace(req.DeviceID)); err != nil {
		writeSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type revokeOthersRequest struct {
	KeepDeviceID string `json:"keepDeviceId"`
}

func (a *API) handleRevokeOthers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := token.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var req revokeOthersRequest
	if err := decodeJSONOptional(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	keep := strings.TrimSpace(req.KeepDeviceID)
	if keep == "" {
		keep = strings.TrimSpace(r.Header.Get("X-Device-Id"))
	}
	if keep == "" {
		writeError(w, r, http.StatusBadRequest, "keepDeviceId is required")
		return
	}

	if err := a.svc.RevokeAllOtherDevices(r.Context(), claims.Subject, keep); err != nil {
		writeSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleOnlineCount reports the best-effort online device count. Admin only:
// the number is an operational signal, not something every user should see.
func (a *API) handleOnlineCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := token.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if claims.Role != session.RoleAdmin {
		writeError(w, r, http.StatusForbidden, "admin role required")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count": a.svc.OnlineCount(r.Context()),
	})
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
