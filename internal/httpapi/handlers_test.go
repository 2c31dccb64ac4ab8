package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"agrimap.org/internal/session"
	"agrimap.org/internal/token"
)

// --- in-memory stores -------------------------------------------------------

type credStore struct {
	mu    sync.Mutex
	users map[string]*session.Principal
}

func (s *credStore) FindByUsername(_ context.Context, username string) (*session.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, session.ErrNotFound
}

func (s *credStore) FindByID(_ context.Context, id string) (*session.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

type tokenStore struct {
	mu     sync.Mutex
	tokens map[string]*session.RefreshToken
}

func (s *tokenStore) Create(_ context.Context, tok *session.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tok
	s.tokens[tok.ID] = &cp
	return nil
}

func (s *tokenStore) FindByID(_ context.Context, id string) (*session.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *tokenStore) FindAllActiveForPrincipal(_ context.Context, principalID string, now time.Time) ([]*session.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*session.RefreshToken
	for _, tok := range s.tokens {
		if tok.PrincipalID == principalID && tok.Active(now) {
			cp := *tok
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *tokenStore) Revoke(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok || tok.Revoked {
		return false, nil
	}
	tok.Revoked = true
	return true, nil
}

func (s *tokenStore) RevokeAllForPrincipal(_ context.Context, principalID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, tok := range s.tokens {
		if tok.PrincipalID == principalID && !tok.Revoked {
			tok.Revoked = true
			n++
		}
	}
	return n, nil
}

func (s *tokenStore) RevokeAllForDevice(_ context.Context, principalID, deviceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, tok := range s.tokens {
		if tok.PrincipalID == principalID && tok.DeviceID == deviceID && !tok.Revoked {
			tok.Revoked = true
			n++
		}
	}
	return n, nil
}

func (s *tokenStore) RevokeAllOtherDevices(_ context.Context, principalID, keepDeviceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, tok := range s.tokens {
		if tok.PrincipalID == principalID && tok.DeviceID != keepDeviceID && !tok.Revoked {
			tok.Revoked = true
			n++
		}
	}
	return n, nil
}

func (s *tokenStore) Rotate(_ context.Context, oldID string, successor *session.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tokens[oldID]
	if !ok || old.Revoked {
		return session.ErrNotFound
	}
	old.Revoked = true
	old.ReplacedBy = successor.ID
	cp := *successor
	s.tokens[successor.ID] = &cp
	return nil
}

func (s *tokenStore) TouchLastSeen(_ context.Context, principalID, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.tokens {
		if tok.PrincipalID == principalID && tok.DeviceID == deviceID && !tok.Revoked {
			tok.LastSeenAt = at
		}
	}
	return nil
}

func (s *tokenStore) PageSessions(_ context.Context, q session.SessionQuery, now time.Time) (*session.SessionPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sessions []*session.RefreshToken
	for _, tok := range s.tokens {
		if tok.PrincipalID != q.PrincipalID {
			continue
		}
		if !q.IncludeRevoked && tok.Revoked {
			continue
		}
		if !q.IncludeExpired && !tok.ExpiresAt.After(now) {
			continue
		}
		cp := *tok
		sessions = append(sessions, &cp)
	}
	return &session.SessionPage{
		Sessions: sessions, Page: q.Page, Size: q.Size,
		TotalItems: int64(len(sessions)), TotalPages: 1, Last: true,
	}, nil
}

// --- fixture ----------------------------------------------------------------

const testPassword = "correct-horse"

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	signer, err := token.NewSigner("httpapi-test-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	creds := &credStore{users: map[string]*session.Principal{
		"u1": {ID: "u1", Username: "alice", PasswordHash: string(hash),
			Role: session.RoleOrgUser, Status: session.StatusActive, OrgID: "org-1"},
		"u2": {ID: "u2", Username: "root", PasswordHash: string(hash),
			Role: session.RoleAdmin, Status: session.StatusActive},
	}}
	tokens := &tokenStore{tokens: make(map[string]*session.RefreshToken)}

	svc, err := session.NewService(creds, tokens, signer,
		session.WithRefreshTTL(24*time.Hour))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	api := New(Options{
		Service:    svc,
		Signer:     signer,
		Version:    "test",
		RefreshTTL: 24 * time.Hour,
	})

	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func (c *apiClient) login(username, device string) tokenPairResponse {
	c.t.Helper()
	resp := c.post("/api/auth/login", loginRequest{
		Username: username, Password: testPassword, DeviceID: device,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login status %d", resp.StatusCode)
	}
	return decodeBody[tokenPairResponse](c.t, resp)
}

func bearerHeaders(access string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + access}
}

// --- tests ------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	if body["status"] != "ok" {
		t.Fatalf("unexpected healthz body: %v", body)
	}
}

func TestLoginReturnsPairAndCookie(t *testing.T) {
	c := newTestAPI(t)
	resp := c.post("/api/auth/login", loginRequest{
		Username: "alice", Password: testPassword, DeviceID: "dev-a",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}

	var cookie *http.Cookie
	for _, ck := range resp.Cookies() {
		if ck.Name == refreshCookieName {
			cookie = ck
		}
	}
	if cookie == nil {
		t.Fatalf("login must set the refresh cookie")
	}
	if !cookie.HttpOnly || cookie.Path != "/api/auth" {
		t.Fatalf("cookie attributes wrong: %+v", cookie)
	}

	pair := decodeBody[tokenPairResponse](t, resp)
	if pair.TokenType != "Bearer" || pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("incomplete pair: %+v", pair)
	}
	if cookie.Value != pair.RefreshToken {
		t.Fatalf("cookie must carry the refresh token")
	}
	if pair.User == nil || pair.User.Username != "alice" {
		t.Fatalf("pair should echo the principal: %+v", pair.User)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	c := newTestAPI(t)
	resp := c.post("/api/auth/login", loginRequest{
		Username: "alice", Password: "wrong",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	if body["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("expected INVALID_CREDENTIALS, got %v", body)
	}
}

func TestRefreshFromBody(t *testing.T) {
	c := newTestAPI(t)
	pair := c.login("alice", "dev-a")

	resp := c.post("/api/auth/refresh", refreshRequest{
		RefreshToken: pair.RefreshToken, DeviceID: "dev-a",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status %d", resp.StatusCode)
	}
	next := decodeBody[tokenPairResponse](t, resp)
	if next.RefreshToken == pair.RefreshToken {
		t.Fatalf("rotation must mint a new refresh value")
	}

	// The consumed token is spent.
	resp = c.post("/api/auth/refresh", refreshRequest{
		RefreshToken: pair.RefreshToken, DeviceID: "dev-a",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replayed refresh should 401, got %d", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	if body["code"] != "TOKEN_NOT_FOUND" {
		t.Fatalf("expected TOKEN_NOT_FOUND, got %v", body)
	}
}

func TestRefreshFromCookie(t *testing.T) {
	c := newTestAPI(t)
	pair := c.login("alice", "dev-a")

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/auth/refresh", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-Id", "dev-a")
	req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: pair.RefreshToken})

	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cookie refresh status %d", resp.StatusCode)
	}
	next := decodeBody[tokenPairResponse](t, resp)
	if next.RefreshToken == pair.RefreshToken {
		t.Fatalf("rotation must mint a new refresh value")
	}
}

func TestRefreshWithoutTokenIsBadRequest(t *testing.T) {
	c := newTestAPI(t)
	resp := c.post("/api/auth/refresh", map[string]any{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestLogoutClearsCookieAndRevokes(t *testing.T) {
	c := newTestAPI(t)
	pair := c.login("alice", "dev-a")

	resp := c.post("/api/auth/logout", refreshRequest{RefreshToken: pair.RefreshToken}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status %d", resp.StatusCode)
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == refreshCookieName && ck.MaxAge >= 0 {
			t.Fatalf("logout must clear the refresh cookie: %+v", ck)
		}
	}

	// Token is revoked server-side, not just forgotten client-side.
	resp = c.post("/api/auth/refresh", refreshRequest{
		RefreshToken: pair.RefreshToken, DeviceID: "dev-a",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh after logout should 401, got %d", resp.StatusCode)
	}

	// A second logout with the same token still succeeds.
	resp = c.post("/api/auth/logout", refreshRequest{RefreshToken: pair.RefreshToken}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("repeated logout status %d", resp.StatusCode)
	}
}

func TestMeRequiresAuth(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/api/auth/me", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	pair := c.login("alice", "dev-a")
	resp = c.get("/api/auth/me", nil, bearerHeaders(pair.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status %d", resp.StatusCode)
	}
	me := decodeBody[userResponse](t, resp)
	if me.ID != "u1" || me.Username != "alice" || me.OrgID != "org-1" {
		t.Fatalf("unexpected me payload: %+v", me)
	}
}

func TestSessionsRedactTokenMaterial(t *testing.T) {
	c := newTestAPI(t)
	pair := c.login("alice", "dev-a")

	resp := c.get("/api/auth/sessions", nil, bearerHeaders(pair.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sessions status %d", resp.StatusCode)
	}
	page := decodeBody[sessionPageResponse](t, resp)
	if len(page.Sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(page.Sessions))
	}
	s := page.Sessions[0]
	if len(s.TokenSuffix) != 8 {
		t.Fatalf("token suffix must be 8 chars, got %q", s.TokenSuffix)
	}
	if s.DeviceID != "dev-a" {
		t.Fatalf("unexpected session row: %+v", s)
	}
	if strings.Contains(pair.RefreshToken, s.TokenSuffix) {
		t.Fatalf("suffix must come from the hash, not the raw token")
	}
}

func TestRevokeOtherDevices(t *testing.T) {
	c := newTestAPI(t)
	a := c.login("alice", "dev-a")
	b := c.login("alice", "dev-b")

	resp := c.post("/api/auth/sessions/revoke-others",
		revokeOthersRequest{KeepDeviceID: "dev-b"}, bearerHeaders(b.AccessToken))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke-others status %d", resp.StatusCode)
	}

	resp = c.post("/api/auth/refresh", refreshRequest{
		RefreshToken: a.RefreshToken, DeviceID: "dev-a",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dev-a should be revoked, got %d", resp.StatusCode)
	}
	resp = c.post("/api/auth/refresh", refreshRequest{
		RefreshToken: b.RefreshToken, DeviceID: "dev-b",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dev-b should survive, got %d", resp.StatusCode)
	}
}

func TestHeartbeatAndOnlineCount(t *testing.T) {
	c := newTestAPI(t)
	alice := c.login("alice", "dev-a")
	admin := c.login("root", "dev-admin")

	resp := c.post("/api/auth/heartbeat", heartbeatRequest{DeviceID: "dev-a"},
		bearerHeaders(alice.AccessToken))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("heartbeat status %d", resp.StatusCode)
	}

	// Online count is admin-only.
	resp = c.get("/api/auth/online/count", nil, bearerHeaders(alice.AccessToken))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin online count should 403, got %d", resp.StatusCode)
	}

	resp = c.get("/api/auth/online/count", nil, bearerHeaders(admin.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin online count status %d", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	if count, ok := body["count"].(float64); !ok || count < 2 {
		t.Fatalf("expected at least two online devices, got %v", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/api/auth/login", nil, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow header %q", allow)
	}
}
