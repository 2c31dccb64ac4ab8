// Package httpapi exposes the session subsystem over HTTP.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"agrimap.org/internal/obs"
	"agrimap.org/internal/session"
	"agrimap.org/internal/token"
)

// ReadyProbe pings the backing database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        *session.Service
	signer     *token.Signer
	readyProbe ReadyProbe
	version    string
	refreshTTL time.Duration

	// transport-level rate limit, per client IP
	rateBurst  int
	ratePerSec int
}

// Options carries the wiring for New.
type Options struct {
	Service    *session.Service
	Signer     *token.Signer
	Ready      ReadyProbe
	Version    string
	RefreshTTL time.Duration
}

func New(opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        opts.Service,
		signer:     opts.Signer,
		readyProbe: opts.Ready,
		version:    opts.Version,
		refreshTTL: opts.RefreshTTL,
		rateBurst:  50,
		ratePerSec: 25,
	}

	// health/ready
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// session lifecycle
	a.mux.HandleFunc("/api/auth/login", a.handleLogin)
	a.mux.HandleFunc("/api/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/api/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/api/auth/heartbeat", a.handleHeartbeat)
	a.mux.HandleFunc("/api/auth/me", a.handleMe)
	a.mux.HandleFunc("/api/auth/sessions", a.handleSessions)
	a.mux.HandleFunc("/api/auth/sessions/revoke-device", a.handleRevokeDevice)
	a.mux.HandleFunc("/api/auth/sessions/revoke-others", a.handleRevokeOthers)
	a.mux.HandleFunc("/api/auth/online/count", a.handleOnlineCount)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full handler chain for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- health handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "agrimap-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeSessionError maps taxonomy errors to stable wire codes. Anything
// outside the taxonomy is an infrastructure failure: log it, answer 500.
func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	code := session.Code(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		obs.LogEntry(map[string]any{
			"level": "error",
			"msg":   "request failed",
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		writeError(w, r, status, "internal error")
		return
	}
	payload := map[string]any{
		"error": err.Error(),
		"code":  code,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func statusFor(code string) int {
	switch code {
	case "INVALID_CREDENTIALS", "TOKEN_NOT_FOUND", "TOKEN_EXPIRED",
		"DEVICE_MISMATCH", "UA_MISMATCH", "IP_MISMATCH":
		return http.StatusUnauthorized
	case "ACCOUNT_INACTIVE":
		return http.StatusForbidden
	case "RATE_LIMITED":
		return http.StatusTooManyRequests
	case "SINGLE_DEVICE_CONFLICT":
		return http.StatusConflict
	case "DEVICE_REQUIRED":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
