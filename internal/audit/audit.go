// Package audit records security-relevant session events. Emission is fire
// and forget: a full buffer or failing sink never blocks or fails the
// operation that produced the event.
package audit

import (
	"context"
	"time"

	"agrimap.org/internal/obs"
)

// Event names mirror the security log vocabulary of the session subsystem.
const (
	EventLoginSuccess    = "LOGIN_SUCCESS"
	EventSessionRejected = "SESSION_REJECTED"
	EventRefreshRotate   = "REFRESH_ROTATE"
	EventRefreshReuse    = "REFRESH_REUSE"
	EventRefreshReplay   = "REFRESH_REPLAY"
	EventSessionRevoke   = "SESSION_REVOKE"
	EventLogout          = "LOGOUT"
)

// Event is one security event tied to a principal and the request context it
// was observed under.
type Event struct {
	Name        string
	PrincipalID string
	Username    string
	DeviceID    string
	IP          string
	UserAgent   string
	Reason      string
	OccurredAt  time.Time
}

// Sink accepts events. Implementations must tolerate concurrent calls.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// NoOpSink discards every event.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// Fanout emits each event to every sink in order.
func Fanout(sinks ...Sink) Sink {
	return fanout(sinks)
}

type fanout []Sink

func (f fanout) Emit(ctx context.Context, e Event) {
	for _, s := range f {
		s.Emit(ctx, e)
	}
}

// LogSink writes events as structured JSON lines via the shared logger.
type LogSink struct{}

func (LogSink) Emit(_ context.Context, e Event) {
	entry := map[string]any{
		"ts":    e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": e.Name,
	}
	if e.PrincipalID != "" {
		entry["user_id"] = e.PrincipalID
	}
	if e.Username != "" {
		entry["username"] = e.Username
	}
	if e.DeviceID != "" {
		entry["device_id"] = e.DeviceID
	}
	if e.IP != "" {
		entry["ip"] = e.IP
	}
	if e.UserAgent != "" {
		entry["user_agent"] = e.UserAgent
	}
	if e.Reason != "" {
		entry["reason"] = e.Reason
	}
	obs.LogEntry(entry)
}
