// Package presence keeps a best-effort "last seen" signal per (principal,
// device). It is advisory only: entries are written on heartbeat, login and
// refresh, never read for authorization decisions, and simply go stale when
// pings stop.
package presence

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultWindow is how recently a device must have pinged to count as online.
const DefaultWindow = 60 * time.Second

// Tracker records pings and answers freshness queries.
type Tracker interface {
	Ping(ctx context.Context, principalID, deviceID string)
	IsOnline(ctx context.Context, principalID, deviceID string) bool
	OnlineCount(ctx context.Context) int
	OnlinePrincipals(ctx context.Context) []string
}

func key(principalID, deviceID string) string {
	return principalID + "::" + deviceID
}

func principalOf(k string) string {
	if i := strings.Index(k, "::"); i > 0 {
		return k[:i]
	}
	return ""
}

// Local is a process-local Tracker backed by a mutex-guarded map. With
// several backend instances each one sees only its own pings; use the Redis
// tracker when a shared view matters.
type Local struct {
	window time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	lastSeen map[string]time.Time
}

// LocalOption configures a Local tracker.
type LocalOption func(*Local)

// WithLocalClock overrides the time source (useful for tests).
func WithLocalClock(fn func() time.Time) LocalOption {
	return func(l *Local) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLocal constructs a process-local tracker.
func NewLocal(window time.Duration, opts ...LocalOption) *Local {
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Local{
		window:   window,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Ping overwrites the last-seen timestamp unconditionally.
func (l *Local) Ping(_ context.Context, principalID, deviceID string) {
	if principalID == "" || deviceID == "" {
		return
	}
	l.mu.Lock()
	l.lastSeen[key(principalID, deviceID)] = l.now()
	l.mu.Unlock()
}

// IsOnline reports whether the device pinged within the freshness window.
func (l *Local) IsOnline(_ context.Context, principalID, deviceID string) bool {
	l.mu.RLock()
	ts, ok := l.lastSeen[key(principalID, deviceID)]
	l.mu.RUnlock()
	return ok && l.now().Sub(ts) <= l.window
}

// OnlineCount counts devices seen within the freshness window.
func (l *Local) OnlineCount(_ context.Context) int {
	now := l.now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, ts := range l.lastSeen {
		if now.Sub(ts) <= l.window {
			n++
		}
	}
	return n
}

// OnlinePrincipals returns the distinct principals with at least one fresh
// device.
func (l *Local) OnlinePrincipals(_ context.Context) []string {
	now := l.now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for k, ts := range l.lastSeen {
		if now.Sub(ts) > l.window {
			continue
		}
		p := principalOf(k)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Sweep drops entries stale for longer than the cutoff. Staleness alone makes
// a device "not online"; sweeping only bounds memory.
func (l *Local) Sweep(olderThan time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, ts := range l.lastSeen {
		if now.Sub(ts) >= olderThan {
			delete(l.lastSeen, k)
		}
	}
}
