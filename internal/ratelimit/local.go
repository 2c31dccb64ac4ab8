package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Local is a per-process fixed-window counter keyed by (scope, key). The
// window resets when the current time passes windowStart+window. Counts are
// not shared, so it is only correct for a single backend instance.
type Local struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	windowStart time.Time
	count       int
}

// LocalOption configures a Local limiter.
type LocalOption func(*Local)

// WithLocalClock overrides the time source (useful for tests).
func WithLocalClock(fn func() time.Time) LocalOption {
	return func(l *Local) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLocal constructs the in-process limiter.
func NewLocal(cfg Config, opts ...LocalOption) *Local {
	l := &Local{
		cfg:      cfg,
		now:      time.Now,
		counters: make(map[string]*counter),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one attempt from the scope's window and reports admission.
func (l *Local) Allow(_ context.Context, scope Scope, key string) (bool, error) {
	lim := l.cfg.limit(scope)
	if lim.MaxRequests <= 0 || lim.Window <= 0 {
		return true, nil
	}

	now := l.now()
	mapKey := string(scope) + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[mapKey]
	if !ok {
		c = &counter{windowStart: now}
		l.counters[mapKey] = c
	}
	if now.Sub(c.windowStart) >= lim.Window {
		c.windowStart = now
		c.count = 0
	}
	c.count++
	return c.count <= lim.MaxRequests, nil
}

// Sweep drops counters whose window ended before the cutoff. Not required
// for correctness, only to bound memory on long-running processes.
func (l *Local) Sweep(olderThan time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, c := range l.counters {
		if now.Sub(c.windowStart) >= olderThan {
			delete(l.counters, k)
		}
	}
}
