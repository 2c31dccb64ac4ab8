// Package ratelimit provides admission control for login and refresh
// attempts. Two interchangeable strategies exist: an in-process fixed-window
// counter, correct for a single instance, and a Redis-backed fixed window
// that stays correct when several instances share one store.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Scope separates the independently configured attempt budgets.
type Scope string

const (
	ScopeLogin   Scope = "login"
	ScopeRefresh Scope = "refresh"
)

// ErrUnavailable signals the shared store behind the limiter failed; callers
// treat this as an infrastructure fault, not a rejection.
var ErrUnavailable = errors.New("ratelimit: backend unavailable")

// Limit is one scope's budget.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// Config carries the per-scope budgets.
type Config struct {
	Login   Limit
	Refresh Limit
}

func (c Config) limit(scope Scope) Limit {
	if scope == ScopeRefresh {
		return c.Refresh
	}
	return c.Login
}

// Limiter answers admit-or-reject for one attempt. Rejection must not mutate
// any token state; admission happens before any credential or token lookup.
type Limiter interface {
	Allow(ctx context.Context, scope Scope, key string) (bool, error)
}

// NopLimiter admits everything. Used when throttling is disabled.
type NopLimiter struct{}

func (NopLimiter) Allow(context.Context, Scope, string) (bool, error) { return true, nil }
