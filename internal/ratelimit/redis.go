package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window counter shared through Redis, correct across
// multiple backend instances sharing one store. INCR is atomic; the TTL is
// set only on the first hit of a window so the window length is anchored to
// that hit.
type Redis struct {
	client redis.UniversalClient
	cfg    Config
}

// NewRedis constructs the shared-store limiter.
func NewRedis(client redis.UniversalClient, cfg Config) *Redis {
	return &Redis{client: client, cfg: cfg}
}

// Allow consumes one attempt from the scope's shared window.
func (r *Redis) Allow(ctx context.Context, scope Scope, key string) (bool, error) {
	lim := r.cfg.limit(scope)
	if lim.MaxRequests <= 0 || lim.Window <= 0 {
		return true, nil
	}

	redisKey := "rl:" + string(scope) + ":" + key
	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, redisKey, lim.Window).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return count <= int64(lim.MaxRequests), nil
}
