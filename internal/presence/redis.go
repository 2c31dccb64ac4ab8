package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "presence:"

// Redis is a Tracker sharing last-seen state through Redis so every backend
// instance observes the same online set. Freshness rides on key TTL; counts
// are eventually consistent across instances and SCAN-based, which is fine
// for an advisory signal.
type Redis struct {
	client redis.UniversalClient
	window time.Duration
}

// NewRedis constructs the shared tracker.
func NewRedis(client redis.UniversalClient, window time.Duration) *Redis {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Redis{client: client, window: window}
}

// Ping refreshes the key with the freshness window as TTL. Errors are
// swallowed: presence is best effort.
func (r *Redis) Ping(ctx context.Context, principalID, deviceID string) {
	if principalID == "" || deviceID == "" {
		return
	}
	_ = r.client.Set(ctx, redisPrefix+key(principalID, deviceID), "1", r.window).Err()
}

// IsOnline reports whether the key still exists.
func (r *Redis) IsOnline(ctx context.Context, principalID, deviceID string) bool {
	n, err := r.client.Exists(ctx, redisPrefix+key(principalID, deviceID)).Result()
	return err == nil && n > 0
}

// OnlineCount counts live presence keys.
func (r *Redis) OnlineCount(ctx context.Context) int {
	n := 0
	iter := r.client.Scan(ctx, 0, redisPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if iter.Err() != nil {
		return n
	}
	return n
}

// OnlinePrincipals returns distinct principals with a live presence key.
func (r *Redis) OnlinePrincipals(ctx context.Context) []string {
	seen := make(map[string]struct{})
	var out []string
	iter := r.client.Scan(ctx, 0, redisPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		p := principalOf(iter.Val()[len(redisPrefix):])
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
