package presence

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisTracker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, 60*time.Second), mr
}

func TestRedisFreshness(t *testing.T) {
	tr, mr := newRedisTracker(t)
	ctx := context.Background()

	tr.Ping(ctx, "u1", "dev-a")
	if !tr.IsOnline(ctx, "u1", "dev-a") {
		t.Fatalf("device should be online after a ping")
	}

	mr.FastForward(61 * time.Second)
	if tr.IsOnline(ctx, "u1", "dev-a") {
		t.Fatalf("device should be stale after TTL expiry")
	}
}

func TestRedisCountsAndPrincipals(t *testing.T) {
	tr, _ := newRedisTracker(t)
	ctx := context.Background()

	tr.Ping(ctx, "u1", "dev-a")
	tr.Ping(ctx, "u1", "dev-b")
	tr.Ping(ctx, "u2", "dev-a")

	if got := tr.OnlineCount(ctx); got != 3 {
		t.Fatalf("expected 3 online devices, got %d", got)
	}
	principals := tr.OnlinePrincipals(ctx)
	slices.Sort(principals)
	if !slices.Equal(principals, []string{"u1", "u2"}) {
		t.Fatalf("unexpected principals: %v", principals)
	}
}
