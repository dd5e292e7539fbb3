package ratelimit_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kolosalai/kolosal-gateway/internal/ratelimit"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestRedisLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 10
	l := ratelimit.NewRedisLimiter(rdb, true, limit, time.Minute)

	for i := 0; i < limit; i++ {
		d := l.Check("client-1")
		if !d.Allowed {
			t.Fatalf("expected allowed at iteration %d", i)
		}
	}
}

func TestRedisLimiter_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	l := ratelimit.NewRedisLimiter(rdb, true, limit, time.Minute)

	for i := 0; i < limit; i++ {
		if !l.Check("client-1").Allowed {
			t.Fatalf("expected allowed at iteration %d", i)
		}
	}
	if l.Check("client-1").Allowed {
		t.Error("expected denied after limit exceeded")
	}
}

func TestRedisLimiter_DegradesWhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	cleanup()

	l := ratelimit.NewRedisLimiter(rdb, true, 1, time.Minute)
	if !l.Check("client-1").Allowed {
		t.Error("expected graceful allow-through when redis is unreachable")
	}
}

func TestRedisLimiter_ClearClient(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.NewRedisLimiter(rdb, true, 1, time.Minute)
	l.Check("client-1")
	if l.Check("client-1").Allowed {
		t.Fatal("expected second request denied before clear")
	}
	l.ClearClient("client-1")
	if !l.Check("client-1").Allowed {
		t.Fatal("expected request allowed after ClearClient")
	}
}
