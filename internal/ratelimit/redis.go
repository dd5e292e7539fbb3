package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script implementing a sliding window
// rate limiter using a sorted set per client key.
// KEYS[1] = redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: {allowed (1/0), count after the call}.
//
// Generalized from a Redis-backed requests-per-minute limiter keyed globally,
// from a single global workspace key to one key per client identifier.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return {0, count}
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return {1, count + 1}
`)

const keyPrefix = "ratelimit:client:"

// RedisLimiter is the distributed sliding-window rate limiter backend,
// shared across gateway replicas. Falls back to graceful allow-through when
// Redis is unreachable, a deliberate degraded-mode behavior.
type RedisLimiter struct {
	rdb *redis.Client

	mu          sync.RWMutex
	enabled     bool
	maxRequests int
	window      time.Duration
}

// NewRedisLimiter constructs a RedisLimiter against an existing client.
func NewRedisLimiter(rdb *redis.Client, enabled bool, maxRequests int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, enabled: enabled, maxRequests: maxRequests, window: window}
}

func (r *RedisLimiter) Check(clientKey string) Decision {
	r.mu.RLock()
	enabled := r.enabled
	maxRequests := r.maxRequests
	window := r.window
	r.mu.RUnlock()

	if !enabled {
		return Decision{Allowed: true}
	}

	ctx := context.Background()
	now := time.Now().UnixNano()
	winNanos := window.Nanoseconds()

	res, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + clientKey},
		now, winNanos, maxRequests,
	).Slice()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation), mirroring
		// a global RPM limiter's degraded-mode behavior.
		return Decision{Allowed: true}
	}

	allowed := toInt(res[0]) == 1
	count := toInt(res[1])

	d := Decision{
		Allowed: allowed,
		Used:    count,
	}
	if allowed {
		d.Remaining = maxRequests - count
		d.ResetSeconds = int(window.Seconds())
	} else {
		d.Remaining = 0
		d.ResetSeconds = int(window.Seconds())
	}
	return d
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// ClearClient deletes the sorted set for one client key.
func (r *RedisLimiter) ClearClient(clientKey string) {
	r.rdb.Del(context.Background(), keyPrefix+clientKey)
}

// ClearAll scans and deletes every ratelimit:client:* key. Best-effort: used
// from admin endpoints, not the request hot path.
func (r *RedisLimiter) ClearAll() {
	ctx := context.Background()
	iter := r.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		r.rdb.Del(ctx, iter.Val())
	}
}

func (r *RedisLimiter) UpdateConfig(maxRequests int, window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxRequests = maxRequests
	r.window = window
}

// Stats is unsupported for the distributed backend without an expensive
// SCAN + per-key ZCARD pass; callers needing a combined snapshot across
// replicas should query Redis directly. Returns an empty map.
func (r *RedisLimiter) Stats() map[string]int {
	return map[string]int{}
}
