package ratelimit

import (
	"sync"
	"time"
)

// bucket holds the ordered request timestamps for one client key within the
// configured window. Invariant (spec §3): the oldest timestamp is ≥
// now-window; earlier entries are pruned on every check.
type bucket struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// MemoryLimiter is the default sliding-window rate limiter: an in-process
// map of per-client buckets, each independently locked so distinct client
// keys never contend (spec §5: "operations on distinct client keys must be
// independent").
//
// Grounded on a process-local, per-key-locked cache's sharding shape — same per-key
// locking shape, generalized from a TTL cache entry to a timestamp bucket.
type MemoryLimiter struct {
	mu          sync.RWMutex
	buckets     map[string]*bucket
	enabled     bool
	maxRequests int
	window      time.Duration
}

// NewMemoryLimiter constructs a MemoryLimiter with the given policy. When
// enabled is false, Check always allows with zeroed counters.
func NewMemoryLimiter(enabled bool, maxRequests int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		buckets:     make(map[string]*bucket),
		enabled:     enabled,
		maxRequests: maxRequests,
		window:      window,
	}
}

func (l *MemoryLimiter) getOrCreate(clientKey string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[clientKey]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[clientKey]; ok {
		return b
	}
	b = &bucket{}
	l.buckets[clientKey] = b
	return b
}

// Check implements spec §4.1's sliding-window algorithm.
func (l *MemoryLimiter) Check(clientKey string) Decision {
	l.mu.RLock()
	enabled := l.enabled
	maxRequests := l.maxRequests
	window := l.window
	l.mu.RUnlock()

	if !enabled {
		return Decision{Allowed: true}
	}

	b := l.getOrCreate(clientKey)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)

	pruned := b.timestamps[:0]
	for _, ts := range b.timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	b.timestamps = pruned

	if len(b.timestamps) >= maxRequests {
		oldest := b.timestamps[0]
		reset := int(oldest.Add(window).Sub(now).Seconds())
		if reset < 0 {
			reset = 0
		}
		return Decision{
			Allowed:      false,
			Used:         len(b.timestamps),
			Remaining:    0,
			ResetSeconds: reset,
		}
	}

	b.timestamps = append(b.timestamps, now)
	used := len(b.timestamps)
	return Decision{
		Allowed:      true,
		Used:         used,
		Remaining:    maxRequests - used,
		ResetSeconds: int(window.Seconds()),
	}
}

// ClearClient removes the bucket for a single client key.
func (l *MemoryLimiter) ClearClient(clientKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, clientKey)
}

// ClearAll removes every bucket.
func (l *MemoryLimiter) ClearAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucket)
}

// UpdateConfig replaces the policy; existing buckets are retained and
// re-evaluated on their next Check, per spec §4.1.
func (l *MemoryLimiter) UpdateConfig(maxRequests int, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxRequests = maxRequests
	l.window = window
}

// Stats returns a { client_key -> current_count } snapshot.
func (l *MemoryLimiter) Stats() map[string]int {
	l.mu.RLock()
	keys := make([]string, 0, len(l.buckets))
	bs := make([]*bucket, 0, len(l.buckets))
	for k, b := range l.buckets {
		keys = append(keys, k)
		bs = append(bs, b)
	}
	l.mu.RUnlock()

	out := make(map[string]int, len(keys))
	for i, k := range keys {
		bs[i].mu.Lock()
		out[k] = len(bs[i].timestamps)
		bs[i].mu.Unlock()
	}
	return out
}
