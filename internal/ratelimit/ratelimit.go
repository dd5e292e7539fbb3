// Package ratelimit implements the sliding-window per-client rate limiting
// of spec §4.1. The in-memory Limiter is the spec-mandated default; a
// Redis-backed variant (generalized from a Redis-backed RPM limiter) is kept
// for distributed deployments that share a limiter across gateway replicas.
package ratelimit

import "time"

// Decision is the result of a single check(client_key) call.
type Decision struct {
	Allowed      bool
	Used         int
	Remaining    int
	ResetSeconds int
}

// Limiter is satisfied by both the in-memory default and the Redis-backed
// variant so callers (the admission middleware) don't care which backend is
// configured.
type Limiter interface {
	Check(clientKey string) Decision
	ClearClient(clientKey string)
	ClearAll()
	UpdateConfig(maxRequests int, window time.Duration)
	Stats() map[string]int
}
