package engine

import (
	"sync"
	"time"
)

// Default load-retry tuning, generalized from a per-provider circuit
// breaker's error-threshold defaults to the engine-load domain.
const (
	defaultLoadErrorThreshold = 3
	defaultLoadTimeWindow     = 60 * time.Second
	defaultLoadHalfOpenAfter  = 30 * time.Second
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// loadCB is the per-engine-id breaker entry.
type loadCB struct {
	mu sync.Mutex

	state         breakerState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// LoadBreaker prevents GetOrLoad from hot-looping Load attempts against an
// engine whose model file or initialization is permanently broken —
// a Closed/Open/HalfOpen breaker keyed by engine id instead of provider name.
type LoadBreaker struct {
	mu       sync.Mutex
	breakers map[string]*loadCB

	errorThreshold  int
	timeWindow      time.Duration
	halfOpenTimeout time.Duration
}

// NewLoadBreaker constructs a LoadBreaker with the package defaults.
func NewLoadBreaker() *LoadBreaker {
	return &LoadBreaker{
		breakers:        make(map[string]*loadCB),
		errorThreshold:  defaultLoadErrorThreshold,
		timeWindow:      defaultLoadTimeWindow,
		halfOpenTimeout: defaultLoadHalfOpenAfter,
	}
}

func (b *LoadBreaker) get(id string) *loadCB {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[id]
	if !ok {
		cb = &loadCB{state: breakerClosed, windowStart: time.Now()}
		b.breakers[id] = cb
	}
	return cb
}

// Allow reports whether a load attempt for id should proceed.
func (b *LoadBreaker) Allow(id string) bool {
	cb := b.get(id)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(cb.openedAt) >= b.halfOpenTimeout {
			cb.state = breakerHalfOpen
			cb.probeInflight = true
			return true
		}
		return false
	case breakerHalfOpen:
		if cb.probeInflight {
			return false
		}
		cb.probeInflight = true
		return true
	}
	return true
}

// RecordSuccess resets id's breaker to Closed.
func (b *LoadBreaker) RecordSuccess(id string) {
	cb := b.get(id)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.errorCount = 0
	cb.probeInflight = false
	cb.windowStart = time.Now()
}

// RecordFailure increments id's failure counter, opening the breaker once
// errorThreshold is reached within timeWindow.
func (b *LoadBreaker) RecordFailure(id string) {
	cb := b.get(id)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	if now.Sub(cb.windowStart) > b.timeWindow {
		cb.errorCount = 0
		cb.windowStart = now
	}
	cb.errorCount++
	cb.probeInflight = false

	if cb.errorCount >= b.errorThreshold {
		cb.state = breakerOpen
		cb.openedAt = now
	}
}
