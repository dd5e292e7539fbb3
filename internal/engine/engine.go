// Package engine implements the Node Manager of spec §4.4: a registry that
// owns opaque model engines, supporting eager load, lazy-on-first-use load,
// idle eviction, and concurrent-safe add/remove/query.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is one node of the per-record state machine described in spec §4.4.
type State int

const (
	Registered State = iota
	Loading
	Loaded
	Unloading
	Failed
)

func (s State) String() string {
	switch s {
	case Registered:
		return "registered"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Unloading:
		return "unloading"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handle is whatever opaque value the Engine collaborator returns from Load.
type Handle any

// TokenSink receives generated output. isFinal is true on the last call,
// at which point finishReason is populated ("stop", "length", or "error").
type TokenSink func(textDelta string, isFinal bool, finishReason string)

// GenerateRequest is the minimal, model-agnostic shape the dispatcher hands
// to an engine — deliberately narrower than the HTTP DTOs so the Engine
// contract stays a black-box token producer, per spec §1/§6.
type GenerateRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	TopP        float64
	Seed        int
	Extra       map[string]any
}

// GenerateStats is what Generate returns on completion.
type GenerateStats struct {
	InputTokens  int
	OutputTokens int
}

// CancelFlag is a cloneable, observable cancellation token — the Design
// Notes replacement for the original's `volatile bool* cancelled`.
type CancelFlag struct {
	mu    sync.RWMutex
	fired bool
	ch    chan struct{}
}

// NewCancelFlag returns a fresh, unset flag.
func NewCancelFlag() *CancelFlag {
	return &CancelFlag{ch: make(chan struct{})}
}

// Cancel marks the flag as fired. Safe to call more than once.
func (c *CancelFlag) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fired {
		c.fired = true
		close(c.ch)
	}
}

// Cancelled reports whether Cancel has been called.
func (c *CancelFlag) Cancelled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fired
}

// Done returns a channel closed when the flag fires, so callers can wait on
// it alongside other select cases.
func (c *CancelFlag) Done() <-chan struct{} {
	return c.ch
}

// Engine is the opaque collaborator contract of spec §6: load a model file
// into a handle, drive token generation against a handle, and unload it.
type Engine interface {
	Load(ctx context.Context, path string, params map[string]any, gpuID int) (Handle, error)
	Generate(ctx context.Context, handle Handle, req GenerateRequest, sink TokenSink, cancel *CancelFlag) (GenerateStats, error)
	Unload(ctx context.Context, handle Handle) error
}

// Sentinel errors mapped to the spec §7 error taxonomy at the HTTP boundary.
var (
	ErrAlreadyExists = errors.New("engine: id already exists")
	ErrNotFound      = errors.New("engine: id not found")
)

// Record is the registry's entry for one engine id.
type Record struct {
	ID           string
	Path         string
	LoadParams   map[string]any
	GPUID        int
	RegisteredAt time.Time

	mu         sync.Mutex
	state      State
	handle     Handle
	lastUsedAt *time.Time
	failMsg    string
	loadDone   chan struct{} // closed when an in-flight Loading completes
}

// snapshot is an internal, lock-free copy used for status queries.
type snapshot struct {
	state      State
	handle     Handle
	lastUsedAt *time.Time
	failMsg    string
}

func (r *Record) snapshot() snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot{state: r.state, handle: r.handle, lastUsedAt: r.lastUsedAt, failMsg: r.failMsg}
}

// StateInfo is the exported view of a Record's mutable fields, for status
// handlers that need more than Registry.Status's three return values.
type StateInfo struct {
	State      State
	LastUsedAt *time.Time
	FailMsg    string
}

// StateInfo returns r's current state snapshot.
func (r *Record) StateInfo() StateInfo {
	s := r.snapshot()
	return StateInfo{State: s.state, LastUsedAt: s.lastUsedAt, FailMsg: s.failMsg}
}

// Registry owns the id→EngineRecord map plus the Engine collaborator used
// to actually load/generate/unload.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	eng     Engine

	idleTimeout time.Duration
	breaker     *LoadBreaker

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry constructs a Registry backed by eng, with idle eviction
// sweeping every idleTimeout/4 (minimum 1s) for records idle ≥ idleTimeout.
// A LoadBreaker guards against hot-looping Load attempts against a
// permanently broken engine id.
func NewRegistry(eng Engine, idleTimeout time.Duration) *Registry {
	return &Registry{
		records:     make(map[string]*Record),
		eng:         eng,
		idleTimeout: idleTimeout,
		breaker:     NewLoadBreaker(),
		stopCh:      make(chan struct{}),
	}
}

// Register inserts id in the Registered state without loading it. Fails
// with ErrAlreadyExists if id is taken.
func (reg *Registry) Register(id, path string, params map[string]any, gpuID int) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.records[id]; ok {
		return ErrAlreadyExists
	}
	reg.records[id] = &Record{
		ID:           id,
		Path:         path,
		LoadParams:   params,
		GPUID:        gpuID,
		RegisteredAt: time.Now(),
		state:        Registered,
	}
	return nil
}

// Add registers id then synchronously loads it. On load failure the record
// is retained in Failed state (so status queries can explain it) and Add
// returns false alongside the error.
func (reg *Registry) Add(ctx context.Context, id, path string, params map[string]any, gpuID int) (bool, error) {
	if err := reg.Register(id, path, params, gpuID); err != nil {
		return false, err
	}
	_, err := reg.GetOrLoad(ctx, id)
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetOrLoad implements spec §4.4's lazy-load operation: if Loaded, stamp
// last_used_at and return the handle; if Registered (or Failed), load under
// a per-record lock so exactly one loader runs; concurrent callers for the
// same id wait on that same load.
func (reg *Registry) GetOrLoad(ctx context.Context, id string) (Handle, error) {
	reg.mu.RLock()
	rec, ok := reg.records[id]
	reg.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	for {
		rec.mu.Lock()
		switch rec.state {
		case Loaded:
			now := time.Now()
			rec.lastUsedAt = &now
			h := rec.handle
			rec.mu.Unlock()
			return h, nil

		case Loading:
			done := rec.loadDone
			rec.mu.Unlock()
			select {
			case <-done:
				continue // re-check state after the in-flight load completes
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case Registered, Failed:
			if !reg.breaker.Allow(id) {
				rec.mu.Unlock()
				return nil, fmt.Errorf("engine %q: load breaker open, too many recent failures", id)
			}

			rec.state = Loading
			rec.loadDone = make(chan struct{})
			done := rec.loadDone
			path, params, gpuID := rec.Path, rec.LoadParams, rec.GPUID
			rec.mu.Unlock()

			handle, err := reg.eng.Load(ctx, path, params, gpuID)

			rec.mu.Lock()
			if err != nil {
				reg.breaker.RecordFailure(id)
				rec.state = Failed
				rec.failMsg = err.Error()
				close(done)
				rec.mu.Unlock()
				return nil, fmt.Errorf("engine %q: load failed: %w", id, err)
			}
			reg.breaker.RecordSuccess(id)
			now := time.Now()
			rec.state = Loaded
			rec.handle = handle
			rec.lastUsedAt = &now
			rec.failMsg = ""
			close(done)
			rec.mu.Unlock()
			return handle, nil

		case Unloading:
			rec.mu.Unlock()
			return nil, fmt.Errorf("engine %q: currently unloading", id)

		default:
			rec.mu.Unlock()
			return nil, fmt.Errorf("engine %q: unexpected state", id)
		}
	}
}

// Generate reserves id via GetOrLoad (triggering lazy load if needed) then
// drives token generation against the resulting handle — the dispatcher
// never touches the underlying Engine collaborator directly, matching
// spec §2's data flow ("reserves an engine via Node Manager ... starts
// generation loop").
func (reg *Registry) Generate(ctx context.Context, id string, req GenerateRequest, sink TokenSink, cancel *CancelFlag) (GenerateStats, error) {
	handle, err := reg.GetOrLoad(ctx, id)
	if err != nil {
		return GenerateStats{}, err
	}
	return reg.eng.Generate(ctx, handle, req, sink, cancel)
}

// Status implements spec §4.4's status(id) operation.
func (reg *Registry) Status(id string) (state State, available bool, message string) {
	reg.mu.RLock()
	rec, ok := reg.records[id]
	reg.mu.RUnlock()
	if !ok {
		return Registered, false, "engine not registered"
	}
	s := rec.snapshot()
	return s.state, true, s.failMsg
}

// Record returns the full record snapshot for callers (e.g. status
// handlers) that need registered_at/last_used_at too.
func (reg *Registry) Record(id string) (*Record, bool) {
	reg.mu.RLock()
	rec, ok := reg.records[id]
	reg.mu.RUnlock()
	return rec, ok
}

// Remove transitions Loaded→Unloading→∅, freeing the underlying resource
// before the record is dropped. If Loading, it waits for the load to finish
// first.
func (reg *Registry) Remove(ctx context.Context, id string) error {
	reg.mu.RLock()
	rec, ok := reg.records[id]
	reg.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	rec.mu.Lock()
	if rec.state == Loading {
		done := rec.loadDone
		rec.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		rec.mu.Lock()
	}

	handle := rec.handle
	wasLoaded := rec.state == Loaded
	rec.state = Unloading
	rec.mu.Unlock()

	if wasLoaded {
		if err := reg.eng.Unload(ctx, handle); err != nil {
			rec.mu.Lock()
			rec.state = Failed
			rec.failMsg = err.Error()
			rec.mu.Unlock()
			return fmt.Errorf("engine %q: unload failed: %w", id, err)
		}
	}

	reg.mu.Lock()
	delete(reg.records, id)
	reg.mu.Unlock()
	return nil
}

// List returns an ordered snapshot of registered ids.
func (reg *Registry) List() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ids := make([]string, 0, len(reg.records))
	for id := range reg.records {
		ids = append(ids, id)
	}
	sortStrings(ids)
	return ids
}

// Stats returns counts of records by state, used by /engines list responses.
func (reg *Registry) Stats() map[string]int {
	reg.mu.RLock()
	recs := make([]*Record, 0, len(reg.records))
	for _, r := range reg.records {
		recs = append(recs, r)
	}
	reg.mu.RUnlock()

	out := map[string]int{}
	for _, r := range recs {
		out[r.snapshot().state.String()]++
	}
	return out
}

// StartIdleEviction launches the background sweep of spec §4.4: any Loaded
// record idle ≥ idleTimeout transitions Unloading→Registered, retaining
// path/params so a later GetOrLoad rehydrates it. A zero idleTimeout
// disables eviction.
func (reg *Registry) StartIdleEviction(ctx context.Context) {
	if reg.idleTimeout <= 0 {
		return
	}
	interval := reg.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}

	reg.wg.Add(1)
	go func() {
		defer reg.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				reg.sweepIdle(ctx)
			case <-reg.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (reg *Registry) sweepIdle(ctx context.Context) {
	reg.mu.RLock()
	recs := make([]*Record, 0, len(reg.records))
	for _, r := range reg.records {
		recs = append(recs, r)
	}
	reg.mu.RUnlock()

	now := time.Now()
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.state != Loaded || rec.lastUsedAt == nil || now.Sub(*rec.lastUsedAt) < reg.idleTimeout {
			rec.mu.Unlock()
			continue
		}
		handle := rec.handle
		rec.state = Unloading
		rec.mu.Unlock()

		_ = reg.eng.Unload(ctx, handle) // rehydrate regardless of unload error; path/params retained

		rec.mu.Lock()
		rec.handle = nil
		rec.state = Registered
		rec.mu.Unlock()
	}
}

// Close stops the idle-eviction goroutine and waits for it to exit.
func (reg *Registry) Close() {
	reg.stopOnce.Do(func() { close(reg.stopCh) })
	reg.wg.Wait()
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j] < ss[j-1]; j-- {
			ss[j], ss[j-1] = ss[j-1], ss[j]
		}
	}
}
