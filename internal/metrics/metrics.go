// Package metrics implements the Completion Metrics aggregator of spec
// §4.7: per-engine counters mutated under a per-engine lock, with derived
// fields computed at snapshot time, exported both as a JSON snapshot and
// as Prometheus series — reusing a private-registry Prometheus exporter shape
// private-registry + fasthttpadaptor pattern.
package metrics

import (
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/kolosalai/kolosal-gateway/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// engineCounters are the raw, monotonic-until-reset counters of spec §3.
type engineCounters struct {
	mu sync.Mutex

	totalRequests     uint64
	completedRequests uint64
	failedRequests    uint64
	inputTokensTotal  uint64
	outputTokensTotal uint64
	sumTurnaroundMs   uint64
	sumTTFTMs         uint64
	sumOutputGenMs    uint64
	lastUpdated       time.Time
	firstRequestAt    time.Time
}

// Aggregator owns one engineCounters per engine id plus the Prometheus
// series mirroring them, on a private registry so this package never
// pollutes the default global one.
type Aggregator struct {
	mu      sync.RWMutex
	engines map[string]*engineCounters

	registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	completedTotal *prometheus.CounterVec
	failedTotal    *prometheus.CounterVec
	tokensTotal    *prometheus.CounterVec
	ttftSeconds    *prometheus.HistogramVec

	startedAt time.Time
}

// New constructs an Aggregator with its own Prometheus registry, registering
// the Go/process collectors the same way a private-registry exporter would.
func New() *Aggregator {
	reg := prometheus.NewRegistry()

	a := &Aggregator{
		engines:   make(map[string]*engineCounters),
		registry:  reg,
		startedAt: time.Now(),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kolosal_gateway_engine_requests_total",
			Help: "Total completion requests per engine.",
		}, []string{"engine"}),
		completedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kolosal_gateway_engine_completed_total",
			Help: "Completed completion requests per engine.",
		}, []string{"engine"}),
		failedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kolosal_gateway_engine_failed_total",
			Help: "Failed completion requests per engine.",
		}, []string{"engine"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kolosal_gateway_engine_tokens_total",
			Help: "Tokens processed per engine, by direction.",
		}, []string{"engine", "direction"}),
		ttftSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kolosal_gateway_engine_ttft_seconds",
			Help:    "Time to first token per engine.",
			Buckets: prometheus.DefBuckets,
		}, []string{"engine"}),
	}

	reg.MustRegister(
		a.requestsTotal,
		a.completedTotal,
		a.failedTotal,
		a.tokensTotal,
		a.ttftSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return a
}

func (a *Aggregator) counters(engineID string) *engineCounters {
	a.mu.RLock()
	c, ok := a.engines[engineID]
	a.mu.RUnlock()
	if ok {
		return c
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.engines[engineID]; ok {
		return c
	}
	c = &engineCounters{}
	a.engines[engineID] = c
	return c
}

// RecordStart increments total_requests at the start of a request.
func (a *Aggregator) RecordStart(engineID string) {
	c := a.counters(engineID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	if c.firstRequestAt.IsZero() {
		c.firstRequestAt = time.Now()
	}
	c.lastUpdated = time.Now()
	a.requestsTotal.WithLabelValues(engineID).Inc()
}

// RecordTTFT adds a time-to-first-token sample (spec §4.5 step 5: "at the
// first token, record t_ftt and add to sum_ttft_ms").
func (a *Aggregator) RecordTTFT(engineID string, d time.Duration) {
	c := a.counters(engineID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sumTTFTMs += uint64(d.Milliseconds())
	c.lastUpdated = time.Now()
	a.ttftSeconds.WithLabelValues(engineID).Observe(d.Seconds())
}

// RecordCompletion records a successful terminal request: token totals,
// turnaround, and output-generation duration (elapsed since first token).
func (a *Aggregator) RecordCompletion(engineID string, inputTokens, outputTokens int, turnaround, outputGen time.Duration) {
	c := a.counters(engineID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completedRequests++
	c.inputTokensTotal += uint64(inputTokens)
	c.outputTokensTotal += uint64(outputTokens)
	c.sumTurnaroundMs += uint64(turnaround.Milliseconds())
	c.sumOutputGenMs += uint64(outputGen.Milliseconds())
	c.lastUpdated = time.Now()

	a.completedTotal.WithLabelValues(engineID).Inc()
	a.tokensTotal.WithLabelValues(engineID, "input").Add(float64(inputTokens))
	a.tokensTotal.WithLabelValues(engineID, "output").Add(float64(outputTokens))
}

// RecordFailure increments failed_requests — used for EngineRuntime errors
// and Transport (socket-write) failures alike, per spec §7.
func (a *Aggregator) RecordFailure(engineID string) {
	c := a.counters(engineID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
	c.lastUpdated = time.Now()
	a.failedTotal.WithLabelValues(engineID).Inc()
}

// Snapshot computes the derived fields of spec §4.7 under the same
// per-engine lock used for mutation, so a snapshot never observes a
// torn write.
func (a *Aggregator) Snapshot(engineID string) model.EngineMetrics {
	c := a.counters(engineID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshotLocked(c)
}

func snapshotLocked(c *engineCounters) model.EngineMetrics {
	m := model.EngineMetrics{
		TotalRequests:     c.totalRequests,
		CompletedRequests: c.completedRequests,
		FailedRequests:    c.failedRequests,
		InputTokensTotal:  c.inputTokensTotal,
		OutputTokensTotal: c.outputTokensTotal,
		SumTurnaroundMs:   c.sumTurnaroundMs,
		SumTTFTMs:         c.sumTTFTMs,
		SumOutputGenMs:    c.sumOutputGenMs,
	}
	if !c.lastUpdated.IsZero() {
		m.LastUpdated = c.lastUpdated.Unix()
	}

	m.SuccessRatePercent = ratio(float64(c.completedRequests), float64(maxU64(c.totalRequests, 1))) * 100
	m.AvgTTFTMs = ratio(float64(c.sumTTFTMs), float64(maxU64(c.completedRequests, 1)))

	turnaroundSec := float64(c.sumTurnaroundMs) / 1000
	if turnaroundSec > 0 {
		m.TPS = float64(c.inputTokensTotal+c.outputTokensTotal) / turnaroundSec
	}

	outputGenSec := float64(c.sumOutputGenMs) / 1000
	if outputGenSec > 0 {
		m.OutputTPS = float64(c.outputTokensTotal) / outputGenSec
	}

	if !c.firstRequestAt.IsZero() {
		wall := time.Since(c.firstRequestAt).Seconds()
		if wall > 0 {
			m.RPS = float64(c.completedRequests) / wall
		}
	}

	return m
}

func maxU64(v, min uint64) uint64 {
	if v < min {
		return min
	}
	return v
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	v := a / b
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// SnapshotAll returns every tracked engine's snapshot, keyed by id.
func (a *Aggregator) SnapshotAll() map[string]model.EngineMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]model.EngineMetrics, len(a.engines))
	for id, c := range a.engines {
		c.mu.Lock()
		out[id] = snapshotLocked(c)
		c.mu.Unlock()
	}
	return out
}

// SystemSnapshot reports process-level metrics alongside the per-engine
// counters, matching original_source's system_metrics_response_model.hpp.
func (a *Aggregator) SystemSnapshot(numEngines int) model.SystemMetricsResponse {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return model.SystemMetricsResponse{
		UptimeSeconds: time.Since(a.startedAt).Seconds(),
		NumGoroutines: runtime.NumGoroutine(),
		MemAllocBytes: ms.Alloc,
		MemSysBytes:   ms.Sys,
		NumEngines:    numEngines,
	}
}

// Handler returns a fasthttp handler serving the Prometheus text exposition
// format off the private registry, via fasthttpadaptor.
func (a *Aggregator) Handler() fasthttp.RequestHandler {
	h := promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
	return fasthttpadaptor.NewFastHTTPHandler(h)
}
