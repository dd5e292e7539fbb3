// Package mockengine is the opaque collaborator of spec §6 used by
// dispatcher tests and local/dev runs where no real inference backend is
// wired. Grounded on a fake word-pool sentence generator: configurable
// per-token latency and random-rate error injection, adapted from a fake
// remote-provider response body to a local token_sink stream.
package mockengine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/kolosalai/kolosal-gateway/internal/engine"
)

var fakeWords = []string{
	"the", "quick", "brown", "fox", "jumps", "over", "lazy", "dog",
	"model", "token", "stream", "response", "gateway", "engine", "kolosal",
	"inference", "context", "prompt", "completion", "sample",
}

// Config tunes the mock engine's behavior.
type Config struct {
	// LatencyPerToken is slept before each emitted token, simulating
	// generation speed.
	LatencyPerToken time.Duration
	// LoadLatency is slept inside Load, simulating model initialization.
	LoadLatency time.Duration
	// ErrorRate is the probability (0..1) that Load or Generate fails.
	ErrorRate float64
	// Tokens, when non-empty, is the exact token sequence Generate() emits
	// (used by deterministic tests, e.g. spec §8 scenario 4's ["Hi"," there"]).
	Tokens []string
	// TokenCount, when Tokens is empty, bounds the random sentence length.
	TokenCount int
}

// Engine is a fake, in-process token producer implementing
// engine.Engine — no real model file is read; handles are synthetic.
type Engine struct {
	cfg Config
}

// New constructs a mock Engine with the given configuration.
func New(cfg Config) *Engine {
	if cfg.TokenCount <= 0 {
		cfg.TokenCount = 8
	}
	return &Engine{cfg: cfg}
}

var errSimulatedFailure = errors.New("mockengine: simulated failure")

func (e *Engine) shouldError() bool {
	if e.cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < e.cfg.ErrorRate
}

// Load simulates initializing a model file into memory.
func (e *Engine) Load(ctx context.Context, path string, params map[string]any, gpuID int) (engine.Handle, error) {
	if e.cfg.LoadLatency > 0 {
		select {
		case <-time.After(e.cfg.LoadLatency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.shouldError() {
		return nil, fmt.Errorf("%w: load %s", errSimulatedFailure, path)
	}
	return fmt.Sprintf("mock-handle:%s:gpu%d", path, gpuID), nil
}

// Generate streams a fake sentence (or the configured Tokens) to sink,
// honoring cancel at each token boundary.
func (e *Engine) Generate(ctx context.Context, handle engine.Handle, req engine.GenerateRequest, sink engine.TokenSink, cancel *engine.CancelFlag) (engine.GenerateStats, error) {
	if e.shouldError() {
		return engine.GenerateStats{}, fmt.Errorf("%w: generate", errSimulatedFailure)
	}

	tokens := e.cfg.Tokens
	if len(tokens) == 0 {
		tokens = fakeSentence(e.cfg.TokenCount)
	}

	outputTokens := 0
	for i, tok := range tokens {
		if cancel != nil && cancel.Cancelled() {
			return engine.GenerateStats{InputTokens: wordCount(req.Prompt), OutputTokens: outputTokens}, nil
		}
		if e.cfg.LatencyPerToken > 0 {
			select {
			case <-time.After(e.cfg.LatencyPerToken):
			case <-ctx.Done():
				return engine.GenerateStats{InputTokens: wordCount(req.Prompt), OutputTokens: outputTokens}, ctx.Err()
			case <-cancel.Done():
				return engine.GenerateStats{InputTokens: wordCount(req.Prompt), OutputTokens: outputTokens}, nil
			}
		}

		isFinal := i == len(tokens)-1
		finishReason := ""
		if isFinal {
			finishReason = "stop"
		}
		sink(tok, isFinal, finishReason)
		outputTokens++
	}

	return engine.GenerateStats{InputTokens: wordCount(req.Prompt), OutputTokens: outputTokens}, nil
}

// Unload is a no-op: there is no real resource to free.
func (e *Engine) Unload(ctx context.Context, handle engine.Handle) error {
	return nil
}

// fakeSentence returns n space-joined random words, grounded on the
// teacher's fakeSentence helper.
func fakeSentence(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = " " + fakeWords[rand.IntN(len(fakeWords))]
	}
	if n > 0 {
		out[0] = strings.TrimPrefix(out[0], " ")
	}
	return out
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
