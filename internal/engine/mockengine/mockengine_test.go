package mockengine_test

import (
	"context"
	"testing"

	"github.com/kolosalai/kolosal-gateway/internal/engine"
	"github.com/kolosalai/kolosal-gateway/internal/engine/mockengine"
)

func TestGenerate_EmitsConfiguredTokens(t *testing.T) {
	e := mockengine.New(mockengine.Config{Tokens: []string{"Hi", " there"}})
	handle, err := e.Load(context.Background(), "/fake", nil, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	var received []string
	var finalReason string
	_, err = e.Generate(context.Background(), handle, engine.GenerateRequest{Prompt: "hello world"}, func(delta string, isFinal bool, reason string) {
		received = append(received, delta)
		if isFinal {
			finalReason = reason
		}
	}, engine.NewCancelFlag())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if len(received) != 2 || received[0] != "Hi" || received[1] != " there" {
		t.Errorf("unexpected tokens: %v", received)
	}
	if finalReason != "stop" {
		t.Errorf("expected finish_reason=stop, got %q", finalReason)
	}
}

func TestGenerate_HonorsCancellation(t *testing.T) {
	e := mockengine.New(mockengine.Config{Tokens: []string{"a", "b", "c", "d"}})
	cancel := engine.NewCancelFlag()
	cancel.Cancel()

	var received []string
	stats, err := e.Generate(context.Background(), "h", engine.GenerateRequest{}, func(delta string, isFinal bool, reason string) {
		received = append(received, delta)
	}, cancel)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(received) != 0 {
		t.Errorf("expected no tokens emitted after immediate cancel, got %v", received)
	}
	if stats.OutputTokens != 0 {
		t.Errorf("expected 0 output tokens, got %d", stats.OutputTokens)
	}
}

func TestLoad_SimulatedFailure(t *testing.T) {
	e := mockengine.New(mockengine.Config{ErrorRate: 1.0})
	if _, err := e.Load(context.Background(), "/fake", nil, 0); err == nil {
		t.Fatal("expected simulated load failure with ErrorRate=1.0")
	}
}
