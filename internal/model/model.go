// Package model defines the request/response DTOs exchanged over the HTTP
// surface. The types follow the capability set the original kolosal-server
// C++ model headers expose — validate, decode from JSON, encode to JSON —
// realized in Go as a Validate method on the request types plus the
// standard json.Marshaler/Unmarshaler machinery for every type.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (m Message) Validate() error {
	if m.Role == "" {
		return errors.New("message role must not be empty")
	}
	return nil
}

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	N           *int      `json:"n,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Seed        *int      `json:"seed,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

func (r *ChatCompletionRequest) Validate() error {
	if r.Model == "" {
		return errors.New("model must not be empty")
	}
	if len(r.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	for i, m := range r.Messages {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("messages[%d]: %w", i, err)
		}
	}
	return nil
}

// completionPrompt accepts either a bare string or an array of strings, per
// spec: "prompt is either a string (non-empty) or an array of strings
// (non-empty)".
type completionPrompt struct {
	single bool
	one    string
	many   []string
}

func (p *completionPrompt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		p.single = true
		p.one = s
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		p.single = false
		p.many = arr
		return nil
	}
	return errors.New("prompt must be a string or an array of strings")
}

func (p completionPrompt) MarshalJSON() ([]byte, error) {
	if p.single {
		return json.Marshal(p.one)
	}
	return json.Marshal(p.many)
}

func (p completionPrompt) strings() []string {
	if p.single {
		return []string{p.one}
	}
	return p.many
}

func (p completionPrompt) validate() error {
	if p.single {
		if p.one == "" {
			return errors.New("prompt must not be empty")
		}
		return nil
	}
	if len(p.many) == 0 {
		return errors.New("prompt array must not be empty")
	}
	return nil
}

// CompletionRequest is the body of POST /v1/completions.
type CompletionRequest struct {
	Model       string            `json:"model"`
	Prompt      completionPrompt  `json:"prompt"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	N           *int              `json:"n,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Seed        *int              `json:"seed,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
}

func (r *CompletionRequest) Validate() error {
	if r.Model == "" {
		return errors.New("model must not be empty")
	}
	return r.Prompt.validate()
}

// Prompts returns the prompt(s) as a slice, collapsing the string|[]string
// polymorphism for callers.
func (r *CompletionRequest) Prompts() []string {
	return r.Prompt.strings()
}

// Delta is the incremental content of a chat streaming chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Choice is one entry of a chat/completion response or chunk.
type Choice struct {
	Index        int     `json:"index"`
	Delta        *Delta  `json:"delta,omitempty"`
	Message      *Message `json:"message,omitempty"`
	Text         string  `json:"text,omitempty"`
	FinishReason *string `json:"finish_reason"`
}

// ChunkEnvelope is the shape streamed for every SSE frame and, with Stream
// false, the non-streaming response body. Present on every chunk — not just
// the original distillation's prose, which dropped it — is system_fingerprint,
// restored from original_source's chunk models.
type ChunkEnvelope struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	SystemFingerprint string   `json:"system_fingerprint"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
}

// Usage reports input/output token counts on the terminal, non-streaming
// response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelEntry is one row of GET /models. State is additive: the registry
// already tracks it, so reporting it doesn't change the documented required
// fields (id, object, created, owned_by).
type ModelEntry struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Created   int64  `json:"created"`
	OwnedBy   string `json:"owned_by"`
	State     string `json:"state,omitempty"`
}

// ModelList is the body of GET /models.
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// EngineCreateRequest is the body of POST /engines.
type EngineCreateRequest struct {
	ID             string         `json:"id"`
	Path           string         `json:"path"`
	LoadParams     map[string]any `json:"load_params,omitempty"`
	GPUID          int            `json:"gpu_id,omitempty"`
	LoadAtStartup  bool           `json:"load_at_startup,omitempty"`
}

func (r *EngineCreateRequest) Validate() error {
	if r.ID == "" {
		return errors.New("id must not be empty")
	}
	if r.Path == "" {
		return errors.New("path must not be empty")
	}
	return nil
}

// EngineStatusResponse is the body of GET /engines/{id}/status. Timestamps
// are additive fields original_source's model headers carry that the
// distilled spec's one-liner omits.
type EngineStatusResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Available     bool   `json:"available"`
	Message       string `json:"message,omitempty"`
	LastUsedAt    *int64 `json:"last_used_at,omitempty"`
	RegisteredAt  int64  `json:"registered_at"`
}

// RemoveEngineResponse is the body of DELETE /engines/{id}.
type RemoveEngineResponse struct {
	ID      string `json:"id"`
	Removed bool   `json:"removed"`
	Message string `json:"message,omitempty"`
}

// EngineListEntry is one row of GET /engines.
type EngineListEntry struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// EngineListResponse is the body of GET /engines.
type EngineListResponse struct {
	Engines []EngineListEntry `json:"engines"`
}

// SystemMetricsResponse reports process-level metrics alongside the
// per-engine CompletionMetrics snapshot, matching original_source's
// system_metrics_response_model.hpp.
type SystemMetricsResponse struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	NumGoroutines int     `json:"num_goroutines"`
	MemAllocBytes uint64  `json:"mem_alloc_bytes"`
	MemSysBytes   uint64  `json:"mem_sys_bytes"`
	NumEngines    int     `json:"num_engines"`
}

// CombinedMetricsResponse is the body of GET /metrics and GET /v1/metrics.
type CombinedMetricsResponse struct {
	System  SystemMetricsResponse     `json:"system"`
	Engines map[string]EngineMetrics  `json:"engines"`
}

// EngineMetrics is the per-engine snapshot returned by the Completion
// Metrics aggregator (spec §4.7/§3).
type EngineMetrics struct {
	TotalRequests      uint64  `json:"total_requests"`
	CompletedRequests  uint64  `json:"completed_requests"`
	FailedRequests     uint64  `json:"failed_requests"`
	InputTokensTotal   uint64  `json:"input_tokens_total"`
	OutputTokensTotal  uint64  `json:"output_tokens_total"`
	SumTurnaroundMs    uint64  `json:"sum_turnaround_ms"`
	SumTTFTMs          uint64  `json:"sum_ttft_ms"`
	SumOutputGenMs     uint64  `json:"sum_output_gen_ms"`
	LastUpdated        int64   `json:"last_updated"`
	SuccessRatePercent float64 `json:"success_rate_percent"`
	AvgTTFTMs          float64 `json:"avg_ttft_ms"`
	TPS                float64 `json:"tps"`
	OutputTPS          float64 `json:"output_tps"`
	RPS                float64 `json:"rps"`
}

// ErrorBody is the {"error": {...}} envelope shared by every non-2xx
// response, matching the OpenAI error shape used across the HTTP surface.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the message/type/param/code fields spec §7 requires.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// DownloadStatus is one entry of GET /downloads.
type DownloadStatus struct {
	URL         string  `json:"url"`
	LocalPath   string  `json:"local_path"`
	Downloaded  int64   `json:"downloaded"`
	Total       int64   `json:"total"`
	Percent     float64 `json:"percent"`
	Cancelled   bool    `json:"cancelled"`
}

// DownloadsResponse is the body of GET /downloads.
type DownloadsResponse struct {
	Downloads []DownloadStatus `json:"downloads"`
}

// CancelAllResponse is the body of POST /downloads/cancel-all.
type CancelAllResponse struct {
	Cancelled int `json:"cancelled"`
}
