// Package dispatch implements the Streaming Completion Dispatcher of spec
// §4.5: decode a request, reserve an engine via the Node Manager, drive
// token generation, and emit either a single JSON response or a Server-Sent
// Events stream — updating Completion Metrics at every stage.
package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kolosalai/kolosal-gateway/internal/engine"
	"github.com/kolosalai/kolosal-gateway/internal/logger"
	"github.com/kolosalai/kolosal-gateway/internal/metrics"
	"github.com/kolosalai/kolosal-gateway/internal/model"
	"github.com/kolosalai/kolosal-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// Dispatcher holds the collaborators a completion request passes through:
// the Node Manager for engine reservation and the Completion Metrics
// aggregator. Neither owns the other — both are handed to the Dispatcher by
// the app wiring layer, per Design Notes' cyclic-reference guidance.
type Dispatcher struct {
	Registry       *engine.Registry
	Metrics        *metrics.Aggregator
	RequestLogger  *logger.Logger
	RequestTimeout time.Duration
}

// New constructs a Dispatcher. RequestLogger may be nil — audit logging is
// best-effort.
func New(reg *engine.Registry, agg *metrics.Aggregator, reqLogger *logger.Logger, requestTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		Registry:       reg,
		Metrics:        agg,
		RequestLogger:  reqLogger,
		RequestTimeout: requestTimeout,
	}
}

// HandleChatCompletions serves POST /v1/chat/completions.
func (d *Dispatcher) HandleChatCompletions(ctx *fasthttp.RequestCtx) {
	var req model.ChatCompletionRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}

	prompt := flattenMessages(req.Messages)
	maxTokens := intOr(req.MaxTokens, 0)
	temperature := floatOr(req.Temperature, 1.0)
	topP := floatOr(req.TopP, 1.0)
	seed := intOr(req.Seed, 0)

	d.run(ctx, req.Model, prompt, maxTokens, temperature, topP, seed, req.Stream, "chatcmpl-", "chat.completion", "chat.completion.chunk",
		func(delta string, finishReason *string) model.Choice {
			return model.Choice{
				Index:        0,
				Delta:        &model.Delta{Content: delta},
				FinishReason: finishReason,
			}
		},
		func(full string, finishReason *string) model.Choice {
			return model.Choice{
				Index:        0,
				Message:      &model.Message{Role: "assistant", Content: full},
				FinishReason: finishReason,
			}
		},
	)
}

// HandleCompletions serves POST /v1/completions.
func (d *Dispatcher) HandleCompletions(ctx *fasthttp.RequestCtx) {
	var req model.CompletionRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}

	prompts := req.Prompts()
	prompt := strings.Join(prompts, "\n")
	maxTokens := intOr(req.MaxTokens, 0)
	temperature := floatOr(req.Temperature, 1.0)
	topP := floatOr(req.TopP, 1.0)
	seed := intOr(req.Seed, 0)

	d.run(ctx, req.Model, prompt, maxTokens, temperature, topP, seed, req.Stream, "cmpl-", "text_completion", "text_completion.chunk",
		func(delta string, finishReason *string) model.Choice {
			return model.Choice{Index: 0, Text: delta, FinishReason: finishReason}
		},
		func(full string, finishReason *string) model.Choice {
			return model.Choice{Index: 0, Text: full, FinishReason: finishReason}
		},
	)
}

// choiceBuilder shapes one streamed delta or the terminal full-text choice,
// letting run() stay agnostic to chat vs. completion envelope differences.
type choiceBuilder func(text string, finishReason *string) model.Choice

func (d *Dispatcher) run(
	ctx *fasthttp.RequestCtx,
	modelID, prompt string,
	maxTokens int,
	temperature, topP float64,
	seed int,
	stream bool,
	idPrefix, object, chunkObject string,
	deltaChoice, fullChoice choiceBuilder,
) {
	reqCtx := context.Background()
	if !stream && d.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(reqCtx, d.RequestTimeout)
		defer cancel()
	}

	tStart := time.Now()
	if d.Metrics != nil {
		d.Metrics.RecordStart(modelID)
	}

	genReq := engine.GenerateRequest{
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
		Seed:        seed,
	}

	id := genID(idPrefix)
	created := time.Now().Unix()

	if !stream {
		d.runNonStreaming(ctx, reqCtx, modelID, genReq, id, object, tStart, created, fullChoice)
		return
	}

	// Reserve the engine before committing any response bytes, so a missing
	// model or load failure still yields 404/503 instead of a 200 stream
	// that immediately errors (spec §4.5 step 2 precedes step 5).
	// GetOrLoad only fails at the load stage, so this maps to EngineLoad
	// (503) rather than the pre-stream EngineRuntime 500.
	if _, err := d.Registry.GetOrLoad(reqCtx, modelID); err != nil {
		d.handleGenerateError(ctx, modelID, err, false)
		return
	}

	d.runStreaming(ctx, reqCtx, modelID, genReq, id, chunkObject, tStart, created, deltaChoice)
}

func (d *Dispatcher) runNonStreaming(
	ctx *fasthttp.RequestCtx,
	reqCtx context.Context,
	modelID string,
	genReq engine.GenerateRequest,
	id, object string,
	tStart time.Time,
	created int64,
	fullChoice choiceBuilder,
) {
	var sb strings.Builder
	var finishReason string
	cancel := engine.NewCancelFlag()

	sink := func(textDelta string, isFinal bool, reason string) {
		sb.WriteString(textDelta)
		if isFinal {
			finishReason = reason
		}
	}

	stats, err := d.Registry.Generate(reqCtx, modelID, genReq, sink, cancel)
	if err != nil {
		d.handleGenerateError(ctx, modelID, err, false)
		return
	}

	if finishReason == "" {
		finishReason = "stop"
	}
	fr := finishReason
	resp := model.ChunkEnvelope{
		ID:                id,
		Object:            object,
		Created:           created,
		Model:             modelID,
		SystemFingerprint: systemFingerprint,
		Choices:           []model.Choice{fullChoice(sb.String(), &fr)},
		Usage: &model.Usage{
			PromptTokens:     stats.InputTokens,
			CompletionTokens: stats.OutputTokens,
			TotalTokens:      stats.InputTokens + stats.OutputTokens,
		},
	}

	body, err := json.Marshal(resp)
	if err != nil {
		apierr.WriteInternal(ctx, "failed to serialize response")
		return
	}

	turnaround := time.Since(tStart)
	if d.Metrics != nil {
		d.Metrics.RecordCompletion(modelID, stats.InputTokens, stats.OutputTokens, turnaround, turnaround)
	}
	d.logRequest(modelID, stats.InputTokens, stats.OutputTokens, turnaround, fasthttp.StatusOK, false)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (d *Dispatcher) runStreaming(
	ctx *fasthttp.RequestCtx,
	reqCtx context.Context,
	modelID string,
	genReq engine.GenerateRequest,
	id, chunkObject string,
	tStart time.Time,
	created int64,
	deltaChoice choiceBuilder,
) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	cancel := engine.NewCancelFlag()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		var ttftRecorded bool
		var tFirstToken time.Time
		var outputTokens int
		var lastFinishReason string
		writeErr := false

		// Every content chunk carries finish_reason=null (spec §4.5 step 5);
		// the finish reason recorded here is only emitted in the separate
		// terminal chunk step 6 writes once generation finishes.
		sink := func(textDelta string, isFinal bool, finishReason string) {
			if writeErr {
				return
			}
			if !ttftRecorded {
				tFirstToken = time.Now()
				ttftRecorded = true
				if d.Metrics != nil {
					d.Metrics.RecordTTFT(modelID, tFirstToken.Sub(tStart))
				}
			}
			outputTokens++
			if isFinal {
				lastFinishReason = finishReason
			}

			chunk := model.ChunkEnvelope{
				ID:                id,
				Object:            chunkObject,
				Created:           created,
				Model:             modelID,
				SystemFingerprint: systemFingerprint,
				Choices:           []model.Choice{deltaChoice(textDelta, nil)},
			}
			data, err := json.Marshal(chunk)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				writeErr = true
				cancel.Cancel()
				return
			}
			if err := w.Flush(); err != nil {
				writeErr = true
				cancel.Cancel()
			}
		}

		stats, err := d.Registry.Generate(reqCtx, modelID, genReq, sink, cancel)

		if writeErr {
			if d.Metrics != nil {
				d.Metrics.RecordFailure(modelID)
			}
			d.logRequest(modelID, stats.InputTokens, outputTokens, time.Since(tStart), fasthttp.StatusOK, true)
			return
		}

		if err != nil {
			// Generation failed mid-stream: emit a terminal chunk with
			// finish_reason="error" rather than an HTTP error, since bytes
			// (headers at minimum) are already committed to the socket.
			reason := "error"
			chunk := model.ChunkEnvelope{
				ID:                id,
				Object:            chunkObject,
				Created:           created,
				Model:             modelID,
				SystemFingerprint: systemFingerprint,
				Choices:           []model.Choice{deltaChoice("", &reason)},
			}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush()
			fmt.Fprint(w, "data: [DONE]\n\n")
			w.Flush()
			if d.Metrics != nil {
				d.Metrics.RecordFailure(modelID)
			}
			return
		}

		// Terminal chunk (spec §4.5 step 6): empty content, finish_reason set.
		if lastFinishReason == "" {
			lastFinishReason = "stop"
		}
		termChunk := model.ChunkEnvelope{
			ID:                id,
			Object:            chunkObject,
			Created:           created,
			Model:             modelID,
			SystemFingerprint: systemFingerprint,
			Choices:           []model.Choice{deltaChoice("", &lastFinishReason)},
		}
		if data, err := json.Marshal(termChunk); err == nil {
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush()
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush()

		turnaround := time.Since(tStart)
		outputGen := turnaround
		if ttftRecorded {
			outputGen = time.Since(tFirstToken)
		}
		if d.Metrics != nil {
			d.Metrics.RecordCompletion(modelID, stats.InputTokens, stats.OutputTokens, turnaround, outputGen)
		}
		d.logRequest(modelID, stats.InputTokens, stats.OutputTokens, turnaround, fasthttp.StatusOK, true)
	})
}

func (d *Dispatcher) handleGenerateError(ctx *fasthttp.RequestCtx, modelID string, err error, streaming bool) {
	if d.Metrics != nil {
		d.Metrics.RecordFailure(modelID)
	}
	if errors.Is(err, engine.ErrNotFound) {
		apierr.WriteNotFound(ctx, fmt.Sprintf("model %q not found", modelID))
		return
	}
	if !streaming {
		apierr.WriteEngineLoad(ctx, err.Error())
		return
	}
	apierr.WriteEngineRuntimePreStream(ctx, err.Error())
}

func (d *Dispatcher) logRequest(modelID string, inputTokens, outputTokens int, latency time.Duration, status int, streamed bool) {
	if d.RequestLogger == nil {
		return
	}
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}
	d.RequestLogger.Log(logger.RequestLog{
		ID:           uuid.New(),
		Engine:       modelID,
		Model:        modelID,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Streamed:     streamed,
		CreatedAt:    time.Now(),
	})
}

// systemFingerprint is a fixed build marker, restored per model.ChunkEnvelope's
// doc comment from original_source's chunk models (dropped by the
// distillation's prose, not by its invariants).
const systemFingerprint = "kolosal_v1"

func flattenMessages(msgs []model.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	return sb.String()
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
