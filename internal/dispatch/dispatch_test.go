package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/kolosalai/kolosal-gateway/internal/engine"
	"github.com/kolosalai/kolosal-gateway/internal/engine/mockengine"
	"github.com/kolosalai/kolosal-gateway/internal/metrics"
	"github.com/kolosalai/kolosal-gateway/internal/model"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func newTestDispatcher(t *testing.T, tokens []string) *Dispatcher {
	t.Helper()
	reg := engine.NewRegistry(mockengine.New(mockengine.Config{Tokens: tokens}), 0)
	if err := reg.Register("m1", "/models/m1.gguf", nil, 0); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return New(reg, metrics.New(), nil, 30*time.Second)
}

// serveDispatcher starts d's two handlers on an in-memory fasthttp listener,
// grounded on the in-memory-listener HTTP test-serving pattern.
func serveDispatcher(t *testing.T, d *Dispatcher) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	handler := func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/v1/chat/completions":
			d.HandleChatCompletions(ctx)
		case "/v1/completions":
			d.HandleCompletions(ctx)
		default:
			ctx.SetStatusCode(404)
		}
	}

	go func() { _ = fasthttp.Serve(ln, handler) }()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return client, func() { ln.Close() }
}

func doPost(t *testing.T, client *http.Client, path string, body []byte) *http.Response {
	t.Helper()
	resp, err := client.Post("http://test"+path, "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHandleChatCompletions_NonStreaming(t *testing.T) {
	d := newTestDispatcher(t, []string{"Hi", " there"})
	client, cleanup := serveDispatcher(t, d)
	defer cleanup()

	body, _ := json.Marshal(model.ChatCompletionRequest{
		Model:    "m1",
		Messages: []model.Message{{Role: "user", Content: "hello"}},
	})
	resp := doPost(t, client, "/v1/chat/completions", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 200; body=%s", resp.StatusCode, data)
	}

	var out model.ChunkEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message == nil {
		t.Fatalf("expected one choice with a message, got %+v", out.Choices)
	}
	if got := out.Choices[0].Message.Content; got != "Hi there" {
		t.Errorf("content = %q, want %q", got, "Hi there")
	}
	if *out.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", *out.Choices[0].FinishReason)
	}
}

func TestHandleChatCompletions_UnknownModel(t *testing.T) {
	d := newTestDispatcher(t, nil)
	client, cleanup := serveDispatcher(t, d)
	defer cleanup()

	body, _ := json.Marshal(model.ChatCompletionRequest{
		Model:    "does-not-exist",
		Messages: []model.Message{{Role: "user", Content: "hi"}},
	})
	resp := doPost(t, client, "/v1/chat/completions", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleChatCompletions_InvalidBody(t *testing.T) {
	d := newTestDispatcher(t, nil)
	client, cleanup := serveDispatcher(t, d)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions", []byte(`{"model":`))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleChatCompletions_Streaming_EmitsDoneTerminator(t *testing.T) {
	d := newTestDispatcher(t, []string{"Hi", " there"})
	client, cleanup := serveDispatcher(t, d)
	defer cleanup()

	body, _ := json.Marshal(model.ChatCompletionRequest{
		Model:    "m1",
		Messages: []model.Message{{Role: "user", Content: "hello"}},
		Stream:   true,
	})
	resp := doPost(t, client, "/v1/chat/completions", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 200; body=%s", resp.StatusCode, data)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		}
	}

	if len(dataLines) != 4 {
		t.Fatalf("data line count = %d, want 4 (2 content + 1 stop + DONE); lines=%v", len(dataLines), dataLines)
	}
	if last := dataLines[len(dataLines)-1]; last != "[DONE]" {
		t.Errorf("last data line = %q, want [DONE]", last)
	}

	var chunks []model.ChunkEnvelope
	for _, line := range dataLines[:3] {
		var c model.ChunkEnvelope
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			t.Fatalf("decode chunk %q: %v", line, err)
		}
		chunks = append(chunks, c)
	}

	for i, want := range []string{"Hi", " there"} {
		if got := chunks[i].Choices[0].Delta.Content; got != want {
			t.Errorf("chunk %d content = %q, want %q", i, got, want)
		}
		if chunks[i].Choices[0].FinishReason != nil {
			t.Errorf("chunk %d finish_reason = %v, want nil", i, *chunks[i].Choices[0].FinishReason)
		}
	}

	term := chunks[2]
	if got := term.Choices[0].Delta.Content; got != "" {
		t.Errorf("terminal chunk content = %q, want empty", got)
	}
	if term.Choices[0].FinishReason == nil || *term.Choices[0].FinishReason != "stop" {
		t.Errorf("terminal chunk finish_reason = %v, want stop", term.Choices[0].FinishReason)
	}
}

func TestHandleCompletions_NonStreaming(t *testing.T) {
	d := newTestDispatcher(t, []string{"ok"})
	client, cleanup := serveDispatcher(t, d)
	defer cleanup()

	body, _ := json.Marshal(map[string]any{
		"model":  "m1",
		"prompt": "say ok",
	})
	resp := doPost(t, client, "/v1/completions", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 200; body=%s", resp.StatusCode, data)
	}
}

func TestGenID_LengthAndPrefix(t *testing.T) {
	id := genID("chatcmpl-")
	if !strings.HasPrefix(id, "chatcmpl-") {
		t.Errorf("id %q missing prefix", id)
	}
	if len(id) != len("chatcmpl-")+24 {
		t.Errorf("id length = %d, want %d", len(id), len("chatcmpl-")+24)
	}
}
