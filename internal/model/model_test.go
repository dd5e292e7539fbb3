package model_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/kolosalai/kolosal-gateway/internal/model"
)

func TestCompletionRequest_PromptStringRoundTrip(t *testing.T) {
	in := []byte(`{"model":"m1","prompt":"hello world"}`)

	var req model.CompletionRequest
	if err := json.Unmarshal(in, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := req.Prompts(); len(got) != 1 || got[0] != "hello world" {
		t.Fatalf("Prompts() = %v, want [hello world]", got)
	}

	out, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var roundTripped map[string]any
	if err := json.Unmarshal(out, &roundTripped); err != nil {
		t.Fatalf("unmarshal round-tripped: %v", err)
	}
	if roundTripped["prompt"] != "hello world" {
		t.Errorf("round-tripped prompt = %v, want %q", roundTripped["prompt"], "hello world")
	}
}

func TestCompletionRequest_PromptArrayRoundTrip(t *testing.T) {
	in := []byte(`{"model":"m1","prompt":["foo","bar"]}`)

	var req model.CompletionRequest
	if err := json.Unmarshal(in, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := req.Prompts(); len(got) != 2 || got[0] != "foo" || got[1] != "bar" {
		t.Fatalf("Prompts() = %v, want [foo bar]", got)
	}

	out, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var roundTripped struct {
		Prompt []string `json:"prompt"`
	}
	if err := json.Unmarshal(out, &roundTripped); err != nil {
		t.Fatalf("unmarshal round-tripped: %v", err)
	}
	if len(roundTripped.Prompt) != 2 || roundTripped.Prompt[0] != "foo" || roundTripped.Prompt[1] != "bar" {
		t.Errorf("round-tripped prompt = %v, want [foo bar]", roundTripped.Prompt)
	}
}

func TestCompletionRequest_PromptInvalidJSON(t *testing.T) {
	in := []byte(`{"model":"m1","prompt":42}`)
	var req model.CompletionRequest
	if err := json.Unmarshal(in, &req); err == nil {
		t.Fatal("expected error unmarshaling numeric prompt, got nil")
	}
}

func TestCompletionRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid string prompt", `{"model":"m1","prompt":"hi"}`, false},
		{"valid array prompt", `{"model":"m1","prompt":["hi","there"]}`, false},
		{"empty string prompt", `{"model":"m1","prompt":""}`, true},
		{"empty array prompt", `{"model":"m1","prompt":[]}`, true},
		{"missing model", `{"prompt":"hi"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req model.CompletionRequest
			if err := json.Unmarshal([]byte(tt.body), &req); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			err := req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChatCompletionRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     model.ChatCompletionRequest
		wantErr bool
	}{
		{
			name: "valid",
			req: model.ChatCompletionRequest{
				Model:    "m1",
				Messages: []model.Message{{Role: "user", Content: "hi"}},
			},
			wantErr: false,
		},
		{
			name:    "empty messages",
			req:     model.ChatCompletionRequest{Model: "m1", Messages: nil},
			wantErr: true,
		},
		{
			name: "empty role",
			req: model.ChatCompletionRequest{
				Model:    "m1",
				Messages: []model.Message{{Role: "", Content: "hi"}},
			},
			wantErr: true,
		},
		{
			name:    "empty model",
			req:     model.ChatCompletionRequest{Messages: []model.Message{{Role: "user", Content: "hi"}}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChatCompletionRequest_DTORoundTrip(t *testing.T) {
	temp := 0.7
	maxTokens := 128
	original := model.ChatCompletionRequest{
		Model:       "m1",
		Messages:    []model.Message{{Role: "user", Content: "hello"}},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		Stream:      true,
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded model.ChatCompletionRequest
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	reEncoded, err := json.Marshal(decoded)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}

	var a, b map[string]any
	_ = json.Unmarshal(data, &a)
	_ = json.Unmarshal(reEncoded, &b)

	if len(a) != len(b) {
		t.Fatalf("round-trip field count mismatch: %v vs %v", a, b)
	}
	for k, v := range a {
		if !reflect.DeepEqual(b[k], v) {
			t.Errorf("round-trip field %q = %v, want %v", k, b[k], v)
		}
	}
}
