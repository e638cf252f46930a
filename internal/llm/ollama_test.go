package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantCount int
		wantName  string // first tool name if wantCount > 0
	}{
		{name: "empty content", content: "", wantCount: 0},
		{name: "plain text", content: "The answer is 4.", wantCount: 0},
		{
			name:      "single object",
			content:   `{"name": "read_file", "arguments": {"path": "notes.txt"}}`,
			wantCount: 1,
			wantName:  "read_file",
		},
		{
			name:      "array",
			content:   `[{"name": "read_file", "arguments": {}}, {"name": "list_dir", "arguments": {}}]`,
			wantCount: 2,
			wantName:  "read_file",
		},
		{
			name:      "tagged",
			content:   `<tool_call>{"name": "fetch_url", "arguments": {"url": "https://example.com"}}</tool_call>`,
			wantCount: 1,
			wantName:  "fetch_url",
		},
		{
			name:      "tagged without closing tag",
			content:   `<tool_call>{"name": "fetch_url", "arguments": {}}`,
			wantCount: 1,
			wantName:  "fetch_url",
		},
		{name: "malformed JSON", content: `{"name": "read_file", "arguments": {`, wantCount: 0},
		{name: "missing name", content: `{"foo": "bar", "arguments": {}}`, wantCount: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content)
			if len(got) != tt.wantCount {
				t.Fatalf("got %d calls, want %d", len(got), tt.wantCount)
			}
			if tt.wantCount > 0 && got[0].Name != tt.wantName {
				t.Errorf("first name = %q, want %q", got[0].Name, tt.wantName)
			}
		})
	}
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("Generate must not request streaming")
		}
		if req.Messages[0].Role != "system" {
			t.Errorf("first message role = %q, want system", req.Messages[0].Role)
		}

		json.NewEncoder(w).Encode(ollamaChatResponse{
			Model:           "qwen3:4b",
			Message:         ollamaMessage{Role: "assistant", Content: "4"},
			Done:            true,
			DoneReason:      "stop",
			PromptEvalCount: 30,
			EvalCount:       5,
		})
	}))
	defer srv.Close()

	b := NewOllamaBackend("ollama-local", srv.URL, "qwen3:4b", 8192, nil)
	result, err := b.Generate(context.Background(), &Request{
		SystemPrompt: "You are helpful.",
		Messages:     []Message{{Role: "user", Content: "What's 2+2?"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if result.Content != "4" {
		t.Errorf("content = %q", result.Content)
	}
	if result.FinishReason != FinishStop {
		t.Errorf("finish = %q, want stop", result.FinishReason)
	}
	if result.Usage.TotalTokens != 35 {
		t.Errorf("total tokens = %d, want 35", result.Usage.TotalTokens)
	}
	if result.BackendID != "ollama-local" {
		t.Errorf("backend = %q", result.BackendID)
	}
}

func TestOllamaGenerateSalvagesTextToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaMessage{
				Role:    "assistant",
				Content: `{"name": "read_file", "arguments": {"path": "a.txt"}}`,
			},
			Done: true,
		})
	}))
	defer srv.Close()

	b := NewOllamaBackend("ollama-local", srv.URL, "qwen3:4b", 0, nil)
	result, err := b.Generate(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "read a.txt"}}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Name != "read_file" {
		t.Fatalf("tool calls = %+v", result.ToolCalls)
	}
	if result.Content != "" {
		t.Errorf("content should be cleared after salvage, got %q", result.Content)
	}
	if result.FinishReason != FinishToolUse {
		t.Errorf("finish = %q, want tool_use", result.FinishReason)
	}
}

func TestOllamaStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunks := []ollamaChatResponse{
			{Message: ollamaMessage{Role: "assistant", Content: "Hel"}},
			{Message: ollamaMessage{Role: "assistant", Content: "lo"}},
			{Done: true, DoneReason: "stop", PromptEvalCount: 10, EvalCount: 2},
		}
		enc := json.NewEncoder(w)
		for _, c := range chunks {
			enc.Encode(c)
		}
	}))
	defer srv.Close()

	b := NewOllamaBackend("ollama-local", srv.URL, "qwen3:4b", 0, nil)
	stream, err := b.Stream(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var text string
	var done *GenerationResult
	for chunk := range stream {
		switch chunk.Kind {
		case KindText:
			text += chunk.Text
		case KindDone:
			done = chunk.Result
		case KindError:
			t.Fatalf("stream error: %v", chunk.Err)
		}
	}

	if text != "Hello" {
		t.Errorf("streamed text = %q", text)
	}
	if done == nil {
		t.Fatal("no done chunk")
	}
	if done.Content != "Hello" {
		t.Errorf("final content = %q", done.Content)
	}
	if done.Usage.TotalTokens != 12 {
		t.Errorf("total tokens = %d, want 12", done.Usage.TotalTokens)
	}
}

func TestOllamaIsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"models": []}`)
	}))
	defer srv.Close()

	b := NewOllamaBackend("ollama-local", srv.URL, "qwen3:4b", 0, nil)
	if !b.IsAvailable(context.Background()) {
		t.Error("expected available")
	}

	srv.Close()
	if b.IsAvailable(context.Background()) {
		t.Error("expected unavailable after server close")
	}
}

func TestOllamaGenerateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewOllamaBackend("ollama-local", srv.URL, "qwen3:4b", 0, nil)
	_, err := b.Generate(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !Retryable(err) {
		t.Errorf("5xx should map to a retryable error, got %T", err)
	}
}
