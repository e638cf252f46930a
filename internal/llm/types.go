// Package llm provides text-generation backend implementations.
package llm

import (
	"time"
)

// Message represents a chat message in the conversation window.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	Timestamp  time.Time  `json:"timestamp,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id,omitempty"` // Provider-assigned, synthesized when absent
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the outcome of executing one tool call. Exactly one of
// Content and Err is meaningful. Tool results exist only within a single
// loop iteration; they are folded back into message history afterwards.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content,omitempty"`
	Err        string `json:"error,omitempty"`
}

// Usage reports token consumption for one generation.
// TotalTokens is always InputTokens + OutputTokens.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// FinishReason explains why a generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolUse   FinishReason = "tool_use"
	FinishMaxTokens FinishReason = "max_tokens"
)

// GenerationResult is the unified response from any backend. Wire format
// conversion happens at provider boundaries (ollama.go, anthropic.go,
// openai.go).
type GenerationResult struct {
	Content      string       `json:"content"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
	BackendID    string       `json:"backend_id"`
}

// Request is a provider-neutral generation request.
type Request struct {
	Messages     []Message
	SystemPrompt string
	Tools        []map[string]any // OpenAI-style function definitions
	MaxTokens    int
	Temperature  float64
}

// ChunkKind identifies the type of streaming chunk.
type ChunkKind int

const (
	// KindText is an incremental text fragment from the model.
	KindText ChunkKind = iota

	// KindToolCallStart fires when the model opens a tool call.
	KindToolCallStart

	// KindToolCallDelta carries partial tool-argument JSON in Text.
	KindToolCallDelta

	// KindToolCallEnd fires when a tool call's arguments are complete.
	KindToolCallEnd

	// KindToolResult fires when the agent loop finishes executing a tool.
	KindToolResult

	// KindDone signals the stream is complete. Result carries final metadata.
	KindDone

	// KindError terminates the stream with Err set.
	KindError
)

func (k ChunkKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindToolCallStart:
		return "tool_call_start"
	case KindToolCallDelta:
		return "tool_call_delta"
	case KindToolCallEnd:
		return "tool_call_end"
	case KindToolResult:
		return "tool_result"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Chunk is a single event in a streaming response. Consumers switch on
// Kind to determine which fields are set.
type Chunk struct {
	Kind ChunkKind

	// Text is set for KindText and KindToolCallDelta events.
	Text string

	// ToolCall is set for KindToolCallStart and KindToolCallEnd events.
	ToolCall *ToolCall

	// ToolResult is set for KindToolResult events.
	ToolResult *ToolResult

	// Result is set for KindDone events (final summary).
	Result *GenerationResult

	// Err is set for KindError events.
	Err error
}

// EstimateTokens is the generic fallback token estimate used when no
// backend-specific counter is available: four characters per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// countByRatio converts a character count to tokens using a per-backend
// characters-per-token ratio, rounding up.
func countByRatio(text string, charsPerToken float64) int {
	if len(text) == 0 {
		return 0
	}
	n := int(float64(len(text))/charsPerToken + 0.999)
	if n < 1 {
		n = 1
	}
	return n
}
