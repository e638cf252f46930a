package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kwall/drover/internal/httpkit"
)

// GPT-family tokenizers average roughly four characters per token.
const openaiCharsPerToken = 4.0

// OpenAIBackend adapts any OpenAI-compatible chat-completions API.
// Cloud tier.
type OpenAIBackend struct {
	id            string
	apiKey        string
	baseURL       string
	model         string
	contextWindow int
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewOpenAIBackend creates an adapter for an OpenAI-compatible endpoint.
func NewOpenAIBackend(id, apiKey, baseURL, model string, contextWindow int, logger *slog.Logger) *OpenAIBackend {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if contextWindow <= 0 {
		contextWindow = 128_000
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIBackend{
		id:            id,
		apiKey:        apiKey,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		model:         model,
		contextWindow: contextWindow,
		logger:        logger.With("backend", id, "provider", "openai"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// OpenAI wire types.

type openaiRequest struct {
	Model       string           `json:"model"`
	Messages    []openaiMessage  `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	Tools       []map[string]any `json:"tools,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"` // JSON string, unlike Ollama
	} `json:"function"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		Delta        openaiMessage `json:"delta"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ID returns the configured backend identifier.
func (b *OpenAIBackend) ID() string { return b.id }

// ContextWindow returns the model's context size in tokens.
func (b *OpenAIBackend) ContextWindow() int { return b.contextWindow }

// CountTokens estimates tokens with the GPT character ratio.
func (b *OpenAIBackend) CountTokens(text string) int {
	return countByRatio(text, openaiCharsPerToken)
}

// Generate sends a non-streaming chat-completions request.
func (b *OpenAIBackend) Generate(ctx context.Context, req *Request) (*GenerationResult, error) {
	body, err := b.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp openaiResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, &BackendError{Backend: b.id, Op: "generate", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return nil, &BackendError{Backend: b.id, Op: "generate", Err: fmt.Errorf("response has no choices")}
	}

	choice := resp.Choices[0]
	result := &GenerationResult{
		Content:      choice.Message.Content,
		ToolCalls:    fromOpenAIToolCalls(choice.Message.ToolCalls),
		FinishReason: openaiFinishReason(choice.FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		},
		BackendID: b.id,
	}

	b.logger.Debug("response received",
		"model", resp.Model,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"tool_calls", len(result.ToolCalls),
	)
	return result, nil
}

// Stream sends a streaming request and converts SSE deltas to chunks.
// Tool-call arguments arrive as partial JSON strings accumulated by
// choice index.
func (b *OpenAIBackend) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	body, err := b.send(ctx, req, true)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var (
			contentBuilder strings.Builder
			finishReason   string
			usage          Usage
			// In-progress tool calls keyed by stream index.
			pending     = map[int]*ToolCall{}
			pendingJSON = map[int]*strings.Builder{}
			order       []int
		)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			if data == "[DONE]" {
				break
			}

			var event openaiResponse
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue // Skip malformed events
			}
			if event.Usage.TotalTokens > 0 {
				usage = Usage{
					InputTokens:  event.Usage.PromptTokens,
					OutputTokens: event.Usage.CompletionTokens,
					TotalTokens:  event.Usage.PromptTokens + event.Usage.CompletionTokens,
				}
			}
			if len(event.Choices) == 0 {
				continue
			}

			choice := event.Choices[0]
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
			if choice.Delta.Content != "" {
				contentBuilder.WriteString(choice.Delta.Content)
				out <- Chunk{Kind: KindText, Text: choice.Delta.Content}
			}

			for _, tc := range choice.Delta.ToolCalls {
				p, ok := pending[tc.Index]
				if !ok {
					p = &ToolCall{ID: tc.ID, Name: tc.Function.Name}
					pending[tc.Index] = p
					pendingJSON[tc.Index] = &strings.Builder{}
					order = append(order, tc.Index)
					out <- Chunk{Kind: KindToolCallStart, ToolCall: &ToolCall{ID: p.ID, Name: p.Name}}
				}
				if tc.Function.Name != "" && p.Name == "" {
					p.Name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					pendingJSON[tc.Index].WriteString(tc.Function.Arguments)
					out <- Chunk{Kind: KindToolCallDelta, Text: tc.Function.Arguments}
				}
			}
		}

		if err := scanner.Err(); err != nil {
			out <- Chunk{Kind: KindError, Err: &BackendError{Backend: b.id, Op: "stream", Err: fmt.Errorf("read stream: %w", err)}}
			return
		}

		var toolCalls []ToolCall
		for _, idx := range order {
			p := pending[idx]
			p.Arguments = parseToolArgs(pendingJSON[idx].String())
			toolCalls = append(toolCalls, *p)
			out <- Chunk{Kind: KindToolCallEnd, ToolCall: p}
		}

		finish := openaiFinishReason(finishReason)
		if finish == FinishStop && len(toolCalls) > 0 {
			finish = FinishToolUse
		}

		out <- Chunk{Kind: KindDone, Result: &GenerationResult{
			Content:      contentBuilder.String(),
			ToolCalls:    toolCalls,
			FinishReason: finish,
			Usage:        usage,
			BackendID:    b.id,
		}}
	}()

	return out, nil
}

// IsAvailable probes the models endpoint.
func (b *OpenAIBackend) IsAvailable(ctx context.Context) bool {
	if b.apiKey == "" {
		return false
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", b.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		b.logger.Debug("availability probe failed", "error", err)
		return false
	}
	httpkit.DrainAndClose(resp.Body, 4096)

	return resp.StatusCode == http.StatusOK
}

func (b *OpenAIBackend) send(ctx context.Context, req *Request, stream bool) (io.ReadCloser, error) {
	op := "generate"
	if stream {
		op = "stream"
	}

	wire := openaiRequest{
		Model:       b.model,
		Messages:    convertToOpenAI(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
		Tools:       req.Tools,
	}

	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	b.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(b.id, op, err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		b.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, httpError(b.id, op, resp.StatusCode, errBody, resp.Header.Get("Retry-After"))
	}

	return resp.Body, nil
}

// convertToOpenAI flattens the request into the chat-completions
// message list. The system prompt leads; tool results carry their
// originating call ID.
func convertToOpenAI(req *Request) []openaiMessage {
	var result []openaiMessage
	if req.SystemPrompt != "" {
		result = append(result, openaiMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		om := openaiMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			otc := openaiToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = string(args)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		result = append(result, om)
	}
	return result
}

func fromOpenAIToolCalls(calls []openaiToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	result := make([]ToolCall, len(calls))
	for i, c := range calls {
		result[i] = ToolCall{
			ID:        c.ID,
			Name:      c.Function.Name,
			Arguments: parseToolArgs(c.Function.Arguments),
		}
	}
	return result
}

func openaiFinishReason(reason string) FinishReason {
	switch reason {
	case "tool_calls", "function_call":
		return FinishToolUse
	case "length":
		return FinishMaxTokens
	default:
		return FinishStop
	}
}
