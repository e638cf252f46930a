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

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"

	// Claude tokenizers average a bit under four characters per token
	// on English prose.
	anthropicCharsPerToken = 3.8
)

// AnthropicBackend adapts the Anthropic Messages API. Cloud tier.
type AnthropicBackend struct {
	id            string
	apiKey        string
	baseURL       string // override for tests; defaults to the public API
	model         string
	contextWindow int
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewAnthropicBackend creates an Anthropic adapter bound to one model.
func NewAnthropicBackend(id, apiKey, model string, contextWindow int, logger *slog.Logger) *AnthropicBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if contextWindow <= 0 {
		contextWindow = 200_000
	}
	// Responses can take significant time before headers arrive
	// (thinking, long prompts). Use a generous response header timeout
	// and no global timeout. Streaming responses are long-lived.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicBackend{
		id:            id,
		apiKey:        apiKey,
		baseURL:       anthropicAPIURL,
		model:         model,
		contextWindow: contextWindow,
		logger:        logger.With("backend", id, "provider", "anthropic"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Anthropic wire types.

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"` // for tool_result
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// SSE event types for streaming.
type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// ID returns the configured backend identifier.
func (b *AnthropicBackend) ID() string { return b.id }

// ContextWindow returns the model's context size in tokens.
func (b *AnthropicBackend) ContextWindow() int { return b.contextWindow }

// CountTokens estimates tokens with the Claude character ratio.
func (b *AnthropicBackend) CountTokens(text string) int {
	return countByRatio(text, anthropicCharsPerToken)
}

// Generate sends a non-streaming request.
func (b *AnthropicBackend) Generate(ctx context.Context, req *Request) (*GenerationResult, error) {
	body, err := b.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp anthropicResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, &BackendError{Backend: b.id, Op: "generate", Err: fmt.Errorf("decode response: %w", err)}
	}

	result := b.fromAnthropic(&resp)
	b.logger.Debug("response received",
		"model", resp.Model,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"tool_calls", len(result.ToolCalls),
	)
	b.logger.Log(ctx, LevelTrace, "response content", "content", result.Content)
	return result, nil
}

// Stream sends a streaming request and converts SSE events to chunks.
func (b *AnthropicBackend) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	body, err := b.send(ctx, req, true)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		// Increase scanner buffer for large responses
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var (
			contentBuilder strings.Builder
			toolCalls      []ToolCall
			currentTool    *anthropicContent // in-progress tool_use block
			toolJSONBuf    strings.Builder
			stopReason     string
			usage          anthropicUsage
			model          string
		)

		for scanner.Scan() {
			line := scanner.Text()

			// SSE format: "event: <type>" followed by "data: <json>"
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			if data == "[DONE]" {
				break
			}

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue // Skip malformed events
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					model = event.Message.Model
					usage = event.Message.Usage
				}

			case "content_block_start":
				if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
					currentTool = event.ContentBlock
					toolJSONBuf.Reset()
					out <- Chunk{Kind: KindToolCallStart, ToolCall: &ToolCall{
						ID:   event.ContentBlock.ID,
						Name: event.ContentBlock.Name,
					}}
				}

			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				switch event.Delta.Type {
				case "text_delta":
					contentBuilder.WriteString(event.Delta.Text)
					out <- Chunk{Kind: KindText, Text: event.Delta.Text}
				case "input_json_delta":
					toolJSONBuf.WriteString(event.Delta.PartialJSON)
					out <- Chunk{Kind: KindToolCallDelta, Text: event.Delta.PartialJSON}
				}

			case "content_block_stop":
				if currentTool != nil {
					tc := ToolCall{
						ID:        currentTool.ID,
						Name:      currentTool.Name,
						Arguments: parseToolArgs(toolJSONBuf.String()),
					}
					toolCalls = append(toolCalls, tc)
					out <- Chunk{Kind: KindToolCallEnd, ToolCall: &tc}
					currentTool = nil
				}

			case "message_delta":
				if event.Delta != nil {
					stopReason = event.Delta.StopReason
				}
				if event.Usage != nil {
					usage.OutputTokens = event.Usage.OutputTokens
				}
			}
		}

		if err := scanner.Err(); err != nil {
			out <- Chunk{Kind: KindError, Err: &BackendError{Backend: b.id, Op: "stream", Err: fmt.Errorf("read stream: %w", err)}}
			return
		}

		result := &GenerationResult{
			Content:      contentBuilder.String(),
			ToolCalls:    toolCalls,
			FinishReason: anthropicFinishReason(stopReason, toolCalls),
			Usage: Usage{
				InputTokens:  usage.InputTokens,
				OutputTokens: usage.OutputTokens,
				TotalTokens:  usage.InputTokens + usage.OutputTokens,
			},
			BackendID: b.id,
		}
		b.logger.Debug("stream complete",
			"model", model,
			"input_tokens", result.Usage.InputTokens,
			"output_tokens", result.Usage.OutputTokens,
			"content_len", len(result.Content),
			"tool_calls", len(result.ToolCalls),
		)
		out <- Chunk{Kind: KindDone, Result: result}
	}()

	return out, nil
}

// IsAvailable sends a minimal one-token request to verify the API key.
// Anthropic has no dedicated health endpoint.
func (b *AnthropicBackend) IsAvailable(ctx context.Context) bool {
	if b.apiKey == "" {
		return false
	}

	wire := anthropicRequest{
		Model:     b.model,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}
	jsonData, err := json.Marshal(wire)
	if err != nil {
		return false
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", b.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return false
	}
	b.setHeaders(httpReq)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		b.logger.Debug("availability probe failed", "error", err)
		return false
	}
	httpkit.DrainAndClose(resp.Body, 4096)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (b *AnthropicBackend) send(ctx context.Context, req *Request, stream bool) (io.ReadCloser, error) {
	op := "generate"
	if stream {
		op = "stream"
	}

	msgs, system := convertToAnthropic(req.Messages)
	if req.SystemPrompt != "" {
		if system != "" {
			system = req.SystemPrompt + "\n\n" + system
		} else {
			system = req.SystemPrompt
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	wire := anthropicRequest{
		Model:       b.model,
		Messages:    msgs,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
		Tools:       convertToolsToAnthropic(req.Tools),
	}

	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	b.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", b.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	b.setHeaders(httpReq)

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

func (b *AnthropicBackend) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", b.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
}

// fromAnthropic converts a full response to the unified form.
func (b *AnthropicBackend) fromAnthropic(resp *anthropicResponse) *GenerationResult {
	var content strings.Builder
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args, ok := block.Input.(map[string]any)
			if !ok {
				args = map[string]any{}
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}

	return &GenerationResult{
		Content:      content.String(),
		ToolCalls:    toolCalls,
		FinishReason: anthropicFinishReason(resp.StopReason, toolCalls),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		BackendID: b.id,
	}
}

func anthropicFinishReason(stopReason string, toolCalls []ToolCall) FinishReason {
	switch stopReason {
	case "tool_use":
		return FinishToolUse
	case "max_tokens":
		return FinishMaxTokens
	case "end_turn", "stop_sequence", "":
		if len(toolCalls) > 0 {
			return FinishToolUse
		}
		return FinishStop
	default:
		return FinishStop
	}
}

func parseToolArgs(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

// convertToAnthropic converts internal messages to Anthropic format.
// System messages are extracted into a separate system prompt.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.Content)

		case "assistant":
			if len(msg.ToolCalls) > 0 {
				// Assistant message with tool calls → content blocks
				var blocks []anthropicContent
				if msg.Content != "" {
					blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
				}
				for _, tc := range msg.ToolCalls {
					args := tc.Arguments
					if args == nil {
						args = map[string]any{}
					}
					blocks = append(blocks, anthropicContent{
						Type:  "tool_use",
						ID:    tc.ID,
						Name:  tc.Name,
						Input: args,
					})
				}
				result = append(result, anthropicMessage{Role: "assistant", Content: blocks})
			} else {
				result = append(result, anthropicMessage{Role: "assistant", Content: msg.Content})
			}

		case "tool":
			// Tool responses → tool_result content blocks
			result = append(result, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		case "user":
			result = append(result, anthropicMessage{Role: "user", Content: msg.Content})
		}
	}

	return result, strings.Join(systemParts, "\n\n")
}

// convertToolsToAnthropic converts OpenAI-format tool definitions to
// Anthropic format.
func convertToolsToAnthropic(tools []map[string]any) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}

	var result []anthropicTool
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}

		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params := fn["parameters"]
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		result = append(result, anthropicTool{
			Name:        name,
			Description: desc,
			InputSchema: params,
		})
	}
	return result
}
