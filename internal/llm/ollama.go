package llm

import (
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

// Local models are rough on tokenizer variety; ~3.5 chars/token is a
// safe middle ground for the qwen/llama families.
const ollamaCharsPerToken = 3.5

// OllamaBackend adapts a local Ollama server. It is the zero-cost local
// tier: no credentials, reachable only when the daemon is running.
type OllamaBackend struct {
	id            string
	baseURL       string
	model         string
	contextWindow int
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewOllamaBackend creates an Ollama adapter bound to one model.
func NewOllamaBackend(id, baseURL, model string, contextWindow int, logger *slog.Logger) *OllamaBackend {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if contextWindow <= 0 {
		contextWindow = 8192
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaBackend{
		id:            id,
		baseURL:       baseURL,
		model:         model,
		contextWindow: contextWindow,
		logger:        logger.With("backend", id, "provider", "ollama"),
		// Large models with tools need time before first byte.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
	}
}

// Ollama wire types.

type ollamaChatRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *ollamaOptions   `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama returns object, not string
	} `json:"function"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model      string        `json:"model"`
	CreatedAt  string        `json:"created_at"`
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason,omitempty"`

	// Usage stats (when done=true)
	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

// ID returns the configured backend identifier.
func (b *OllamaBackend) ID() string { return b.id }

// ContextWindow returns the model's context size in tokens.
func (b *OllamaBackend) ContextWindow() int { return b.contextWindow }

// CountTokens estimates tokens with the local-model character ratio.
func (b *OllamaBackend) CountTokens(text string) int {
	return countByRatio(text, ollamaCharsPerToken)
}

// Generate sends a non-streaming chat request.
func (b *OllamaBackend) Generate(ctx context.Context, req *Request) (*GenerationResult, error) {
	body, err := b.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp ollamaChatResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, &BackendError{Backend: b.id, Op: "generate", Err: fmt.Errorf("decode response: %w", err)}
	}

	result := b.toResult(&resp)
	b.logger.Debug("response received",
		"model", resp.Model,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"tool_calls", len(result.ToolCalls),
	)
	return result, nil
}

// Stream sends a streaming chat request, emitting chunks as NDJSON
// arrives. Ollama delivers tool calls whole in the final message, so
// tool_call_start and tool_call_end fire back-to-back per call.
func (b *OllamaBackend) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	body, err := b.send(ctx, req, true)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer body.Close()

		var contentBuilder strings.Builder
		var final ollamaChatResponse
		decoder := json.NewDecoder(body)

		for {
			var chunk ollamaChatResponse
			if err := decoder.Decode(&chunk); err != nil {
				if err == io.EOF {
					break
				}
				out <- Chunk{Kind: KindError, Err: &BackendError{Backend: b.id, Op: "stream", Err: fmt.Errorf("decode stream chunk: %w", err)}}
				return
			}

			if chunk.Message.Content != "" {
				contentBuilder.WriteString(chunk.Message.Content)
				out <- Chunk{Kind: KindText, Text: chunk.Message.Content}
			}
			if len(chunk.Message.ToolCalls) > 0 {
				final.Message.ToolCalls = chunk.Message.ToolCalls
			}
			if chunk.Done {
				toolCalls := final.Message.ToolCalls
				final = chunk
				if len(chunk.Message.ToolCalls) == 0 {
					final.Message.ToolCalls = toolCalls
				}
				final.Message.Content = contentBuilder.String()
				break
			}
		}

		result := b.toResult(&final)
		for i := range result.ToolCalls {
			tc := result.ToolCalls[i]
			out <- Chunk{Kind: KindToolCallStart, ToolCall: &tc}
			out <- Chunk{Kind: KindToolCallEnd, ToolCall: &tc}
		}
		out <- Chunk{Kind: KindDone, Result: result}
	}()

	return out, nil
}

// send issues the chat request and returns the response body on 2xx.
func (b *OllamaBackend) send(ctx context.Context, req *Request, stream bool) (io.ReadCloser, error) {
	op := "generate"
	if stream {
		op = "stream"
	}

	wire := ollamaChatRequest{
		Model:    b.model,
		Messages: convertToOllama(req),
		Stream:   stream,
		Tools:    req.Tools,
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		wire.Options = &ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		}
	}

	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	b.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

// toResult converts an Ollama response to the unified form, salvaging
// text-format tool calls when the model ignored the native field.
func (b *OllamaBackend) toResult(resp *ollamaChatResponse) *GenerationResult {
	content := resp.Message.Content
	toolCalls := fromOllamaToolCalls(resp.Message.ToolCalls)

	if len(toolCalls) == 0 && content != "" {
		if parsed := parseTextToolCalls(content); len(parsed) > 0 {
			toolCalls = parsed
			content = "" // Content was a tool call in disguise
		}
	}

	finish := FinishStop
	switch {
	case len(toolCalls) > 0:
		finish = FinishToolUse
	case resp.DoneReason == "length":
		finish = FinishMaxTokens
	}

	usage := Usage{
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	return &GenerationResult{
		Content:      content,
		ToolCalls:    toolCalls,
		FinishReason: finish,
		Usage:        usage,
		BackendID:    b.id,
	}
}

// convertToOllama flattens the request into Ollama's message list. The
// system prompt leads; tool results become role "tool" messages.
func convertToOllama(req *Request) []ollamaMessage {
	var result []ollamaMessage
	if req.SystemPrompt != "" {
		result = append(result, ollamaMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Name
			otc.Function.Arguments = tc.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		result = append(result, om)
	}
	return result
}

func fromOllamaToolCalls(calls []ollamaToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	result := make([]ToolCall, len(calls))
	for i, c := range calls {
		result[i] = ToolCall{
			Name:      c.Function.Name,
			Arguments: c.Function.Arguments,
		}
	}
	return result
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Many local models output tool calls as JSON in the content rather than
// using the native tool_calls field. Handles common formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Tagged: <tool_call>...</tool_call>
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if strings.Contains(content, "<tool_call>") {
		start := strings.Index(content, "<tool_call>")
		end := strings.Index(content, "</tool_call>")
		if start != -1 && end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else if start != -1 {
			// No closing tag, take rest of content
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	// Try parsing as array of tool calls
	var calls []struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		result := make([]ToolCall, len(calls))
		for i, c := range calls {
			result[i] = ToolCall{Name: c.Name, Arguments: c.Arguments}
		}
		return result
	}

	// Try parsing as single tool call object
	var single struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return []ToolCall{{Name: single.Name, Arguments: single.Arguments}}
	}

	return nil
}

// IsAvailable probes the Ollama tags endpoint.
func (b *OllamaBackend) IsAvailable(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", b.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		b.logger.Debug("availability probe failed", "error", err)
		return false
	}
	httpkit.DrainAndClose(resp.Body, 4096)

	return resp.StatusCode == http.StatusOK
}

// ListModels returns the models the local daemon has pulled.
func (b *OllamaBackend) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", b.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(b.id, "probe", err)
	}
	defer resp.Body.Close()

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
