// Package agent runs the Thinking/Executing/Observing loop that turns a
// user message into a final answer, executing tools along the way.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kwall/drover/internal/approval"
	"github.com/kwall/drover/internal/history"
	"github.com/kwall/drover/internal/llm"
	"github.com/kwall/drover/internal/router"
	"github.com/kwall/drover/internal/tool"
)

// State names the loop's position for logging and stream consumers.
type State int

const (
	StateThinking State = iota
	StateExecuting
	StateObserving
	StateDone
)

func (s State) String() string {
	switch s {
	case StateThinking:
		return "thinking"
	case StateExecuting:
		return "executing"
	case StateObserving:
		return "observing"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// DefaultMaxIterations bounds the think/execute cycle per turn.
const DefaultMaxIterations = 10

// apologyMessage ends a turn that hit the iteration bound. This is the
// loop's only non-error terminal besides a clean stop.
const apologyMessage = "I wasn't able to finish this within the allowed number of steps. " +
	"Try breaking the request into smaller parts."

// Options tunes one loop instance.
type Options struct {
	MaxIterations int
	MaxTokens     int // response token cap per generation
	Temperature   float64
	Retry         llm.RetryPolicy
}

// TurnResult is the outcome of one full turn.
type TurnResult struct {
	Content      string           `json:"content"`
	FinishReason llm.FinishReason `json:"finish_reason"`
	Iterations   int              `json:"iterations"`
	Usage        llm.Usage        `json:"usage"`
	BackendID    string           `json:"backend_id"`
	Tier         router.Tier      `json:"tier"`
	Elapsed      time.Duration    `json:"elapsed"`
}

// Loop drives one session. A session is processed by exactly one loop
// instance; states never overlap within it. Separate sessions get
// separate loops and may run concurrently.
type Loop struct {
	history *history.Manager
	router  *router.TieredRouter
	tools   *tool.Registry
	gate    *approval.Gate
	opts    Options
	logger  *slog.Logger
}

// NewLoop assembles a loop over the session's collaborators.
func NewLoop(hist *history.Manager, rt *router.TieredRouter, tools *tool.Registry, gate *approval.Gate, opts Options, logger *slog.Logger) *Loop {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = llm.DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		history: hist,
		router:  rt,
		tools:   tools,
		gate:    gate,
		opts:    opts,
		logger:  logger.With("component", "agent"),
	}
}

// History exposes the session window for the host layer.
func (l *Loop) History() *history.Manager { return l.history }

// Gate exposes the approval gate so hosts can install a callback.
func (l *Loop) Gate() *approval.Gate { return l.gate }

// Run processes one user turn to completion.
func (l *Loop) Run(ctx context.Context, userInput string) (*TurnResult, error) {
	start := time.Now()
	l.history.Append(llm.Message{Role: "user", Content: userInput})

	turn := &TurnResult{}
	for iteration := 0; iteration < l.opts.MaxIterations; iteration++ {
		result, tier, err := l.think(ctx, userInput)
		if err != nil {
			return nil, err
		}

		turn.Iterations = iteration + 1
		turn.BackendID = result.BackendID
		turn.Tier = tier
		turn.Usage.InputTokens += result.Usage.InputTokens
		turn.Usage.OutputTokens += result.Usage.OutputTokens
		turn.Usage.TotalTokens += result.Usage.TotalTokens
		l.router.RecordTurn(tier, result.Usage.TotalTokens)

		if len(result.ToolCalls) == 0 {
			l.history.Append(llm.Message{Role: "assistant", Content: result.Content})
			turn.Content = result.Content
			turn.FinishReason = llm.FinishStop
			turn.Elapsed = time.Since(start)
			return turn, nil
		}

		results := l.execute(ctx, result.ToolCalls, nil)
		l.observe(result, results)
	}

	l.logger.Warn("iteration bound reached",
		"max_iterations", l.opts.MaxIterations,
		"usage_tokens", turn.Usage.TotalTokens,
	)
	l.history.Append(llm.Message{Role: "assistant", Content: apologyMessage})
	turn.Content = apologyMessage
	turn.FinishReason = llm.FinishMaxTokens
	turn.Elapsed = time.Since(start)
	return turn, nil
}

// think assembles the context, routes, and generates. Runtime backend
// failure advances the tier's fallback chain before surfacing.
func (l *Loop) think(ctx context.Context, userInput string) (*llm.GenerationResult, router.Tier, error) {
	toolDefs := l.tools.List()
	backend, decision, err := l.router.Route(ctx, userInput, len(toolDefs) > 0)
	if err != nil {
		return nil, "", err
	}
	l.history.SetCounter(backend.CountTokens)

	req := &llm.Request{
		Messages:     l.history.Optimized(),
		SystemPrompt: l.history.SystemPrompt(),
		Tools:        toolDefs,
		MaxTokens:    l.opts.MaxTokens,
		Temperature:  l.opts.Temperature,
	}

	for {
		result, err := llm.GenerateWithRetry(ctx, backend, req, l.opts.Retry, l.logger)
		if err == nil {
			return result, decision.Tier, nil
		}
		if !llm.Retryable(err) {
			return nil, "", err
		}

		l.logger.Warn("backend failed, advancing fallback chain",
			"backend", backend.ID(),
			"tier", decision.Tier,
			"error", err,
		)
		next, ferr := l.router.Fallback(ctx, decision.Tier)
		if ferr != nil {
			return nil, "", ferr
		}
		backend = next
		l.history.SetCounter(backend.CountTokens)
	}
}

// execute runs the requested tool calls strictly in order. A denial or
// failure is captured into that call's result; siblings still run.
// emit, when non-nil, receives each completed result for streaming.
func (l *Loop) execute(ctx context.Context, calls []llm.ToolCall, emit func(llm.ToolResult)) []llm.ToolResult {
	// Local models sometimes omit tool call ids. Assign them before
	// execution so the request and its result carry the same id when
	// the pair is folded into history and later converted to a
	// provider wire format.
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
	}

	results := make([]llm.ToolResult, 0, len(calls))
	for _, call := range calls {
		r := l.executeOne(ctx, call)
		results = append(results, r)
		if emit != nil {
			emit(r)
		}
	}
	return results
}

func (l *Loop) executeOne(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	res := llm.ToolResult{ToolCallID: call.ID, Name: call.Name}

	def, handler, err := l.tools.Get(call.Name)
	if err != nil {
		res.Err = err.Error()
		return res
	}

	if err := l.gate.Check(ctx, def, call.Arguments); err != nil {
		l.logger.Info("tool call blocked", "tool", call.Name, "error", err)
		res.Err = err.Error()
		return res
	}

	value, err := handler(ctx, call.Arguments)
	if err != nil {
		res.Err = fmt.Sprintf("tool %s failed: %v", call.Name, err)
		return res
	}
	res.Content = value
	return res
}

// observe folds the assistant's tool request and every result back into
// history before the next Thinking pass.
func (l *Loop) observe(result *llm.GenerationResult, results []llm.ToolResult) {
	names := make([]string, len(result.ToolCalls))
	for i, c := range result.ToolCalls {
		names[i] = c.Name
	}

	content := result.Content
	if content == "" {
		content = "Invoking tools: " + strings.Join(names, ", ")
	}
	l.history.Append(llm.Message{
		Role:      "assistant",
		Content:   content,
		ToolCalls: result.ToolCalls,
	})

	for _, r := range results {
		body := r.Content
		if r.Err != "" {
			body = "error: " + r.Err
		}
		l.history.Append(llm.Message{
			Role:       "tool",
			Content:    body,
			ToolCallID: r.ToolCallID,
		})
	}
}
