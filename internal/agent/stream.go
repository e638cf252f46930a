package agent

import (
	"context"
	"fmt"

	"github.com/kwall/drover/internal/llm"
	"github.com/kwall/drover/internal/router"
)

// RunStream processes one user turn, emitting the loop's progress as
// typed chunks instead of a single return value. The channel is always
// closed after a KindDone or KindError chunk. Suspension points match
// Run: each backend call and each tool execution. Abandoning the
// channel does not cancel a tool execution already started.
func (l *Loop) RunStream(ctx context.Context, userInput string) <-chan llm.Chunk {
	out := make(chan llm.Chunk, 16)
	go func() {
		defer close(out)
		l.runStream(ctx, userInput, out)
	}()
	return out
}

func (l *Loop) runStream(ctx context.Context, userInput string, out chan<- llm.Chunk) {
	l.history.Append(llm.Message{Role: "user", Content: userInput})

	totalUsage := llm.Usage{}
	for iteration := 0; iteration < l.opts.MaxIterations; iteration++ {
		result, tier, err := l.thinkStream(ctx, userInput, out)
		if err != nil {
			out <- llm.Chunk{Kind: llm.KindError, Err: err}
			return
		}

		totalUsage.InputTokens += result.Usage.InputTokens
		totalUsage.OutputTokens += result.Usage.OutputTokens
		totalUsage.TotalTokens += result.Usage.TotalTokens
		l.router.RecordTurn(tier, result.Usage.TotalTokens)

		if len(result.ToolCalls) == 0 {
			l.history.Append(llm.Message{Role: "assistant", Content: result.Content})
			out <- llm.Chunk{Kind: llm.KindDone, Result: &llm.GenerationResult{
				Content:      result.Content,
				FinishReason: llm.FinishStop,
				Usage:        totalUsage,
				BackendID:    result.BackendID,
			}}
			return
		}

		results := l.execute(ctx, result.ToolCalls, func(r llm.ToolResult) {
			tr := r
			out <- llm.Chunk{Kind: llm.KindToolResult, ToolResult: &tr}
		})
		l.observe(result, results)
	}

	l.logger.Warn("iteration bound reached", "max_iterations", l.opts.MaxIterations)
	l.history.Append(llm.Message{Role: "assistant", Content: apologyMessage})
	out <- llm.Chunk{Kind: llm.KindText, Text: apologyMessage}
	out <- llm.Chunk{Kind: llm.KindDone, Result: &llm.GenerationResult{
		Content:      apologyMessage,
		FinishReason: llm.FinishMaxTokens,
		Usage:        totalUsage,
	}}
}

// thinkStream is the streaming analogue of think. Opening the stream
// goes through the fallback chain like Generate; a failure after chunks
// have been relayed surfaces as-is, since replaying a partial stream
// would duplicate output.
func (l *Loop) thinkStream(ctx context.Context, userInput string, out chan<- llm.Chunk) (*llm.GenerationResult, router.Tier, error) {
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
		stream, err := backend.Stream(ctx, req)
		if err != nil {
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
			continue
		}

		var result *llm.GenerationResult
		for chunk := range stream {
			switch chunk.Kind {
			case llm.KindDone:
				result = chunk.Result
			case llm.KindError:
				return nil, "", chunk.Err
			default:
				out <- chunk
			}
		}
		if result == nil {
			return nil, "", &llm.BackendError{Backend: backend.ID(), Op: "stream", Err: fmt.Errorf("stream ended without completion")}
		}
		return result, decision.Tier, nil
	}
}
