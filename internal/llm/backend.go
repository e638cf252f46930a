package llm

import (
	"context"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Backend is the interface every text-generation provider implements.
// Backend instances hold only client state (HTTP client, credentials,
// model name) and are safe for concurrent use across sessions.
type Backend interface {
	// ID returns the configured backend identifier.
	ID() string

	// Generate sends a completion request and returns the full response.
	Generate(ctx context.Context, req *Request) (*GenerationResult, error)

	// Stream sends a completion request and returns a channel of typed
	// chunks. The channel is closed after a KindDone or KindError chunk.
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)

	// IsAvailable reports whether the backend is reachable. It is a
	// lightweight probe, not a guarantee that generation will succeed.
	IsAvailable(ctx context.Context) bool

	// CountTokens estimates the token cost of text using a heuristic
	// tuned for this backend's tokenizer.
	CountTokens(text string) int

	// ContextWindow returns the backend's maximum context size in tokens.
	ContextWindow() int
}
