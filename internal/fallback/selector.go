// Package fallback selects among prioritized backends and advances past
// ones that fail at runtime.
package fallback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kwall/drover/internal/llm"
)

// Selector walks a priority-ordered backend list. The first available
// backend becomes current; FallbackToNext advances strictly forward, so
// a backend that failed mid-session is never retried within that
// session. Each session owns its own Selector.
type Selector struct {
	mu       sync.Mutex
	backends []llm.Backend
	current  int
	probed   bool
	logger   *slog.Logger
}

// NewSelector creates a selector over backends in priority order.
func NewSelector(backends []llm.Backend, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		backends: backends,
		logger:   logger.With("component", "fallback"),
	}
}

// Current returns the active backend, probing availability in priority
// order on first use. The result is cached until FallbackToNext or
// Reset.
func (s *Selector) Current(ctx context.Context) (llm.Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.probed {
		return s.backends[s.current], nil
	}
	return s.scanFrom(ctx, 0)
}

// FallbackToNext abandons the current backend and resumes the
// availability scan strictly after it. Earlier backends are not
// revisited. Returns *llm.NoBackendsError when the list is exhausted.
func (s *Selector) FallbackToNext(ctx context.Context) (llm.Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := 0
	if s.probed {
		failed := s.backends[s.current]
		s.logger.Warn("backend abandoned", "backend", failed.ID())
		start = s.current + 1
	}
	return s.scanFrom(ctx, start)
}

// Reset clears the cached selection so the next Current probes from the
// top again.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probed = false
	s.current = 0
}

// Backends returns the configured list in priority order.
func (s *Selector) Backends() []llm.Backend {
	return s.backends
}

// scanFrom probes backends[start:] and caches the first available one.
// Caller holds s.mu.
func (s *Selector) scanFrom(ctx context.Context, start int) (llm.Backend, error) {
	tried := make([]string, 0, len(s.backends))
	for i := 0; i < start && i < len(s.backends); i++ {
		tried = append(tried, s.backends[i].ID())
	}

	for i := start; i < len(s.backends); i++ {
		b := s.backends[i]
		if b.IsAvailable(ctx) {
			s.current = i
			s.probed = true
			s.logger.Info("backend selected", "backend", b.ID(), "priority", i)
			return b, nil
		}
		s.logger.Debug("backend unavailable", "backend", b.ID())
		tried = append(tried, b.ID())
	}

	s.probed = false
	return nil, &llm.NoBackendsError{Tried: tried}
}
