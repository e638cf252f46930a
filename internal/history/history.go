// Package history maintains the conversation window and trims it to fit
// the model's context budget.
package history

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kwall/drover/internal/llm"
)

// Trimming fires at this usage and aims back down to the target.
const (
	trimTriggerPercent = 80.0
	trimTargetPercent  = 70.0

	// The first message and this many trailing messages survive every
	// trim verbatim.
	keepTail = 4
)

// TokenCounter estimates token cost for a piece of text. Backends
// provide their own ratio; llm.EstimateTokens is the fallback.
type TokenCounter func(text string) int

// Manager owns one session's message history.
type Manager struct {
	mu              sync.Mutex
	messages        []llm.Message
	systemPrompt    string
	maxTokens       int
	responseReserve int
	counter         TokenCounter
	logger          *slog.Logger
}

// NewManager creates a history manager. maxTokens is the model context
// size; responseReserve is held back for the reply.
func NewManager(systemPrompt string, maxTokens, responseReserve int, counter TokenCounter, logger *slog.Logger) *Manager {
	if counter == nil {
		counter = llm.EstimateTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		systemPrompt:    systemPrompt,
		maxTokens:       maxTokens,
		responseReserve: responseReserve,
		counter:         counter,
		logger:          logger.With("component", "history"),
	}
}

// SetCounter swaps the token counter, e.g. after routing picks a
// backend with its own ratio.
func (m *Manager) SetCounter(counter TokenCounter) {
	if counter == nil {
		return
	}
	m.mu.Lock()
	m.counter = counter
	m.mu.Unlock()
}

// Append adds a message to the window.
func (m *Manager) Append(msg llm.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
}

// Reset clears the window.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.messages = nil
	m.mu.Unlock()
}

// Len returns the number of messages in the window.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Snapshot returns a copy of the current window.
func (m *Manager) Snapshot() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// SystemPrompt returns the prompt counted against the budget.
func (m *Manager) SystemPrompt() string {
	return m.systemPrompt
}

// TotalTokens is the estimated cost of the system prompt plus every
// message in the window.
func (m *Manager) TotalTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalLocked()
}

func (m *Manager) totalLocked() int {
	total := m.counter(m.systemPrompt)
	for _, msg := range m.messages {
		total += m.counter(msg.Content)
	}
	return total
}

// UsagePercent is TotalTokens against the usable budget (maxTokens
// minus the response reserve).
func (m *Manager) UsagePercent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageLocked()
}

func (m *Manager) usageLocked() float64 {
	budget := m.maxTokens - m.responseReserve
	if budget <= 0 {
		return 100
	}
	return float64(m.totalLocked()) / float64(budget) * 100
}

// Optimized returns the window to send. Below the trigger it is a
// plain copy. At or above it, the oldest middle messages are replaced
// with one synthetic marker, keeping the first message and the last
// four verbatim. When the middle is empty or too small to reach the
// target the window is returned unchanged; the manager never evicts the
// keep-window, so sustained overflow is possible.
func (m *Manager) Optimized() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	usage := m.usageLocked()
	if usage < trimTriggerPercent {
		out := make([]llm.Message, len(m.messages))
		copy(out, m.messages)
		return out
	}

	budget := m.maxTokens - m.responseReserve
	target := int(float64(budget) * trimTargetPercent / 100)
	needFreed := m.totalLocked() - target

	// Middle region: everything between the first message and the tail.
	if len(m.messages) <= 1+keepTail {
		out := make([]llm.Message, len(m.messages))
		copy(out, m.messages)
		return out
	}
	middle := m.messages[1 : len(m.messages)-keepTail]

	freed := 0
	trimmed := 0
	for _, msg := range middle {
		if freed >= needFreed {
			break
		}
		freed += m.counter(msg.Content)
		trimmed++
	}

	if freed < needFreed {
		// Even the whole middle does not reach the target. Overflow is
		// tolerated rather than evicting the keep-window.
		out := make([]llm.Message, len(m.messages))
		copy(out, m.messages)
		return out
	}

	marker := llm.Message{
		Role:      "system",
		Content:   fmt.Sprintf("[%d earlier messages trimmed to fit the context window]", trimmed),
		Timestamp: time.Now(),
	}

	out := make([]llm.Message, 0, 2+len(middle)-trimmed+keepTail)
	out = append(out, m.messages[0], marker)
	out = append(out, middle[trimmed:]...)
	out = append(out, m.messages[len(m.messages)-keepTail:]...)

	m.logger.Info("history trimmed",
		"trimmed", trimmed,
		"freed_tokens", freed,
		"usage_percent", usage,
	)
	return out
}
