// Package approval gates tool execution behind policy and human review.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kwall/drover/internal/tool"
)

// Mode controls how eagerly the gate asks for human approval.
type Mode int

const (
	// ModeConservative asks for any dangerous tool and for every tool
	// in the filesystem, terminal, or web categories.
	ModeConservative Mode = iota

	// ModeBalanced asks only for tools flagged dangerous.
	ModeBalanced

	// ModeTrust never asks.
	ModeTrust
)

func (m Mode) String() string {
	switch m {
	case ModeConservative:
		return "conservative"
	case ModeBalanced:
		return "balanced"
	case ModeTrust:
		return "trust"
	default:
		return "unknown"
	}
}

// ParseMode maps a config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "conservative":
		return ModeConservative, nil
	case "balanced", "":
		return ModeBalanced, nil
	case "trust":
		return ModeTrust, nil
	default:
		return ModeBalanced, fmt.Errorf("unknown approval mode %q", s)
	}
}

// RiskLevel grades a tool call for the approver.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Decision is the policy collaborator's verdict on one tool call.
type Decision struct {
	Allowed          bool
	RequiresApproval bool
	RiskLevel        RiskLevel
	Reason           string
}

// Policy is the external collaborator consulted before every tool call.
type Policy interface {
	CheckPermission(ctx context.Context, toolName string, args map[string]any) Decision
	LogExecution(ctx context.Context, toolName string, args map[string]any, outcome, actor string)
}

// Request is handed to the approval callback.
type Request struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	Risk   RiskLevel      `json:"risk"`
	Reason string         `json:"reason"`
}

// Response is the approver's answer.
type Response struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Callback resolves one approval request synchronously. It is invoked
// at most once per tool call.
type Callback func(Request) Response

// Gate errors. PolicyDeniedError and DeniedError are folded into tool
// results; NoApproverError is a fatal configuration error.
type PolicyDeniedError struct {
	Tool   string
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("tool %s denied by policy: %s", e.Tool, e.Reason)
}

type NoApproverError struct {
	Tool string
}

func (e *NoApproverError) Error() string {
	return fmt.Sprintf("tool %s requires approval but no approver is registered", e.Tool)
}

type DeniedError struct {
	Tool   string
	Reason string
}

func (e *DeniedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("tool %s denied by approver", e.Tool)
	}
	return fmt.Sprintf("tool %s denied by approver: %s", e.Tool, e.Reason)
}

// Gate checks every tool call against the policy collaborator and the
// configured mode before execution.
type Gate struct {
	mode   Mode
	policy Policy
	actor  string
	logger *slog.Logger

	cbMu     sync.RWMutex
	callback Callback
}

// NewGate builds a gate. policy may be nil (policy checks then always
// allow without requiring approval); callback may be nil when the mode
// and policy never require one.
func NewGate(mode Mode, policy Policy, callback Callback, actor string, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if actor == "" {
		actor = "agent"
	}
	return &Gate{
		mode:     mode,
		policy:   policy,
		callback: callback,
		actor:    actor,
		logger:   logger.With("component", "approval"),
	}
}

// SetCallback registers the approver. The API layer installs a
// per-session callback when a websocket client connects and removes it
// on disconnect. Safe to call while a Check is in flight; checks that
// already loaded the previous approver complete against it.
func (g *Gate) SetCallback(cb Callback) {
	g.cbMu.Lock()
	g.callback = cb
	g.cbMu.Unlock()
}

func (g *Gate) approver() Callback {
	g.cbMu.RLock()
	defer g.cbMu.RUnlock()
	return g.callback
}

// Check runs the two-stage gate for one tool call. A nil return means
// the call may execute.
func (g *Gate) Check(ctx context.Context, def tool.Definition, args map[string]any) error {
	decision := Decision{Allowed: true}
	if g.policy != nil {
		decision = g.policy.CheckPermission(ctx, def.Name, args)
	}

	if !decision.Allowed {
		g.log(ctx, def.Name, args, "policy_denied")
		return &PolicyDeniedError{Tool: def.Name, Reason: decision.Reason}
	}

	risk := decision.RiskLevel
	if def.Dangerous && risk < RiskHigh {
		risk = RiskHigh
	}

	if !decision.RequiresApproval && !g.modeRequiresApproval(def) {
		g.log(ctx, def.Name, args, "auto_approved")
		return nil
	}

	cb := g.approver()
	if cb == nil {
		g.log(ctx, def.Name, args, "no_approver")
		return &NoApproverError{Tool: def.Name}
	}

	resp := cb(Request{
		Tool:   def.Name,
		Args:   args,
		Risk:   risk,
		Reason: decision.Reason,
	})
	if !resp.Approved {
		g.log(ctx, def.Name, args, "denied")
		return &DeniedError{Tool: def.Name, Reason: resp.Reason}
	}

	g.log(ctx, def.Name, args, "approved")
	return nil
}

// modeRequiresApproval applies the static per-mode rules.
func (g *Gate) modeRequiresApproval(def tool.Definition) bool {
	switch g.mode {
	case ModeConservative:
		if def.Dangerous {
			return true
		}
		switch def.Category {
		case tool.CategoryFilesystem, tool.CategoryTerminal, tool.CategoryWeb:
			return true
		}
		return false
	case ModeBalanced:
		return def.Dangerous
	case ModeTrust:
		return false
	default:
		return def.Dangerous
	}
}

func (g *Gate) log(ctx context.Context, toolName string, args map[string]any, outcome string) {
	g.logger.Info("tool call gated", "tool", toolName, "outcome", outcome, "mode", g.mode.String())
	if g.policy != nil {
		g.policy.LogExecution(ctx, toolName, args, outcome, g.actor)
	}
}
