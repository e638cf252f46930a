package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kwall/drover/internal/fallback"
	"github.com/kwall/drover/internal/llm"
)

// Tier identifies where a turn was served.
type Tier string

const (
	TierLocal Tier = "local"
	TierCloud Tier = "cloud"
)

// Config holds routing overrides and the classifier threshold.
type Config struct {
	ForceCloud     bool
	ForceLocal     bool
	LocalThreshold int

	// CostPerKTokens maps cloud backend IDs to estimated USD per
	// thousand tokens, used for the savings counter.
	CostPerKTokens map[string]float64
}

// Decision records one routing outcome for the audit log.
type Decision struct {
	RequestID  string           `json:"request_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Tier       Tier             `json:"tier"`
	BackendID  string           `json:"backend_id"`
	Complexity ComplexityResult `json:"complexity"`
	NeedsTools bool             `json:"needs_tools"`
	Reason     string           `json:"reason"`
}

// Stats is the router's cumulative view of where turns went and what
// staying local saved.
type Stats struct {
	TotalTurns       int64   `json:"total_turns"`
	LocalTurns       int64   `json:"local_turns"`
	CloudTurns       int64   `json:"cloud_turns"`
	EstimatedSavings float64 `json:"estimated_savings_usd"`
}

// TieredRouter chooses between a local-tier and a cloud-tier selector
// per turn. Tool-bearing turns always go to the cloud; local models are
// not trusted for structured tool calls.
type TieredRouter struct {
	local      *fallback.Selector
	cloud      *fallback.Selector
	classifier *Classifier
	config     Config
	logger     *slog.Logger

	mu       sync.Mutex
	stats    Stats
	auditLog []Decision
}

const maxAuditLog = 1000

// NewTieredRouter builds a router over the two tier selectors. Either
// selector may be nil when that tier has no configured backends.
func NewTieredRouter(local, cloud *fallback.Selector, config Config, logger *slog.Logger) *TieredRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TieredRouter{
		local:      local,
		cloud:      cloud,
		classifier: NewClassifier(config.LocalThreshold),
		config:     config,
		logger:     logger.With("component", "router"),
	}
}

// Route picks a backend for the turn. query is the latest user text,
// needsTools reports whether the turn carries tool definitions.
func (r *TieredRouter) Route(ctx context.Context, query string, needsTools bool) (llm.Backend, *Decision, error) {
	d := &Decision{
		RequestID:  uuid.NewString(),
		Timestamp:  time.Now(),
		NeedsTools: needsTools,
		Complexity: r.classifier.Classify(query),
	}

	backend, err := r.pick(ctx, d)
	if err != nil {
		return nil, nil, err
	}

	d.BackendID = backend.ID()
	r.recordDecision(*d)

	r.logger.Info("turn routed",
		"request_id", d.RequestID,
		"tier", d.Tier,
		"backend", d.BackendID,
		"complexity", d.Complexity.Level.String(),
		"reason", d.Reason,
	)
	return backend, d, nil
}

func (r *TieredRouter) pick(ctx context.Context, d *Decision) (llm.Backend, error) {
	// Rule 1: tool use demands the cloud tier.
	if d.NeedsTools {
		d.Tier = TierCloud
		d.Reason = "tool calls require cloud tier"
		return r.cloudBackend(ctx, d)
	}

	if r.config.ForceCloud {
		d.Tier = TierCloud
		d.Reason = "force_cloud override"
		return r.cloudBackend(ctx, d)
	}
	if r.config.ForceLocal {
		d.Tier = TierLocal
		d.Reason = "force_local override"
		return r.localBackend(ctx)
	}

	// Rule 2: simple turns stay local when a local backend answers.
	if d.Complexity.PreferLocal && r.local != nil {
		if b, err := r.local.Current(ctx); err == nil {
			d.Tier = TierLocal
			d.Reason = "simple query, local backend reachable"
			return b, nil
		}
		d.Reason = "simple query but local tier unreachable"
	} else {
		d.Reason = d.Complexity.Level.String() + " query"
	}

	d.Tier = TierCloud
	return r.cloudBackend(ctx, d)
}

func (r *TieredRouter) localBackend(ctx context.Context) (llm.Backend, error) {
	if r.local == nil {
		return nil, &llm.NoBackendsError{}
	}
	return r.local.Current(ctx)
}

// cloudBackend resolves the cloud tier, falling back to local as the
// last resort when no cloud backend is reachable and no override
// forbids it.
func (r *TieredRouter) cloudBackend(ctx context.Context, d *Decision) (llm.Backend, error) {
	if r.cloud != nil {
		if b, err := r.cloud.Current(ctx); err == nil {
			return b, nil
		}
	}
	if r.local != nil && !r.config.ForceCloud && !d.NeedsTools {
		if b, err := r.local.Current(ctx); err == nil {
			d.Tier = TierLocal
			d.Reason += "; cloud tier unreachable, degraded to local"
			return b, nil
		}
	}
	return nil, &llm.NoBackendsError{}
}

// Fallback abandons the current backend on tier and advances its
// selector. Used by the agent loop after a backend fails at runtime.
func (r *TieredRouter) Fallback(ctx context.Context, tier Tier) (llm.Backend, error) {
	switch tier {
	case TierLocal:
		if r.local != nil {
			return r.local.FallbackToNext(ctx)
		}
	case TierCloud:
		if r.cloud != nil {
			return r.cloud.FallbackToNext(ctx)
		}
	}
	return nil, &llm.NoBackendsError{}
}

// RecordTurn updates counters after a turn completes. For local turns
// the savings estimate accrues what the same tokens would have cost on
// the first configured cloud backend.
func (r *TieredRouter) RecordTurn(tier Tier, totalTokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.TotalTurns++
	turnsTotal.WithLabelValues(string(tier)).Inc()
	tokensTotal.WithLabelValues(string(tier)).Add(float64(totalTokens))

	switch tier {
	case TierLocal:
		r.stats.LocalTurns++
		if saved := r.savedCost(totalTokens); saved > 0 {
			r.stats.EstimatedSavings += saved
			savingsTotal.Add(saved)
		}
	case TierCloud:
		r.stats.CloudTurns++
	}
}

// savedCost estimates the avoided spend for tokens served locally.
// Caller holds r.mu.
func (r *TieredRouter) savedCost(totalTokens int) float64 {
	if r.cloud == nil {
		return 0
	}
	for _, b := range r.cloud.Backends() {
		if cost, ok := r.config.CostPerKTokens[b.ID()]; ok {
			return float64(totalTokens) / 1000 * cost
		}
	}
	return 0
}

// TierOf reports which tier a backend ID belongs to. Unknown IDs read
// as cloud so their cost is never under-reported.
func (r *TieredRouter) TierOf(backendID string) Tier {
	if r.local != nil {
		for _, b := range r.local.Backends() {
			if b.ID() == backendID {
				return TierLocal
			}
		}
	}
	return TierCloud
}

// EstimateSavings returns what the given tokens would have cost on the
// first priced cloud backend. Zero when no cloud backend is priced.
func (r *TieredRouter) EstimateSavings(totalTokens int) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.savedCost(totalTokens)
}

// CostTable returns the static per-backend cost table.
func (r *TieredRouter) CostTable() map[string]float64 {
	return r.config.CostPerKTokens
}

// Stats returns a copy of the cumulative counters.
func (r *TieredRouter) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// AuditLog returns the most recent routing decisions, newest last.
func (r *TieredRouter) AuditLog(limit int) []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	start := len(r.auditLog) - limit
	out := make([]Decision, limit)
	copy(out, r.auditLog[start:])
	return out
}

func (r *TieredRouter) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.auditLog) >= maxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)
}
