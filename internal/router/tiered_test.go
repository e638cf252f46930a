package router

import (
	"context"
	"math"
	"testing"

	"github.com/kwall/drover/internal/fallback"
	"github.com/kwall/drover/internal/llm"
)

type fakeBackend struct {
	id        string
	available bool
}

func (f *fakeBackend) ID() string                           { return f.id }
func (f *fakeBackend) IsAvailable(ctx context.Context) bool { return f.available }
func (f *fakeBackend) CountTokens(text string) int          { return llm.EstimateTokens(text) }
func (f *fakeBackend) ContextWindow() int                   { return 8192 }

func (f *fakeBackend) Generate(ctx context.Context, req *llm.Request) (*llm.GenerationResult, error) {
	return &llm.GenerationResult{BackendID: f.id}, nil
}

func (f *fakeBackend) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch, nil
}

func newTestRouter(localUp, cloudUp bool, config Config) *TieredRouter {
	local := fallback.NewSelector([]llm.Backend{&fakeBackend{id: "ollama", available: localUp}}, nil)
	cloud := fallback.NewSelector([]llm.Backend{&fakeBackend{id: "claude", available: cloudUp}}, nil)
	return NewTieredRouter(local, cloud, config, nil)
}

func TestRouteToolsAlwaysCloud(t *testing.T) {
	r := newTestRouter(true, true, Config{})

	// Even a trivially simple query goes to the cloud when tools ride along.
	b, d, err := r.Route(context.Background(), "hi", true)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Tier != TierCloud || b.ID() != "claude" {
		t.Errorf("tier = %v backend = %q, want cloud/claude", d.Tier, b.ID())
	}
}

func TestRouteSimpleLocalReachable(t *testing.T) {
	r := newTestRouter(true, true, Config{})

	b, d, err := r.Route(context.Background(), "what time is it", false)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Tier != TierLocal || b.ID() != "ollama" {
		t.Errorf("tier = %v backend = %q, want local/ollama", d.Tier, b.ID())
	}
}

func TestRouteComplexGoesCloud(t *testing.T) {
	r := newTestRouter(true, true, Config{})

	_, d, err := r.Route(context.Background(), "Analyze this design, then explain the trade-offs, then recommend an approach. Why is it slow? What would you change?", false)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Tier != TierCloud {
		t.Errorf("tier = %v, want cloud", d.Tier)
	}
}

func TestRouteOverrides(t *testing.T) {
	t.Run("force cloud", func(t *testing.T) {
		r := newTestRouter(true, true, Config{ForceCloud: true})
		_, d, err := r.Route(context.Background(), "hi", false)
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		if d.Tier != TierCloud {
			t.Errorf("tier = %v, want cloud", d.Tier)
		}
	})

	t.Run("force local", func(t *testing.T) {
		r := newTestRouter(true, true, Config{ForceLocal: true})
		_, d, err := r.Route(context.Background(), "Explain in detail why compaction stalls under heavy write load and then propose a fix", false)
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		if d.Tier != TierLocal {
			t.Errorf("tier = %v, want local", d.Tier)
		}
	})
}

func TestRouteDegradesToLocalWhenCloudDown(t *testing.T) {
	r := newTestRouter(true, false, Config{})

	b, d, err := r.Route(context.Background(), "Analyze the recent trend and explain why it changed, then recommend next steps for the team to take", false)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Tier != TierLocal || b.ID() != "ollama" {
		t.Errorf("tier = %v backend = %q, want local degradation", d.Tier, b.ID())
	}
}

func TestRouteToolsCloudDownFails(t *testing.T) {
	r := newTestRouter(true, false, Config{})

	_, _, err := r.Route(context.Background(), "read the file", true)
	if err == nil {
		t.Fatal("tool turn must not degrade to local tier")
	}
}

func TestRecordTurnSavings(t *testing.T) {
	r := newTestRouter(true, true, Config{
		CostPerKTokens: map[string]float64{"claude": 3.0},
	})

	r.RecordTurn(TierLocal, 2000)
	r.RecordTurn(TierCloud, 500)
	r.RecordTurn(TierLocal, 1000)

	s := r.Stats()
	if s.TotalTurns != 3 || s.LocalTurns != 2 || s.CloudTurns != 1 {
		t.Errorf("stats = %+v", s)
	}
	// 2000/1000*3.0 + 1000/1000*3.0 = 9.0
	if math.Abs(s.EstimatedSavings-9.0) > 1e-9 {
		t.Errorf("savings = %v, want 9.0", s.EstimatedSavings)
	}
}

func TestSavingsMonotonic(t *testing.T) {
	r := newTestRouter(true, true, Config{
		CostPerKTokens: map[string]float64{"claude": 1.5},
	})

	prev := 0.0
	for _, tokens := range []int{100, 0, 5000, 1} {
		r.RecordTurn(TierLocal, tokens)
		got := r.Stats().EstimatedSavings
		if got < prev {
			t.Fatalf("savings decreased: %v -> %v", prev, got)
		}
		prev = got
	}
}

func TestAuditLog(t *testing.T) {
	r := newTestRouter(true, true, Config{})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, _, err := r.Route(ctx, "hi", false); err != nil {
			t.Fatalf("Route: %v", err)
		}
	}

	log := r.AuditLog(2)
	if len(log) != 2 {
		t.Fatalf("audit log = %d entries, want 2", len(log))
	}
	for _, d := range log {
		if d.RequestID == "" || d.BackendID == "" {
			t.Errorf("incomplete decision: %+v", d)
		}
	}
}
