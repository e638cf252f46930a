package usage

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "turns.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndSummary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{
			Timestamp:    now,
			RequestID:    "req-a",
			SessionID:    "session-1",
			BackendID:    "claude",
			Tier:         "cloud",
			InputTokens:  1000,
			OutputTokens: 500,
			CostUSD:      0.0045, // 1500/1000*0.003
		},
		{
			Timestamp:    now,
			RequestID:    "req-b",
			SessionID:    "session-1",
			BackendID:    "ollama",
			Tier:         "local",
			InputTokens:  2000,
			OutputTokens: 1000,
			SavingsUSD:   0.009,
		},
	}

	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start := now.Add(-1 * time.Minute)
	end := now.Add(1 * time.Minute)
	sum, err := s.Summary(start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}

	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 3000 {
		t.Errorf("TotalInputTokens = %d, want 3000", sum.TotalInputTokens)
	}
	if sum.TotalOutputTokens != 1500 {
		t.Errorf("TotalOutputTokens = %d, want 1500", sum.TotalOutputTokens)
	}
	if math.Abs(sum.TotalCostUSD-0.0045) > 1e-9 {
		t.Errorf("TotalCostUSD = %v", sum.TotalCostUSD)
	}
	if math.Abs(sum.TotalSavingsUSD-0.009) > 1e-9 {
		t.Errorf("TotalSavingsUSD = %v", sum.TotalSavingsUSD)
	}
}

func TestRecordGeneratesID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, Record{RequestID: "r", BackendID: "b", Tier: "local"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, Record{RequestID: "r", BackendID: "b", Tier: "local"}); err != nil {
		t.Fatalf("second Record with generated ID: %v", err)
	}

	sum, err := s.Summary(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
}

func TestSummaryByTier(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, tier := range []string{"local", "local", "cloud"} {
		rec := Record{
			Timestamp:    now,
			RequestID:    "r",
			BackendID:    "b",
			Tier:         tier,
			InputTokens:  100 * (i + 1),
			OutputTokens: 10,
		}
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	byTier, err := s.SummaryByTier(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByTier: %v", err)
	}
	if byTier["local"].TotalRecords != 2 || byTier["cloud"].TotalRecords != 1 {
		t.Errorf("byTier = %+v", byTier)
	}
	if byTier["local"].TotalInputTokens != 300 {
		t.Errorf("local input tokens = %d, want 300", byTier["local"].TotalInputTokens)
	}
}

func TestSummaryByBackend(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, backend := range []string{"ollama", "claude", "claude"} {
		if err := s.Record(ctx, Record{Timestamp: now, RequestID: "r", BackendID: backend, Tier: "x"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	byBackend, err := s.SummaryByBackend(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByBackend: %v", err)
	}
	if byBackend["claude"].TotalRecords != 2 || byBackend["ollama"].TotalRecords != 1 {
		t.Errorf("byBackend = %+v", byBackend)
	}
}

func TestSummaryWindowExcludesOutside(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := Record{Timestamp: now.Add(-2 * time.Hour), RequestID: "r", BackendID: "b", Tier: "local"}
	recent := Record{Timestamp: now, RequestID: "r", BackendID: "b", Tier: "local"}
	for _, rec := range []Record{old, recent} {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1", sum.TotalRecords)
	}
}

func TestComputeCost(t *testing.T) {
	table := map[string]float64{"claude": 3.0}

	if got := ComputeCost("claude", 2000, table); math.Abs(got-6.0) > 1e-9 {
		t.Errorf("ComputeCost claude = %v, want 6.0", got)
	}
	if got := ComputeCost("ollama", 2000, table); got != 0 {
		t.Errorf("ComputeCost for unlisted backend = %v, want 0", got)
	}
}
