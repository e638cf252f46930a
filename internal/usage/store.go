// Package usage provides persistent per-turn token and cost tracking.
// Records are append-only and indexed by timestamp, session, and
// backend for aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record captures one turn's token usage, where it was served, and the
// spend it avoided by staying local.
type Record struct {
	ID           string
	Timestamp    time.Time
	RequestID    string
	SessionID    string
	BackendID    string
	Tier         string // "local" or "cloud"
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	SavingsUSD   float64
}

// Summary holds aggregated totals.
type Summary struct {
	TotalRecords      int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalCostUSD      float64
	TotalSavingsUSD   float64
}

// Store is an append-only SQLite store for turn records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a store at dbPath. The schema is created
// automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS turn_records (
	id            TEXT PRIMARY KEY,
	timestamp     TEXT NOT NULL,
	request_id    TEXT NOT NULL,
	session_id    TEXT,
	backend_id    TEXT NOT NULL,
	tier          TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      REAL NOT NULL,
	savings_usd   REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON turn_records(timestamp);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turn_records(session_id);
CREATE INDEX IF NOT EXISTS idx_turns_backend ON turn_records(backend_id);
`

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// ts renders a timestamp the way the table stores it. RFC 3339 in UTC
// keeps lexical order equal to chronological order.
func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Record persists a turn record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("turn record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_records
			(id, timestamp, request_id, session_id, backend_id, tier,
			 input_tokens, output_tokens, cost_usd, savings_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, ts(rec.Timestamp), rec.RequestID, rec.SessionID,
		rec.BackendID, rec.Tier, rec.InputTokens, rec.OutputTokens,
		rec.CostUSD, rec.SavingsUSD,
	)
	if err != nil {
		return fmt.Errorf("insert turn record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(cost_usd), 0), COALESCE(SUM(savings_usd), 0)
		 FROM turn_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		ts(start), ts(end),
	)

	var agg Summary
	err := row.Scan(&agg.TotalRecords, &agg.TotalInputTokens,
		&agg.TotalOutputTokens, &agg.TotalCostUSD, &agg.TotalSavingsUSD)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	return &agg, nil
}

// SummaryByBackend returns per-backend totals for records within [start, end).
func (s *Store) SummaryByBackend(start, end time.Time) (map[string]*Summary, error) {
	return s.groupedSummary("backend_id", start, end)
}

// SummaryByTier returns per-tier totals for records within [start, end).
func (s *Store) SummaryByTier(start, end time.Time) (map[string]*Summary, error) {
	return s.groupedSummary("tier", start, end)
}

// groupedSummary aggregates by column, which is always one of our own
// column names, never caller input.
func (s *Store) groupedSummary(column string, start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT COALESCE(%[1]s, ''), COUNT(*),
		        COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(cost_usd), 0), COALESCE(SUM(savings_usd), 0)
		 FROM turn_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %[1]s
		 ORDER BY SUM(cost_usd) DESC`, column),
		ts(start), ts(end),
	)
	if err != nil {
		return nil, fmt.Errorf("usage by %s: %w", column, err)
	}
	defer rows.Close()

	groups := make(map[string]*Summary)
	for rows.Next() {
		var group string
		var agg Summary
		err := rows.Scan(&group, &agg.TotalRecords, &agg.TotalInputTokens,
			&agg.TotalOutputTokens, &agg.TotalCostUSD, &agg.TotalSavingsUSD)
		if err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		groups[group] = &agg
	}
	return groups, rows.Err()
}

// ComputeCost calculates the USD cost for a turn from the per-backend
// cost table. Backends not in the table are treated as free (local).
func ComputeCost(backendID string, totalTokens int, costPerKTokens map[string]float64) float64 {
	perK, ok := costPerKTokens[backendID]
	if !ok {
		return 0
	}
	return float64(totalTokens) / 1000.0 * perK
}
