// Package usage tracks per-user quotas and per-model token spend.
// Period counters (messages, tool invocations, tokens) are keyed by
// user and calendar month; token records are append-only and carry the
// cost computed from the configured pricing table.
package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/quill/internal/config"
	"github.com/nugget/quill/internal/database"
)

// Status is a user's quota position for the current period.
type Status struct {
	Period          string `json:"period"`
	Used            int    `json:"used"`
	Limit           int    `json:"limit"` // 0 means unlimited
	Remaining       int    `json:"remaining"`
	Locked          bool   `json:"locked"`
	ToolInvocations int    `json:"toolInvocations"`
	Tokens          int64  `json:"tokens"`
}

// Delta is an increment applied to the current period's counters.
type Delta struct {
	Messages        int
	ToolInvocations int
	Tokens          int
}

// Record represents a single model call's token usage and cost.
type Record struct {
	ID             string
	Timestamp      time.Time
	TurnID         string
	UserID         string
	ConversationID string
	Model          string
	Provider       string
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
}

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	TotalRecords      int     `json:"totalRecords"`
	TotalInputTokens  int64   `json:"totalInputTokens"`
	TotalOutputTokens int64   `json:"totalOutputTokens"`
	TotalCostUSD      float64 `json:"totalCostUsd"`
}

// Store is the SQLite usage store. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db      *sql.DB
	limit   int
	pricing map[string]config.PricingEntry
	now     func() time.Time
}

// NewStore creates the store on an open database handle. limit is the
// monthly message quota; zero disables it.
func NewStore(db *sql.DB, limit int, pricing map[string]config.PricingEntry) (*Store, error) {
	s := &Store{db: db, limit: limit, pricing: pricing, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_counters (
		user_id          TEXT NOT NULL,
		period           TEXT NOT NULL,
		message_count    INTEGER NOT NULL DEFAULT 0,
		tool_invocations INTEGER NOT NULL DEFAULT 0,
		token_count      INTEGER NOT NULL DEFAULT 0,
		updated_at       TEXT NOT NULL,
		PRIMARY KEY (user_id, period)
	);

	CREATE TABLE IF NOT EXISTS usage_records (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		turn_id         TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		conversation_id TEXT,
		model           TEXT NOT NULL,
		provider        TEXT NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL,
		cost_usd        REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_user ON usage_records(user_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// PeriodKey returns the counter period containing t.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PeriodBounds returns [start, end) of the period containing t.
func PeriodBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Get returns the user's position for the current period.
func (s *Store) Get(ctx context.Context, userID string) (*Status, error) {
	st := &Status{Period: PeriodKey(s.now()), Limit: s.limit}
	err := s.db.QueryRowContext(ctx,
		`SELECT message_count, tool_invocations, token_count
		 FROM usage_counters WHERE user_id = ? AND period = ?`,
		userID, st.Period,
	).Scan(&st.Used, &st.ToolInvocations, &st.Tokens)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get usage for %s: %w", userID, err)
	}

	if s.limit > 0 {
		st.Remaining = max(s.limit-st.Used, 0)
		st.Locked = st.Used >= s.limit
	}
	return st, nil
}

// Increment adds d to the user's counters for the current period.
func (s *Store) Increment(ctx context.Context, userID string, d Delta) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_counters (user_id, period, message_count, tool_invocations, token_count, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, period) DO UPDATE SET
			message_count    = message_count + excluded.message_count,
			tool_invocations = tool_invocations + excluded.tool_invocations,
			token_count      = token_count + excluded.token_count,
			updated_at       = excluded.updated_at`,
		userID, PeriodKey(now), d.Messages, d.ToolInvocations, d.Tokens,
		now.UTC().Format(database.TimeLayout),
	)
	if err != nil {
		return fmt.Errorf("increment usage for %s: %w", userID, err)
	}
	return nil
}

// Record persists a usage record. If rec.ID is empty, a UUIDv7 is
// generated; if CostUSD is zero it is computed from the pricing table.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	if rec.CostUSD == 0 {
		rec.CostUSD = ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, s.pricing)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, turn_id, user_id, conversation_id, model, provider,
			 input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(database.TimeLayout),
		rec.TurnID,
		rec.UserID,
		rec.ConversationID,
		rec.Model,
		rec.Provider,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for the user's records within
// [start, end). An empty userID aggregates every user.
func (s *Store) Summary(ctx context.Context, userID string, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ? AND (? = '' OR user_id = ?)`,
		start.UTC().Format(database.TimeLayout),
		end.UTC().Format(database.TimeLayout),
		userID, userID,
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model aggregated totals within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, userID string, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", userID, start, end)
}

// SummaryByProvider returns per-provider aggregated totals within [start, end).
func (s *Store) SummaryByProvider(ctx context.Context, userID string, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "provider", userID, start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column, userID string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a compile-time constant from our own methods,
	// never user input, so embedding it directly is safe.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ? AND (? = '' OR user_id = ?)
		 GROUP BY %s
		 ORDER BY SUM(cost_usd) DESC`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(database.TimeLayout),
		end.UTC().Format(database.TimeLayout),
		userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// ComputeCost calculates the USD cost for a model's token usage based
// on the pricing table. Models not in the table are treated as free
// (local/Ollama models).
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
