// Package confirm implements the two-phase commit for side-effecting
// tools. A pending record is created when a confirmation-gated call is
// about to run and can be consumed exactly once by the user who owns
// it. Records expire after a TTL; expired, consumed and unknown ids are
// indistinguishable to callers.
package confirm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/quill/internal/database"
)

// DefaultTTL is how long a pending confirmation stays valid.
const DefaultTTL = 30 * time.Minute

// ErrNotFound is returned for unknown, consumed, expired or foreign
// pending ids.
var ErrNotFound = errors.New("pending action not found")

// Pending is one tool call awaiting confirmation.
type Pending struct {
	ID             string
	UserID         string
	ConversationID string
	ToolName       string
	// ToolCallID is the model's id for the call, so the eventual tool
	// result can be paired with the assistant message that requested it.
	ToolCallID string
	Summary    string
	Args       map[string]any
	ArgsHash   string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Store persists pending confirmations in SQLite. All public methods are
// safe for concurrent use.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewStore creates the store on an open database handle. A zero ttl
// uses DefaultTTL.
func NewStore(db *sql.DB, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{db: db, ttl: ttl, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate pending schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_tool_calls (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		tool_name       TEXT NOT NULL,
		tool_call_id    TEXT NOT NULL DEFAULT '',
		summary         TEXT NOT NULL,
		args            TEXT NOT NULL,
		args_hash       TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL,
		expires_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_conversation ON pending_tool_calls(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_pending_expires ON pending_tool_calls(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create stores p and returns it with ID and timestamps filled in. Any
// earlier pending record of the same conversation is discarded, so at
// most one confirmation is live per conversation.
func (s *Store) Create(ctx context.Context, p Pending) (*Pending, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate pending ID: %w", err)
	}
	p.ID = id.String()
	p.CreatedAt = s.now().UTC()
	p.ExpiresAt = p.CreatedAt.Add(s.ttl)
	if p.Args == nil {
		p.Args = map[string]any{}
	}

	args, err := json.Marshal(p.Args)
	if err != nil {
		return nil, fmt.Errorf("encode pending args: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin pending transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_tool_calls WHERE conversation_id = ?`, p.ConversationID,
	); err != nil {
		return nil, fmt.Errorf("supersede pending: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pending_tool_calls
			(id, user_id, conversation_id, tool_name, tool_call_id, summary, args, args_hash, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.ConversationID, p.ToolName, p.ToolCallID, p.Summary, string(args), p.ArgsHash,
		p.CreatedAt.Format(database.TimeLayout),
		p.ExpiresAt.Format(database.TimeLayout),
	); err != nil {
		return nil, fmt.Errorf("insert pending: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pending: %w", err)
	}
	return &p, nil
}

// Consume atomically removes and returns the pending record id owned by
// userID. The delete and read are one statement, so two concurrent
// consumers can never both succeed.
func (s *Store) Consume(ctx context.Context, userID, id string) (*Pending, error) {
	var (
		p                    Pending
		args                 string
		createdAt, expiresAt string
	)
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM pending_tool_calls
		 WHERE id = ? AND user_id = ?
		 RETURNING id, user_id, conversation_id, tool_name, tool_call_id, summary, args, args_hash, created_at, expires_at`,
		id, userID,
	).Scan(&p.ID, &p.UserID, &p.ConversationID, &p.ToolName, &p.ToolCallID, &p.Summary, &args, &p.ArgsHash, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume pending %s: %w", id, err)
	}

	p.CreatedAt, _ = time.Parse(database.TimeLayout, createdAt)
	p.ExpiresAt, _ = time.Parse(database.TimeLayout, expiresAt)
	if !s.now().UTC().Before(p.ExpiresAt) {
		return nil, ErrNotFound
	}
	if err := json.Unmarshal([]byte(args), &p.Args); err != nil {
		return nil, fmt.Errorf("decode pending args: %w", err)
	}
	return &p, nil
}

// Lookup returns a live pending record without consuming it. It fails
// with ErrNotFound under the same conditions as Consume.
func (s *Store) Lookup(ctx context.Context, userID, id string) (*Pending, error) {
	var (
		p                    Pending
		args                 string
		createdAt, expiresAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, conversation_id, tool_name, tool_call_id, summary, args, args_hash, created_at, expires_at
		 FROM pending_tool_calls
		 WHERE id = ? AND user_id = ? AND expires_at > ?`,
		id, userID, s.now().UTC().Format(database.TimeLayout),
	).Scan(&p.ID, &p.UserID, &p.ConversationID, &p.ToolName, &p.ToolCallID, &p.Summary, &args, &p.ArgsHash, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup pending %s: %w", id, err)
	}
	p.CreatedAt, _ = time.Parse(database.TimeLayout, createdAt)
	p.ExpiresAt, _ = time.Parse(database.TimeLayout, expiresAt)
	if err := json.Unmarshal([]byte(args), &p.Args); err != nil {
		return nil, fmt.Errorf("decode pending args: %w", err)
	}
	return &p, nil
}

// Sweep deletes expired records and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_tool_calls WHERE expires_at <= ?`,
		s.now().UTC().Format(database.TimeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep pending: %w", err)
	}
	return res.RowsAffected()
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("pending sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				logger.Debug("expired pending confirmations removed", "count", n)
			}
		}
	}
}
