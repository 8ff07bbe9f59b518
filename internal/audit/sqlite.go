package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/quill/internal/database"
)

// SQLiteSink appends entries to the audit_log table.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink creates the sink on an open database handle.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		tool_name       TEXT NOT NULL,
		action          TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		payload         TEXT,
		result          TEXT,
		status          TEXT NOT NULL,
		error           TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Log implements Sink. ID and Timestamp are filled in when empty.
func (s *SQLiteSink) Log(ctx context.Context, e Entry) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate audit ID: %w", err)
		}
		e.ID = id.String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	payload, err := marshalNullable(e.Payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	result, err := marshalNullable(e.Result)
	if err != nil {
		return fmt.Errorf("encode audit result: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log
			(id, timestamp, tool_name, action, user_id, conversation_id, payload, result, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC().Format(database.TimeLayout), e.ToolName, e.Action, e.UserID,
		e.ConversationID, payload, result, string(e.Status), e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns the user's most recent entries, newest first.
func (s *SQLiteSink) List(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, tool_name, action, user_id, conversation_id, payload, result, status, COALESCE(error, '')
		 FROM audit_log WHERE user_id = ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e               Entry
			ts, status      string
			payload, result sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.ToolName, &e.Action, &e.UserID, &e.ConversationID,
			&payload, &result, &status, &e.Error); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(database.TimeLayout, ts)
		e.Status = Status(status)
		if payload.Valid {
			_ = json.Unmarshal([]byte(payload.String), &e.Payload)
		}
		if result.Valid {
			_ = json.Unmarshal([]byte(result.String), &e.Result)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalNullable(v map[string]any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
