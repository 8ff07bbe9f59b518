package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/quill/internal/database"
)

// SQLiteStore persists conversations and messages. All public methods
// are safe for concurrent use.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates the store on an open database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversation schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		title            TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'ACTIVE',
		created_at       TEXT NOT NULL,
		last_activity_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, last_activity_at);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role            TEXT NOT NULL,
		blocks          TEXT NOT NULL,
		tool_name       TEXT NOT NULL DEFAULT '',
		tool_call_id    TEXT NOT NULL DEFAULT '',
		tool_calls      TEXT,
		metadata        TEXT,
		args_hash       TEXT NOT NULL DEFAULT '',
		tool_status     TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_messages_tool ON messages(conversation_id, tool_name, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ensure returns the conversation id owned by userID, creating it when
// id is empty or unknown. An archived conversation becomes active again.
// A conversation owned by another user yields ErrNotFound.
func (s *SQLiteStore) Ensure(ctx context.Context, userID, id string) (*Conversation, error) {
	if id != "" {
		c, err := s.Get(ctx, userID, id)
		switch {
		case err == nil:
			if c.Status == StatusArchived {
				if _, err := s.db.ExecContext(ctx,
					`UPDATE conversations SET status = ? WHERE id = ?`, StatusActive, id,
				); err != nil {
					return nil, fmt.Errorf("reactivate conversation: %w", err)
				}
				c.Status = StatusActive
			}
			return c, nil
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
		if owned, err := s.exists(ctx, id); err != nil {
			return nil, err
		} else if owned {
			return nil, ErrNotFound
		}
	} else {
		newID, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate conversation ID: %w", err)
		}
		id = newID.String()
	}

	now := s.now().UTC()
	c := &Conversation{ID: id, UserID: userID, Status: StatusActive, CreatedAt: now, LastActivityAt: now}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, status, created_at, last_activity_at)
		 VALUES (?, ?, '', ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		c.ID, c.UserID, c.Status, now.Format(database.TimeLayout), now.Format(database.TimeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if n == 0 {
		// A concurrent first turn created it; it is ours only if the
		// owner matches.
		return s.Get(ctx, userID, id)
	}
	return c, nil
}

func (s *SQLiteStore) exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check conversation: %w", err)
	}
	return n > 0, nil
}

// Get returns one conversation owned by userID.
func (s *SQLiteStore) Get(ctx context.Context, userID, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, status, created_at, last_activity_at
		 FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return c, nil
}

// List returns the user's conversations, most recently active first.
func (s *SQLiteStore) List(ctx context.Context, userID string, includeArchived bool) ([]*Conversation, error) {
	query := `SELECT id, user_id, title, status, created_at, last_activity_at
		FROM conversations WHERE user_id = ?`
	if !includeArchived {
		query += ` AND status = 'ACTIVE'`
	}
	query += ` ORDER BY last_activity_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Archive marks a conversation archived. Conversations are never deleted.
func (s *SQLiteStore) Archive(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ? WHERE id = ? AND user_id = ?`,
		StatusArchived, id, userID)
	if err != nil {
		return fmt.Errorf("archive conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchTitle sets the title from text if the conversation has none yet.
func (s *SQLiteStore) TouchTitle(ctx context.Context, id, text string) error {
	title := TitleFrom(text)
	if title == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ? AND title = ''`, title, id)
	if err != nil {
		return fmt.Errorf("set conversation title: %w", err)
	}
	return nil
}

// Append stores m and returns it with ID and CreatedAt assigned. The
// conversation's activity timestamp moves forward.
func (s *SQLiteStore) Append(ctx context.Context, m Message) (*Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message ID: %w", err)
	}
	m.ID = id.String()
	m.CreatedAt = s.now().UTC()
	if m.Blocks == nil {
		m.Blocks = []Block{}
	}

	blocks, err := json.Marshal(m.Blocks)
	if err != nil {
		return nil, fmt.Errorf("encode blocks: %w", err)
	}
	var toolCalls, metadata sql.NullString
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(b), Valid: true}
	}
	var argsHash, toolStatus string
	if m.Metadata != nil {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
		argsHash, toolStatus = m.Metadata.ArgsHash, m.Metadata.Status
	}

	ts := m.CreatedAt.Format(database.TimeLayout)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages
			(id, conversation_id, role, blocks, tool_name, tool_call_id, tool_calls, metadata, args_hash, tool_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, string(blocks), m.ToolName, m.ToolCallID,
		toolCalls, metadata, argsHash, toolStatus, ts,
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at = ? WHERE id = ?`, ts, m.ConversationID,
	); err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return &m, nil
}

const messageColumns = `id, conversation_id, role, blocks, tool_name, tool_call_id, tool_calls, metadata, created_at`

// Load returns every message of a conversation owned by userID in
// append order.
func (s *SQLiteStore) Load(ctx context.Context, userID, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.role, m.blocks, m.tool_name, m.tool_call_id, m.tool_calls, m.metadata, m.created_at
		 FROM messages m JOIN conversations c ON c.id = m.conversation_id
		 WHERE m.conversation_id = ? AND c.user_id = ?
		 ORDER BY m.created_at ASC, m.id ASC`,
		conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return collectMessages(rows)
}

// RecentToolResults returns up to limit successful or reused results of
// toolName in a conversation, newest first.
func (s *SQLiteStore) RecentToolResults(ctx context.Context, conversationID, toolName string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE conversation_id = ? AND role = 'tool' AND tool_name = ?
		   AND tool_status IN ('success', 'reused')
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		conversationID, toolName, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent tool results: %w", err)
	}
	return collectMessages(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var c Conversation
	var status, created, active string
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &status, &created, &active); err != nil {
		return nil, err
	}
	c.Status = Status(status)
	c.CreatedAt, _ = time.Parse(database.TimeLayout, created)
	c.LastActivityAt, _ = time.Parse(database.TimeLayout, active)
	return &c, nil
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m                   Message
			blocks, created     string
			toolCalls, metadata sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &blocks, &m.ToolName, &m.ToolCallID,
			&toolCalls, &metadata, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(blocks), &m.Blocks); err != nil {
			return nil, fmt.Errorf("decode blocks of %s: %w", m.ID, err)
		}
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of %s: %w", m.ID, err)
			}
		}
		if metadata.Valid {
			m.Metadata = &Metadata{}
			if err := json.Unmarshal([]byte(metadata.String), m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", m.ID, err)
			}
		}
		m.CreatedAt, _ = time.Parse(database.TimeLayout, created)
		out = append(out, &m)
	}
	return out, rows.Err()
}
