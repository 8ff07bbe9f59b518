// Package agent implements the turn orchestrator: the bounded loop that
// turns one user message (or one confirmation) into model calls, tool
// dispatches and a single terminal event.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/quill/internal/audit"
	"github.com/nugget/quill/internal/confirm"
	"github.com/nugget/quill/internal/conversation"
	"github.com/nugget/quill/internal/dedup"
	"github.com/nugget/quill/internal/events"
	"github.com/nugget/quill/internal/llm"
	"github.com/nugget/quill/internal/lock"
	"github.com/nugget/quill/internal/scope"
	"github.com/nugget/quill/internal/tools"
	"github.com/nugget/quill/internal/usage"
)

// DefaultMaxIterations bounds model-call rounds per turn.
const DefaultMaxIterations = 8

// ConversationStore persists conversations and their message log.
type ConversationStore interface {
	Ensure(ctx context.Context, userID, id string) (*conversation.Conversation, error)
	Load(ctx context.Context, userID, conversationID string) ([]*conversation.Message, error)
	Append(ctx context.Context, m conversation.Message) (*conversation.Message, error)
	TouchTitle(ctx context.Context, conversationID, text string) error
	RecentToolResults(ctx context.Context, conversationID, toolName string, limit int) ([]*conversation.Message, error)
}

// UsageStore enforces the quota and records spend.
type UsageStore interface {
	Get(ctx context.Context, userID string) (*usage.Status, error)
	Increment(ctx context.Context, userID string, d usage.Delta) error
	Record(ctx context.Context, rec usage.Record) error
}

// PendingStore is the confirmation gate's persistence.
type PendingStore interface {
	Create(ctx context.Context, p confirm.Pending) (*confirm.Pending, error)
	Lookup(ctx context.Context, userID, id string) (*confirm.Pending, error)
	Consume(ctx context.Context, userID, id string) (*confirm.Pending, error)
}

// ScopeEvaluator decides whether a message is in the business domain.
type ScopeEvaluator interface {
	Evaluate(ctx context.Context, history []string, text string, reqCtx map[string]any) (scope.Decision, error)
}

// Completer is the model provider, usually an *llm.FallbackClient.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error)
}

// Request is one turn's input. Exactly one of Message and
// ToolConfirmationID drives the turn.
type Request struct {
	ConversationID     string         `json:"conversationId,omitempty" validate:"omitempty,max=128"`
	Message            string         `json:"message,omitempty" validate:"required_without=ToolConfirmationID,max=8000"`
	ToolConfirmationID string         `json:"toolConfirmationId,omitempty" validate:"omitempty,max=128"`
	ClientTimezone     string         `json:"clientTimezone,omitempty" validate:"omitempty,timezone"`
	Context            map[string]any `json:"context,omitempty"`
}

// Status is how a turn ended.
type Status string

const (
	StatusCompleted            Status = "completed"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusOutOfScope           Status = "out_of_scope"
)

// Outcome summarizes a turn that did not fail.
type Outcome struct {
	TurnID         string `json:"turnId"`
	ConversationID string `json:"conversationId"`
	Status         Status `json:"status"`
	MessageID      string `json:"messageId,omitempty"`
	Text           string `json:"text,omitempty"`
	PendingID      string `json:"pendingId,omitempty"`
	Rounds         int    `json:"rounds"`
}

// Config tunes the loop.
type Config struct {
	MaxIterations int
	DedupWindow   int
	Timezone      string
}

// Deps are the loop's collaborators. Conversations, Usage, Pending, LLM
// and Tools are required.
type Deps struct {
	Conversations ConversationStore
	Usage         UsageStore
	Pending       PendingStore
	Scope         ScopeEvaluator
	Audit         audit.Sink
	Locker        lock.Locker
	LLM           Completer
	Tools         *tools.Registry
	Bus           *events.Bus
	Logger        *slog.Logger
}

// Loop runs turns. It is safe for concurrent use; turns on the same
// conversation are serialized by the Locker.
type Loop struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

// New validates deps and builds a loop.
func New(cfg Config, deps Deps) (*Loop, error) {
	var missing []error
	if deps.Conversations == nil {
		missing = append(missing, errors.New("conversation store is required"))
	}
	if deps.Usage == nil {
		missing = append(missing, errors.New("usage store is required"))
	}
	if deps.Pending == nil {
		missing = append(missing, errors.New("pending store is required"))
	}
	if deps.LLM == nil {
		missing = append(missing, errors.New("model provider is required"))
	}
	if deps.Tools == nil {
		missing = append(missing, errors.New("tool registry is required"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}

	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = dedup.DefaultWindow
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if deps.Scope == nil {
		deps.Scope = scope.NewKeywordEvaluator(nil)
	}
	if deps.Audit == nil {
		deps.Audit = audit.Multi{}
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewMemory(0)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Loop{cfg: cfg, deps: deps, log: deps.Logger, now: time.Now}, nil
}

// Tools returns the loop's registry.
func (l *Loop) Tools() *tools.Registry { return l.deps.Tools }
