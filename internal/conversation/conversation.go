// Package conversation stores conversations and their append-only
// message log. Messages are totally ordered by (created_at, id).
package conversation

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/quill/internal/llm"
	"github.com/nugget/quill/internal/tools"
)

// ErrNotFound is returned when a conversation does not exist or belongs
// to another user.
var ErrNotFound = errors.New("conversation not found")

// Status of a conversation.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusArchived Status = "ARCHIVED"
)

// TitleMaxRunes bounds titles derived from the first user message.
const TitleMaxRunes = 60

// Conversation is one thread between a user and the assistant.
type Conversation struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Title          string    `json:"title"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Block kinds.
const (
	BlockText       = "text"
	BlockActionCard = "action_card"
)

// Block is one piece of message content.
type Block struct {
	Type string            `json:"type"`
	Text string            `json:"text,omitempty"`
	Card *tools.ActionCard `json:"card,omitempty"`
}

// TextBlock is a convenience constructor.
func TextBlock(s string) Block { return Block{Type: BlockText, Text: s} }

// CardBlock is a convenience constructor.
func CardBlock(c *tools.ActionCard) Block { return Block{Type: BlockActionCard, Card: c} }

// Tool message statuses recorded in Metadata.Status.
const (
	ToolSuccess = "success"
	ToolError   = "error"
	ToolReused  = "reused"
	ToolPending = "pending"
)

// Metadata is what the orchestrator records alongside a message.
type Metadata struct {
	Summary        string         `json:"summary,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	NormalizedArgs map[string]any `json:"normalizedArgs,omitempty"`
	ArgsHash       string         `json:"argsHash,omitempty"`
	Status         string         `json:"status,omitempty"`
	PendingID      string         `json:"pendingId,omitempty"`
	Error          string         `json:"error,omitempty"`
	Hint           bool           `json:"hint,omitempty"`
}

// Message is one entry of a conversation log.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Role           string         `json:"role"`
	Blocks         []Block        `json:"blocks"`
	ToolName       string         `json:"toolName,omitempty"`
	ToolCallID     string         `json:"toolCallId,omitempty"`
	ToolCalls      []llm.ToolCall `json:"toolCalls,omitempty"`
	Metadata       *Metadata      `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Text joins the message's text blocks.
func (m *Message) Text() string {
	var parts []string
	for _, b := range m.Blocks {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// TitleFrom derives a conversation title from a user message.
func TitleFrom(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= TitleMaxRunes {
		return text
	}
	r := []rune(text)
	return strings.TrimSpace(string(r[:TitleMaxRunes-1])) + "…"
}
