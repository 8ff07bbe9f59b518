// Package events defines the events a turn delivers to its caller and a
// conversation-scoped bus that mirrors them to live observers.
//
// A turn emits, in order: one usage event; then confirmation_required or
// tool_result (optionally followed by action_card) per tool call; then
// zero or more message_token events; and finally exactly one terminal
// event: message_complete, confirmation_required, or a fatal error.
// Non-fatal error events report a single failed tool call and may
// appear among the tool events.
package events

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nugget/quill/internal/tools"
)

// Kind identifies an event type.
type Kind string

const (
	KindUsage                Kind = "usage"
	KindConfirmationRequired Kind = "confirmation_required"
	KindToolResult           Kind = "tool_result"
	KindActionCard           Kind = "action_card"
	KindMessageToken         Kind = "message_token"
	KindMessageComplete      Kind = "message_complete"
	KindError                Kind = "error"
)

// Usage reports the caller's quota position.
type Usage struct {
	Used      int  `json:"used"`
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`
	Locked    bool `json:"locked"`
}

// Confirmation asks the caller to approve a pending tool call.
type Confirmation struct {
	PendingID string         `json:"pendingId"`
	ToolName  string         `json:"toolName"`
	Summary   string         `json:"summary"`
	Arguments map[string]any `json:"arguments"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// ToolResult reports one executed or reused tool call.
type ToolResult struct {
	ToolName   string         `json:"toolName"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	Success    bool           `json:"success"`
	Summary    string         `json:"summary"`
	Data       map[string]any `json:"data,omitempty"`
	Reused     bool           `json:"reused,omitempty"`
}

// Complete carries the final assistant answer.
type Complete struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
}

// Error describes a failure. Fatal errors end the turn.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Tool    string `json:"tool,omitempty"`
	Fatal   bool   `json:"fatal"`
}

// Event is one item of a turn's event stream. Exactly one payload field
// is set, matching Kind.
type Event struct {
	Kind           Kind      `json:"type"`
	ConversationID string    `json:"conversationId,omitempty"`
	Timestamp      time.Time `json:"ts"`

	Usage        *Usage            `json:"usage,omitempty"`
	Confirmation *Confirmation     `json:"confirmation,omitempty"`
	ToolResult   *ToolResult       `json:"toolResult,omitempty"`
	ActionCard   *tools.ActionCard `json:"actionCard,omitempty"`
	Token        string            `json:"token,omitempty"`
	Complete     *Complete         `json:"complete,omitempty"`
	Error        *Error            `json:"error,omitempty"`
}

// Terminal reports whether e ends a turn.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindMessageComplete, KindConfirmationRequired:
		return true
	case KindError:
		return e.Error != nil && e.Error.Fatal
	}
	return false
}

// Emitter receives a turn's events synchronously, in order. It must not
// block for long; there is no buffering between the turn and the
// emitter.
type Emitter func(Event)

// Discard drops every event.
func Discard(Event) {}

// Tee returns an emitter that calls each non-nil emitter in order.
func Tee(emitters ...Emitter) Emitter {
	return func(e Event) {
		for _, emit := range emitters {
			if emit != nil {
				emit(e)
			}
		}
	}
}

// Collector records events. It is safe for concurrent use.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// Emit records e.
func (c *Collector) Emit(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

// Events returns a copy of everything recorded.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Kinds returns the recorded kinds in order.
func (c *Collector) Kinds() []Kind {
	evts := c.Events()
	kinds := make([]Kind, len(evts))
	for i, e := range evts {
		kinds[i] = e.Kind
	}
	return kinds
}

// Count returns how many recorded events have kind k.
func (c *Collector) Count(k Kind) int {
	n := 0
	for _, e := range c.Events() {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// Verify checks that evts is a well-formed turn stream: usage first,
// exactly one terminal event and it comes last, tokens only after tool
// events, and action cards only right after a tool result.
func Verify(evts []Event) error {
	if len(evts) == 0 {
		return errors.New("empty event stream")
	}
	if evts[0].Kind != KindUsage {
		return fmt.Errorf("first event is %s, want usage", evts[0].Kind)
	}

	terminals := 0
	sawToken := false
	for i, e := range evts {
		if e.Terminal() {
			terminals++
			if i != len(evts)-1 {
				return fmt.Errorf("terminal %s at %d is not last", e.Kind, i)
			}
		}
		switch e.Kind {
		case KindUsage:
			if i != 0 {
				return fmt.Errorf("usage event at %d", i)
			}
		case KindMessageToken:
			sawToken = true
		case KindToolResult, KindConfirmationRequired:
			if sawToken {
				return fmt.Errorf("%s at %d after message tokens", e.Kind, i)
			}
		case KindActionCard:
			if i == 0 || evts[i-1].Kind != KindToolResult {
				return fmt.Errorf("action_card at %d does not follow a tool_result", i)
			}
		}
	}
	if terminals != 1 {
		return fmt.Errorf("%d terminal events, want 1", terminals)
	}
	return nil
}
