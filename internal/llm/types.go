// Package llm provides a provider-neutral chat model interface, the
// concrete provider adapters, and transient-failure fallback between
// providers.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for tool responses
	ToolName   string     `json:"tool_name,omitempty"`    // for tool responses
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	// ID is provider-assigned; Anthropic and OpenAI need it to correlate
	// results. Adapters synthesize one when the provider does not.
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the name and decoded arguments of a tool call.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// NewToolCall is a convenience constructor.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return ToolCall{ID: id, Function: FunctionCall{Name: name, Arguments: args}}
}

// ChatResponse is the unified response from any LLM provider. Wire
// format conversion happens at provider boundaries.
type ChatResponse struct {
	Provider string
	Model    string
	Message  Message

	InputTokens  int
	OutputTokens int

	Duration time.Duration
}

// TotalTokens is InputTokens + OutputTokens.
func (r *ChatResponse) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}
