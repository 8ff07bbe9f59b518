package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/quill/internal/confirm"
	"github.com/nugget/quill/internal/conversation"
	"github.com/nugget/quill/internal/llm"
	"github.com/nugget/quill/internal/lock"
	"github.com/nugget/quill/internal/schema"
	"github.com/nugget/quill/internal/tools"
)

// ErrorKind classifies a failure. Kinds are also the error codes carried
// by error events.
type ErrorKind string

const (
	// Per-call kinds: the turn continues.
	KindValidation  ErrorKind = "validation"
	KindDomain      ErrorKind = "domain"
	KindUnknownTool ErrorKind = "unknown_tool"

	// Turn-level kinds: the turn ends.
	KindInvalidRequest   ErrorKind = "invalid_request"
	KindUsageLimit       ErrorKind = "usage_limit"
	KindProvider         ErrorKind = "provider"
	KindIterationBound   ErrorKind = "iteration_bound"
	KindPendingNotFound  ErrorKind = "pending_not_found"
	KindConversationBusy ErrorKind = "conversation_busy"
	KindNotFound         ErrorKind = "conversation_not_found"
	KindCancelled        ErrorKind = "cancelled"
	KindInternal         ErrorKind = "internal"
)

// Fatal reports whether errors of kind k end the turn.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindValidation, KindDomain, KindUnknownTool:
		return false
	}
	return true
}

// TurnError is the error returned by RunTurn and the per-call outcome
// recorded for failing tool calls.
type TurnError struct {
	Kind ErrorKind
	Tool string
	Err  error
}

func (e *TurnError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Tool, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// KindOf extracts the kind of err, classifying well-known errors that
// were not wrapped in a TurnError.
func KindOf(err error) ErrorKind {
	var te *TurnError
	var pe *llm.ProviderError
	var unavailable *tools.ErrToolUnavailable
	var verrs schema.ValidationErrors
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return te.Kind
	case errors.As(err, &pe):
		return KindProvider
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, confirm.ErrNotFound):
		return KindPendingNotFound
	case errors.Is(err, conversation.ErrNotFound):
		return KindNotFound
	case errors.Is(err, lock.ErrBusy):
		return KindConversationBusy
	case errors.As(err, &unavailable):
		return KindUnknownTool
	case errors.As(err, &verrs):
		return KindValidation
	case tools.IsDomainError(err):
		return KindDomain
	}
	return KindInternal
}

func turnErr(kind ErrorKind, tool string, err error) *TurnError {
	return &TurnError{Kind: kind, Tool: tool, Err: err}
}

var (
	errIterationBound = errors.New("tool loop interrupted")
	errEmptyRequest   = errors.New("request needs a message or a toolConfirmationId")
	errUsageLimit     = errors.New("monthly message limit reached")
)
