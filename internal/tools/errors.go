package tools

import (
	"errors"
	"fmt"
)

// ErrToolUnavailable is returned when a tool call targets a name that is
// not in the registry. It signals a registry/model mismatch, not a
// transient execution failure, so the call is never retried.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// DomainError is a business-rule failure reported by a handler: not
// found, conflict, precondition. The message is shown to the model.
type DomainError struct {
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Failf builds a DomainError.
func Failf(code, format string, args ...any) error {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsDomainError reports whether err is (or wraps) a DomainError.
func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}
