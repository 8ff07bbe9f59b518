package llm

import (
	"errors"
	"fmt"

	"github.com/nugget/quill/internal/httpkit"
)

// ProviderError is the structured failure returned by every adapter.
// Transient is decided by the adapter from status codes, provider error
// types or transport errors, never from message text.
type ProviderError struct {
	Provider   string
	StatusCode int // 0 when the request never got an HTTP response
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a ProviderError marked transient.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}

// transportError wraps a failure to get any HTTP response.
func transportError(provider string, err error) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Transient: httpkit.IsTransientError(err),
		Err:       err,
	}
}

// statusError wraps a non-2xx HTTP response.
func statusError(provider string, status int, body string) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Transient:  httpkit.IsTransientStatus(status),
		Err:        errors.New(body),
	}
}
