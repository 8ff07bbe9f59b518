package tools

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrToolUnavailable_Error(t *testing.T) {
	err := &ErrToolUnavailable{ToolName: "delete_galaxy"}
	want := `tool "delete_galaxy" is not available in this context`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrToolUnavailable_WrappedErrorsAs(t *testing.T) {
	orig := &ErrToolUnavailable{ToolName: "send_invoice"}
	wrapped := fmt.Errorf("dispatch: %w", orig)

	var target *ErrToolUnavailable
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to match wrapped *ErrToolUnavailable")
	}
	if target.ToolName != "send_invoice" {
		t.Errorf("ToolName = %q, want %q", target.ToolName, "send_invoice")
	}
	if IsDomainError(wrapped) {
		t.Error("ErrToolUnavailable must not be a domain error")
	}
}

func TestDomainError(t *testing.T) {
	tests := []struct {
		name string
		err  *DomainError
		want string
	}{
		{"with code", &DomainError{Code: "not_found", Message: "client inconnu"}, "not_found: client inconnu"},
		{"without code", &DomainError{Message: "déjà payée"}, "déjà payée"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFailf(t *testing.T) {
	err := Failf("conflict", "la facture %s est déjà envoyée", "F-2024-001")

	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatalf("Failf returned %T, want *DomainError", err)
	}
	if de.Code != "conflict" {
		t.Errorf("Code = %q, want conflict", de.Code)
	}
	if de.Message != "la facture F-2024-001 est déjà envoyée" {
		t.Errorf("Message = %q", de.Message)
	}
}

func TestIsDomainError(t *testing.T) {
	if !IsDomainError(fmt.Errorf("handler: %w", Failf("not_found", "x"))) {
		t.Error("wrapped DomainError not detected")
	}
	if IsDomainError(errors.New("disk full")) {
		t.Error("plain error reported as domain error")
	}
	if IsDomainError(nil) {
		t.Error("nil reported as domain error")
	}
}
