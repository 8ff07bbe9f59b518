package events

import (
	"testing"

	"github.com/nugget/quill/internal/tools"
)

func TestTerminal(t *testing.T) {
	tests := []struct {
		e    Event
		want bool
	}{
		{Event{Kind: KindMessageComplete}, true},
		{Event{Kind: KindConfirmationRequired}, true},
		{Event{Kind: KindError, Error: &Error{Fatal: true}}, true},
		{Event{Kind: KindError, Error: &Error{Fatal: false}}, false},
		{Event{Kind: KindToolResult}, false},
		{Event{Kind: KindUsage}, false},
	}
	for _, tt := range tests {
		if got := tt.e.Terminal(); got != tt.want {
			t.Errorf("%s fatal=%v Terminal() = %v, want %v", tt.e.Kind, tt.e.Error != nil && tt.e.Error.Fatal, got, tt.want)
		}
	}
}

func TestVerify(t *testing.T) {
	usage := Event{Kind: KindUsage}
	result := Event{Kind: KindToolResult}
	card := Event{Kind: KindActionCard, ActionCard: &tools.ActionCard{}}
	token := Event{Kind: KindMessageToken}
	complete := Event{Kind: KindMessageComplete}
	toolErr := Event{Kind: KindError, Error: &Error{Code: "validation"}}
	fatal := Event{Kind: KindError, Error: &Error{Code: "provider", Fatal: true}}
	confirm := Event{Kind: KindConfirmationRequired}

	tests := []struct {
		name    string
		evts    []Event
		wantErr bool
	}{
		{"plain answer", []Event{usage, token, token, complete}, false},
		{"tools then answer", []Event{usage, result, card, toolErr, result, token, complete}, false},
		{"confirmation halt", []Event{usage, result, confirm}, false},
		{"fatal error", []Event{usage, result, fatal}, false},
		{"usage missing", []Event{token, complete}, true},
		{"two terminals", []Event{usage, confirm, complete}, true},
		{"no terminal", []Event{usage, result}, true},
		{"card without result", []Event{usage, card, complete}, true},
		{"tool after tokens", []Event{usage, token, result, complete}, true},
		{"empty", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.evts)
			if (err != nil) != tt.wantErr {
				t.Errorf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCollectorAndTee(t *testing.T) {
	var a, b Collector
	emit := Tee(a.Emit, nil, b.Emit)
	emit(Event{Kind: KindUsage})
	emit(Event{Kind: KindMessageComplete})

	if a.Count(KindUsage) != 1 || len(b.Kinds()) != 2 {
		t.Errorf("collectors = %v / %v", a.Kinds(), b.Kinds())
	}
}
