package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nugget/quill/internal/schema"
)

func noop() Handler {
	return HandlerFunc(func(ctx context.Context, args map[string]any, ec ExecContext) (*Result, error) {
		return &Result{Success: true, Summary: "ok"}, nil
	})
}

func TestNewRegistry_RejectsBadDescriptors(t *testing.T) {
	tests := []struct {
		name  string
		tools []*Tool
		want  string
	}{
		{"duplicate", []*Tool{
			{Name: "a", Schema: schema.Object(), Handler: noop()},
			{Name: "a", Schema: schema.Object(), Handler: noop()},
		}, "registered twice"},
		{"nil handler", []*Tool{{Name: "b", Schema: schema.Object()}}, "nil handler"},
		{"bad schema", []*Tool{{Name: "c", Schema: schema.String(), Handler: noop()}}, "schema root"},
		{"empty name", []*Tool{{Schema: schema.Object(), Handler: noop()}}, "empty name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.tools...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := MustRegistry(&Tool{Name: "search_clients", Schema: schema.Object(), Handler: noop()})

	if _, err := r.Get("search_clients"); err != nil {
		t.Fatalf("Get(search_clients) error: %v", err)
	}

	_, err := r.Get("delete_everything")
	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want *ErrToolUnavailable", err)
	}
	if unavailable.ToolName != "delete_everything" {
		t.Errorf("ToolName = %q", unavailable.ToolName)
	}
}

func TestRegistry_ListIsSortedFunctionFormat(t *testing.T) {
	r := MustRegistry(
		&Tool{Name: "zeta", Description: "z", Schema: schema.Object(), Handler: noop()},
		&Tool{Name: "alpha", Description: "a", Schema: schema.Object(
			schema.Prop("name", schema.String()),
		), Handler: noop()},
	)

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("len(List) = %d, want 2", len(list))
	}
	fn := list[0]["function"].(map[string]any)
	if fn["name"] != "alpha" {
		t.Errorf("first tool = %v, want alpha", fn["name"])
	}
	if list[0]["type"] != "function" {
		t.Errorf("type = %v, want function", list[0]["type"])
	}
	params := fn["parameters"].(map[string]any)
	if params["type"] != "object" {
		t.Errorf("parameters.type = %v, want object", params["type"])
	}
	if got := r.Names(); got[0] != "alpha" || got[1] != "zeta" {
		t.Errorf("Names() = %v", got)
	}
}

func TestConfirmationSummary(t *testing.T) {
	withSummary := &Tool{Name: "create_client", Summary: func(args map[string]any) string {
		return "Créer le client " + args["name"].(string)
	}}
	if got := withSummary.ConfirmationSummary(map[string]any{"name": "Jean Dupont"}); got != "Créer le client Jean Dupont" {
		t.Errorf("summary = %q", got)
	}

	bare := &Tool{Name: "send_email"}
	if got := bare.ConfirmationSummary(nil); got != "Exécuter send_email" {
		t.Errorf("fallback summary = %q", got)
	}
}

func TestExecContext_Location(t *testing.T) {
	if loc := (ExecContext{Timezone: "Europe/Paris"}).Location(); loc.String() != "Europe/Paris" {
		t.Errorf("Location = %v", loc)
	}
	if loc := (ExecContext{Timezone: "Mars/Olympus"}).Location(); loc != time.UTC {
		t.Errorf("invalid zone should fall back to UTC, got %v", loc)
	}
}
