package hints

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/quill/internal/conversation"
	"github.com/nugget/quill/internal/llm"
)

func user(text string) *conversation.Message {
	return &conversation.Message{Role: llm.RoleUser, Blocks: []conversation.Block{conversation.TextBlock(text)}}
}

func hint(text string) *conversation.Message {
	m := user(text)
	m.Metadata = &conversation.Metadata{Hint: true}
	return m
}

func toolMsg(tool, status string, data map[string]any) *conversation.Message {
	return &conversation.Message{Role: llm.RoleTool, ToolName: tool, Metadata: &conversation.Metadata{Status: status, Data: data}}
}

func TestBuild(t *testing.T) {
	msgs := []*conversation.Message{
		user("Crée Paul"),
		toolMsg("create_client", conversation.ToolSuccess, map[string]any{"clientId": "cl_old"}),
		user("Crée Jean Dupont et facture-lui un audit"),
		toolMsg("create_client", conversation.ToolSuccess, map[string]any{"clientId": "cl_1", "name": "Jean"}),
		hint("Poursuis..."),
		toolMsg("create_product", conversation.ToolError, map[string]any{"productId": "pr_bad"}),
		toolMsg("create_product", conversation.ToolReused, map[string]any{"productId": "pr_1"}),
	}

	want := []Entity{
		{Kind: "client", ID: "cl_1", Tool: "create_client"},
		{Kind: "product", ID: "pr_1", Tool: "create_product"},
	}
	if diff := cmp.Diff(want, Entities(msgs)); diff != "" {
		t.Errorf("Entities mismatch (-want +got):\n%s", diff)
	}

	text, ok := Build(msgs)
	if !ok {
		t.Fatal("Build returned no hint")
	}
	for _, s := range []string{"Crée Jean Dupont et facture-lui un audit", "client cl_1", "product pr_1", "ne redemande pas de confirmation"} {
		if !strings.Contains(text, s) {
			t.Errorf("hint missing %q:\n%s", s, text)
		}
	}
	if strings.Contains(text, "cl_old") || strings.Contains(text, "pr_bad") {
		t.Errorf("hint mentions stale or failed entities:\n%s", text)
	}
}

func TestBuild_NothingToContinue(t *testing.T) {
	if _, ok := Build([]*conversation.Message{user("Bonjour")}); ok {
		t.Error("no entities should yield no hint")
	}
	if _, ok := Build(nil); ok {
		t.Error("empty history should yield no hint")
	}
}
