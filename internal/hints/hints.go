// Package hints builds continuation hints: synthetic instructions that
// tell the model which steps of a multi-step request are already done so
// it carries on without re-creating entities or asking for confirmation
// again.
package hints

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/quill/internal/conversation"
	"github.com/nugget/quill/internal/llm"
)

// Entity is something a tool call created or touched.
type Entity struct {
	Kind string // "client", "product", "invoice"...
	ID   string
	Tool string
}

// Entities extracts entity identifiers from the successful tool results
// recorded since the last genuine user message. Result data keys ending
// in "Id" name the entity kind ("clientId" -> "client").
func Entities(msgs []*conversation.Message) []Entity {
	var out []Entity
	seen := make(map[string]bool)
	for _, m := range sinceLastRequest(msgs) {
		if m.Role != llm.RoleTool || m.Metadata == nil {
			continue
		}
		if s := m.Metadata.Status; s != conversation.ToolSuccess && s != conversation.ToolReused {
			continue
		}
		keys := make([]string, 0, len(m.Metadata.Data))
		for k := range m.Metadata.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			id, ok := m.Metadata.Data[k].(string)
			if !ok || id == "" || !strings.HasSuffix(k, "Id") || len(k) <= 2 {
				continue
			}
			kind := strings.TrimSuffix(k, "Id")
			if seen[kind+"/"+id] {
				continue
			}
			seen[kind+"/"+id] = true
			out = append(out, Entity{Kind: kind, ID: id, Tool: m.ToolName})
		}
	}
	return out
}

// LastIntent returns the text of the most recent genuine user message.
func LastIntent(msgs []*conversation.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if isRequest(msgs[i]) {
			return msgs[i].Text()
		}
	}
	return ""
}

// Build returns the hint for the current state of msgs, or false when
// there is nothing to continue.
func Build(msgs []*conversation.Message) (string, bool) {
	intent := LastIntent(msgs)
	entities := Entities(msgs)
	if intent == "" || len(entities) == 0 {
		return "", false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Poursuis la demande initiale de l'utilisateur : « %s ».", intent)
	b.WriteString(" Éléments déjà créés ou mis à jour :")
	for i, e := range entities {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, " %s %s (%s)", e.Kind, e.ID, e.Tool)
	}
	b.WriteString(". Réutilise ces identifiants, ne les recrée pas et ne redemande pas de confirmation pour les étapes déjà réalisées. Si la demande est entièrement traitée, réponds simplement avec un résumé.")
	return b.String(), true
}

func isRequest(m *conversation.Message) bool {
	return m.Role == llm.RoleUser && (m.Metadata == nil || !m.Metadata.Hint)
}

func sinceLastRequest(msgs []*conversation.Message) []*conversation.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if isRequest(msgs[i]) {
			return msgs[i+1:]
		}
	}
	return msgs
}
