package agent

import (
	"github.com/nugget/quill/internal/conversation"
	"github.com/nugget/quill/internal/llm"
)

// modelMessages renders the working history for the provider: the
// system prompt followed by the repaired log.
func (t *turn) modelMessages() []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt(t.l.now(), t.ec.Location(), t.req.Context)}}
	return append(msgs, repairHistory(t.history)...)
}

// repairHistory converts stored messages to provider messages so every
// assistant tool call is immediately followed by its result. A call is
// paired with the first unused result carrying its ID that was stored
// after it, so a reused ID never steals a later call's result. Calls
// that never got a result (a halted batch, a parked confirmation) are
// dropped, as are results without a call. Consecutive plain messages of
// the same role are merged.
func repairHistory(history []*conversation.Message) []llm.Message {
	positions := make(map[string][]int)
	for i, m := range history {
		if m.Role == llm.RoleTool && m.ToolCallID != "" {
			positions[m.ToolCallID] = append(positions[m.ToolCallID], i)
		}
	}
	used := make(map[int]bool)
	resultFor := func(id string, after int) (*conversation.Message, bool) {
		for _, p := range positions[id] {
			if p > after && !used[p] {
				used[p] = true
				return history[p], true
			}
		}
		return nil, false
	}

	out := make([]llm.Message, 0, len(history))
	for i, m := range history {
		switch m.Role {
		case llm.RoleTool:
			// Emitted next to the call that produced it.

		case llm.RoleAssistant:
			var calls []llm.ToolCall
			var results []*conversation.Message
			for _, tc := range m.ToolCalls {
				if tc.ID == "" {
					continue
				}
				if r, ok := resultFor(tc.ID, i); ok {
					calls = append(calls, tc)
					results = append(results, r)
				}
			}
			text := m.Text()
			if len(calls) == 0 {
				out = appendPlain(out, llm.RoleAssistant, text)
				continue
			}
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: calls})
			for j, tc := range calls {
				out = append(out, llm.Message{
					Role:       llm.RoleTool,
					Content:    results[j].Text(),
					ToolCallID: tc.ID,
					ToolName:   results[j].ToolName,
				})
			}

		case llm.RoleUser:
			out = appendPlain(out, llm.RoleUser, m.Text())
		}
	}
	return out
}

func appendPlain(out []llm.Message, role, text string) []llm.Message {
	if text == "" {
		return out
	}
	if n := len(out); n > 0 {
		prev := &out[n-1]
		if prev.Role == role && len(prev.ToolCalls) == 0 {
			prev.Content += "\n\n" + text
			return out
		}
	}
	return append(out, llm.Message{Role: role, Content: text})
}
