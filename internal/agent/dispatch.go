package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/quill/internal/audit"
	"github.com/nugget/quill/internal/confirm"
	"github.com/nugget/quill/internal/conversation"
	"github.com/nugget/quill/internal/dedup"
	"github.com/nugget/quill/internal/events"
	"github.com/nugget/quill/internal/llm"
	"github.com/nugget/quill/internal/schema"
	"github.com/nugget/quill/internal/tools"
	"github.com/nugget/quill/internal/usage"
)

type action int

const (
	actionContinue action = iota
	actionHalt
	actionTerminal
	actionFail
)

// callResult is the data the loop inspects after each tool call.
type callResult struct {
	action    action
	succeeded bool
	outcome   *Outcome
	err       error
}

// dispatch runs one tool call through validation, dedup, the
// confirmation gate and execution.
func (t *turn) dispatch(tc llm.ToolCall) callResult {
	name := tc.Function.Name

	tool, err := t.l.deps.Tools.Get(name)
	if err != nil {
		return t.callFailed(tc.ID, name, nil, KindUnknownTool, err, tc.Function.Arguments)
	}

	args, err := schema.ValidateArgs(tool.Schema, tc.Function.Arguments)
	if err != nil {
		return t.callFailed(tc.ID, name, tool, KindValidation, err, tc.Function.Arguments)
	}

	normalized := dedup.Normalize(tool, args, t.ec)
	hash, err := dedup.Hash(normalized)
	if err != nil {
		return t.callFailed(tc.ID, name, tool, KindValidation, err, normalized)
	}

	if prior, ok := t.findReusable(name, hash, normalized); ok {
		return t.reuse(tc.ID, tool, prior, normalized, hash)
	}
	if tool.RequiresConfirmation {
		return t.requestConfirmation(tc, tool, normalized, hash)
	}
	return t.execute(tc.ID, tool, normalized, hash)
}

// findReusable searches the dedup window of name for an equivalent call.
func (t *turn) findReusable(name, hash string, normalized map[string]any) (*conversation.Message, bool) {
	recent, err := t.l.deps.Conversations.RecentToolResults(t.ctx, t.convID, name, t.l.cfg.DedupWindow)
	if err != nil {
		t.log.Warn("dedup lookup failed", "tool", name, "error", err)
		return nil, false
	}

	window := make([]dedup.Record, 0, len(recent))
	byID := make(map[string]*conversation.Message, len(recent))
	for _, m := range recent {
		if m.Metadata == nil {
			continue
		}
		window = append(window, dedup.Record{
			MessageID:      m.ID,
			ToolName:       m.ToolName,
			ArgsHash:       m.Metadata.ArgsHash,
			NormalizedArgs: m.Metadata.NormalizedArgs,
			Summary:        m.Metadata.Summary,
			Data:           m.Metadata.Data,
		})
		byID[m.ID] = m
	}

	rec, ok := dedup.Match(hash, normalized, window)
	if !ok {
		return nil, false
	}
	return byID[rec.MessageID], true
}

// execute runs the handler exactly once and records the result.
func (t *turn) execute(toolCallID string, tool *tools.Tool, args map[string]any, hash string) callResult {
	log := t.log.With("tool", tool.Name, "tool_call_id", toolCallID)
	start := time.Now()

	res, err := tool.Handler.Execute(t.ctx, args, t.ec)
	if incErr := t.l.deps.Usage.Increment(t.ctx, t.userID, usage.Delta{ToolInvocations: 1}); incErr != nil {
		log.Warn("usage increment failed", "error", incErr)
	}
	toolDuration.WithLabelValues(tool.Name).Observe(time.Since(start).Seconds())

	if err == nil && res == nil {
		err = errors.New("handler returned no result")
	}
	if err == nil && !res.Success {
		msg := res.Summary
		if msg == "" {
			msg = "operation failed"
		}
		err = &tools.DomainError{Message: msg}
	}
	if err != nil {
		if t.ctx.Err() != nil {
			return callResult{action: actionFail, err: t.ctx.Err()}
		}
		if !tools.IsDomainError(err) {
			log.Error("tool handler failed unexpectedly", "error", err)
		}
		return t.callFailed(toolCallID, tool.Name, tool, KindDomain, err, args)
	}

	content := map[string]any{"success": true, "summary": res.Summary}
	if len(res.Data) > 0 {
		content["data"] = res.Data
	}
	if res.RequiresFollowUp {
		content["requiresFollowUp"] = true
	}
	blocks := []conversation.Block{conversation.TextBlock(toJSON(content))}
	if res.ActionCard != nil {
		blocks = append(blocks, conversation.CardBlock(res.ActionCard))
	}

	if _, err := t.append(conversation.Message{
		Role:       llm.RoleTool,
		ToolName:   tool.Name,
		ToolCallID: toolCallID,
		Blocks:     blocks,
		Metadata: &conversation.Metadata{
			Summary:        res.Summary,
			Data:           res.Data,
			NormalizedArgs: args,
			ArgsHash:       hash,
			Status:         conversation.ToolSuccess,
		},
	}); err != nil {
		return callResult{action: actionFail, err: turnErr(KindInternal, tool.Name, err)}
	}

	t.emitResult(toolCallID, tool.Name, res.Summary, res.Data, res.ActionCard, false)
	t.audit(tool.Name, tool, args, res.Data, audit.StatusSuccess, "")
	toolCalls.WithLabelValues(tool.Name, conversation.ToolSuccess).Inc()
	t.steps = append(t.steps, res.Summary)

	log.Info("tool executed", "summary", res.Summary, "elapsed", time.Since(start).Round(time.Millisecond))

	if tool.Terminal {
		return callResult{action: actionTerminal, succeeded: true}
	}
	return callResult{action: actionContinue, succeeded: true}
}

// reuse answers a repeated call from the stored result of prior.
func (t *turn) reuse(toolCallID string, tool *tools.Tool, prior *conversation.Message, args map[string]any, hash string) callResult {
	meta := prior.Metadata
	content := map[string]any{
		"success": true,
		"reused":  true,
		"summary": meta.Summary,
		"note":    "Cette action a déjà été exécutée avec les mêmes arguments ; le résultat précédent est réutilisé.",
	}
	if len(meta.Data) > 0 {
		content["data"] = meta.Data
	}
	blocks := []conversation.Block{conversation.TextBlock(toJSON(content))}
	var card *tools.ActionCard
	for _, b := range prior.Blocks {
		if b.Type == conversation.BlockActionCard && b.Card != nil {
			card = b.Card
			blocks = append(blocks, b)
			break
		}
	}

	if _, err := t.append(conversation.Message{
		Role:       llm.RoleTool,
		ToolName:   tool.Name,
		ToolCallID: toolCallID,
		Blocks:     blocks,
		Metadata: &conversation.Metadata{
			Summary:        meta.Summary,
			Data:           meta.Data,
			NormalizedArgs: args,
			ArgsHash:       hash,
			Status:         conversation.ToolReused,
		},
	}); err != nil {
		return callResult{action: actionFail, err: turnErr(KindInternal, tool.Name, err)}
	}

	t.emitResult(toolCallID, tool.Name, meta.Summary, meta.Data, card, true)
	t.audit(tool.Name, tool, args, meta.Data, audit.StatusReused, "")
	toolCalls.WithLabelValues(tool.Name, conversation.ToolReused).Inc()
	t.steps = append(t.steps, meta.Summary)

	t.log.Info("tool call reused", "tool", tool.Name, "prior_message_id", prior.ID)

	if tool.Terminal {
		return callResult{action: actionTerminal, succeeded: true}
	}
	return callResult{action: actionContinue, succeeded: true}
}

// requestConfirmation parks the call behind the confirmation gate and
// halts the turn.
func (t *turn) requestConfirmation(tc llm.ToolCall, tool *tools.Tool, args map[string]any, hash string) callResult {
	summary := tool.ConfirmationSummary(args)

	p, err := t.l.deps.Pending.Create(t.ctx, confirm.Pending{
		UserID:         t.userID,
		ConversationID: t.convID,
		ToolName:       tool.Name,
		ToolCallID:     tc.ID,
		Summary:        summary,
		Args:           args,
		ArgsHash:       hash,
	})
	if err != nil {
		return callResult{action: actionFail, err: turnErr(KindInternal, tool.Name, err)}
	}

	text := summary + " : confirmez-vous cette action ?"
	msg, err := t.append(conversation.Message{
		Role:   llm.RoleAssistant,
		Blocks: textBlocks(text),
		Metadata: &conversation.Metadata{
			Summary:        summary,
			NormalizedArgs: args,
			ArgsHash:       hash,
			Status:         conversation.ToolPending,
			PendingID:      p.ID,
		},
	})
	if err != nil {
		return callResult{action: actionFail, err: turnErr(KindInternal, tool.Name, err)}
	}

	t.audit(tool.Name, tool, args, nil, audit.StatusPending, "")
	toolCalls.WithLabelValues(tool.Name, conversation.ToolPending).Inc()
	t.send(events.Event{Kind: events.KindConfirmationRequired, Confirmation: &events.Confirmation{
		PendingID: p.ID,
		ToolName:  tool.Name,
		Summary:   summary,
		Arguments: args,
		ExpiresAt: p.ExpiresAt,
	}})

	t.log.Info("awaiting confirmation", "tool", tool.Name, "pending_id", p.ID)
	return callResult{action: actionHalt, outcome: &Outcome{
		TurnID:         t.id,
		ConversationID: t.convID,
		Status:         StatusAwaitingConfirmation,
		MessageID:      msg.ID,
		Text:           text,
		PendingID:      p.ID,
		Rounds:         t.rounds,
	}}
}

// callFailed records a recoverable per-call failure: a tool message the
// model can read, a non-fatal error event and an audit entry.
func (t *turn) callFailed(toolCallID, name string, tool *tools.Tool, kind ErrorKind, err error, args map[string]any) callResult {
	msg := err.Error()
	if kind == KindValidation {
		msg = "invalid arguments: " + msg
	}

	if _, aerr := t.append(conversation.Message{
		Role:       llm.RoleTool,
		ToolName:   name,
		ToolCallID: toolCallID,
		Blocks:     textBlocks(toJSON(map[string]any{"success": false, "error": msg})),
		Metadata:   &conversation.Metadata{Status: conversation.ToolError, Error: msg},
	}); aerr != nil {
		return callResult{action: actionFail, err: turnErr(KindInternal, name, aerr)}
	}

	t.send(events.Event{Kind: events.KindError, Error: &events.Error{
		Code:    string(kind),
		Message: msg,
		Tool:    name,
		Fatal:   false,
	}})
	t.audit(name, tool, args, nil, audit.StatusError, msg)
	label := name
	if tool == nil {
		label = "unknown"
	}
	toolCalls.WithLabelValues(label, conversation.ToolError).Inc()

	t.log.Warn("tool call failed", "tool", name, "kind", kind, "error", err)
	return callResult{action: actionContinue}
}

func (t *turn) emitResult(toolCallID, name, summary string, data map[string]any, card *tools.ActionCard, reused bool) {
	t.send(events.Event{Kind: events.KindToolResult, ToolResult: &events.ToolResult{
		ToolName:   name,
		ToolCallID: toolCallID,
		Success:    true,
		Summary:    summary,
		Data:       data,
		Reused:     reused,
	}})
	if card != nil {
		t.send(events.Event{Kind: events.KindActionCard, ActionCard: card})
	}
}

func (t *turn) audit(name string, tool *tools.Tool, payload, result map[string]any, status audit.Status, errMsg string) {
	action := name
	if tool != nil {
		action = tool.ConfirmationSummary(payload)
	}
	err := t.l.deps.Audit.Log(t.ctx, audit.Entry{
		ToolName:       name,
		Action:         action,
		UserID:         t.userID,
		ConversationID: t.convID,
		Payload:        payload,
		Result:         result,
		Status:         status,
		Error:          errMsg,
	})
	if err != nil {
		t.log.Warn("audit log failed", "tool", name, "error", err)
	}
}

// completionSummary is the final answer of a turn ended by a terminal
// tool.
func (t *turn) completionSummary() string {
	switch len(t.steps) {
	case 0:
		return ""
	case 1:
		return t.steps[0]
	}
	var b strings.Builder
	b.WriteString("Voici ce qui a été fait :")
	for _, s := range t.steps {
		fmt.Fprintf(&b, "\n- %s", s)
	}
	return b.String()
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(b)
}
