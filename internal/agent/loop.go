package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/quill/internal/confirm"
	"github.com/nugget/quill/internal/conversation"
	"github.com/nugget/quill/internal/events"
	"github.com/nugget/quill/internal/hints"
	"github.com/nugget/quill/internal/llm"
	"github.com/nugget/quill/internal/scope"
	"github.com/nugget/quill/internal/tools"
	"github.com/nugget/quill/internal/usage"
)

// turn is the state of one RunTurn call.
type turn struct {
	l      *Loop
	ctx    context.Context
	id     string
	userID string
	req    Request
	emit   events.Emitter
	log    *slog.Logger
	start  time.Time

	convID  string
	ec      tools.ExecContext
	history []*conversation.Message
	rounds  int
	// steps are the summaries of calls completed during this turn.
	steps []string
}

// RunTurn processes one request for userID, delivering events to emit in
// order. It returns the outcome, or a *TurnError after emitting exactly
// one fatal error event.
func (l *Loop) RunTurn(ctx context.Context, userID string, req Request, emit events.Emitter) (*Outcome, error) {
	if emit == nil {
		emit = events.Discard
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate turn ID: %w", err)
	}

	t := &turn{
		l:      l,
		ctx:    ctx,
		id:     id.String(),
		userID: userID,
		req:    req,
		emit:   emit,
		start:  l.now(),
		convID: req.ConversationID,
	}
	t.log = l.log.With("turn_id", t.id, "user_id", userID)

	out, err := t.run()
	outcome := "error"
	if err == nil {
		outcome = string(out.Status)
	}
	turnsTotal.WithLabelValues(outcome).Inc()
	turnDuration.Observe(time.Since(t.start).Seconds())
	return out, err
}

func (t *turn) run() (*Outcome, error) {
	l := t.l

	st, err := l.deps.Usage.Get(t.ctx, t.userID)
	if err != nil {
		t.send(events.Event{Kind: events.KindUsage, Usage: &events.Usage{}})
		return t.fail(KindOf(err), "", err)
	}
	t.send(events.Event{Kind: events.KindUsage, Usage: &events.Usage{
		Used: st.Used, Limit: st.Limit, Remaining: st.Remaining, Locked: st.Locked,
	}})

	message := strings.TrimSpace(t.req.Message)
	if message == "" && t.req.ToolConfirmationID == "" {
		return t.fail(KindInvalidRequest, "", errEmptyRequest)
	}
	if st.Locked {
		return t.fail(KindUsageLimit, "", errUsageLimit)
	}

	var pendingConv string
	if t.req.ToolConfirmationID != "" {
		p, err := l.deps.Pending.Lookup(t.ctx, t.userID, t.req.ToolConfirmationID)
		if err != nil {
			return t.fail(KindOf(err), "", err)
		}
		if t.convID != "" && t.convID != p.ConversationID {
			return t.fail(KindPendingNotFound, "", confirm.ErrNotFound)
		}
		pendingConv = p.ConversationID
		t.convID = p.ConversationID
	}

	conv, err := l.deps.Conversations.Ensure(t.ctx, t.userID, t.convID)
	if err != nil {
		return t.fail(KindOf(err), "", err)
	}
	t.convID = conv.ID
	t.log = t.log.With("conversation_id", conv.ID)

	release, err := l.deps.Locker.Lock(t.ctx, conv.ID)
	if err != nil {
		return t.fail(KindOf(err), "", err)
	}
	defer release()

	t.ec = tools.ExecContext{UserID: t.userID, ConversationID: conv.ID, Timezone: t.timezone()}

	t.history, err = l.deps.Conversations.Load(t.ctx, t.userID, conv.ID)
	if err != nil {
		return t.fail(KindInternal, "", err)
	}

	if pendingConv != "" {
		return t.resumeConfirmation()
	}

	decision, err := l.deps.Scope.Evaluate(t.ctx, t.historyText(), message, t.req.Context)
	if err != nil {
		return t.fail(KindInternal, "", fmt.Errorf("evaluate scope: %w", err))
	}
	if !decision.Allowed {
		return t.outOfScope(message, decision)
	}

	if err := t.appendUser(message); err != nil {
		return t.fail(KindInternal, "", err)
	}
	if err := l.deps.Usage.Increment(t.ctx, t.userID, usage.Delta{Messages: 1}); err != nil {
		t.log.Warn("usage increment failed", "error", err)
	}

	t.log.Info("turn started", "message_len", len(message), "history", len(t.history))
	return t.loop()
}

// loop runs model-call rounds until a terminal state or the bound.
func (t *turn) loop() (*Outcome, error) {
	l := t.l
	specs := l.deps.Tools.List()

	for t.rounds < l.cfg.MaxIterations {
		t.rounds++
		log := t.log.With("round", t.rounds)

		resp, err := l.deps.LLM.Complete(t.ctx, t.modelMessages(), specs)
		if err != nil {
			if t.ctx.Err() != nil {
				return t.fail(KindCancelled, "", t.ctx.Err())
			}
			return t.fail(KindProvider, "", err)
		}
		t.recordTokens(resp)
		modelCalls.WithLabelValues(resp.Provider).Inc()

		log.Debug("model responded",
			"provider", resp.Provider,
			"model", resp.Model,
			"tool_calls", len(resp.Message.ToolCalls),
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
		)

		if len(resp.Message.ToolCalls) == 0 {
			return t.complete(resp.Message.Content)
		}

		calls, err := t.assignCallIDs(resp.Message.ToolCalls)
		if err != nil {
			return t.fail(KindInternal, "", err)
		}
		if _, err := t.append(conversation.Message{
			Role:      llm.RoleAssistant,
			Blocks:    textBlocks(resp.Message.Content),
			ToolCalls: calls,
		}); err != nil {
			return t.fail(KindInternal, "", err)
		}

		progressed := false
		for _, tc := range calls {
			res := t.dispatch(tc)
			switch res.action {
			case actionFail:
				return t.fail(KindOf(res.err), tc.Function.Name, res.err)
			case actionHalt:
				return res.outcome, nil
			case actionTerminal:
				return t.complete(t.completionSummary())
			}
			progressed = progressed || res.succeeded
		}

		if progressed {
			t.addHint()
		}
	}

	t.log.Warn("iteration bound reached", "rounds", t.rounds)
	return t.fail(KindIterationBound, "", errIterationBound)
}

// complete normalizes and persists the final answer, then streams it.
func (t *turn) complete(raw string) (*Outcome, error) {
	text := NormalizeText(raw)
	msg, err := t.append(conversation.Message{Role: llm.RoleAssistant, Blocks: textBlocks(text)})
	if err != nil {
		return t.fail(KindInternal, "", err)
	}

	for _, chunk := range Chunk(text, tokenChunkSize) {
		t.send(events.Event{Kind: events.KindMessageToken, Token: chunk})
	}
	t.send(events.Event{Kind: events.KindMessageComplete, Complete: &events.Complete{MessageID: msg.ID, Text: text}})

	t.log.Info("turn completed", "rounds", t.rounds, "elapsed", time.Since(t.start).Round(time.Millisecond))
	return &Outcome{
		TurnID:         t.id,
		ConversationID: t.convID,
		Status:         StatusCompleted,
		MessageID:      msg.ID,
		Text:           text,
		Rounds:         t.rounds,
	}, nil
}

func (t *turn) outOfScope(message string, d scope.Decision) (*Outcome, error) {
	if err := t.appendUser(message); err != nil {
		return t.fail(KindInternal, "", err)
	}
	t.log.Info("request out of scope", "metadata", d.Metadata)

	out, err := t.complete(scope.OutOfScopeAnswer)
	if out != nil {
		out.Status = StatusOutOfScope
	}
	return out, err
}

func (t *turn) appendUser(message string) error {
	if _, err := t.append(conversation.Message{Role: llm.RoleUser, Blocks: textBlocks(message)}); err != nil {
		return err
	}
	if err := t.l.deps.Conversations.TouchTitle(t.ctx, t.convID, message); err != nil {
		t.log.Warn("conversation title update failed", "error", err)
	}
	return nil
}

// append persists m and adds it to the working history.
func (t *turn) append(m conversation.Message) (*conversation.Message, error) {
	m.ConversationID = t.convID
	saved, err := t.l.deps.Conversations.Append(t.ctx, m)
	if err != nil {
		return nil, fmt.Errorf("append %s message: %w", m.Role, err)
	}
	t.history = append(t.history, saved)
	return saved, nil
}

// addHint replaces any previous continuation hint with a fresh one.
// Hints live only in the working history and are never persisted.
func (t *turn) addHint() {
	kept := t.history[:0]
	for _, m := range t.history {
		if m.Metadata == nil || !m.Metadata.Hint {
			kept = append(kept, m)
		}
	}
	t.history = kept

	text, ok := hints.Build(t.history)
	if !ok {
		return
	}
	t.history = append(t.history, &conversation.Message{
		ConversationID: t.convID,
		Role:           llm.RoleUser,
		Blocks:         textBlocks(text),
		Metadata:       &conversation.Metadata{Hint: true},
	})
}

func (t *turn) recordTokens(resp *llm.ChatResponse) {
	l := t.l
	if err := l.deps.Usage.Increment(t.ctx, t.userID, usage.Delta{Tokens: resp.TotalTokens()}); err != nil {
		t.log.Warn("usage increment failed", "error", err)
	}
	if err := l.deps.Usage.Record(t.ctx, usage.Record{
		TurnID:         t.id,
		UserID:         t.userID,
		ConversationID: t.convID,
		Model:          resp.Model,
		Provider:       resp.Provider,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
	}); err != nil {
		t.log.Warn("usage record failed", "error", err)
	}
}

// send stamps and delivers an event to the caller and the bus.
func (t *turn) send(e events.Event) {
	e.ConversationID = t.convID
	e.Timestamp = t.l.now()
	t.emit(e)
	t.l.deps.Bus.Publish(e)
}

// fail emits the fatal error event and returns the matching error.
func (t *turn) fail(kind ErrorKind, tool string, err error) (*Outcome, error) {
	if kind == "" {
		kind = KindInternal
	}
	te := turnErr(kind, tool, err)
	level := slog.LevelWarn
	if kind == KindInternal {
		level = slog.LevelError
	}
	t.log.Log(context.WithoutCancel(t.ctx), level, "turn failed", "kind", kind, "tool", tool, "error", err)

	t.send(events.Event{Kind: events.KindError, Error: &events.Error{
		Code:    string(kind),
		Message: userMessage(kind, err),
		Tool:    tool,
		Fatal:   true,
	}})
	return nil, te
}

func (t *turn) timezone() string {
	if t.req.ClientTimezone != "" {
		if _, err := time.LoadLocation(t.req.ClientTimezone); err == nil {
			return t.req.ClientTimezone
		}
	}
	return t.l.cfg.Timezone
}

func (t *turn) historyText() []string {
	var out []string
	for _, m := range t.history {
		if m.Role == llm.RoleUser || (m.Role == llm.RoleAssistant && len(m.ToolCalls) == 0) {
			if s := m.Text(); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// assignCallIDs keeps provider tool-call IDs that are new to the
// conversation and replaces empty or already used ones. Some providers
// number calls per response (call_0, call_1), which collide across rounds
// in the persisted log.
func (t *turn) assignCallIDs(calls []llm.ToolCall) ([]llm.ToolCall, error) {
	used := make(map[string]bool)
	for _, m := range t.history {
		if m.ToolCallID != "" {
			used[m.ToolCallID] = true
		}
		for _, tc := range m.ToolCalls {
			used[tc.ID] = true
		}
	}

	out := make([]llm.ToolCall, len(calls))
	for i, tc := range calls {
		if tc.ID == "" || used[tc.ID] {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, fmt.Errorf("generate tool call ID: %w", err)
			}
			tc.ID = "call_" + strings.ReplaceAll(id.String(), "-", "")
		}
		used[tc.ID] = true
		out[i] = tc
	}
	return out, nil
}

func textBlocks(s string) []conversation.Block {
	if s == "" {
		return nil
	}
	return []conversation.Block{conversation.TextBlock(s)}
}

// userMessage is the text carried by error events.
func userMessage(kind ErrorKind, err error) string {
	switch kind {
	case KindPendingNotFound:
		return confirm.ErrNotFound.Error()
	case KindIterationBound:
		return errIterationBound.Error()
	case KindInternal:
		return "internal error"
	}
	return err.Error()
}
