package agent

// resumeConfirmation consumes the pending call named by the request,
// runs it once and carries the turn on with a continuation hint.
func (t *turn) resumeConfirmation() (*Outcome, error) {
	p, err := t.l.deps.Pending.Consume(t.ctx, t.userID, t.req.ToolConfirmationID)
	if err != nil {
		return t.fail(KindOf(err), "", err)
	}
	log := t.log.With("pending_id", p.ID, "tool", p.ToolName)

	tool, err := t.l.deps.Tools.Get(p.ToolName)
	if err != nil {
		return t.fail(KindUnknownTool, p.ToolName, err)
	}
	log.Info("confirmation accepted")

	toolCallID := p.ToolCallID
	if toolCallID == "" {
		toolCallID = "confirm_" + p.ID
	}
	var res callResult
	if prior, ok := t.findReusable(tool.Name, p.ArgsHash, p.Args); ok {
		res = t.reuse(toolCallID, tool, prior, p.Args, p.ArgsHash)
	} else {
		res = t.execute(toolCallID, tool, p.Args, p.ArgsHash)
	}

	switch res.action {
	case actionFail:
		return t.fail(KindOf(res.err), tool.Name, res.err)
	case actionTerminal:
		return t.complete(t.completionSummary())
	}
	if res.succeeded {
		t.addHint()
	}
	return t.loop()
}
