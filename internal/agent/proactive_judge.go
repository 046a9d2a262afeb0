package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mikabot/mika/internal/memory"
	"github.com/mikabot/mika/internal/providers"
	"github.com/mikabot/mika/internal/sessions"
)

const judgeSystemPrompt = `You observe a group chat. Decide whether the bot should speak up now without being addressed.
Say yes only when the bot can add real value: answer an open question, correct a factual error, or contribute to a topic it knows well.
Reply with JSON only: {"should_reply":bool,"reason":"short"}`

type judgeDecision struct {
	ShouldReply bool   `json:"should_reply"`
	Reason      string `json:"reason"`
}

// JudgeProactive asks the fast model whether a gate trigger deserves an
// actual reply. Keyword triggers skip the judge.
func (o *Orchestrator) JudgeProactive(ctx context.Context, groupID string, trigger *TriggerResult) (bool, error) {
	if trigger == nil {
		return false, nil
	}
	if trigger.Path == TriggerKeyword {
		return true, nil
	}

	limit := o.cfg.Proactive.JudgeHistoryMessages
	if limit <= 0 {
		limit = 15
	}
	rows, err := o.deps.Contexts.ArchiveTail(ctx, sessions.GroupKey(groupID), limit)
	if err != nil {
		return false, fmt.Errorf("judge history: %w", err)
	}
	if len(rows) == 0 {
		return false, nil
	}

	var b strings.Builder
	for _, row := range rows {
		fmt.Fprintf(&b, "%s: %s\n", row.UserID, row.Content)
	}

	model := o.cfg.LLM.FastModel
	if model == "" {
		model = o.cfg.LLM.Model
	}
	timeout := time.Duration(o.cfg.Planner.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := o.deps.LLM.Chat(callCtx, &providers.ChatRequest{
		Model: model,
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: judgeSystemPrompt},
			{Role: providers.RoleUser, Content: b.String()},
		},
		MaxTokens:      200,
		ResponseFormat: map[string]interface{}{"type": "json_object"},
	}, providers.CallMeta{Phase: "proactive_judge"})
	if err != nil {
		return false, fmt.Errorf("proactive judge: %w", err)
	}

	var decision judgeDecision
	if err := json.Unmarshal([]byte(memory.StripJSONFence(resp.Content)), &decision); err != nil {
		return false, fmt.Errorf("parse judge decision: %w", err)
	}
	o.log.Debug("proactive.judged", "group", groupID,
		"should_reply", decision.ShouldReply, "reason", decision.Reason)
	return decision.ShouldReply, nil
}

// ProactiveInjection builds the synthetic instruction for an unsolicited
// reply: it names the sender and quotes the line that fired the gate, so
// the model knows nobody addressed it and what to respond to.
func ProactiveInjection(trigger *TriggerResult, senderName, text string) string {
	reason := "the conversation touched a topic you can help with"
	if trigger != nil && trigger.Path == TriggerKeyword {
		reason = "a watched keyword came up"
	}
	if senderName == "" {
		senderName = "someone"
	}

	var b strings.Builder
	b.WriteString("[System Instruction - proactive] Nobody addressed you directly; ")
	b.WriteString(reason)
	b.WriteString(". ")
	fmt.Fprintf(&b, "%s just said: %q. ", senderName, text)
	b.WriteString("Join in naturally with one short message replying to that line, or answer NO_REPLY if you have nothing worth adding.")
	return b.String()
}
