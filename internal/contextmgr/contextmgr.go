// Package contextmgr trims the per-request working set: role
// normalization, tool-pair repair, and turn/token-budget trimming.
package contextmgr

import (
	"log/slog"

	"github.com/mikabot/mika/internal/providers"
)

// Trim modes.
const (
	ModeLegacy     = "legacy"
	ModeStructured = "structured"
)

// Options are the per-session trim budgets.
type Options struct {
	Mode            string
	MaxTurns        int
	MaxTokensSoft   int
	HardMaxMessages int
}

var knownRoles = map[string]bool{
	providers.RoleSystem:    true,
	providers.RoleUser:      true,
	providers.RoleAssistant: true,
	providers.RoleTool:      true,
}

// Prepare normalizes and trims a stored history for one request.
func Prepare(history []providers.Message, opts Options) []providers.Message {
	msgs := Normalize(history)

	if opts.Mode != ModeLegacy {
		msgs = trimStructured(msgs, opts.MaxTurns, opts.MaxTokensSoft)
	}

	if opts.HardMaxMessages > 0 && len(msgs) > opts.HardMaxMessages {
		msgs = msgs[len(msgs)-opts.HardMaxMessages:]
		msgs = repairToolPairs(msgs)
	}
	return msgs
}

// Normalize drops unsupported roles and repairs dangling tool blocks: an
// orphan tool message is dropped, an assistant tool-calls message keeps its
// pairing or gets synthesized results.
func Normalize(history []providers.Message) []providers.Message {
	var msgs []providers.Message
	for _, m := range history {
		if !knownRoles[m.Role] {
			slog.Debug("dropping message with unsupported role", "role", m.Role)
			continue
		}
		msgs = append(msgs, m)
	}
	return repairToolPairs(msgs)
}

// repairToolPairs enforces the tool-pairing invariant: every assistant
// tool_calls message is followed by matching tool results; everything that
// cannot be paired is dropped or synthesized.
func repairToolPairs(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == providers.RoleTool {
		slog.Warn("dropping orphaned tool message at history start",
			"tool_call_id", msgs[start].ToolCallID)
		start++
	}
	if start >= len(msgs) {
		return nil
	}

	var result []providers.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]

		switch {
		case msg.Role == providers.RoleAssistant && len(msg.ToolCalls) > 0:
			expected := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expected[tc.ID] = true
			}
			result = append(result, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == providers.RoleTool {
				i++
				toolMsg := msgs[i]
				if expected[toolMsg.ToolCallID] {
					result = append(result, toolMsg)
					delete(expected, toolMsg.ToolCallID)
				} else {
					slog.Warn("dropping mismatched tool result",
						"tool_call_id", toolMsg.ToolCallID)
				}
			}

			for _, tc := range msg.ToolCalls {
				if expected[tc.ID] {
					slog.Warn("synthesizing missing tool result", "tool_call_id", tc.ID)
					result = append(result, providers.Message{
						Role:       providers.RoleTool,
						Content:    "[Tool result missing from history]",
						ToolCallID: tc.ID,
					})
				}
			}

		case msg.Role == providers.RoleTool:
			slog.Warn("dropping orphaned tool message mid-history",
				"tool_call_id", msg.ToolCallID)

		default:
			result = append(result, msg)
		}
	}
	return result
}

// trimStructured splits history into turns at user boundaries, keeps the
// last maxTurns, then drops oldest turns while over the soft token budget.
func trimStructured(msgs []providers.Message, maxTurns, maxTokensSoft int) []providers.Message {
	turns := splitTurns(msgs)
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}

	if maxTokensSoft > 0 {
		for len(turns) > 1 && totalTokens(turns) > maxTokensSoft {
			turns = turns[1:]
		}
	}

	var out []providers.Message
	for _, turn := range turns {
		out = append(out, turn...)
	}
	return out
}

// splitTurns groups messages into turns starting at each user message.
// A leading run of non-user messages forms its own turn.
func splitTurns(msgs []providers.Message) [][]providers.Message {
	var turns [][]providers.Message
	var current []providers.Message
	for _, m := range msgs {
		if m.Role == providers.RoleUser && len(current) > 0 {
			turns = append(turns, current)
			current = nil
		}
		current = append(current, m)
	}
	if len(current) > 0 {
		turns = append(turns, current)
	}
	return turns
}

func totalTokens(turns [][]providers.Message) int {
	total := 0
	for _, turn := range turns {
		for _, m := range turn {
			total += EstimateTokens(&m)
		}
	}
	return total
}

// EstimateTokens approximates message size as chars/4 plus tool payloads.
func EstimateTokens(m *providers.Message) int {
	chars := len(m.Content)
	for _, p := range m.Parts {
		chars += len(p.Text)
		if p.ImageURL != nil {
			chars += 200 // flat image cost
		}
	}
	for _, tc := range m.ToolCalls {
		chars += len(tc.Function.Name) + len(tc.Function.Arguments)
	}
	return chars/4 + 4
}

// EstimateMessagesTokens sums EstimateTokens over a message list.
func EstimateMessagesTokens(msgs []providers.Message) int {
	total := 0
	for i := range msgs {
		total += EstimateTokens(&msgs[i])
	}
	return total
}
