package contextmgr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikabot/mika/internal/providers"
)

func user(content string) providers.Message {
	return providers.Message{Role: "user", Content: content}
}

func assistant(content string) providers.Message {
	return providers.Message{Role: "assistant", Content: content}
}

func toolCallMsg(ids ...string) providers.Message {
	m := providers.Message{Role: "assistant"}
	for _, id := range ids {
		m.ToolCalls = append(m.ToolCalls, providers.ToolCall{
			ID: id, Type: "function",
			Function: providers.ToolCallFunction{Name: "web_search", Arguments: "{}"},
		})
	}
	return m
}

func toolResult(id string) providers.Message {
	return providers.Message{Role: "tool", ToolCallID: id, Content: "result"}
}

func TestNormalizeDropsUnknownRolesAndOrphans(t *testing.T) {
	history := []providers.Message{
		toolResult("orphan-at-head"),
		{Role: "function", Content: "legacy role"},
		user("hi"),
		toolResult("orphan-mid"),
		assistant("hello"),
	}
	out := Normalize(history)
	require.Len(t, out, 2)
	assert.Equal(t, "user", out[0].Role)
	assert.Equal(t, "assistant", out[1].Role)
}

func TestNormalizeSynthesizesMissingToolResults(t *testing.T) {
	history := []providers.Message{
		user("search something"),
		toolCallMsg("call_1", "call_2"),
		toolResult("call_1"),
		// call_2's result was lost
		assistant("here you go"),
	}
	out := Normalize(history)
	require.Len(t, out, 5)
	assert.Equal(t, "tool", out[3].Role)
	assert.Equal(t, "call_2", out[3].ToolCallID)
	assert.Contains(t, out[3].Content, "missing")
}

func TestNormalizeDropsMismatchedToolResult(t *testing.T) {
	history := []providers.Message{
		user("q"),
		toolCallMsg("call_1"),
		toolResult("call_99"),
		toolResult("call_1"),
	}
	out := Normalize(history)
	require.Len(t, out, 3)
	assert.Equal(t, "call_1", out[2].ToolCallID)
}

func TestPrepareStructuredKeepsLastTurns(t *testing.T) {
	var history []providers.Message
	for i := 0; i < 10; i++ {
		history = append(history, user("question"), assistant("answer"))
	}
	out := Prepare(history, Options{Mode: ModeStructured, MaxTurns: 3})
	assert.Len(t, out, 6)
	assert.Equal(t, "user", out[0].Role)
}

func TestPrepareTokenBudgetDropsOldestTurns(t *testing.T) {
	long := strings.Repeat("x", 4000) // ~1000 tokens
	history := []providers.Message{
		user(long), assistant(long),
		user(long), assistant(long),
		user("short"), assistant("short"),
	}
	out := Prepare(history, Options{Mode: ModeStructured, MaxTurns: 10, MaxTokensSoft: 1500})
	// only the last (cheap) turn fits alongside nothing else
	require.Len(t, out, 2)
	assert.Equal(t, "short", out[0].Content)
}

func TestPrepareHardCap(t *testing.T) {
	var history []providers.Message
	for i := 0; i < 50; i++ {
		history = append(history, user("q"), assistant("a"))
	}
	out := Prepare(history, Options{Mode: ModeLegacy, HardMaxMessages: 7})
	assert.Len(t, out, 7)
}

func TestPrepareLegacyOnlyNormalizes(t *testing.T) {
	var history []providers.Message
	for i := 0; i < 30; i++ {
		history = append(history, user("q"), assistant("a"))
	}
	out := Prepare(history, Options{Mode: ModeLegacy, MaxTurns: 2})
	assert.Len(t, out, 60, "legacy mode keeps everything after normalization")
}

func TestEstimateTokens(t *testing.T) {
	m := providers.Message{Role: "user", Content: strings.Repeat("a", 400)}
	assert.Equal(t, 104, EstimateTokens(&m))

	withImage := providers.Message{Role: "user", Parts: []providers.ContentPart{
		{Type: "text", Text: "hi"},
		{Type: "image_url", ImageURL: &providers.ImageURL{URL: "data:..."}},
	}}
	assert.Greater(t, EstimateTokens(&withImage), 50)
}
