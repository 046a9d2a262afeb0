package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mikabot/mika/internal/config"
	"github.com/mikabot/mika/internal/memory"
	"github.com/mikabot/mika/internal/providers"
	"github.com/mikabot/mika/internal/tools"
)

const reflectionPrompt = "Observe the tool results above and reflect: is the gathered data sufficient to answer? If yes, answer directly without further tool calls. If not, request only the missing piece."

const forcedFinalPrompt = "Stop using tools now. Summarize what you have and write the final answer for the user."

// ToolLoop drives the bounded LLM → tool → LLM iteration.
type ToolLoop struct {
	cfg      *config.Config
	llm      memory.Chatter
	executor *tools.Executor
	log      *slog.Logger
}

func NewToolLoop(cfg *config.Config, llm memory.Chatter, executor *tools.Executor, log *slog.Logger) *ToolLoop {
	if log == nil {
		log = slog.Default()
	}
	return &ToolLoop{cfg: cfg, llm: llm, executor: executor, log: log}
}

// ToolLoopResult is the loop outcome: the final reply plus the tool trace
// messages to persist.
type ToolLoopResult struct {
	Content      string
	Response     *providers.ChatResponse
	Trace        []providers.Message
	Rounds       int
	ForcedFinal  bool
	MismatchSeen bool
}

// Run executes rounds until the model stops calling tools or the round
// budget is exhausted. The incoming request must already carry the tool
// definitions; resp is the first response containing tool calls.
func (l *ToolLoop) Run(ctx context.Context, req *providers.ChatRequest, resp *providers.ChatResponse,
	sessionKey, groupID, requestID string, guard *tools.WebSearchGuard, hooks *Hooks) (*ToolLoopResult, error) {

	maxRounds := l.cfg.Tools.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 5
	}

	result := &ToolLoopResult{Response: resp}
	messages := append([]providers.Message(nil), req.Messages...)

	for round := 1; round <= maxRounds; round++ {
		result.Rounds = round

		assistantMsg := providers.Message{
			Role:      providers.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistantMsg)
		result.Trace = append(result.Trace, assistantMsg)

		for _, call := range resp.ToolCalls {
			hooks.emitToolStart(ctx, ToolStartPayload{
				RequestID:  requestID,
				SessionKey: sessionKey,
				Tool:       call.Function.Name,
				Round:      round,
			})

			start := time.Now()
			output, meta := l.executor.Execute(ctx, sessionKey, groupID,
				call.Function.Name, call.Function.Arguments, guard)
			if meta.SchemaMismatch {
				result.MismatchSeen = true
			}

			hooks.emitToolEnd(ctx, ToolEndPayload{
				RequestID:  requestID,
				SessionKey: sessionKey,
				Tool:       call.Function.Name,
				Round:      round,
				Elapsed:    time.Since(start),
				CacheHit:   meta.CacheHit,
				Blocked:    meta.Blocked,
			})

			toolMsg := providers.Message{
				Role:       providers.RoleTool,
				Content:    output,
				ToolCallID: call.ID,
			}
			messages = append(messages, toolMsg)
			result.Trace = append(result.Trace, toolMsg)
		}

		if l.cfg.Tools.ReactReflection {
			messages = append(messages, providers.Message{
				Role:    providers.RoleUser,
				Content: reflectionPrompt,
			})
		}

		next := cloneToolRequest(req, messages)
		var err error
		resp, err = l.llm.Chat(ctx, next, providers.CallMeta{Phase: "tool_loop", RequestID: requestID})
		if err != nil {
			return result, fmt.Errorf("tool loop round %d: %w", round, err)
		}
		result.Response = resp

		if len(resp.ToolCalls) == 0 {
			result.Content = resp.Content
			return result, nil
		}
	}

	// round budget exhausted with tool calls still pending
	if l.cfg.Tools.ForceFinalOnMaxRounds {
		l.log.Warn("tool loop hit round budget, forcing final answer",
			"session", sessionKey, "rounds", result.Rounds)
		messages = append(messages, providers.Message{
			Role:    providers.RoleUser,
			Content: forcedFinalPrompt,
		})
		final := cloneToolRequest(req, messages)
		final.Tools = nil
		resp2, err := l.llm.Chat(ctx, final, providers.CallMeta{Phase: "tool_loop_final", RequestID: requestID})
		if err != nil {
			return result, fmt.Errorf("forced final round: %w", err)
		}
		result.ForcedFinal = true
		result.Response = resp2
		result.Content = resp2.Content
		return result, nil
	}

	result.Content = resp.Content
	return result, nil
}

func cloneToolRequest(req *providers.ChatRequest, messages []providers.Message) *providers.ChatRequest {
	out := *req
	out.Messages = messages
	out.Stream = false
	return &out
}
