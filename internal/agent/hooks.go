package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mikabot/mika/internal/store"
)

// Hooks are the observer callbacks emitted around LLM calls and tool
// executions. A panicking or erroring hook is logged and never interrupts
// the request.
type Hooks struct {
	OnBeforeLLM func(ctx context.Context, payload BeforeLLMPayload)
	OnAfterLLM  func(ctx context.Context, payload AfterLLMPayload)
	OnToolStart func(ctx context.Context, payload ToolStartPayload)
	OnToolEnd   func(ctx context.Context, payload ToolEndPayload)
}

type BeforeLLMPayload struct {
	RequestID       string `json:"request_id"`
	SessionKey      string `json:"session_key"`
	Model           string `json:"model"`
	MessageCount    int    `json:"message_count"`
	EstimatedBytes  int    `json:"estimated_bytes"`
	EstimatedTokens int    `json:"estimated_tokens"`
	ContextLevel    int    `json:"context_level"`
}

type AfterLLMPayload struct {
	RequestID    string        `json:"request_id"`
	SessionKey   string        `json:"session_key"`
	Model        string        `json:"model"`
	Elapsed      time.Duration `json:"elapsed"`
	FinishReason string        `json:"finish_reason,omitempty"`
	ToolCalls    int           `json:"tool_calls"`
	Error        string        `json:"error,omitempty"`
}

type ToolStartPayload struct {
	RequestID  string `json:"request_id"`
	SessionKey string `json:"session_key"`
	Tool       string `json:"tool"`
	Round      int    `json:"round"`
}

type ToolEndPayload struct {
	RequestID  string        `json:"request_id"`
	SessionKey string        `json:"session_key"`
	Tool       string        `json:"tool"`
	Round      int           `json:"round"`
	Elapsed    time.Duration `json:"elapsed"`
	CacheHit   bool          `json:"cache_hit"`
	Blocked    bool          `json:"blocked"`
	Error      string        `json:"error,omitempty"`
}

func (h *Hooks) emitBeforeLLM(ctx context.Context, p BeforeLLMPayload) {
	if h == nil || h.OnBeforeLLM == nil {
		return
	}
	defer recoverHook("on_before_llm")
	h.OnBeforeLLM(ctx, p)
}

func (h *Hooks) emitAfterLLM(ctx context.Context, p AfterLLMPayload) {
	if h == nil || h.OnAfterLLM == nil {
		return
	}
	defer recoverHook("on_after_llm")
	h.OnAfterLLM(ctx, p)
}

func (h *Hooks) emitToolStart(ctx context.Context, p ToolStartPayload) {
	if h == nil || h.OnToolStart == nil {
		return
	}
	defer recoverHook("on_tool_start")
	h.OnToolStart(ctx, p)
}

func (h *Hooks) emitToolEnd(ctx context.Context, p ToolEndPayload) {
	if h == nil || h.OnToolEnd == nil {
		return
	}
	defer recoverHook("on_tool_end")
	h.OnToolEnd(ctx, p)
}

func recoverHook(name string) {
	if r := recover(); r != nil {
		slog.Warn("hook panicked", "hook", name, "panic", r)
	}
}

// TraceRecorder persists hook payloads as trace events. Write failures are
// logged and swallowed.
type TraceRecorder struct {
	traces *store.TraceStore
	log    *slog.Logger
}

func NewTraceRecorder(traces *store.TraceStore, log *slog.Logger) *TraceRecorder {
	if log == nil {
		log = slog.Default()
	}
	return &TraceRecorder{traces: traces, log: log}
}

// Hooks returns hook callbacks that append llm/tool events to agent_traces.
// The session identity is embedded in each payload.
func (r *TraceRecorder) Hooks(userID, groupID string) *Hooks {
	return &Hooks{
		OnBeforeLLM: func(ctx context.Context, p BeforeLLMPayload) {
			r.append(ctx, p.RequestID, p.SessionKey, userID, groupID, "llm.before", p)
		},
		OnAfterLLM: func(ctx context.Context, p AfterLLMPayload) {
			r.append(ctx, p.RequestID, p.SessionKey, userID, groupID, "llm.after", p)
		},
		OnToolStart: func(ctx context.Context, p ToolStartPayload) {
			r.append(ctx, p.RequestID, p.SessionKey, userID, groupID, "tool.start", p)
		},
		OnToolEnd: func(ctx context.Context, p ToolEndPayload) {
			r.append(ctx, p.RequestID, p.SessionKey, userID, groupID, "tool.end", p)
		},
	}
}

func (r *TraceRecorder) append(ctx context.Context, requestID, session, userID, groupID, typ string, payload interface{}) {
	event := store.TraceEvent{Type: typ, TS: time.Now().UnixMilli(), Data: toEventData(payload)}
	if err := r.traces.AppendEvent(ctx, requestID, session, userID, groupID, event); err != nil {
		r.log.Warn("trace append failed", "request_id", requestID, "type", typ, "error", err)
	}
}

func toEventData(payload interface{}) map[string]interface{} {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
