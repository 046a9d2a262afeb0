package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/mikabot/mika/internal/config"
	"github.com/mikabot/mika/internal/contextmgr"
	"github.com/mikabot/mika/internal/media"
	"github.com/mikabot/mika/internal/memory"
	"github.com/mikabot/mika/internal/metrics"
	"github.com/mikabot/mika/internal/providers"
	"github.com/mikabot/mika/internal/sessions"
	"github.com/mikabot/mika/internal/store"
	"github.com/mikabot/mika/internal/supervisor"
	"github.com/mikabot/mika/internal/tools"
	"github.com/mikabot/mika/internal/transcript"
)

// LLMClient is the transport surface the orchestrator depends on.
type LLMClient interface {
	Chat(ctx context.Context, req *providers.ChatRequest, meta providers.CallMeta) (*providers.ChatResponse, error)
	ChatStream(ctx context.Context, req *providers.ChatRequest, meta providers.CallMeta, onDelta func(providers.StreamChunk)) (*providers.ChatResponse, error)
}

// ChatInput is one orchestrated chat request.
type ChatInput struct {
	Message     string
	UserID      string
	Nickname    string
	GroupID     string
	MessageID   string
	ImageURLs   []string
	EnableTools bool
	RetryCount  int

	SystemInjection string
	ContextLevel    int
	IsProactive     bool

	HistoryOverride      []providers.Message
	SearchResultOverride *PreSearchResult
	StreamHandler        func(delta string)
}

// Deps wires the orchestrator's collaborators at construction.
type Deps struct {
	LLM        LLMClient
	Contexts   *store.ContextStore
	Topics     *store.TopicStore
	Traces     *store.TraceStore
	Profiles   *store.ProfileStore
	Memories   *store.MemoryStore
	Embedder   store.Embedder
	Registry   *tools.Registry
	Executor   *tools.Executor
	Planner    *Planner
	Presearch  *Presearcher
	Retriever  *Retriever
	Guard      *Guard
	Extractor  *memory.Extractor
	Summarizer *memory.Summarizer
	Dreams     *memory.DreamScheduler
	Supervisor *supervisor.Supervisor
	Metrics    *metrics.Metrics
	TraceRec   *TraceRecorder
	Fetcher    *media.Fetcher
	Log        *slog.Logger
}

// SessionUsage accumulates token consumption per session.
type SessionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	Requests         int `json:"requests"`
}

// Orchestrator runs the full chat pipeline for one bot process.
type Orchestrator struct {
	cfg      *config.Config
	deps     Deps
	toolLoop *ToolLoop
	caps     providers.Capabilities
	log      *slog.Logger

	mu          sync.Mutex
	msgSinceExt map[string]int
	usage       map[string]*SessionUsage

	sleep func(ctx context.Context, d time.Duration)
	newID func() string
}

func New(cfg *config.Config, deps Deps) *Orchestrator {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	if deps.Guard == nil {
		deps.Guard = NewGuard(cfg.Guard.Enabled, cfg.Guard.Action, log)
	}
	if deps.Planner == nil {
		deps.Planner = NewPlanner(cfg, deps.LLM, log)
	}
	return &Orchestrator{
		cfg:         cfg,
		deps:        deps,
		toolLoop:    NewToolLoop(cfg, deps.LLM, deps.Executor, log),
		caps:        providers.CapabilitiesFor(cfg.LLM.Provider, cfg.LLM.Model),
		log:         log,
		msgSinceExt: make(map[string]int),
		usage:       make(map[string]*SessionUsage),
		sleep:       sleepCtx,
		newID:       uuid.NewString,
	}
}

// Chat runs the pipeline and returns the sanitized reply text. A silent
// reply (NO_REPLY) returns "". Terminal failures return the user-facing
// taxonomy message with a nil error; err is reserved for context
// cancellation.
func (o *Orchestrator) Chat(ctx context.Context, in ChatInput) (string, error) {
	requestID := o.newID()
	start := time.Now()
	sessionKey := sessions.Build(in.UserID, in.GroupID)
	kind := "private"
	if in.GroupID != "" {
		kind = "group"
	}
	ctx, span := otel.Tracer("mika").Start(ctx, "orchestrator.chat",
		oteltrace.WithAttributes(
			attribute.String("session.key", sessionKey),
			attribute.String("session.kind", kind),
			attribute.String("request.id", requestID),
		))
	defer span.End()
	o.deps.Metrics.RecordRequest(ctx, kind)

	vars := o.buildVars(ctx, in, sessionKey)
	hooks := o.hooksFor(in)

	// pre-search, unless the caller already carries a result
	presearch := in.SearchResultOverride
	if presearch == nil && o.deps.Presearch != nil {
		presearch = o.deps.Presearch.Run(ctx, in.Message)
	}

	plan := o.deps.Planner.Plan(ctx, PlanInput{
		Message:         in.Message,
		EnableTools:     in.EnableTools && o.cfg.Tools.Enabled && o.caps.SupportsTools,
		HasImages:       len(in.ImageURLs) > 0,
		SystemInjection: in.SystemInjection,
	})
	o.persistPlan(ctx, requestID, sessionKey, in, plan)

	if !plan.ShouldReply || plan.ReplyMode == ReplyModeNoReply {
		return "", nil
	}

	o.applyRetrieval(ctx, in, sessionKey, plan, vars)
	if in.SystemInjection != "" {
		vars.Inject(in.SystemInjection)
	}

	req, err := o.buildRequest(ctx, in, sessionKey, plan, vars, presearch)
	if err != nil {
		o.log.Error("request build failed", "request_id", requestID, "error", err)
		return UserFacingError(o.cfg, err), nil
	}

	bodyBytes, _ := json.Marshal(req)
	hooks.emitBeforeLLM(ctx, BeforeLLMPayload{
		RequestID:       requestID,
		SessionKey:      sessionKey,
		Model:           req.Model,
		MessageCount:    len(req.Messages),
		EstimatedBytes:  len(bodyBytes),
		EstimatedTokens: contextmgr.EstimateMessagesTokens(req.Messages),
		ContextLevel:    in.ContextLevel,
	})

	resp, err := o.callTransport(ctx, req, requestID, in)
	elapsed := time.Since(start)
	if err != nil {
		hooks.emitAfterLLM(ctx, AfterLLMPayload{
			RequestID: requestID, SessionKey: sessionKey, Model: req.Model,
			Elapsed: elapsed, Error: err.Error(),
		})
		span.RecordError(err)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// retryable server failures recurse with a reduced budget
		if providers.KindOf(err) == providers.KindServer && in.RetryCount > 0 {
			attempt := o.cfg.LLM.RetryCount - in.RetryCount
			if attempt < 0 {
				attempt = 0
			}
			o.sleep(ctx, time.Duration(1<<uint(attempt))*time.Second)
			retry := in
			retry.RetryCount--
			retry.SearchResultOverride = presearch
			return o.Chat(ctx, retry)
		}
		o.log.Warn("transport failed", "request_id", requestID, "error", err)
		return UserFacingError(o.cfg, err), nil
	}
	o.accumulateUsage(sessionKey, resp.Usage)

	// tool loop
	var trace []providers.Message
	reply := resp.Content
	if len(resp.ToolCalls) > 0 && plan.ToolPolicy.Enabled {
		guard := o.searchGuard(presearch)
		loopRes, loopErr := o.toolLoop.Run(ctx, req, resp, sessionKey, in.GroupID, requestID, guard, hooks)
		if loopRes != nil {
			trace = loopRes.Trace
			if loopRes.Response != nil {
				o.accumulateUsage(sessionKey, loopRes.Response.Usage)
			}
			if loopRes.MismatchSeen {
				o.deps.Executor.NoteSchemaMismatch(sessionKey)
			}
		}
		if loopErr != nil {
			o.log.Warn("tool loop failed", "request_id", requestID, "error", loopErr)
			return UserFacingError(o.cfg, loopErr), nil
		}
		reply = loopRes.Content
		resp = loopRes.Response
	}

	hooks.emitAfterLLM(ctx, AfterLLMPayload{
		RequestID: requestID, SessionKey: sessionKey, Model: req.Model,
		Elapsed: time.Since(start), FinishReason: resp.FinishReason,
		ToolCalls: len(resp.ToolCalls),
	})

	silent := IsSilentReply(reply)
	reply = SanitizeReply(reply)
	if silent || o.isSentinel(reply) {
		reply = ""
	}

	if reply == "" && !silent {
		return o.handleEmptyReply(ctx, in, presearch, requestID)
	}

	// A silent reply suppresses delivery but the decision is still part of
	// the record: the token is archived in the assistant's place.
	archived := reply
	if silent {
		archived = silentToken
	}
	o.persistExchange(ctx, sessionKey, in, trace, archived)
	o.spawnBackground(ctx, sessionKey)
	return reply, nil
}

// buildVars assembles the request-scoped prompt variables.
func (o *Orchestrator) buildVars(ctx context.Context, in ChatInput, sessionKey string) *PromptVars {
	vars := &PromptVars{
		BotName:    o.cfg.Bot.Name,
		MasterName: o.cfg.Bot.MasterName,
		SessionKey: sessionKey,
		UserID:     in.UserID,
		Nickname:   in.Nickname,
		Now:        time.Now(),
	}
	if o.deps.Profiles != nil {
		if summary, err := o.deps.Profiles.Get(ctx, in.UserID); err == nil {
			vars.ProfileSummary = summary
		}
	}
	return vars
}

func (o *Orchestrator) hooksFor(in ChatInput) *Hooks {
	if o.cfg.Trace.Enabled && o.deps.TraceRec != nil {
		return o.deps.TraceRec.Hooks(in.UserID, in.GroupID)
	}
	return nil
}

func (o *Orchestrator) persistPlan(ctx context.Context, requestID, sessionKey string, in ChatInput, plan RequestPlan) {
	if !o.cfg.Trace.Enabled || o.deps.Traces == nil {
		return
	}
	if err := o.deps.Traces.SetPlan(ctx, requestID, sessionKey, in.UserID, in.GroupID, plan); err != nil {
		o.log.Warn("plan trace failed", "request_id", requestID, "error", err)
	}
}

// applyRetrieval runs the ReAct agent or the direct memory/knowledge
// injections per the plan.
func (o *Orchestrator) applyRetrieval(ctx context.Context, in ChatInput, sessionKey string, plan RequestPlan, vars *PromptVars) {
	if plan.UseMemoryRetrieval && o.deps.Retriever != nil {
		found, err := o.deps.Retriever.Retrieve(ctx, Question{
			Text:       in.Message,
			SessionKey: sessionKey,
			UserID:     in.UserID,
			GroupID:    in.GroupID,
		})
		if err != nil {
			o.log.Warn("retrieval failed", "session", sessionKey, "error", err)
		} else if found != "" {
			vars.Inject("[Retrieved Context]\n" + found)
		}
		return
	}

	if plan.UseLTMMemory && o.deps.Memories != nil && o.deps.Embedder != nil {
		if emb, err := o.deps.Embedder.Embed(ctx, in.Message); err == nil {
			hits, err := o.deps.Memories.Search(ctx, sessionKey, emb, o.cfg.Memory.TopK)
			if err == nil && len(hits) > 0 {
				var b strings.Builder
				b.WriteString("[Long-term Memory]")
				for _, h := range hits {
					fmt.Fprintf(&b, "\n%s: %s", h.Fact.UserID, h.Fact.Fact)
				}
				vars.Inject(b.String())
			}
		}
	}

	if plan.UseKnowledgeAutoInject && o.deps.Retriever != nil {
		if text, err := o.deps.Retriever.queryKnowledge(ctx, in.Message, "", o.cfg.Knowledge.TopK); err == nil &&
			text != "" && !strings.HasPrefix(text, "no knowledge") {
			vars.Inject("[Knowledge]\n" + text)
		}
	}
}

// buildRequest assembles system prompt, history, search injection, the
// current user message and media, then enforces the byte/token budgets.
func (o *Orchestrator) buildRequest(ctx context.Context, in ChatInput, sessionKey string, plan RequestPlan, vars *PromptVars, presearch *PreSearchResult) (*providers.ChatRequest, error) {
	var messages []providers.Message
	messages = append(messages, providers.Message{
		Role:    providers.RoleSystem,
		Content: RenderSystemPrompt(o.cfg, vars),
	})

	history, err := o.buildHistory(ctx, in, sessionKey)
	if err != nil {
		return nil, err
	}
	messages = append(messages, history...)

	if inj := presearch.InjectionMessage(); inj != nil {
		guarded, _ := o.deps.Guard.Apply(inj.Content, "search_result")
		inj.Content = guarded
		messages = append(messages, *inj)
	}

	userMsg := o.buildUserMessage(ctx, in, plan)
	messages = append(messages, userMsg)

	req := &providers.ChatRequest{
		Model:     o.cfg.LLM.Model,
		Messages:  messages,
		MaxTokens: o.cfg.LLM.MaxTokens,
	}
	if plan.ToolPolicy.Enabled {
		req.Tools = tools.Definitions(o.deps.Registry, o.cfg.Tools.SchemaMode,
			o.cfg.Tools.SchemaAutoThreshold, o.deps.Executor.ForceFullSchema(sessionKey))
	}

	o.enforceBudgets(req)
	return req, nil
}

// degradeBudget maps the context level to trim limits.
func (o *Orchestrator) degradeBudget(level int) contextmgr.Options {
	opts := contextmgr.Options{
		Mode:            o.cfg.Context.Mode,
		MaxTurns:        o.cfg.Context.MaxTurns,
		MaxTokensSoft:   o.softTokenBudget(),
		HardMaxMessages: o.cfg.Context.HardMaxMessages,
	}
	switch {
	case level >= 2:
		opts.Mode = contextmgr.ModeStructured
		opts.HardMaxMessages = 5
		opts.MaxTurns = 2
	case level == 1:
		opts.Mode = contextmgr.ModeStructured
		opts.HardMaxMessages = 20
		opts.MaxTurns = 6
	}
	return opts
}

// softTokenBudget resolves the configured soft cap, deriving one from the
// model name when unset.
func (o *Orchestrator) softTokenBudget() int {
	if o.cfg.Context.MaxTokensSoft > 0 {
		return o.cfg.Context.MaxTokensSoft
	}
	model := strings.ToLower(o.cfg.LLM.Model)
	switch {
	case strings.Contains(model, "32k"):
		return 24000
	case strings.Contains(model, "8k"):
		return 6000
	default:
		return 12000
	}
}

func (o *Orchestrator) buildHistory(ctx context.Context, in ChatInput, sessionKey string) ([]providers.Message, error) {
	if in.HistoryOverride != nil {
		return contextmgr.Prepare(in.HistoryOverride, o.degradeBudget(in.ContextLevel)), nil
	}

	if in.GroupID != "" {
		return o.buildGroupHistory(ctx, in, sessionKey)
	}

	history, err := o.deps.Contexts.Get(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	prepared := contextmgr.Prepare(history, o.degradeBudget(in.ContextLevel))

	// When trimming dropped turns, lead with the freshest topic summary so
	// the model keeps the thread.
	if len(prepared) < len(history) && o.deps.Topics != nil {
		if topics, err := o.deps.Topics.BySession(ctx, sessionKey, 1); err == nil && len(topics) > 0 {
			prepared = append([]providers.Message{{
				Role:    providers.RoleSystem,
				Content: "[Earlier Conversation Summary] " + topics[0].Summary,
			}}, prepared...)
		}
	}

	if in.ContextLevel >= 2 {
		prepared = o.maskHistory(prepared)
	}
	return prepared, nil
}

// buildGroupHistory renders the archive tail as one transcript system
// message.
func (o *Orchestrator) buildGroupHistory(ctx context.Context, in ChatInput, sessionKey string) ([]providers.Message, error) {
	limit := o.cfg.Context.SnapshotLimit
	switch {
	case in.ContextLevel >= 2:
		limit = 5
	case in.ContextLevel == 1:
		limit = 20
	}

	rows, err := o.deps.Contexts.ArchiveTail(ctx, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("load archive: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	lines := make([]transcript.Line, 0, len(rows))
	for _, row := range rows {
		if !isSpeakerRow(row) {
			continue
		}
		content := row.Content
		if in.ContextLevel >= 2 {
			content = maskSensitive(content, o.cfg.EmptyReply.MaskTerms)
		}
		name := row.DisplayName
		if name == "" {
			name = row.UserID
		}
		lines = append(lines, transcript.Line{
			UserID:      row.UserID,
			DisplayName: name,
			Role:        row.Role,
			Content:     content,
			MessageID:   row.MessageID,
			Timestamp:   row.Timestamp,
			HasMedia:    strings.Contains(row.Content, "[图片]") || strings.Contains(row.Content, "[表情]"),
		})
	}

	block := transcript.Build(lines, transcript.Options{
		BotName:         o.cfg.Bot.Name,
		LineMaxChars:    o.cfg.Transcript.LineMaxChars,
		MaxParticipants: o.cfg.Transcript.MaxParticipants,
	})
	if block == "" {
		return nil, nil
	}
	return []providers.Message{{Role: providers.RoleSystem, Content: block}}, nil
}

// isSpeakerRow keeps only rows that belong in a room transcript: user
// turns and delivered assistant replies. Tool results and assistant
// tool-call turns from the trace carry raw JSON and never render as
// speaker lines.
func isSpeakerRow(row store.ArchivedMessage) bool {
	switch row.Role {
	case providers.RoleUser:
		return strings.TrimSpace(row.Content) != ""
	case providers.RoleAssistant:
		return strings.TrimSpace(row.Content) != "" &&
			!strings.Contains(row.Content, "[tool_calls]")
	default:
		return false
	}
}

func (o *Orchestrator) maskHistory(msgs []providers.Message) []providers.Message {
	terms := o.cfg.EmptyReply.MaskTerms
	if len(terms) == 0 {
		return msgs
	}
	out := make([]providers.Message, len(msgs))
	for i, m := range msgs {
		m.Content = maskSensitive(m.Content, terms)
		out[i] = m
	}
	return out
}

// buildUserMessage attaches image parts when the provider takes them,
// otherwise semantic placeholders.
func (o *Orchestrator) buildUserMessage(ctx context.Context, in ChatInput, plan RequestPlan) providers.Message {
	guarded, _ := o.deps.Guard.Apply(in.Message, "user_message")

	msg := providers.Message{
		Role:      providers.RoleUser,
		Content:   guarded,
		UserID:    in.UserID,
		MessageID: in.MessageID,
		Timestamp: time.Now().UnixMilli(),
	}
	if len(in.ImageURLs) == 0 {
		return msg
	}

	if o.caps.SupportsImages && plan.NeedMedia == MediaImages {
		parts := []providers.ContentPart{{Type: "text", Text: guarded}}
		for _, url := range in.ImageURLs {
			ref := url
			if o.deps.Fetcher != nil {
				if data, err := o.deps.Fetcher.AsDataURL(ctx, url); err == nil {
					ref = data
				} else {
					o.log.Warn("image fetch failed", "url", url, "error", err)
					continue
				}
			}
			parts = append(parts, providers.ContentPart{
				Type:     "image_url",
				ImageURL: &providers.ImageURL{URL: ref},
				MediaSemantic: &providers.MediaSemantic{
					Kind: "image", ID: media.StableID(url), Ref: url, Source: "request",
				},
			})
		}
		msg.Content = ""
		msg.Parts = parts
		return msg
	}

	var placeholders []string
	for _, url := range in.ImageURLs {
		placeholders = append(placeholders, media.ImagePlaceholder(url))
	}
	msg.Content = strings.TrimSpace(guarded + " " + strings.Join(placeholders, " "))
	return msg
}

// enforceBudgets shrinks the transcript block until the request fits the
// byte and token caps.
func (o *Orchestrator) enforceBudgets(req *providers.ChatRequest) {
	maxBytes := o.cfg.Context.RequestBodyMaxBytes
	maxTokens := o.softTokenBudget()

	within := func() bool {
		body, _ := json.Marshal(req)
		if maxBytes > 0 && len(body) > maxBytes {
			return false
		}
		return contextmgr.EstimateMessagesTokens(req.Messages) <= maxTokens
	}
	if within() {
		return
	}

	idx := -1
	for i, m := range req.Messages {
		if m.Role == providers.RoleSystem && transcript.IsTranscriptBlock(m.Content) {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.log.Warn("request over budget with no transcript to shrink",
			"messages", len(req.Messages))
		return
	}

	original := req.Messages[idx].Content
	for _, ratio := range []float64{0.7, 0.5, 0.3} {
		req.Messages[idx].Content = transcript.ShrinkBlock(original, ratio)
		if within() {
			return
		}
	}
	o.log.Warn("request still over budget after transcript shrink")
}

// callTransport picks streaming or plain dispatch.
func (o *Orchestrator) callTransport(ctx context.Context, req *providers.ChatRequest, requestID string, in ChatInput) (*providers.ChatResponse, error) {
	meta := providers.CallMeta{Phase: "chat", RequestID: requestID}
	if in.StreamHandler != nil {
		return o.deps.LLM.ChatStream(ctx, req, meta, func(chunk providers.StreamChunk) {
			if chunk.Content != "" {
				in.StreamHandler(chunk.Content)
			}
		})
	}
	return o.deps.LLM.Chat(ctx, req, meta)
}

// handleEmptyReply walks the degradation ladder.
func (o *Orchestrator) handleEmptyReply(ctx context.Context, in ChatInput, presearch *PreSearchResult, requestID string) (string, error) {
	if !o.cfg.EmptyReply.DegradeEnabled || in.ContextLevel >= o.cfg.EmptyReply.MaxDegradeLevel {
		o.log.Warn("empty reply after degradation", "request_id", requestID,
			"level", in.ContextLevel)
		return o.cfg.ErrorMessage("empty_reply"), nil
	}

	o.log.Info("empty reply, degrading context", "request_id", requestID,
		"from_level", in.ContextLevel)
	o.sleep(ctx, time.Duration(o.cfg.EmptyReply.RetryDelaySeconds)*time.Second)

	retry := in
	retry.ContextLevel++
	retry.SearchResultOverride = presearch
	return o.Chat(ctx, retry)
}

func (o *Orchestrator) isSentinel(reply string) bool {
	trimmed := strings.TrimSpace(reply)
	for _, s := range o.cfg.EmptyReply.Sentinels {
		if trimmed == s {
			return true
		}
	}
	return false
}

// persistExchange archives the user turn, tool trace and assistant reply.
func (o *Orchestrator) persistExchange(ctx context.Context, sessionKey string, in ChatInput, trace []providers.Message, reply string) {
	msgs := []providers.Message{{
		Role:      providers.RoleUser,
		Content:   in.Message,
		UserID:    in.UserID,
		Nickname:  in.Nickname,
		MessageID: in.MessageID,
		Timestamp: time.Now().UnixMilli(),
	}}
	msgs = append(msgs, trace...)

	assistantContent := reply
	if in.GroupID != "" && reply != "" {
		assistantContent = fmt.Sprintf("[%s]: %s", o.cfg.Bot.Name, reply)
	}
	if assistantContent != "" {
		msgs = append(msgs, providers.Message{
			Role:      providers.RoleAssistant,
			Content:   assistantContent,
			Timestamp: time.Now().UnixMilli(),
		})
	}

	if err := o.deps.Contexts.Append(ctx, sessionKey, msgs...); err != nil {
		o.log.Error("context persist failed", "session", sessionKey, "error", err)
	}
}

// spawnBackground schedules extraction, summarization, dream tick and trace
// pruning. All failures stay in the background.
func (o *Orchestrator) spawnBackground(ctx context.Context, sessionKey string) {
	if o.deps.Supervisor == nil {
		return
	}

	if o.cfg.Memory.Enabled && o.deps.Extractor != nil {
		interval := o.cfg.Memory.ExtractInterval
		if interval <= 0 {
			interval = 8
		}
		o.mu.Lock()
		o.msgSinceExt[sessionKey]++
		due := o.msgSinceExt[sessionKey] >= interval
		if due {
			o.msgSinceExt[sessionKey] = 0
		}
		o.mu.Unlock()

		if due {
			o.deps.Supervisor.Submit("mem:"+sessionKey, func(taskCtx context.Context) {
				snippet, err := o.deps.Contexts.ArchiveTail(taskCtx, sessionKey, interval*2)
				if err != nil {
					o.log.Warn("extract snippet load failed", "session", sessionKey, "error", err)
					return
				}
				if _, err := o.deps.Extractor.Extract(taskCtx, sessionKey, snippet); err != nil {
					o.log.Warn("memory extraction failed", "session", sessionKey, "error", err)
				}
			})
		}
	}

	if o.cfg.TopicSummary.Enabled && o.deps.Summarizer != nil {
		o.deps.Supervisor.Submit("topic:"+sessionKey, func(taskCtx context.Context) {
			if err := o.deps.Summarizer.Run(taskCtx, sessionKey); err != nil {
				o.log.Warn("topic summarization failed", "session", sessionKey, "error", err)
			}
		})
	}

	if o.cfg.Dream.Enabled && o.deps.Dreams != nil {
		o.deps.Supervisor.Submit("dream:tick", func(taskCtx context.Context) {
			o.deps.Dreams.Tick(taskCtx)
		})
	}

	if o.cfg.Trace.Enabled && o.deps.Traces != nil {
		o.deps.Supervisor.Submit("trace:prune", func(taskCtx context.Context) {
			if err := o.deps.Traces.PruneIfNeeded(taskCtx); err != nil {
				o.log.Warn("trace prune failed", "error", err)
			}
		})
	}
}

// searchGuard builds the web_search refine guard from the pre-search state.
func (o *Orchestrator) searchGuard(presearch *PreSearchResult) *tools.WebSearchGuard {
	if presearch == nil || !presearch.PresearchHit {
		return nil
	}
	return &tools.WebSearchGuard{
		PolicyBlock:     !presearch.AllowToolRefine,
		MaxRounds:       o.cfg.Presearch.MaxRefineRounds,
		NormalizedQuery: presearch.NormalizedQuery,
	}
}

func (o *Orchestrator) accumulateUsage(sessionKey string, usage *providers.Usage) {
	if usage == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	u, ok := o.usage[sessionKey]
	if !ok {
		u = &SessionUsage{}
		o.usage[sessionKey] = u
	}
	u.PromptTokens += usage.PromptTokens
	u.CompletionTokens += usage.CompletionTokens
	u.Requests++
}

// UsageFor returns the accumulated token usage of a session.
func (o *Orchestrator) UsageFor(sessionKey string) SessionUsage {
	o.mu.Lock()
	defer o.mu.Unlock()
	if u, ok := o.usage[sessionKey]; ok {
		return *u
	}
	return SessionUsage{}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
