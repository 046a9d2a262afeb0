package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/mikabot/mika/internal/config"
	"github.com/mikabot/mika/internal/memory"
	"github.com/mikabot/mika/internal/providers"
)

// Reply modes.
const (
	ReplyModeDirect   = "direct"
	ReplyModeToolLoop = "tool_loop"
	ReplyModeNoReply  = "no_reply"
)

// Media needs.
const (
	MediaNone    = "none"
	MediaCaption = "caption"
	MediaImages  = "images"
)

// RequestPlan decides which pipeline features one request uses.
type RequestPlan struct {
	ShouldReply            bool       `json:"should_reply"`
	ReplyMode              string     `json:"reply_mode"`
	NeedMedia              string     `json:"need_media"`
	UseMemoryRetrieval     bool       `json:"use_memory_retrieval"`
	UseLTMMemory           bool       `json:"use_ltm_memory"`
	UseKnowledgeAutoInject bool       `json:"use_knowledge_auto_inject"`
	ToolPolicy             ToolPolicy `json:"tool_policy"`
	Reason                 string     `json:"reason,omitempty"`
	Confidence             float64    `json:"confidence"`
	PlannerMode            string     `json:"planner_mode"`
}

type ToolPolicy struct {
	Enabled bool     `json:"enabled"`
	Allow   []string `json:"allow,omitempty"`
}

// PlanInput is what the planner sees about the request.
type PlanInput struct {
	Message         string
	EnableTools     bool
	HasImages       bool
	SystemInjection string
}

const plannerSystemPrompt = `Decide how to handle the chat request. Reply with one JSON object:
{"should_reply":bool,"reply_mode":"direct|tool_loop|no_reply","need_media":"none|caption|images",
"use_memory_retrieval":bool,"use_ltm_memory":bool,"use_knowledge_auto_inject":bool,
"tool_policy":{"enabled":bool,"allow":[]},"reason":"...","confidence":0.0}`

// Planner builds the RequestPlan: heuristic by default, optional LLM mode
// that falls back to the heuristic on any failure.
type Planner struct {
	cfg *config.Config
	llm memory.Chatter
	log *slog.Logger
}

func NewPlanner(cfg *config.Config, llm memory.Chatter, log *slog.Logger) *Planner {
	if log == nil {
		log = slog.Default()
	}
	return &Planner{cfg: cfg, llm: llm, log: log}
}

// Plan produces the gated RequestPlan for a request.
func (p *Planner) Plan(ctx context.Context, in PlanInput) RequestPlan {
	heuristic := p.heuristic(in)
	if !p.cfg.Planner.Enabled || p.cfg.Planner.Mode != "llm" || p.llm == nil {
		return heuristic
	}

	plan, err := p.llmPlan(ctx, in)
	if err != nil {
		p.log.Warn("llm planner failed, using heuristic", "error", err)
		return heuristic
	}
	return p.gate(*plan, in)
}

func (p *Planner) heuristic(in PlanInput) RequestPlan {
	plan := RequestPlan{
		ShouldReply: true,
		ReplyMode:   ReplyModeDirect,
		NeedMedia:   MediaNone,
		ToolPolicy:  ToolPolicy{Enabled: in.EnableTools},
		Confidence:  0.9,
		PlannerMode: "heuristic",
	}
	if in.EnableTools {
		plan.ReplyMode = ReplyModeToolLoop
	}
	switch {
	case in.HasImages:
		plan.NeedMedia = MediaImages
	case strings.Contains(in.SystemInjection, "[Context Media Captions"):
		plan.NeedMedia = MediaCaption
	}
	plan.UseMemoryRetrieval = p.cfg.Memory.RetrievalEnabled
	plan.UseLTMMemory = p.cfg.Memory.Enabled && !plan.UseMemoryRetrieval
	plan.UseKnowledgeAutoInject = p.cfg.Knowledge.Enabled &&
		p.cfg.Knowledge.AutoInject && !plan.UseMemoryRetrieval
	return plan
}

func (p *Planner) llmPlan(ctx context.Context, in PlanInput) (*RequestPlan, error) {
	timeout := time.Duration(p.cfg.Planner.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := p.llm.Chat(ctx, &providers.ChatRequest{
		Model: p.fastModel(),
		Messages: []providers.Message{
			{Role: "system", Content: plannerSystemPrompt},
			{Role: "user", Content: in.Message},
		},
		ResponseFormat: map[string]interface{}{"type": "json_object"},
	}, providers.CallMeta{Phase: "planner"})
	if err != nil {
		return nil, err
	}

	var plan RequestPlan
	if err := json.Unmarshal([]byte(memory.StripJSONFence(resp.Content)), &plan); err != nil {
		return nil, err
	}
	plan.PlannerMode = "llm"
	return &plan, nil
}

// gate clamps an LLM plan to what the config actually enables. The planner
// may disable features, never enable disabled ones.
func (p *Planner) gate(plan RequestPlan, in PlanInput) RequestPlan {
	plan.UseMemoryRetrieval = plan.UseMemoryRetrieval && p.cfg.Memory.RetrievalEnabled
	plan.UseLTMMemory = plan.UseLTMMemory && p.cfg.Memory.Enabled
	plan.UseKnowledgeAutoInject = plan.UseKnowledgeAutoInject &&
		p.cfg.Knowledge.Enabled && p.cfg.Knowledge.AutoInject
	plan.ToolPolicy.Enabled = plan.ToolPolicy.Enabled && in.EnableTools
	if plan.ReplyMode == ReplyModeToolLoop && !plan.ToolPolicy.Enabled {
		plan.ReplyMode = ReplyModeDirect
	}
	if plan.ReplyMode == "" {
		plan.ReplyMode = ReplyModeDirect
	}
	if plan.NeedMedia == "" {
		plan.NeedMedia = MediaNone
	}
	if plan.Confidence < 0 || plan.Confidence > 1 {
		plan.Confidence = 0.5
	}
	return plan
}

func (p *Planner) fastModel() string {
	if p.cfg.LLM.FastModel != "" {
		return p.cfg.LLM.FastModel
	}
	return p.cfg.LLM.Model
}
