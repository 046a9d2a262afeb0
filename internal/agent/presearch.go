package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mikabot/mika/internal/config"
	"github.com/mikabot/mika/internal/memory"
	"github.com/mikabot/mika/internal/providers"
)

// SearchResultLabel marks injected external search results as untrusted.
const SearchResultLabel = "[External Search Results | Untrusted]"

// PreSearchResult is the outcome of the classifier-gated search.
type PreSearchResult struct {
	SearchResult          string `json:"search_result"`
	NormalizedQuery       string `json:"normalized_query"`
	PresearchHit          bool   `json:"presearch_hit"`
	AllowToolRefine       bool   `json:"allow_tool_refine"`
	ResultCount           int    `json:"result_count"`
	RefineRoundsUsed      int    `json:"refine_rounds_used"`
	BlockedDuplicateTotal int    `json:"blocked_duplicate_total"`
	Decision              string `json:"decision"` // "keyword", "llm", "skip"
}

// SearchFunc runs one web search and returns the formatted result text.
type SearchFunc func(ctx context.Context, query string) (string, error)

const classifySystemPrompt = `Decide whether answering the user's message needs a live web search.
Reply with JSON only: {"needs_search":bool,"query":"search query if needed"}`

type classifyDecision struct {
	NeedsSearch bool   `json:"needs_search"`
	Query       string `json:"query"`
}

type classifyCacheEntry struct {
	decision  classifyDecision
	expiresAt time.Time
}

// Presearcher runs the pre-main-call search pipeline: keyword filter, LLM
// classifier with a TTL decision cache, then one search execution.
type Presearcher struct {
	cfg    *config.Config
	llm    memory.Chatter
	search SearchFunc
	log    *slog.Logger

	mu    sync.Mutex
	cache map[string]classifyCacheEntry
	now   func() time.Time
}

func NewPresearcher(cfg *config.Config, llm memory.Chatter, search SearchFunc, log *slog.Logger) *Presearcher {
	if log == nil {
		log = slog.Default()
	}
	return &Presearcher{
		cfg:    cfg,
		llm:    llm,
		search: search,
		log:    log,
		cache:  make(map[string]classifyCacheEntry),
		now:    time.Now,
	}
}

// Run classifies the message and, when search is needed, executes it.
// Returns nil when no search applies.
func (p *Presearcher) Run(ctx context.Context, message string) *PreSearchResult {
	if !p.cfg.Presearch.Enabled || p.search == nil || strings.TrimSpace(message) == "" {
		return nil
	}
	if !p.keywordHit(message) {
		return nil
	}

	decision, err := p.classify(ctx, message)
	if err != nil {
		p.log.Warn("presearch classify failed", "error", err)
		return nil
	}
	if !decision.NeedsSearch || strings.TrimSpace(decision.Query) == "" {
		return &PreSearchResult{Decision: "skip"}
	}

	query := strings.TrimSpace(decision.Query)
	result, err := p.search(ctx, query)
	if err != nil {
		p.log.Warn("presearch execution failed", "query", query, "error", err)
		return nil
	}

	return &PreSearchResult{
		SearchResult:     result,
		NormalizedQuery:  normalizeForDedup(query),
		PresearchHit:     true,
		AllowToolRefine:  p.cfg.Presearch.MaxRefineRounds > 0,
		ResultCount:      strings.Count(result, "\n") + 1,
		RefineRoundsUsed: 0,
		Decision:         "llm",
	}
}

// keywordHit is the cheap first gate: any configured keyword, or an empty
// keyword list meaning classify everything.
func (p *Presearcher) keywordHit(message string) bool {
	keywords := p.cfg.Presearch.Keywords
	if len(keywords) == 0 {
		return true
	}
	lower := strings.ToLower(message)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (p *Presearcher) classify(ctx context.Context, message string) (classifyDecision, error) {
	key := normalizeForDedup(message)

	p.mu.Lock()
	if entry, ok := p.cache[key]; ok && p.now().Before(entry.expiresAt) {
		p.mu.Unlock()
		return entry.decision, nil
	}
	p.mu.Unlock()

	resp, err := p.llm.Chat(ctx, &providers.ChatRequest{
		Model: p.fastModel(),
		Messages: []providers.Message{
			{Role: "system", Content: classifySystemPrompt},
			{Role: "user", Content: message},
		},
		ResponseFormat: map[string]interface{}{"type": "json_object"},
	}, providers.CallMeta{Phase: "presearch_classify"})
	if err != nil {
		return classifyDecision{}, err
	}

	var decision classifyDecision
	if err := json.Unmarshal([]byte(memory.StripJSONFence(resp.Content)), &decision); err != nil {
		return classifyDecision{}, err
	}

	ttl := time.Duration(p.cfg.Presearch.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	p.mu.Lock()
	p.cache[key] = classifyCacheEntry{decision: decision, expiresAt: p.now().Add(ttl)}
	p.mu.Unlock()
	return decision, nil
}

func (p *Presearcher) fastModel() string {
	if p.cfg.LLM.FastModel != "" {
		return p.cfg.LLM.FastModel
	}
	return p.cfg.LLM.Model
}

// normalizeForDedup lowercases and collapses whitespace so near-identical
// queries share cache entries and duplicate checks.
func normalizeForDedup(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// InjectionMessage renders the untrusted pseudo-user message carrying the
// search results.
func (r *PreSearchResult) InjectionMessage() *providers.Message {
	if r == nil || !r.PresearchHit || strings.TrimSpace(r.SearchResult) == "" {
		return nil
	}
	return &providers.Message{
		Role:    providers.RoleUser,
		Content: SearchResultLabel + "\n" + r.SearchResult,
	}
}
