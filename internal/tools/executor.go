package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// cacheableTools are idempotent within a TTL window.
var cacheableTools = map[string]bool{
	"web_search":           true,
	"search_group_history": true,
	"search_knowledge":     true,
	"fetch_history_images": true,
}

// ExecutorOptions configures tool execution policy.
type ExecutorOptions struct {
	Allowlist              []string
	AllowDynamicRegistered bool
	CacheEnabled           bool
	CacheTTL               time.Duration
	CacheMaxEntries        int
	Timeout                time.Duration
	ResultMaxChars         int
	SchemaFallbackTTL      time.Duration

	OnToolStart func(session, tool string, args map[string]interface{})
	OnToolEnd   func(session, tool string, elapsed time.Duration, cacheHit bool, err error)
	OnBlocked   func(tool string)
	OnCacheHit  func(tool string)
}

// ExecMeta reports how one call was resolved.
type ExecMeta struct {
	CacheHit        bool
	Blocked         bool
	BlockReason     string
	SchemaMismatch  bool
	Elapsed         time.Duration
	DedupedInflight bool
	TruncatedResult bool
}

// Executor runs tool calls for the agent loop.
type Executor struct {
	registry *Registry
	opts     ExecutorOptions
	cache    *resultCache
	inflight singleflight.Group

	mu            sync.Mutex
	fallbackUntil map[string]time.Time // session → full-schema window end
	now           func() time.Time
}

func NewExecutor(registry *Registry, opts ExecutorOptions) *Executor {
	if opts.ResultMaxChars <= 0 {
		opts.ResultMaxChars = 8000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Executor{
		registry:      registry,
		opts:          opts,
		cache:         newResultCache(opts.CacheTTL, opts.CacheMaxEntries),
		fallbackUntil: make(map[string]time.Time),
		now:           time.Now,
	}
}

// WebSearchGuard gates web_search calls after a pre-search already ran.
type WebSearchGuard struct {
	PolicyBlock     bool
	MaxRounds       int
	NormalizedQuery string

	roundsUsed  int
	pastQueries []string
}

// Check returns a non-empty block reason when the call must not run.
func (g *WebSearchGuard) Check(query string) string {
	if g == nil {
		return ""
	}
	if g.PolicyBlock {
		return "policy_block"
	}
	if g.MaxRounds > 0 && g.roundsUsed >= g.MaxRounds {
		return "max_rounds_reached"
	}
	norm := normalizeQuery(query)
	for _, past := range append([]string{g.NormalizedQuery}, g.pastQueries...) {
		if past == "" {
			continue
		}
		if norm == past || strings.Contains(norm, past) || strings.Contains(past, norm) ||
			querySimilarity(norm, past) >= 0.9 {
			return "duplicate_query"
		}
	}
	g.roundsUsed++
	g.pastQueries = append(g.pastQueries, norm)
	return ""
}

// RoundsUsed reports how many refine rounds the guard admitted.
func (g *WebSearchGuard) RoundsUsed() int {
	if g == nil {
		return 0
	}
	return g.roundsUsed
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(q))), " ")
}

// querySimilarity is token-set Jaccard similarity over normalized queries.
func querySimilarity(a, b string) float64 {
	ta, tb := strings.Fields(a), strings.Fields(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(tb))
	for _, t := range tb {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

const blockedWebSearchResult = "Search is not available for this request. " +
	"Answer using the search results and context you already have."

// Execute resolves and runs one tool call, returning the text result that
// becomes the tool message content. Errors are rendered into the result so
// the loop always continues.
func (e *Executor) Execute(ctx context.Context, sessionKey, groupID, rawName, rawArgs string, guard *WebSearchGuard) (string, ExecMeta) {
	var meta ExecMeta
	start := e.now()

	name := e.resolveAlias(rawName)

	args := make(map[string]interface{})
	if strings.TrimSpace(rawArgs) != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			meta.SchemaMismatch = true
			args = map[string]interface{}{"input": rawArgs}
			slog.Warn("tool arguments not valid JSON, wrapping raw string",
				"tool", name, "session", sessionKey)
		}
	}

	if !e.allowed(name) {
		meta.Blocked = true
		meta.BlockReason = "not_in_allowlist"
		if e.opts.OnBlocked != nil {
			e.opts.OnBlocked(name)
		}
		slog.Warn("tool call blocked by allowlist", "tool", name, "session", sessionKey)
		return fmt.Sprintf("Tool %q is not allowed in this deployment.", name), meta
	}

	if name == "web_search" {
		query, _ := args["query"].(string)
		if reason := guard.Check(query); reason != "" {
			meta.Blocked = true
			meta.BlockReason = reason
			if e.opts.OnBlocked != nil {
				e.opts.OnBlocked(name)
			}
			slog.Info("web_search blocked after pre-search",
				"reason", reason, "query", query, "session", sessionKey)
			return blockedWebSearchResult, meta
		}
	}

	tool, ok := e.registry.Get(name)
	if !ok || !tool.Enabled {
		meta.Blocked = true
		meta.BlockReason = "unknown_tool"
		return fmt.Sprintf("Unknown tool %q.", name), meta
	}

	canonical, _ := json.Marshal(args)
	cacheKey := sessionKey + "|" + name + "|" + string(canonical)

	if e.opts.CacheEnabled && cacheableTools[name] {
		if value, hit := e.cache.get(cacheKey); hit {
			meta.CacheHit = true
			meta.Elapsed = e.now().Sub(start)
			if e.opts.OnCacheHit != nil {
				e.opts.OnCacheHit(name)
			}
			if e.opts.OnToolEnd != nil {
				e.opts.OnToolEnd(sessionKey, name, meta.Elapsed, true, nil)
			}
			return value, meta
		}
	}

	if e.opts.OnToolStart != nil {
		e.opts.OnToolStart(sessionKey, name, args)
	}

	// In-flight dedupe applies even with caching off: concurrent identical
	// calls share one handler run.
	result, err, shared := e.inflight.Do(cacheKey, func() (interface{}, error) {
		return e.runHandler(ctx, tool, args, groupID)
	})
	meta.DedupedInflight = shared
	meta.Elapsed = e.now().Sub(start)

	if e.opts.OnToolEnd != nil {
		e.opts.OnToolEnd(sessionKey, name, meta.Elapsed, false, err)
	}

	if err != nil {
		if isSchemaError(err) {
			meta.SchemaMismatch = true
		}
		slog.Warn("tool execution failed",
			"tool", name, "session", sessionKey, "elapsed", meta.Elapsed, "error", err)
		return fmt.Sprintf("Tool %s failed: %v", name, err), meta
	}

	text := result.(string)
	if len(text) > e.opts.ResultMaxChars {
		text = text[:e.opts.ResultMaxChars] + "\n...(truncated)"
		meta.TruncatedResult = true
	}

	if e.opts.CacheEnabled && cacheableTools[name] {
		e.cache.put(cacheKey, text)
	}
	return text, meta
}

func (e *Executor) runHandler(ctx context.Context, tool *Tool, args map[string]interface{}, groupID string) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := tool.Handler(ctx, args, groupID)
		done <- outcome{text, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("timed out after %s", e.opts.Timeout)
	case out := <-done:
		return out.text, out.err
	}
}

// resolveAlias strips a "provider:" prefix when the base name is registered.
func (e *Executor) resolveAlias(name string) string {
	if idx := strings.Index(name, ":"); idx > 0 {
		base := name[idx+1:]
		if !e.registry.Has(name) && e.registry.Has(base) {
			return base
		}
	}
	return name
}

// allowed applies the effective allowlist: the configured names plus, when
// dynamic registration is allowed, every registered mcp/plugin tool.
func (e *Executor) allowed(name string) bool {
	if len(e.opts.Allowlist) == 0 && e.opts.AllowDynamicRegistered {
		return true
	}
	for _, allowed := range e.opts.Allowlist {
		if allowed == name || allowed == "*" {
			return true
		}
	}
	if e.opts.AllowDynamicRegistered {
		if t, ok := e.registry.Get(name); ok && (t.Source == SourceMCP || t.Source == SourcePlugin) {
			return true
		}
	}
	return false
}

// NoteSchemaMismatch opens the full-schema fallback window for a session.
func (e *Executor) NoteSchemaMismatch(sessionKey string) {
	if e.opts.SchemaFallbackTTL <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallbackUntil[sessionKey] = e.now().Add(e.opts.SchemaFallbackTTL)
	slog.Info("schema mismatch suspected, forcing full tool schemas",
		"session", sessionKey, "ttl", e.opts.SchemaFallbackTTL)
}

// ForceFullSchema reports whether the session is inside a fallback window.
func (e *Executor) ForceFullSchema(sessionKey string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.fallbackUntil[sessionKey]
	if !ok {
		return false
	}
	if e.now().After(until) {
		delete(e.fallbackUntil, sessionKey)
		return false
	}
	return true
}

func isSchemaError(err error) bool {
	s := err.Error()
	return strings.Contains(s, "json") || strings.Contains(s, "unmarshal") ||
		strings.Contains(s, "type mismatch") || strings.Contains(s, "missing required")
}
