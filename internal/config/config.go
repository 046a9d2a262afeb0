package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Mika core.
type Config struct {
	Bot          BotConfig          `json:"bot"`
	LLM          LLMConfig          `json:"llm"`
	Context      ContextConfig      `json:"context"`
	Transcript   TranscriptConfig   `json:"transcript"`
	Tools        ToolsConfig        `json:"tools"`
	EmptyReply   EmptyReplyConfig   `json:"empty_reply"`
	Presearch    PresearchConfig    `json:"presearch"`
	Memory       MemoryConfig       `json:"memory"`
	Knowledge    KnowledgeConfig    `json:"knowledge"`
	TopicSummary TopicSummaryConfig `json:"topic_summary"`
	Dream        DreamConfig        `json:"dream"`
	Planner      PlannerConfig      `json:"planner"`
	Proactive    ProactiveConfig    `json:"proactive"`
	Trace        TraceConfig        `json:"trace"`
	Guard        GuardConfig        `json:"guard"`
	Media        MediaConfig        `json:"media"`
	Database     DatabaseConfig     `json:"database"`
	Telemetry    TelemetryConfig    `json:"telemetry,omitempty"`
	MCP          []MCPServerConfig  `json:"mcp,omitempty"`

	// ErrorMessages maps error taxonomy keys (rate_limit, auth_error,
	// server_error, content_filter, timeout, empty_reply, api_error,
	// unknown) to user-facing templates with a {name} placeholder.
	ErrorMessages map[string]string `json:"error_messages,omitempty"`

	mu sync.RWMutex
}

// BotConfig names the character and its master.
type BotConfig struct {
	Name       string `json:"name"`        // bot display name, used in transcripts and error templates
	MasterName string `json:"master_name"` // injected into prompt variables
	SelfID     string `json:"self_id"`     // platform user ID of the bot itself
	// SystemPrompt is the persona template. Placeholders: {name}, {master},
	// {datetime}, {session}, {profile}.
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// LLMConfig selects the provider and transport budgets.
type LLMConfig struct {
	Provider string              `json:"provider"` // "openai_compat", "anthropic", "google_genai"
	BaseURL  string              `json:"base_url"`
	Model    string              `json:"model"`
	// FastModel is used for short classifier/planner/judge calls.
	// Empty = use Model.
	FastModel string `json:"fast_model,omitempty"`
	// EmbeddingModel enables vector memory and knowledge retrieval.
	// Empty disables embedding-backed features.
	EmbeddingModel string              `json:"embedding_model,omitempty"`
	APIKeys        FlexibleStringSlice `json:"api_key_list"`

	Temperature        float64 `json:"temperature"`
	MaxTokens          int     `json:"max_tokens"`
	TimeoutSeconds     int     `json:"timeout_seconds"`
	TimeoutRetries     int     `json:"timeout_retries"`      // attempts on timeout, linear backoff
	RetryCount         int     `json:"retry_count"`          // orchestrator-level retries on ServerError
	KeyCooldownSeconds int     `json:"key_cooldown_seconds"` // default cooldown when 429 has no Retry-After
}

// ContextConfig controls working-set trimming.
type ContextConfig struct {
	Mode                string `json:"mode"` // "legacy" or "structured"
	MaxTurns            int    `json:"max_turns"`
	MaxTokensSoft       int    `json:"max_tokens_soft"` // <=0 = auto from model
	RequestBodyMaxBytes int    `json:"request_body_max_bytes"`
	HardMaxMessages     int    `json:"hard_max_messages"`
	SnapshotLimit       int    `json:"snapshot_limit"`        // last-N messages kept in the contexts table
	SnapshotCacheSize   int    `json:"snapshot_cache_size"`   // in-memory LRU entries
}

// TranscriptConfig controls group transcript rendering.
type TranscriptConfig struct {
	LineMaxChars    int `json:"line_max_chars"`
	MaxParticipants int `json:"max_participants"`
}

// ToolsConfig controls the tool loop and executor.
type ToolsConfig struct {
	Enabled               bool                `json:"enabled"`
	MaxRounds             int                 `json:"max_rounds"`
	TimeoutSeconds        int                 `json:"timeout_seconds"`
	ForceFinalOnMaxRounds bool                `json:"force_final_on_max_rounds"`
	ReactReflection       bool                `json:"react_reflection"` // inject observe/reflect prompt after tool results
	CacheEnabled          bool                `json:"cache_enabled"`
	CacheTTLSeconds       int                 `json:"cache_ttl_seconds"`
	CacheMaxEntries       int                 `json:"cache_max_entries"`
	Allowlist             FlexibleStringSlice `json:"allowlist"`
	AllowDynamicRegistered bool               `json:"allow_dynamic_registered"`
	SchemaMode            string              `json:"schema_mode"` // "full", "light", "auto"
	SchemaAutoThreshold   int                 `json:"schema_auto_threshold"`
	SchemaFallbackTTLSeconds int              `json:"schema_fallback_ttl_seconds"`
	ResultMaxChars        int                 `json:"result_max_chars"`
}

// EmptyReplyConfig controls empty-reply retries and context degradation.
type EmptyReplyConfig struct {
	LocalRetries      int                 `json:"local_retries"`
	DelayBaseSeconds  int                 `json:"delay_base_seconds"`
	DegradeEnabled    bool                `json:"context_degrade_enabled"`
	MaxDegradeLevel   int                 `json:"max_degrade_level"`
	RetryDelaySeconds int                 `json:"retry_delay_seconds"`
	// Sentinels are known proxy fallback strings treated as empty replies.
	Sentinels FlexibleStringSlice `json:"sentinels,omitempty"`
	// MaskTerms are masked out of history at degrade level >= 2.
	MaskTerms FlexibleStringSlice `json:"mask_terms,omitempty"`
}

// PresearchConfig controls the classifier-gated pre-search.
type PresearchConfig struct {
	Enabled             bool                `json:"enabled"`
	Keywords            FlexibleStringSlice `json:"keywords,omitempty"`
	CacheTTLSeconds     int                 `json:"cache_ttl_seconds"`
	MaxRefineRounds     int                 `json:"max_refine_rounds"`
	DuplicateSimilarity float64             `json:"duplicate_similarity"`
}

// MemoryConfig controls long-term memory and retrieval.
type MemoryConfig struct {
	Enabled                bool `json:"enabled"`
	RetrievalEnabled       bool `json:"retrieval_enabled"` // ReAct retrieval agent
	ExtractInterval        int  `json:"extract_interval"`  // run extractor every N messages
	MaxFacts               int  `json:"max_facts"`
	RetrievalTimeoutSeconds int `json:"retrieval_timeout_seconds"`
	RetrievalMaxIterations  int `json:"retrieval_max_iterations"`
	TopK                   int  `json:"top_k"`
}

// KnowledgeConfig controls the knowledge base.
type KnowledgeConfig struct {
	Enabled    bool `json:"enabled"`
	AutoInject bool `json:"auto_inject"`
	TopK       int  `json:"top_k"`
}

// TopicSummaryConfig controls background topic summarization.
type TopicSummaryConfig struct {
	Enabled   bool `json:"enabled"`
	BatchSize int  `json:"batch_size"`
	MaxTopics int  `json:"max_topics"` // topics per batch
}

// DreamConfig controls offline topic dedup/merge runs.
type DreamConfig struct {
	Enabled               bool   `json:"enabled"`
	IdleMinutes           int    `json:"idle_minutes"`
	Schedule              string `json:"schedule"` // cron expression gating scheduler ticks
	MaxIterations         int    `json:"max_iterations"`
	MinSummaryChars       int    `json:"min_summary_chars"`
	MaxMergedSummaryChars int    `json:"max_merged_summary_chars"`
}

// PlannerConfig selects the request planner.
type PlannerConfig struct {
	Enabled        bool   `json:"enabled"`
	Mode           string `json:"mode"` // "heuristic" or "llm"
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ProactiveConfig controls unsolicited group replies.
type ProactiveConfig struct {
	Enabled                 bool                `json:"enabled"`
	Rate                    float64             `json:"rate"` // 0..1 probability gate
	HeatThreshold           float64             `json:"heat_threshold"`
	HeatDecayPerMinute      float64             `json:"heat_decay_per_minute"`
	CooldownSeconds         int                 `json:"cooldown_seconds"`
	CooldownMessages        int                 `json:"cooldown_messages"`
	Keywords                FlexibleStringSlice `json:"keywords,omitempty"`
	KeywordCooldownMessages int                 `json:"keyword_cooldown_messages"`
	IgnoreLen               int                 `json:"ignore_len"`
	GroupWhitelist          FlexibleStringSlice `json:"group_whitelist,omitempty"`
	Topics                  FlexibleStringSlice `json:"topics,omitempty"`
	BurstPerMinute          int                 `json:"burst_per_minute"` // token-bucket cap on triggers
	JudgeHistoryMessages    int                 `json:"judge_history_messages"`
}

// TraceConfig controls the per-request trace store.
type TraceConfig struct {
	Enabled       bool `json:"enabled"`
	RetentionDays int  `json:"retention_days"`
	MaxRows       int  `json:"max_rows"`
}

// GuardConfig controls the prompt-injection guard.
type GuardConfig struct {
	Enabled bool   `json:"enabled"`
	Action  string `json:"action"` // "annotate" or "strip"
}

// MediaConfig controls image handling.
type MediaConfig struct {
	CaptionEnabled          bool `json:"caption_enabled"`
	HistoryImageTwoStageMax int  `json:"history_image_two_stage_max"`
	MaxDimension            int  `json:"max_dimension"` // downscale bound before base64
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// TelemetryConfig enables OTLP export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"`
}

// MCPServerConfig declares one MCP tool server.
type MCPServerConfig struct {
	Name           string            `json:"name"`
	Enabled        bool              `json:"enabled"`
	Transport      string            `json:"transport"` // "stdio", "sse", "streamable-http"
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	URL            string            `json:"url,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// Apply copies a reloaded configuration onto the live one. Long-lived
// components hold the original pointer, so hot-reloaded values such as
// error templates, proactive knobs and guard settings take effect without
// a restart. Connection-level fields (database path, provider transport)
// still require one.
func (c *Config) Apply(next *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Bot = next.Bot
	c.Context = next.Context
	c.Transcript = next.Transcript
	c.Tools = next.Tools
	c.EmptyReply = next.EmptyReply
	c.Presearch = next.Presearch
	c.Memory = next.Memory
	c.Knowledge = next.Knowledge
	c.TopicSummary = next.TopicSummary
	c.Dream = next.Dream
	c.Planner = next.Planner
	c.Proactive = next.Proactive
	c.Trace = next.Trace
	c.Guard = next.Guard
	c.Media = next.Media
	c.ErrorMessages = next.ErrorMessages
}

// ErrorMessage renders the user-facing template for an error taxonomy key.
func (c *Config) ErrorMessage(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tmpl, ok := c.ErrorMessages[key]
	if !ok {
		tmpl = c.ErrorMessages["unknown"]
	}
	return renderTemplate(tmpl, c.Bot.Name)
}
