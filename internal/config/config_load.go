package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Bot: BotConfig{
			Name: "Mika",
			SystemPrompt: "你是{name}，一个活泼但可靠的群聊助手。现在是{datetime}，会话 {session}。" +
				"用自然的口语回复，不要使用 Markdown 格式。{profile}",
		},
		LLM: LLMConfig{
			Provider:           "openai_compat",
			BaseURL:            "https://api.openai.com/v1",
			Temperature:        0.7,
			MaxTokens:          4096,
			TimeoutSeconds:     120,
			TimeoutRetries:     2,
			RetryCount:         2,
			KeyCooldownSeconds: 60,
		},
		Context: ContextConfig{
			Mode:                "structured",
			MaxTurns:            24,
			MaxTokensSoft:       0, // auto from model
			RequestBodyMaxBytes: 1 << 20,
			HardMaxMessages:     120,
			SnapshotLimit:       60,
			SnapshotCacheSize:   256,
		},
		Transcript: TranscriptConfig{
			LineMaxChars:    180,
			MaxParticipants: 8,
		},
		Tools: ToolsConfig{
			Enabled:               true,
			MaxRounds:             5,
			TimeoutSeconds:        30,
			ForceFinalOnMaxRounds: true,
			CacheEnabled:          true,
			CacheTTLSeconds:       300,
			CacheMaxEntries:       256,
			AllowDynamicRegistered: true,
			SchemaMode:            "auto",
			SchemaAutoThreshold:   8,
			SchemaFallbackTTLSeconds: 600,
			ResultMaxChars:        6000,
		},
		EmptyReply: EmptyReplyConfig{
			LocalRetries:      2,
			DelayBaseSeconds:  1,
			DegradeEnabled:    true,
			MaxDegradeLevel:   2,
			RetryDelaySeconds: 2,
			Sentinels:         FlexibleStringSlice{"Answer not available. Please try again later."},
		},
		Presearch: PresearchConfig{
			CacheTTLSeconds:     600,
			MaxRefineRounds:     2,
			DuplicateSimilarity: 0.9,
		},
		Memory: MemoryConfig{
			ExtractInterval:         8,
			MaxFacts:                5,
			RetrievalTimeoutSeconds: 20,
			RetrievalMaxIterations:  4,
			TopK:                    5,
		},
		Knowledge: KnowledgeConfig{
			TopK: 3,
		},
		TopicSummary: TopicSummaryConfig{
			BatchSize: 40,
			MaxTopics: 3,
		},
		Dream: DreamConfig{
			IdleMinutes:           30,
			Schedule:              "0 * * * *",
			MaxIterations:         50,
			MinSummaryChars:       24,
			MaxMergedSummaryChars: 2000,
		},
		Planner: PlannerConfig{
			Enabled:        true,
			Mode:           "heuristic",
			TimeoutSeconds: 8,
		},
		Proactive: ProactiveConfig{
			Rate:                    0.3,
			HeatThreshold:           5,
			HeatDecayPerMinute:      1,
			CooldownSeconds:         300,
			CooldownMessages:        10,
			KeywordCooldownMessages: 3,
			IgnoreLen:               6,
			BurstPerMinute:          2,
			JudgeHistoryMessages:    15,
		},
		Trace: TraceConfig{
			Enabled:       true,
			RetentionDays: 14,
			MaxRows:       20000,
		},
		Guard: GuardConfig{
			Enabled: true,
			Action:  "annotate",
		},
		Media: MediaConfig{
			HistoryImageTwoStageMax: 3,
			MaxDimension:            1568,
		},
		Database: DatabaseConfig{
			Path: "mika.db",
		},
		ErrorMessages: map[string]string{
			"rate_limit":     "{name}有点忙不过来了，稍等一下再问我吧。",
			"auth_error":     "{name}的钥匙好像不对，请联系管理员检查 API Key。",
			"server_error":   "{name}那边的服务器出了点问题，稍后再试试。",
			"content_filter": "这个话题{name}不太方便回答呢。",
			"timeout":        "{name}等了好久都没有回音，请再试一次。",
			"empty_reply":    "{name}想了半天也没想出要说什么……换个说法试试？",
			"api_error":      "{name}遇到了一个奇怪的错误，稍后再试试。",
			"unknown":        "{name}出了点小状况，请稍后再试。",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays secrets and overrides from the environment.
// API keys are secrets and may be supplied via MIKA_API_KEYS
// (comma-separated) instead of the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MIKA_API_KEYS"); v != "" {
		var keys []string
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		cfg.LLM.APIKeys = keys
	}
	if v := os.Getenv("MIKA_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("MIKA_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("MIKA_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai_compat", "anthropic", "google_genai":
	default:
		return fmt.Errorf("config: unknown llm provider %q", c.LLM.Provider)
	}
	switch c.Context.Mode {
	case "legacy", "structured":
	default:
		return fmt.Errorf("config: unknown context mode %q", c.Context.Mode)
	}
	switch c.Planner.Mode {
	case "", "heuristic", "llm":
	default:
		return fmt.Errorf("config: unknown planner mode %q", c.Planner.Mode)
	}
	switch c.Guard.Action {
	case "", "annotate", "strip":
	default:
		return fmt.Errorf("config: unknown guard action %q", c.Guard.Action)
	}
	switch c.Tools.SchemaMode {
	case "", "full", "light", "auto":
	default:
		return fmt.Errorf("config: unknown tool schema mode %q", c.Tools.SchemaMode)
	}
	return nil
}

// renderTemplate substitutes the {name} placeholder.
func renderTemplate(tmpl, name string) string {
	if tmpl == "" {
		return name + ": something went wrong."
	}
	return strings.ReplaceAll(tmpl, "{name}", name)
}
