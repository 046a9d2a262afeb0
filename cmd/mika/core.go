package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mikabot/mika/internal/agent"
	"github.com/mikabot/mika/internal/config"
	"github.com/mikabot/mika/internal/mcp"
	"github.com/mikabot/mika/internal/media"
	"github.com/mikabot/mika/internal/memory"
	"github.com/mikabot/mika/internal/metrics"
	"github.com/mikabot/mika/internal/providers"
	"github.com/mikabot/mika/internal/store"
	"github.com/mikabot/mika/internal/supervisor"
	"github.com/mikabot/mika/internal/tools"
)

// core bundles the wired pipeline shared by the serve and chat commands.
type core struct {
	cfg      *config.Config
	orch     *agent.Orchestrator
	gate     *agent.ProactiveGate
	contexts *store.ContextStore
	mcp      *mcp.Manager
	sup      *supervisor.Supervisor
	dreams   *memory.DreamScheduler
	images   *imageIndex
	db       *store.DB
	log      *slog.Logger
}

func fastModel(cfg *config.Config) string {
	if cfg.LLM.FastModel != "" {
		return cfg.LLM.FastModel
	}
	return cfg.LLM.Model
}

// buildCore opens the database and wires every pipeline component.
func buildCore(ctx context.Context, cfg *config.Config, met *metrics.Metrics, log *slog.Logger) (*core, error) {
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	contexts := store.NewContextStore(db, cfg.Context.SnapshotLimit, cfg.Context.SnapshotCacheSize)
	topics := store.NewTopicStore(db)
	profiles := store.NewProfileStore(db)
	memories := store.NewMemoryStore(db)
	knowledge := store.NewKnowledgeStore(db)
	traces := store.NewTraceStore(db, cfg.Trace.RetentionDays, cfg.Trace.MaxRows)

	llm := providers.NewClient(providers.ClientOptions{
		Provider:          cfg.LLM.Provider,
		BaseURL:           cfg.LLM.BaseURL,
		Keys:              cfg.LLM.APIKeys,
		TimeoutSeconds:    cfg.LLM.TimeoutSeconds,
		TimeoutRetries:    cfg.LLM.TimeoutRetries,
		DefaultTemp:       cfg.LLM.Temperature,
		EmptyLocalRetries: cfg.EmptyReply.LocalRetries,
		EmptyDelayBase:    time.Duration(cfg.EmptyReply.DelayBaseSeconds) * time.Second,
		Sentinels:         cfg.EmptyReply.Sentinels,
		OnUsage: func(model string, usage *providers.Usage, latency time.Duration) {
			met.RecordUsage(context.Background(), model, usage.PromptTokens, usage.CompletionTokens, latency)
		},
		OnEmptyReply: func(kind string) {
			met.RecordEmptyReply(context.Background(), kind)
		},
	})

	var embedder store.Embedder
	if cfg.LLM.EmbeddingModel != "" {
		embedder = providers.NewEmbeddingClient(
			cfg.LLM.BaseURL, cfg.LLM.EmbeddingModel, cfg.LLM.APIKeys, cfg.LLM.TimeoutSeconds)
	}

	fetcher := media.NewFetcher(30*time.Second, cfg.Media.MaxDimension)
	images := newImageIndex(512)

	registry := tools.NewRegistry()
	webTool := tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveAPIKey: os.Getenv("MIKA_BRAVE_API_KEY"),
		DDGEnabled:  os.Getenv("MIKA_DDG_DISABLED") == "",
	})
	if webTool != nil {
		if err := registry.Register(webTool); err != nil {
			return nil, err
		}
	}
	if err := registry.Register(tools.NewGroupHistoryTool(&archiveHistory{contexts: contexts})); err != nil {
		return nil, err
	}
	if cfg.Knowledge.Enabled && embedder != nil {
		if err := registry.Register(tools.NewKnowledgeTool(&knowledgeSearch{
			store:    knowledge,
			embedder: embedder,
		})); err != nil {
			return nil, err
		}
	}
	if err := registry.Register(tools.NewHistoryImagesTool(&archiveImages{
		contexts: contexts,
		fetcher:  fetcher,
		index:    images,
	})); err != nil {
		return nil, err
	}

	executor := tools.NewExecutor(registry, tools.ExecutorOptions{
		Allowlist:              cfg.Tools.Allowlist,
		AllowDynamicRegistered: cfg.Tools.AllowDynamicRegistered,
		CacheEnabled:           cfg.Tools.CacheEnabled,
		CacheTTL:               time.Duration(cfg.Tools.CacheTTLSeconds) * time.Second,
		CacheMaxEntries:        cfg.Tools.CacheMaxEntries,
		Timeout:                time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
		ResultMaxChars:         cfg.Tools.ResultMaxChars,
		SchemaFallbackTTL:      time.Duration(cfg.Tools.SchemaFallbackTTLSeconds) * time.Second,
		OnBlocked: func(tool string) {
			met.RecordToolBlocked(context.Background(), tool)
		},
		OnCacheHit: func(tool string) {
			met.RecordToolCacheHit(context.Background(), tool)
		},
	})

	mcpMgr := mcp.NewManager(registry, cfg.MCP)
	if err := mcpMgr.Start(ctx); err != nil {
		log.Warn("mcp.start_failed", "error", err)
	}

	sup := supervisor.New(log)

	var extractor *memory.Extractor
	if cfg.Memory.Enabled && embedder != nil {
		extractor = memory.NewExtractor(llm, fastModel(cfg), embedder, memories, cfg.Memory.MaxFacts, log)
	}
	var summarizer *memory.Summarizer
	if cfg.TopicSummary.Enabled {
		summarizer = memory.NewSummarizer(llm, fastModel(cfg), topics, contexts,
			cfg.TopicSummary.BatchSize, cfg.TopicSummary.MaxTopics, log)
	}
	var dreams *memory.DreamScheduler
	if cfg.Dream.Enabled {
		dream := memory.NewDream(topics, memory.DreamOptions{
			MaxIterations:         cfg.Dream.MaxIterations,
			MinSummaryChars:       cfg.Dream.MinSummaryChars,
			MaxMergedSummaryChars: cfg.Dream.MaxMergedSummaryChars,
		}, log)
		dreams = memory.NewDreamScheduler(dream, topics, contexts, sup,
			cfg.Dream.Schedule, cfg.Dream.IdleMinutes, log)
	}

	var presearch *agent.Presearcher
	if cfg.Presearch.Enabled && webTool != nil {
		search := func(ctx context.Context, query string) (string, error) {
			return webTool.Handler(ctx, map[string]interface{}{"query": query}, "")
		}
		presearch = agent.NewPresearcher(cfg, llm, search, log)
	}

	var retriever *agent.Retriever
	if cfg.Memory.RetrievalEnabled && embedder != nil {
		retriever = agent.NewRetriever(agent.RetrieverDeps{
			LLM:      llm,
			Model:    fastModel(cfg),
			Topics:   topics,
			Profiles: profiles,
			Memory:   memories,
			Know:     knowledge,
			Embedder: embedder,
		}, cfg.Memory.RetrievalTimeoutSeconds, cfg.Memory.RetrievalMaxIterations, cfg.Memory.TopK, log)
	}

	var traceRec *agent.TraceRecorder
	if cfg.Trace.Enabled {
		traceRec = agent.NewTraceRecorder(traces, log)
	}

	orch := agent.New(cfg, agent.Deps{
		LLM:        llm,
		Contexts:   contexts,
		Topics:     topics,
		Traces:     traces,
		Profiles:   profiles,
		Memories:   memories,
		Embedder:   embedder,
		Registry:   registry,
		Executor:   executor,
		Presearch:  presearch,
		Retriever:  retriever,
		Extractor:  extractor,
		Summarizer: summarizer,
		Dreams:     dreams,
		Supervisor: sup,
		Metrics:    met,
		TraceRec:   traceRec,
		Fetcher:    fetcher,
		Log:        log,
	})

	gate := agent.NewProactiveGate(cfg, agent.KeywordMatcher{}, log)
	gate.OnTrigger = func(path string) {
		met.RecordProactiveTrigger(context.Background(), path)
	}

	return &core{
		cfg:      cfg,
		orch:     orch,
		gate:     gate,
		contexts: contexts,
		mcp:      mcpMgr,
		sup:      sup,
		dreams:   dreams,
		images:   images,
		db:       db,
		log:      log,
	}, nil
}

// close tears the pipeline down in reverse wiring order.
func (c *core) close() {
	c.mcp.Stop()
	if !c.sup.Shutdown(10 * time.Second) {
		c.log.Warn("background tasks still running at shutdown")
	}
	if err := c.db.Close(); err != nil {
		c.log.Warn("database close failed", "error", err)
	}
}
