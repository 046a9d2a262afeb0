// Package memory hosts the background knowledge loops: fact extraction,
// topic summarization, and the offline dream cleanup.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mikabot/mika/internal/providers"
	"github.com/mikabot/mika/internal/store"
)

// Chatter is the slice of the provider client the background loops need.
type Chatter interface {
	Chat(ctx context.Context, req *providers.ChatRequest, meta providers.CallMeta) (*providers.ChatResponse, error)
}

const extractSystemPrompt = `You extract durable facts about users from chat logs.
Rules:
- Output ONLY facts worth remembering long-term (preferences, biography, relationships, commitments).
- One fact per line, formatted exactly as: user_id: fact
- No commentary, no numbering, no markdown.
- If there is nothing worth remembering, output exactly: NONE`

// Extractor distills durable user facts from a dialogue snippet and stores
// them with embeddings.
type Extractor struct {
	llm      Chatter
	model    string
	embedder store.Embedder
	facts    *store.MemoryStore
	maxFacts int
	log      *slog.Logger
}

func NewExtractor(llm Chatter, model string, embedder store.Embedder, facts *store.MemoryStore, maxFacts int, log *slog.Logger) *Extractor {
	if maxFacts <= 0 {
		maxFacts = 5
	}
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{llm: llm, model: model, embedder: embedder, facts: facts, maxFacts: maxFacts, log: log}
}

// Extract runs one extraction pass over the snippet and persists parsed
// facts. Returns the number of facts stored.
func (e *Extractor) Extract(ctx context.Context, sessionKey string, snippet []store.ArchivedMessage) (int, error) {
	if len(snippet) == 0 {
		return 0, nil
	}

	resp, err := e.llm.Chat(ctx, &providers.ChatRequest{
		Model: e.model,
		Messages: []providers.Message{
			{Role: "system", Content: extractSystemPrompt},
			{Role: "user", Content: renderSnippet(snippet)},
		},
	}, providers.CallMeta{Phase: "memory_extract"})
	if err != nil {
		return 0, fmt.Errorf("memory extract: %w", err)
	}

	facts := ParseFactLines(resp.Content, e.maxFacts)
	stored := 0
	for _, f := range facts {
		emb, err := e.embedder.Embed(ctx, f.Fact)
		if err != nil {
			e.log.Warn("fact embedding failed", "session", sessionKey, "error", err)
			continue
		}
		err = e.facts.Add(ctx, store.MemoryFact{
			SessionKey: sessionKey,
			UserID:     f.UserID,
			Fact:       f.Fact,
			Embedding:  emb,
			Source:     "extract",
		})
		if err != nil {
			e.log.Warn("fact persist failed", "session", sessionKey, "error", err)
			continue
		}
		stored++
	}
	return stored, nil
}

// ParsedFact is one "user_id: fact" line from the extractor output.
type ParsedFact struct {
	UserID string
	Fact   string
}

// ParseFactLines parses extractor output, tolerating stray formatting and
// capping at maxFacts. A NONE reply yields nothing.
func ParseFactLines(output string, maxFacts int) []ParsedFact {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" || strings.EqualFold(trimmed, "NONE") {
		return nil
	}

	var facts []ParsedFact
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*• \t"))
		if line == "" || strings.EqualFold(line, "NONE") {
			continue
		}
		id, fact, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		id = strings.TrimSpace(id)
		fact = strings.TrimSpace(fact)
		if id == "" || fact == "" {
			continue
		}
		facts = append(facts, ParsedFact{UserID: id, Fact: fact})
		if len(facts) >= maxFacts {
			break
		}
	}
	return facts
}

func renderSnippet(msgs []store.ArchivedMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		who := m.UserID
		if m.Role == "assistant" {
			who = "assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, m.Content)
	}
	return b.String()
}
