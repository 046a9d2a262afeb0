package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mikabot/mika/internal/providers"
	"github.com/mikabot/mika/internal/store"
)

const partitionPrompt = `Partition the numbered chat messages into at most %d coherent topics.
Reply with JSON only:
{"topics":[{"topic":"short name","message_indices":[0,1,...]}]}
Indices refer to the numbers in the input. Leave out small talk that fits no topic.`

const summarizePrompt = `Summarize the following chat excerpt about the topic "%s".
Reply with JSON only:
{"summary":"2-4 sentences","key_points":["..."],"keywords":["..."]}`

// Summarizer batches archived messages into topic summaries. A per-session
// cursor tracks how far the archive has been processed.
type Summarizer struct {
	llm       Chatter
	model     string
	topics    *store.TopicStore
	archive   *store.ContextStore
	batchSize int
	maxTopics int
	log       *slog.Logger
}

func NewSummarizer(llm Chatter, model string, topics *store.TopicStore, archive *store.ContextStore, batchSize, maxTopics int, log *slog.Logger) *Summarizer {
	if batchSize <= 0 {
		batchSize = 30
	}
	if maxTopics <= 0 || maxTopics > 3 {
		maxTopics = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Summarizer{llm: llm, model: model, topics: topics, archive: archive,
		batchSize: batchSize, maxTopics: maxTopics, log: log}
}

type topicPartition struct {
	Topics []struct {
		Topic          string `json:"topic"`
		MessageIndices []int  `json:"message_indices"`
	} `json:"topics"`
}

type topicDetail struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
	Keywords  []string `json:"keywords"`
}

// Run processes at most one batch for the session. It is a no-op until
// batchSize unprocessed messages have accumulated.
func (s *Summarizer) Run(ctx context.Context, sessionKey string) error {
	cursor, err := s.topics.ProcessedCount(ctx, sessionKey)
	if err != nil {
		return err
	}
	total, err := s.archive.ArchiveCount(ctx, sessionKey)
	if err != nil {
		return err
	}
	if total-cursor < s.batchSize {
		return nil
	}

	batch, err := s.archive.ArchiveRange(ctx, sessionKey, cursor, s.batchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	partition, err := s.partition(ctx, batch)
	if err != nil {
		return fmt.Errorf("topic partition: %w", err)
	}

	for _, cand := range partition.Topics {
		name := strings.TrimSpace(cand.Topic)
		msgs := pickIndices(batch, cand.MessageIndices)
		if name == "" || len(msgs) == 0 {
			continue
		}
		detail, err := s.summarize(ctx, name, msgs)
		if err != nil {
			s.log.Warn("topic summarize failed", "session", sessionKey, "topic", name, "error", err)
			continue
		}
		entry := &store.TopicSummary{
			SessionKey:         sessionKey,
			Topic:              name,
			Keywords:           detail.Keywords,
			Summary:            detail.Summary,
			KeyPoints:          detail.KeyPoints,
			Participants:       participants(msgs),
			TimestampStart:     msgs[0].Timestamp,
			TimestampEnd:       msgs[len(msgs)-1].Timestamp,
			SourceMessageCount: len(msgs),
		}
		if err := s.topics.Upsert(ctx, entry); err != nil {
			s.log.Warn("topic upsert failed", "session", sessionKey, "topic", name, "error", err)
		}
	}

	// Advance the cursor even when some topics failed: the batch has been
	// consumed and retrying it would duplicate summaries.
	return s.topics.SetProcessedCount(ctx, sessionKey, cursor+len(batch))
}

func (s *Summarizer) partition(ctx context.Context, batch []store.ArchivedMessage) (*topicPartition, error) {
	var input strings.Builder
	for i, m := range batch {
		who := m.UserID
		if m.Role == "assistant" {
			who = "assistant"
		}
		fmt.Fprintf(&input, "%d. %s: %s\n", i, who, m.Content)
	}

	resp, err := s.llm.Chat(ctx, &providers.ChatRequest{
		Model: s.model,
		Messages: []providers.Message{
			{Role: "system", Content: fmt.Sprintf(partitionPrompt, s.maxTopics)},
			{Role: "user", Content: input.String()},
		},
		ResponseFormat: map[string]interface{}{"type": "json_object"},
	}, providers.CallMeta{Phase: "topic_partition"})
	if err != nil {
		return nil, err
	}

	var out topicPartition
	if err := json.Unmarshal([]byte(StripJSONFence(resp.Content)), &out); err != nil {
		return nil, fmt.Errorf("parse partition reply: %w", err)
	}
	if len(out.Topics) > s.maxTopics {
		out.Topics = out.Topics[:s.maxTopics]
	}
	return &out, nil
}

func (s *Summarizer) summarize(ctx context.Context, topic string, msgs []store.ArchivedMessage) (*topicDetail, error) {
	var input strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&input, "%s: %s\n", m.UserID, m.Content)
	}

	resp, err := s.llm.Chat(ctx, &providers.ChatRequest{
		Model: s.model,
		Messages: []providers.Message{
			{Role: "system", Content: fmt.Sprintf(summarizePrompt, topic)},
			{Role: "user", Content: input.String()},
		},
		ResponseFormat: map[string]interface{}{"type": "json_object"},
	}, providers.CallMeta{Phase: "topic_summary"})
	if err != nil {
		return nil, err
	}

	var out topicDetail
	if err := json.Unmarshal([]byte(StripJSONFence(resp.Content)), &out); err != nil {
		return nil, fmt.Errorf("parse summary reply: %w", err)
	}
	if strings.TrimSpace(out.Summary) == "" {
		return nil, fmt.Errorf("summary reply had no summary text")
	}
	return &out, nil
}

func pickIndices(batch []store.ArchivedMessage, indices []int) []store.ArchivedMessage {
	var out []store.ArchivedMessage
	for _, i := range indices {
		if i >= 0 && i < len(batch) {
			out = append(out, batch[i])
		}
	}
	return out
}

func participants(msgs []store.ArchivedMessage) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range msgs {
		if m.Role != "user" || m.UserID == "" || seen[m.UserID] {
			continue
		}
		seen[m.UserID] = true
		out = append(out, m.UserID)
	}
	return out
}

// StripJSONFence removes a surrounding markdown code fence from model
// output so the payload parses as JSON.
func StripJSONFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
