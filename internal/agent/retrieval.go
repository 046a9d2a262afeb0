package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mikabot/mika/internal/memory"
	"github.com/mikabot/mika/internal/providers"
	"github.com/mikabot/mika/internal/store"
)

const retrievalSystemPrompt = `You are a retrieval planner. Decide the next action to gather context for the question.
Actions (JSON only, one object):
{"action":"query_chat_history","args":{"top_k":3},"reason":"..."}
{"action":"query_user_profile","args":{"user_id":"..."},"reason":"..."}
{"action":"query_memory","args":{"query":"...","top_k":5},"reason":"..."}
{"action":"query_knowledge","args":{"query":"...","top_k":5,"corpus_id":""},"reason":"..."}
{"action":"found_answer","args":{"answer":"..."},"reason":"..."}
Use found_answer once the observations are sufficient.`

const retrievalObservationCap = 3

// RetrieverDeps are the closed set of knowledge sources.
type RetrieverDeps struct {
	LLM      memory.Chatter
	Model    string
	Topics   *store.TopicStore
	Profiles *store.ProfileStore
	Memory   *store.MemoryStore
	Know     *store.KnowledgeStore
	Embedder store.Embedder
}

// Retriever runs the ReAct decide/query/observe loop over topic summaries,
// user profiles, long-term memory and the knowledge base.
type Retriever struct {
	deps          RetrieverDeps
	timeout       time.Duration
	maxIterations int
	topK          int
	log           *slog.Logger
	now           func() time.Time
}

func NewRetriever(deps RetrieverDeps, timeoutSeconds, maxIterations, topK int, log *slog.Logger) *Retriever {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 10
	}
	if maxIterations <= 0 {
		maxIterations = 5
	}
	if topK <= 0 {
		topK = 5
	}
	if log == nil {
		log = slog.Default()
	}
	return &Retriever{
		deps:          deps,
		timeout:       time.Duration(timeoutSeconds) * time.Second,
		maxIterations: maxIterations,
		topK:          topK,
		log:           log,
		now:           time.Now,
	}
}

// Question is the retrieval request scope.
type Question struct {
	Text       string
	SessionKey string
	UserID     string
	GroupID    string
}

type retrievalDecision struct {
	Action string                 `json:"action"`
	Args   map[string]interface{} `json:"args"`
	Reason string                 `json:"reason"`
}

type observation struct {
	Action string
	Text   string
}

// Retrieve runs the loop and composes the final context from the last
// observations, or returns the planner's found answer directly.
func (r *Retriever) Retrieve(ctx context.Context, q Question) (string, error) {
	deadline := r.now().Add(r.timeout)
	var observations []observation

	for i := 0; i < r.maxIterations; i++ {
		if !r.now().Before(deadline) {
			break
		}

		decision, err := r.decide(ctx, q, observations)
		if err != nil {
			r.log.Warn("retrieval planner step failed", "iteration", i, "error", err)
			break
		}

		if decision.Action == "found_answer" {
			if answer, _ := decision.Args["answer"].(string); answer != "" {
				return answer, nil
			}
			break
		}

		obs, err := r.execute(ctx, q, decision)
		if err != nil {
			obs = fmt.Sprintf("error: %v", err)
		}
		observations = append(observations, observation{Action: decision.Action, Text: obs})
	}

	return composeObservations(observations), nil
}

func (r *Retriever) decide(ctx context.Context, q Question, observations []observation) (*retrievalDecision, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "question: %s\nsession: %s\nuser_id: %s\n", q.Text, q.SessionKey, q.UserID)
	if q.GroupID != "" {
		fmt.Fprintf(&user, "group_id: %s\n", q.GroupID)
	}
	for _, obs := range observations {
		fmt.Fprintf(&user, "\n[%s] %s", obs.Action, obs.Text)
	}

	resp, err := r.deps.LLM.Chat(ctx, &providers.ChatRequest{
		Model: r.Model(),
		Messages: []providers.Message{
			{Role: "system", Content: retrievalSystemPrompt},
			{Role: "user", Content: user.String()},
		},
		ResponseFormat: map[string]interface{}{"type": "json_object"},
	}, providers.CallMeta{Phase: "retrieval"})
	if err != nil {
		return nil, err
	}

	var decision retrievalDecision
	if err := json.Unmarshal([]byte(memory.StripJSONFence(resp.Content)), &decision); err != nil {
		return nil, fmt.Errorf("parse retrieval decision: %w", err)
	}
	return &decision, nil
}

// execute runs one closed-set action. Unknown actions return an unsupported
// marker so the planner can correct itself; nothing arbitrary ever runs.
func (r *Retriever) execute(ctx context.Context, q Question, d *retrievalDecision) (string, error) {
	switch d.Action {
	case "query_chat_history":
		return r.queryChatHistory(ctx, q, argInt(d.Args, "top_k", r.topK))
	case "query_user_profile":
		userID, _ := d.Args["user_id"].(string)
		if userID == "" {
			userID = q.UserID
		}
		return r.queryUserProfile(ctx, userID)
	case "query_memory":
		query, _ := d.Args["query"].(string)
		return r.queryMemory(ctx, q.SessionKey, query, argInt(d.Args, "top_k", r.topK))
	case "query_knowledge":
		query, _ := d.Args["query"].(string)
		corpus, _ := d.Args["corpus_id"].(string)
		return r.queryKnowledge(ctx, query, corpus, argInt(d.Args, "top_k", r.topK))
	default:
		return fmt.Sprintf("unsupported: %s", d.Action), nil
	}
}

func (r *Retriever) queryChatHistory(ctx context.Context, q Question, topK int) (string, error) {
	topics, err := r.deps.Topics.BySession(ctx, q.SessionKey, topK)
	if err != nil {
		return "", err
	}
	if len(topics) == 0 {
		return "no topic summaries", nil
	}
	var b strings.Builder
	for _, t := range topics {
		fmt.Fprintf(&b, "topic %q: %s\n", t.Topic, t.Summary)
	}
	return strings.TrimSpace(b.String()), nil
}

func (r *Retriever) queryUserProfile(ctx context.Context, userID string) (string, error) {
	summary, err := r.deps.Profiles.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if summary == "" {
		return "no profile", nil
	}
	return summary, nil
}

func (r *Retriever) queryMemory(ctx context.Context, sessionKey, query string, topK int) (string, error) {
	if query == "" {
		return "empty memory query", nil
	}
	emb, err := r.deps.Embedder.Embed(ctx, query)
	if err != nil {
		return "", err
	}
	hits, err := r.deps.Memory.Search(ctx, sessionKey, emb, topK)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "no memory hits", nil
	}
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "(%.2f) %s: %s\n", h.Score, h.Fact.UserID, h.Fact.Fact)
	}
	return strings.TrimSpace(b.String()), nil
}

func (r *Retriever) queryKnowledge(ctx context.Context, query, corpus string, topK int) (string, error) {
	if query == "" {
		return "empty knowledge query", nil
	}
	emb, err := r.deps.Embedder.Embed(ctx, query)
	if err != nil {
		return "", err
	}
	hits, err := r.deps.Know.Search(ctx, emb, topK, corpus)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "no knowledge hits", nil
	}
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "(%.2f) %s\n", h.Score, h.Entry.Content)
	}
	return strings.TrimSpace(b.String()), nil
}

// Model picks the retrieval planner model.
func (r *Retriever) Model() string { return r.deps.Model }

func composeObservations(observations []observation) string {
	if len(observations) == 0 {
		return ""
	}
	start := 0
	if len(observations) > retrievalObservationCap {
		start = len(observations) - retrievalObservationCap
	}
	var parts []string
	for _, obs := range observations[start:] {
		parts = append(parts, fmt.Sprintf("[%s]\n%s", obs.Action, obs.Text))
	}
	return strings.Join(parts, "\n\n")
}

func argInt(args map[string]interface{}, key string, def int) int {
	if v, ok := args[key].(float64); ok && int(v) > 0 {
		return int(v)
	}
	return def
}
