package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikabot/mika/internal/store"
)

func newTestRetriever(t *testing.T, llm *fakeLLM, maxIterations int) (*Retriever, *store.DB) {
	t.Helper()
	db := openTestDB(t)
	deps := RetrieverDeps{
		LLM:      llm,
		Model:    "test-model",
		Topics:   store.NewTopicStore(db),
		Profiles: store.NewProfileStore(db),
		Memory:   store.NewMemoryStore(db),
		Know:     store.NewKnowledgeStore(db),
		Embedder: fixedEmbedder{},
	}
	return NewRetriever(deps, 10, maxIterations, 3, quietLogger()), db
}

func TestRetrieveFoundAnswerDirect(t *testing.T) {
	llm := replies(`{"action":"found_answer","args":{"answer":"the meetup is on Friday"},"reason":"known"}`)
	r, _ := newTestRetriever(t, llm, 4)

	out, err := r.Retrieve(context.Background(), Question{Text: "when is the meetup?", SessionKey: "private:u1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "the meetup is on Friday", out)
	assert.Equal(t, 1, llm.calls())
}

func TestRetrieveChatHistoryObservation(t *testing.T) {
	llm := replies(`{"action":"query_chat_history","args":{"top_k":2},"reason":"context"}`)
	r, db := newTestRetriever(t, llm, 1)

	ts := store.NewTopicStore(db)
	require.NoError(t, ts.Upsert(context.Background(), &store.TopicSummary{
		SessionKey: "group:42",
		Topic:      "weekend plan",
		Summary:    "the group agreed to go hiking on Saturday",
	}))

	out, err := r.Retrieve(context.Background(), Question{Text: "plans?", SessionKey: "group:42", UserID: "u1", GroupID: "42"})
	require.NoError(t, err)
	assert.Contains(t, out, "[query_chat_history]")
	assert.Contains(t, out, "hiking on Saturday")
}

func TestRetrieveUnsupportedActionObserved(t *testing.T) {
	llm := replies(
		`{"action":"query_weather","args":{},"reason":"oops"}`,
		`{"action":"found_answer","args":{"answer":"done"},"reason":"recovered"}`,
	)
	r, _ := newTestRetriever(t, llm, 4)

	out, err := r.Retrieve(context.Background(), Question{Text: "q", SessionKey: "private:u1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	// second decide call saw the unsupported marker as an observation
	require.Equal(t, 2, llm.calls())
	assert.Contains(t, llm.requests[1].Messages[1].Content, "unsupported: query_weather")
}

func TestRetrieveIterationBudget(t *testing.T) {
	llm := replies(
		`{"action":"query_user_profile","args":{},"reason":"1"}`,
		`{"action":"query_user_profile","args":{},"reason":"2"}`,
		`{"action":"query_user_profile","args":{},"reason":"3"}`,
	)
	r, _ := newTestRetriever(t, llm, 2)

	out, err := r.Retrieve(context.Background(), Question{Text: "q", SessionKey: "private:u1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 2, llm.calls(), "loop stops at max iterations")
	assert.Contains(t, out, "no profile")
}

func TestRetrievePlannerFailureComposesPartial(t *testing.T) {
	llm := replies(
		`{"action":"query_user_profile","args":{},"reason":"1"}`,
		`not json`,
	)
	r, _ := newTestRetriever(t, llm, 4)

	out, err := r.Retrieve(context.Background(), Question{Text: "q", SessionKey: "private:u1", UserID: "u1"})
	require.NoError(t, err)
	assert.Contains(t, out, "[query_user_profile]")
}

func TestComposeObservationsKeepsLastThree(t *testing.T) {
	obs := []observation{
		{Action: "a", Text: "one"},
		{Action: "b", Text: "two"},
		{Action: "c", Text: "three"},
		{Action: "d", Text: "four"},
	}
	out := composeObservations(obs)
	assert.NotContains(t, out, "one")
	assert.Contains(t, out, "two")
	assert.Contains(t, out, "four")
}

func TestArgInt(t *testing.T) {
	args := map[string]interface{}{"top_k": float64(7), "neg": float64(-1)}
	assert.Equal(t, 7, argInt(args, "top_k", 3))
	assert.Equal(t, 3, argInt(args, "neg", 3))
	assert.Equal(t, 3, argInt(args, "missing", 3))
}
