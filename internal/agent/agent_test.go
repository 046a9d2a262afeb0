package agent

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mikabot/mika/internal/config"
	"github.com/mikabot/mika/internal/providers"
	"github.com/mikabot/mika/internal/store"
)

// fakeLLM replays scripted responses and records every request.
type fakeLLM struct {
	mu       sync.Mutex
	steps    []fakeStep
	requests []*providers.ChatRequest
	phases   []string
}

type fakeStep struct {
	resp *providers.ChatResponse
	err  error
}

func replies(contents ...string) *fakeLLM {
	f := &fakeLLM{}
	for _, c := range contents {
		f.steps = append(f.steps, fakeStep{resp: &providers.ChatResponse{Content: c}})
	}
	return f
}

func (f *fakeLLM) push(resp *providers.ChatResponse, err error) {
	f.steps = append(f.steps, fakeStep{resp: resp, err: err})
}

func (f *fakeLLM) Chat(ctx context.Context, req *providers.ChatRequest, meta providers.CallMeta) (*providers.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.phases = append(f.phases, meta.Phase)
	if len(f.steps) == 0 {
		return &providers.ChatResponse{Content: "exhausted"}, nil
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	return step.resp, step.err
}

func (f *fakeLLM) ChatStream(ctx context.Context, req *providers.ChatRequest, meta providers.CallMeta, onDelta func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	resp, err := f.Chat(ctx, req, meta)
	if err == nil && onDelta != nil && resp.Content != "" {
		onDelta(providers.StreamChunk{Content: resp.Content})
		onDelta(providers.StreamChunk{Done: true})
	}
	return resp, err
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vec := make([]float64, 8)
	for i, r := range text {
		vec[i%8] += float64(r % 17)
	}
	return vec, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.LLM.Model = "test-model"
	cfg.LLM.APIKeys = []string{"test-key"}
	cfg.Trace.Enabled = false
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "mika.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
