package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func searchReturning(result string, calls *int) SearchFunc {
	return func(ctx context.Context, query string) (string, error) {
		if calls != nil {
			*calls++
		}
		return result, nil
	}
}

func TestPresearchDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Presearch.Enabled = false
	p := NewPresearcher(cfg, replies(), searchReturning("r", nil), quietLogger())

	assert.Nil(t, p.Run(context.Background(), "今天有什么新闻"))
}

func TestPresearchKeywordGateMiss(t *testing.T) {
	cfg := testConfig()
	cfg.Presearch.Enabled = true
	cfg.Presearch.Keywords = []string{"新闻", "weather"}

	llm := replies()
	p := NewPresearcher(cfg, llm, searchReturning("r", nil), quietLogger())

	assert.Nil(t, p.Run(context.Background(), "讲个笑话"))
	assert.Zero(t, llm.calls(), "classifier must not run when no keyword matches")
}

func TestPresearchClassifierSkips(t *testing.T) {
	cfg := testConfig()
	cfg.Presearch.Enabled = true

	llm := replies(`{"needs_search":false,"query":""}`)
	p := NewPresearcher(cfg, llm, searchReturning("r", nil), quietLogger())

	res := p.Run(context.Background(), "1+1等于几")
	require.NotNil(t, res)
	assert.Equal(t, "skip", res.Decision)
	assert.False(t, res.PresearchHit)
}

func TestPresearchExecutesAndLabels(t *testing.T) {
	cfg := testConfig()
	cfg.Presearch.Enabled = true
	cfg.Presearch.MaxRefineRounds = 2

	searches := 0
	llm := replies(`{"needs_search":true,"query":"Go 1.25 Release Notes"}`)
	p := NewPresearcher(cfg, llm, searchReturning("1. go1.25 released\n2. notes", &searches), quietLogger())

	res := p.Run(context.Background(), "go 1.25 有什么新特性")
	require.NotNil(t, res)
	assert.True(t, res.PresearchHit)
	assert.Equal(t, "go 1.25 release notes", res.NormalizedQuery)
	assert.True(t, res.AllowToolRefine)
	assert.Equal(t, 2, res.ResultCount)
	assert.Equal(t, 1, searches)

	msg := res.InjectionMessage()
	require.NotNil(t, msg)
	assert.Equal(t, "user", msg.Role)
	assert.Contains(t, msg.Content, SearchResultLabel)
	assert.Contains(t, msg.Content, "go1.25 released")
}

func TestPresearchClassifierCache(t *testing.T) {
	cfg := testConfig()
	cfg.Presearch.Enabled = true
	cfg.Presearch.CacheTTLSeconds = 600

	llm := replies(`{"needs_search":true,"query":"btc price"}`)
	p := NewPresearcher(cfg, llm, searchReturning("1. $100k", nil), quietLogger())

	require.NotNil(t, p.Run(context.Background(), "BTC  price now"))
	require.NotNil(t, p.Run(context.Background(), "btc price NOW"))
	assert.Equal(t, 1, llm.calls(), "normalized duplicates share one classification")
}

func TestPresearchCacheExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.Presearch.Enabled = true
	cfg.Presearch.CacheTTLSeconds = 60

	llm := replies(
		`{"needs_search":true,"query":"eth price"}`,
		`{"needs_search":true,"query":"eth price"}`,
	)
	p := NewPresearcher(cfg, llm, searchReturning("1. $5k", nil), quietLogger())

	base := time.Now()
	p.now = func() time.Time { return base }
	require.NotNil(t, p.Run(context.Background(), "eth price"))

	p.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.NotNil(t, p.Run(context.Background(), "eth price"))
	assert.Equal(t, 2, llm.calls())
}

func TestPresearchSearchFailureReturnsNil(t *testing.T) {
	cfg := testConfig()
	cfg.Presearch.Enabled = true

	llm := replies(`{"needs_search":true,"query":"anything"}`)
	p := NewPresearcher(cfg, llm, func(ctx context.Context, q string) (string, error) {
		return "", errors.New("engine down")
	}, quietLogger())

	assert.Nil(t, p.Run(context.Background(), "anything new today"))
}

func TestInjectionMessageNilSafety(t *testing.T) {
	var res *PreSearchResult
	assert.Nil(t, res.InjectionMessage())
	assert.Nil(t, (&PreSearchResult{PresearchHit: true}).InjectionMessage())
}
