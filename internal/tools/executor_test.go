package tools

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string, calls *atomic.Int32) *Tool {
	return &Tool{
		Name:        name,
		Description: "echo",
		Parameters:  map[string]interface{}{"type": "object"},
		Source:      SourceBuiltin,
		Enabled:     true,
		Handler: func(ctx context.Context, args map[string]interface{}, groupID string) (string, error) {
			if calls != nil {
				calls.Add(1)
			}
			return fmt.Sprintf("echo %v", args["q"]), nil
		},
	}
}

func newTestExecutor(t *testing.T, opts ExecutorOptions, toolList ...*Tool) (*Executor, *Registry) {
	t.Helper()
	reg := NewRegistry()
	for _, tool := range toolList {
		require.NoError(t, reg.Register(tool))
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = time.Minute
	}
	return NewExecutor(reg, opts), reg
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoTool("a", nil)))
	assert.Error(t, reg.Register(echoTool("a", nil)))
}

func TestExecuteAllowlistBlocks(t *testing.T) {
	var blocked atomic.Int32
	exec, _ := newTestExecutor(t, ExecutorOptions{
		Allowlist: []string{"other"},
		OnBlocked: func(string) { blocked.Add(1) },
	}, echoTool("secret", nil))

	result, meta := exec.Execute(context.Background(), "group:1", "1", "secret", `{}`, nil)
	assert.True(t, meta.Blocked)
	assert.Equal(t, "not_in_allowlist", meta.BlockReason)
	assert.Contains(t, result, "not allowed")
	assert.Equal(t, int32(1), blocked.Load())
}

func TestExecuteDynamicRegisteredAllowed(t *testing.T) {
	mcpTool := echoTool("server:thing", nil)
	mcpTool.Source = SourceMCP
	exec, _ := newTestExecutor(t, ExecutorOptions{
		Allowlist:              []string{"web_search"},
		AllowDynamicRegistered: true,
	}, mcpTool)

	_, meta := exec.Execute(context.Background(), "group:1", "1", "server:thing", `{"q":1}`, nil)
	assert.False(t, meta.Blocked)
}

func TestExecuteAliasStripsProviderPrefix(t *testing.T) {
	var calls atomic.Int32
	exec, _ := newTestExecutor(t, ExecutorOptions{AllowDynamicRegistered: true},
		echoTool("web_search", &calls))

	result, meta := exec.Execute(context.Background(), "group:1", "1", "openai:web_search", `{"q":"x","query":"x"}`, nil)
	assert.False(t, meta.Blocked)
	assert.Contains(t, result, "echo")
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteInvalidJSONWrapsInput(t *testing.T) {
	var gotArgs map[string]interface{}
	tool := &Tool{
		Name: "t", Enabled: true, Source: SourceBuiltin,
		Handler: func(ctx context.Context, args map[string]interface{}, _ string) (string, error) {
			gotArgs = args
			return "ok", nil
		},
	}
	exec, _ := newTestExecutor(t, ExecutorOptions{AllowDynamicRegistered: true}, tool)

	_, meta := exec.Execute(context.Background(), "s", "", "t", "not json at all", nil)
	assert.True(t, meta.SchemaMismatch)
	assert.Equal(t, "not json at all", gotArgs["input"])
}

func TestExecuteCacheHit(t *testing.T) {
	var calls, hits atomic.Int32
	exec, _ := newTestExecutor(t, ExecutorOptions{
		AllowDynamicRegistered: true,
		CacheEnabled:           true,
		OnCacheHit:             func(string) { hits.Add(1) },
	}, echoTool("web_search", &calls))

	ctx := context.Background()
	first, meta1 := exec.Execute(ctx, "group:1", "1", "web_search", `{"q":"a"}`, nil)
	second, meta2 := exec.Execute(ctx, "group:1", "1", "web_search", `{"q":"a"}`, nil)

	assert.False(t, meta1.CacheHit)
	assert.True(t, meta2.CacheHit)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), hits.Load())

	// different session gets a distinct cache key
	_, meta3 := exec.Execute(ctx, "group:2", "2", "web_search", `{"q":"a"}`, nil)
	assert.False(t, meta3.CacheHit)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecuteInflightDedupe(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	tool := &Tool{
		Name: "web_search", Enabled: true, Source: SourceBuiltin,
		Handler: func(ctx context.Context, args map[string]interface{}, _ string) (string, error) {
			calls.Add(1)
			<-release
			return "shared", nil
		},
	}
	// caching disabled: dedupe must still apply
	exec, _ := newTestExecutor(t, ExecutorOptions{AllowDynamicRegistered: true}, tool)

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = exec.Execute(context.Background(), "s", "", "web_search", `{"q":"a"}`, nil)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "shared", results[0])
	assert.Equal(t, "shared", results[1])
}

func TestExecuteTimeout(t *testing.T) {
	tool := &Tool{
		Name: "slow", Enabled: true, Source: SourceBuiltin,
		Handler: func(ctx context.Context, args map[string]interface{}, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	exec, _ := newTestExecutor(t, ExecutorOptions{
		AllowDynamicRegistered: true,
		Timeout:                20 * time.Millisecond,
	}, tool)

	result, meta := exec.Execute(context.Background(), "s", "", "slow", `{}`, nil)
	assert.False(t, meta.Blocked)
	assert.Contains(t, result, "failed")
}

func TestExecuteTruncatesLongResults(t *testing.T) {
	tool := &Tool{
		Name: "big", Enabled: true, Source: SourceBuiltin,
		Handler: func(ctx context.Context, args map[string]interface{}, _ string) (string, error) {
			out := make([]byte, 500)
			for i := range out {
				out[i] = 'x'
			}
			return string(out), nil
		},
	}
	exec, _ := newTestExecutor(t, ExecutorOptions{
		AllowDynamicRegistered: true,
		ResultMaxChars:         100,
	}, tool)

	result, meta := exec.Execute(context.Background(), "s", "", "big", `{}`, nil)
	assert.True(t, meta.TruncatedResult)
	assert.Contains(t, result, "(truncated)")
	assert.Less(t, len(result), 200)
}

func TestWebSearchGuard(t *testing.T) {
	t.Run("policy block", func(t *testing.T) {
		g := &WebSearchGuard{PolicyBlock: true}
		assert.Equal(t, "policy_block", g.Check("anything"))
	})

	t.Run("max rounds", func(t *testing.T) {
		g := &WebSearchGuard{MaxRounds: 1}
		assert.Empty(t, g.Check("first query about cats"))
		assert.Equal(t, "max_rounds_reached", g.Check("second query about dogs"))
	})

	t.Run("duplicate of presearch query", func(t *testing.T) {
		g := &WebSearchGuard{MaxRounds: 5, NormalizedQuery: "weather in hanoi"}
		assert.Equal(t, "duplicate_query", g.Check("Weather  in   Hanoi"))
		assert.Equal(t, "duplicate_query", g.Check("weather in hanoi today")) // substring overlap
		assert.Empty(t, g.Check("python tutorial"))
	})

	t.Run("duplicate of earlier refine", func(t *testing.T) {
		g := &WebSearchGuard{MaxRounds: 5}
		assert.Empty(t, g.Check("golang generics guide"))
		assert.Equal(t, "duplicate_query", g.Check("guide golang generics"))
	})
}

func TestExecuteWebSearchBlockedByGuard(t *testing.T) {
	var calls atomic.Int32
	exec, _ := newTestExecutor(t, ExecutorOptions{AllowDynamicRegistered: true},
		echoTool("web_search", &calls))

	guard := &WebSearchGuard{PolicyBlock: true}
	result, meta := exec.Execute(context.Background(), "s", "", "web_search", `{"query":"x"}`, guard)
	assert.True(t, meta.Blocked)
	assert.Equal(t, "policy_block", meta.BlockReason)
	assert.Contains(t, result, "already have")
	assert.Equal(t, int32(0), calls.Load())
}

func TestSchemaFallbackWindow(t *testing.T) {
	exec, _ := newTestExecutor(t, ExecutorOptions{SchemaFallbackTTL: time.Hour})

	assert.False(t, exec.ForceFullSchema("group:1"))
	exec.NoteSchemaMismatch("group:1")
	assert.True(t, exec.ForceFullSchema("group:1"))
	assert.False(t, exec.ForceFullSchema("group:2"))

	// expire the window
	exec.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.False(t, exec.ForceFullSchema("group:1"))
}

func TestResultCacheTTLAndLRU(t *testing.T) {
	c := newResultCache(time.Minute, 2)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.put("a", "1")
	c.put("b", "2")
	if _, hit := c.get("a"); !hit {
		t.Fatal("expected hit for a")
	}

	// b is now least recently used, inserting c evicts it
	c.put("c", "3")
	_, hitB := c.get("b")
	assert.False(t, hitB)
	_, hitA := c.get("a")
	assert.True(t, hitA)

	// TTL expiry
	base = base.Add(2 * time.Minute)
	_, hitC := c.get("c")
	assert.False(t, hitC)
}

func TestDefinitionsSchemaModes(t *testing.T) {
	reg := NewRegistry()
	for i := 0; i < 3; i++ {
		tool := echoTool(fmt.Sprintf("tool_%d", i), nil)
		tool.Parameters = map[string]interface{}{
			"type":        "object",
			"description": "top",
			"properties": map[string]interface{}{
				"q": map[string]interface{}{"type": "string", "description": "the query"},
			},
			"$schema": "http://json-schema.org/draft-07/schema#",
		}
		require.NoError(t, reg.Register(tool))
	}

	full := Definitions(reg, SchemaModeFull, 0, false)
	require.Len(t, full, 3)
	props := full[0].Function.Parameters["properties"].(map[string]interface{})
	q := props["q"].(map[string]interface{})
	assert.Equal(t, "the query", q["description"])
	_, hasMeta := full[0].Function.Parameters["$schema"]
	assert.False(t, hasMeta)

	light := Definitions(reg, SchemaModeLight, 0, false)
	lightQ := light[0].Function.Parameters["properties"].(map[string]interface{})["q"].(map[string]interface{})
	_, hasDesc := lightQ["description"]
	assert.False(t, hasDesc)

	// auto switches to light past the threshold, full below it
	auto := Definitions(reg, SchemaModeAuto, 2, false)
	autoQ := auto[0].Function.Parameters["properties"].(map[string]interface{})["q"].(map[string]interface{})
	_, hasDesc = autoQ["description"]
	assert.False(t, hasDesc)

	// forceFull overrides light (schema-mismatch fallback)
	forced := Definitions(reg, SchemaModeLight, 0, true)
	forcedQ := forced[0].Function.Parameters["properties"].(map[string]interface{})["q"].(map[string]interface{})
	assert.Equal(t, "the query", forcedQ["description"])
}
