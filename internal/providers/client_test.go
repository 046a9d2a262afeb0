package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func openAIReply(content, reasoning string) string {
	msg := map[string]interface{}{"content": content}
	if reasoning != "" {
		msg["reasoning_content"] = reasoning
	}
	data, _ := json.Marshal(map[string]interface{}{
		"id":      "resp-1",
		"choices": []map[string]interface{}{{"message": msg, "finish_reason": "stop"}},
		"usage":   map[string]int{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
	})
	return string(data)
}

func newTestClient(url string, mod func(*ClientOptions)) *Client {
	opts := ClientOptions{
		Provider:          "openai_compat",
		BaseURL:           url,
		Keys:              []string{"k1"},
		EmptyLocalRetries: 2,
	}
	if mod != nil {
		mod(&opts)
	}
	c := NewClient(opts)
	c.sleep = noSleep
	return c
}

func TestChatHappyPath(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		fmt.Fprint(w, openAIReply("hello", ""))
	}))
	defer srv.Close()

	var usageCalls atomic.Int32
	c := newTestClient(srv.URL, func(o *ClientOptions) {
		o.OnUsage = func(model string, usage *Usage, latency time.Duration) {
			usageCalls.Add(1)
		}
	})

	resp, err := c.Chat(context.Background(), &ChatRequest{Model: "m", Messages: []Message{{Role: RoleUser, Content: "hi"}}}, CallMeta{})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "Bearer k1", gotAuth.Load())
	assert.Equal(t, int32(1), usageCalls.Load())
}

func TestChatEmptyReplyLocalRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			fmt.Fprint(w, openAIReply("", ""))
			return
		}
		fmt.Fprint(w, openAIReply("finally", ""))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	resp, err := c.Chat(context.Background(), &ChatRequest{Model: "m"}, CallMeta{})
	require.NoError(t, err)
	assert.Equal(t, "finally", resp.Content)
	assert.Nil(t, resp.EmptyMeta)
	assert.Equal(t, int32(3), calls.Load())
}

func TestChatTerminalEmptyReplyAttachesMeta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, openAIReply("", ""))
	}))
	defer srv.Close()

	var emptyKind atomic.Value
	c := newTestClient(srv.URL, func(o *ClientOptions) {
		o.OnEmptyReply = func(kind string) { emptyKind.Store(kind) }
	})

	resp, err := c.Chat(context.Background(), &ChatRequest{Model: "m"}, CallMeta{Phase: "main", RequestID: "req-9"})
	require.NoError(t, err)
	require.NotNil(t, resp.EmptyMeta)
	assert.Equal(t, "provider_empty", resp.EmptyMeta.Kind)
	assert.Equal(t, 2, resp.EmptyMeta.LocalRetries)
	assert.Equal(t, "main", resp.EmptyMeta.Phase)
	assert.Equal(t, "req-9", resp.EmptyMeta.RequestID)
	assert.Equal(t, "provider_empty", emptyKind.Load())
}

func TestChatEmptyContentWithToolCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		data, _ := json.Marshal(map[string]interface{}{
			"id": "resp-2",
			"choices": []map[string]interface{}{{
				"message": map[string]interface{}{
					"content": "",
					"tool_calls": []map[string]interface{}{{
						"id":   "call-1",
						"type": "function",
						"function": map[string]interface{}{
							"name":      "web_search",
							"arguments": `{"query":"go"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
		})
		w.Write(data)
	}))
	defer srv.Close()

	var emptyKind atomic.Value
	c := newTestClient(srv.URL, func(o *ClientOptions) {
		o.OnEmptyReply = func(kind string) { emptyKind.Store(kind) }
	})

	resp, err := c.Chat(context.Background(), &ChatRequest{Model: "m"}, CallMeta{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "tool calls count as progress, no local retry")
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "web_search", resp.ToolCalls[0].Function.Name)
	require.NotNil(t, resp.EmptyMeta)
	assert.Equal(t, "empty_with_tool_calls", resp.EmptyMeta.Kind)
	assert.Equal(t, 0, resp.EmptyMeta.LocalRetries)
	assert.Equal(t, "empty_with_tool_calls", emptyKind.Load())
}

func TestChatReasoningOnlyFallback(t *testing.T) {
	var calls atomic.Int32
	var secondBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			fmt.Fprint(w, openAIReply("", "thinking hard about it"))
			return
		}
		secondBody, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, openAIReply("the answer", ""))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	resp, err := c.Chat(context.Background(), &ChatRequest{Model: "m", Messages: []Message{{Role: RoleUser, Content: "q"}}}, CallMeta{})
	require.NoError(t, err)
	assert.Equal(t, "the answer", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
	// follow-up appends the forcing instruction, no degradation involved
	assert.Contains(t, string(secondBody), "final answer")
}

func TestChatSentinelTreatedAsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, openAIReply("(no content)", ""))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, func(o *ClientOptions) {
		o.EmptyLocalRetries = 0
		o.Sentinels = []string{"(no content)"}
	})

	resp, err := c.Chat(context.Background(), &ChatRequest{Model: "m"}, CallMeta{})
	require.NoError(t, err)
	assert.Empty(t, resp.Content)
	require.NotNil(t, resp.EmptyMeta)
}

func TestChatRateLimitCoolsKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": "rate limited"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, func(o *ClientOptions) { o.Keys = []string{"k1", "k2"} })

	_, err := c.Chat(context.Background(), &ChatRequest{Model: "m"}, CallMeta{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindRateLimit, apiErr.Kind)
	assert.Equal(t, 30*time.Second, apiErr.RetryAfter)

	// k1 is cooled, the next pick must be k2
	k, perr := c.pool.Pick()
	require.NoError(t, perr)
	assert.Equal(t, "k2", k)
}

func TestChatStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		body   string
		kind   ErrorKind
	}{
		{401, "bad key", KindAuth},
		{403, "forbidden", KindAuth},
		{503, "overloaded", KindServer},
		{400, "request blocked by safety system", KindContentFilter},
		{400, "malformed request", KindAPI},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			fmt.Fprint(w, tc.body)
		}))
		c := newTestClient(srv.URL, nil)
		_, err := c.Chat(context.Background(), &ChatRequest{Model: "m"}, CallMeta{})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr, "status %d", tc.status)
		assert.Equal(t, tc.kind, apiErr.Kind, "status %d", tc.status)
		srv.Close()
	}
}

func TestChatStreamFallsBackOnToolCalls(t *testing.T) {
	var streamCalls, plainCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] == true {
			streamCalls.Add(1)
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{}]}}]}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		plainCalls.Add(1)
		fmt.Fprint(w, openAIReply("non-streamed", ""))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	resp, err := c.ChatStream(context.Background(), &ChatRequest{Model: "m"}, CallMeta{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "non-streamed", resp.Content)
	assert.Equal(t, int32(1), streamCalls.Load())
	assert.Equal(t, int32(1), plainCalls.Load())
}

func TestChatStreamDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"s1\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	var got string
	resp, err := c.ChatStream(context.Background(), &ChatRequest{Model: "m"}, CallMeta{}, func(ch StreamChunk) {
		got += ch.Content
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "Hello", got)
	assert.Equal(t, "s1", resp.ResponseID)
}

func TestRetryDoTimeoutOnly(t *testing.T) {
	var calls int
	_, err := RetryDo(context.Background(), RetryConfig{Attempts: 3, Delay: 0}, func() (int, error) {
		calls++
		return 0, fmt.Errorf("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-timeout errors must not be retried")

	calls = 0
	v, err := RetryDo(context.Background(), RetryConfig{Attempts: 3, Delay: 0}, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("context deadline exceeded")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}
