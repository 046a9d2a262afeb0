package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// UsageHook observes per-call token usage and latency.
type UsageHook func(model string, usage *Usage, latency time.Duration)

// EmptyReplyHook observes terminal empty replies for metrics.
type EmptyReplyHook func(kind string)

// ClientOptions configures the transport.
type ClientOptions struct {
	Provider       string
	BaseURL        string
	Keys           []string
	TimeoutSeconds int
	TimeoutRetries int
	DefaultTemp    float64

	// Empty-reply local retry policy.
	EmptyLocalRetries int
	EmptyDelayBase    time.Duration

	// Sentinels are relay fallback strings treated as empty content.
	Sentinels []string

	OnUsage      UsageHook
	OnEmptyReply EmptyReplyHook
}

// CallMeta identifies a call for empty-reply diagnostics.
type CallMeta struct {
	Phase     string
	RequestID string
}

// Client is the HTTP transport over one provider adapter. It owns key
// rotation, timeout retry, status mapping, the reasoning-only completion
// fallback and empty-reply local retry.
type Client struct {
	adapter Adapter
	opts    ClientOptions
	pool    *KeyPool
	httpc   *http.Client
	sleep   func(context.Context, time.Duration) error
}

func NewClient(opts ClientOptions) *Client {
	timeout := time.Duration(opts.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		adapter: NewAdapter(opts.Provider),
		opts:    opts,
		pool:    NewKeyPool(opts.Keys),
		httpc:   &http.Client{Timeout: timeout},
		sleep:   sleepCtx,
	}
}

// Adapter exposes the wire-format adapter, mainly for capability checks.
func (c *Client) Adapter() Adapter { return c.adapter }

// Chat performs one chat completion with the full retry pipeline.
func (c *Client) Chat(ctx context.Context, req *ChatRequest, meta CallMeta) (*ChatResponse, error) {
	if req.Temperature == nil {
		temp := c.opts.DefaultTemp
		req = cloneRequest(req)
		req.Temperature = &temp
	}

	resp, err := c.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}

	// Reasoning-only completion fallback: the model thought but never wrote
	// an answer. One follow-up forces the final text; reasoning stays hidden.
	if c.contentEmpty(resp.Content) && resp.Reasoning != "" && len(resp.ToolCalls) == 0 {
		slog.Info("reasoning-only reply, requesting completion",
			"model", req.Model, "request_id", meta.RequestID)
		followUp := cloneRequest(req)
		followUp.Messages = append(followUp.Messages, Message{
			Role: RoleSystem,
			Content: "Your previous response contained only internal reasoning. " +
				"Write the final answer for the user now, as plain content.",
		})
		if retried, ferr := c.dispatch(ctx, followUp); ferr == nil && !c.contentEmpty(retried.Content) {
			return retried, nil
		}
		return c.finishEmpty(resp, "reasoning_only_empty", 0, req.Model, meta), nil
	}

	// Empty-reply local retry with linear delay.
	retries := 0
	for c.contentEmpty(resp.Content) && len(resp.ToolCalls) == 0 && retries < c.opts.EmptyLocalRetries {
		retries++
		delay := c.opts.EmptyDelayBase * time.Duration(retries)
		slog.Warn("empty reply, local retry",
			"attempt", retries, "max", c.opts.EmptyLocalRetries, "delay", delay,
			"finish_reason", resp.FinishReason, "request_id", meta.RequestID)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
		retried, rerr := c.dispatch(ctx, req)
		if rerr != nil {
			return nil, rerr
		}
		resp = retried
	}

	if c.contentEmpty(resp.Content) {
		if len(resp.ToolCalls) > 0 {
			// Tool calls still count as progress; the meta only tags the
			// reply so the empty-reply counters see it.
			return c.finishEmpty(resp, "empty_with_tool_calls", retries, req.Model, meta), nil
		}
		return c.finishEmpty(resp, "provider_empty", retries, req.Model, meta), nil
	}
	return resp, nil
}

// dispatch performs one POST round with key selection, timeout retry and
// status mapping.
func (c *Client) dispatch(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	key, err := c.pool.Pick()
	if err != nil {
		return nil, err
	}

	body := c.adapter.BuildBody(req.Model, req, false)
	if c.adapter.Name() == "openai_compat" {
		InjectGeminiSafetySettings(c.opts.BaseURL, body)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("providers: encode request: %w", err)
	}

	url, headers := c.adapter.Endpoint(c.opts.BaseURL, req.Model, key)

	retryCfg := RetryConfig{Attempts: c.opts.TimeoutRetries + 1, Delay: 2 * time.Second}
	start := time.Now()
	data, err := RetryDo(ctx, retryCfg, func() ([]byte, error) {
		return c.post(ctx, url, headers, payload)
	})
	latency := time.Since(start)

	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			apiErr := MapHTTPError(httpErr)
			if apiErr.Kind == KindRateLimit {
				c.pool.MarkCooldown(key, apiErr.RetryAfter)
				slog.Warn("api key rate limited",
					"cooldown", apiErr.RetryAfter, "pool_size", c.pool.Size())
			}
			return nil, apiErr
		}
		if isTimeout(err) {
			return nil, &APIError{Kind: KindTimeout, Message: err.Error()}
		}
		return nil, err
	}

	resp, err := c.adapter.ParseResponse(data)
	if err != nil {
		return nil, err
	}

	if c.opts.OnUsage != nil && resp.Usage != nil {
		c.opts.OnUsage(req.Model, resp.Usage, latency)
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, url string, headers map[string]string, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("providers: read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &HTTPError{
			Status:     httpResp.StatusCode,
			Body:       string(data),
			RetryAfter: ParseRetryAfter(httpResp.Header.Get("Retry-After")),
		}
	}
	return data, nil
}

// contentEmpty treats whitespace and configured relay sentinels as empty.
func (c *Client) contentEmpty(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return true
	}
	for _, s := range c.opts.Sentinels {
		if trimmed == s {
			return true
		}
	}
	return false
}

// finishEmpty attaches empty-reply meta and fires the reason counter. The
// caller decides the kind; tool calls on the response survive untouched.
func (c *Client) finishEmpty(resp *ChatResponse, kind string, retries int, model string, meta CallMeta) *ChatResponse {
	resp.Content = ""
	resp.EmptyMeta = &EmptyReplyMeta{
		Kind:         kind,
		FinishReason: resp.FinishReason,
		LocalRetries: retries,
		ResponseID:   resp.ResponseID,
		Phase:        meta.Phase,
		RequestID:    meta.RequestID,
		Model:        model,
	}
	if c.opts.OnEmptyReply != nil {
		c.opts.OnEmptyReply(kind)
	}
	slog.Warn("terminal empty reply",
		"kind", kind, "finish_reason", resp.FinishReason,
		"local_retries", retries, "model", model,
		"phase", meta.Phase, "request_id", meta.RequestID)
	return resp
}

func cloneRequest(req *ChatRequest) *ChatRequest {
	clone := *req
	clone.Messages = append([]Message(nil), req.Messages...)
	clone.Tools = append([]ToolDefinition(nil), req.Tools...)
	return &clone
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
