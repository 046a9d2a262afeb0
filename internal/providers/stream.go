package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// errStreamToolCalls signals that tool-call deltas appeared mid-stream.
var errStreamToolCalls = fmt.Errorf("providers: tool calls in stream")

// ChatStream streams a completion, invoking onDelta for each text delta.
// Only the openai_compat format supports streaming here; other providers
// and any response that starts emitting tool calls fall back to Chat.
func (c *Client) ChatStream(ctx context.Context, req *ChatRequest, meta CallMeta, onDelta func(StreamChunk)) (*ChatResponse, error) {
	if c.adapter.Name() != "openai_compat" {
		return c.Chat(ctx, req, meta)
	}
	if req.Temperature == nil {
		temp := c.opts.DefaultTemp
		req = cloneRequest(req)
		req.Temperature = &temp
	}

	resp, err := c.streamOnce(ctx, req, onDelta)
	if err == errStreamToolCalls {
		slog.Info("tool calls detected in stream, falling back to non-streaming",
			"model", req.Model, "request_id", meta.RequestID)
		return c.Chat(ctx, req, meta)
	}
	if err != nil {
		return nil, err
	}
	if resp.IsEmpty() {
		// Let the non-streaming pipeline run its empty-reply machinery.
		return c.Chat(ctx, req, meta)
	}
	return resp, nil
}

func (c *Client) streamOnce(ctx context.Context, req *ChatRequest, onDelta func(StreamChunk)) (*ChatResponse, error) {
	key, err := c.pool.Pick()
	if err != nil {
		return nil, err
	}

	body := c.adapter.BuildBody(req.Model, req, true)
	InjectGeminiSafetySettings(c.opts.BaseURL, body)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("providers: encode request: %w", err)
	}

	url, headers := c.adapter.Endpoint(c.opts.BaseURL, req.Model, key)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, &APIError{Kind: KindTimeout, Message: err.Error()}
		}
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(httpResp.Body)
		httpErr := &HTTPError{
			Status:     httpResp.StatusCode,
			Body:       string(data),
			RetryAfter: ParseRetryAfter(httpResp.Header.Get("Retry-After")),
		}
		apiErr := MapHTTPError(httpErr)
		if apiErr.Kind == KindRateLimit {
			c.pool.MarkCooldown(key, apiErr.RetryAfter)
		}
		return nil, apiErr
	}

	return readSSE(httpResp.Body, onDelta)
}

// readSSE consumes an OpenAI-compat event stream and accumulates the final
// response. Tool-call deltas abort with errStreamToolCalls.
func readSSE(r io.Reader, onDelta func(StreamChunk)) (*ChatResponse, error) {
	result := &ChatResponse{FinishReason: "stop"}
	var content, reasoning strings.Builder

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.ID != "" {
			result.ResponseID = chunk.ID
		}
		if chunk.Usage != nil {
			result.Usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if len(choice.Delta.ToolCalls) > 0 {
			return nil, errStreamToolCalls
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(StreamChunk{Content: choice.Delta.Content})
			}
		}
		if rc := choice.Delta.ReasoningContent; rc != "" {
			reasoning.WriteString(rc)
			if onDelta != nil {
				onDelta(StreamChunk{Reasoning: rc})
			}
		}
		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("providers: read stream: %w", err)
	}

	result.Content = content.String()
	result.Reasoning = reasoning.String()
	if onDelta != nil {
		onDelta(StreamChunk{Done: true})
	}
	return result, nil
}

type openAIStreamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content          string            `json:"content"`
			ReasoningContent string            `json:"reasoning_content"`
			ToolCalls        []json.RawMessage `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}
