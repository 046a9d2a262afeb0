package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

const anthropicVersion = "2023-06-01"

// AnthropicAdapter renders the Anthropic Messages API wire format.
// System messages are lifted into the top-level system field, tool results
// become user messages with tool_result blocks, and tool calls become
// tool_use content blocks.
type AnthropicAdapter struct{}

func (AnthropicAdapter) Name() string { return "anthropic" }

func (AnthropicAdapter) Endpoint(baseURL, model, apiKey string) (string, map[string]string) {
	url := strings.TrimRight(baseURL, "/") + "/messages"
	headers := map[string]string{
		"Content-Type":      "application/json",
		"x-api-key":         apiKey,
		"anthropic-version": anthropicVersion,
	}
	return url, headers
}

func (a AnthropicAdapter) BuildBody(model string, req *ChatRequest, stream bool) map[string]interface{} {
	var systemParts []string
	msgs := make([]map[string]interface{}, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if text := m.PlainText(); text != "" {
				systemParts = append(systemParts, text)
			}

		case RoleTool:
			msgs = append(msgs, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})

		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				msgs = append(msgs, map[string]interface{}{
					"role":    "assistant",
					"content": m.Content,
				})
				break
			}
			var blocks []map[string]interface{}
			if m.Content != "" {
				blocks = append(blocks, map[string]interface{}{
					"type": "text",
					"text": m.Content,
				})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Function.Name,
					"input": parseArgs(tc.Function.Arguments),
				})
			}
			msgs = append(msgs, map[string]interface{}{"role": "assistant", "content": blocks})

		default:
			msgs = append(msgs, map[string]interface{}{
				"role":    "user",
				"content": anthropicUserContent(m),
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := map[string]interface{}{
		"model":      model,
		"messages":   msgs,
		"max_tokens": maxTokens,
	}
	if len(systemParts) > 0 {
		body["system"] = strings.Join(systemParts, "\n\n")
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]interface{}{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": t.Function.Parameters,
			}
		}
		body["tools"] = tools
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if stream {
		body["stream"] = true
	}

	return body
}

// anthropicUserContent renders a user message. Data-URL images are converted
// to base64 source blocks; remote image URLs are flattened to a text marker
// since the Messages API does not fetch URLs.
func anthropicUserContent(m Message) interface{} {
	if len(m.Parts) == 0 {
		return m.Content
	}

	var blocks []map[string]interface{}
	for _, p := range m.Parts {
		switch p.Type {
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if mediaType, data, ok := splitDataURL(p.ImageURL.URL); ok {
				blocks = append(blocks, map[string]interface{}{
					"type": "image",
					"source": map[string]interface{}{
						"type":       "base64",
						"media_type": mediaType,
						"data":       data,
					},
				})
			} else {
				blocks = append(blocks, map[string]interface{}{
					"type": "text",
					"text": "[image] " + p.ImageURL.URL,
				})
			}
		default:
			if p.Text != "" {
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": p.Text})
			}
		}
	}
	if len(blocks) == 0 {
		return m.Content
	}
	return blocks
}

func splitDataURL(url string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "data:")
	idx := strings.Index(rest, ";base64,")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+len(";base64,"):], true
}

func (AnthropicAdapter) ParseResponse(data []byte) (*ChatResponse, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	result := &ChatResponse{FinishReason: "stop", ResponseID: resp.ID}

	var text strings.Builder
	var thinking strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			thinking.WriteString(block.Thinking)
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: ToolCallFunction{
					Name:      block.Name,
					Arguments: marshalArgs(block.Input),
				},
			})
		}
	}
	result.Content = text.String()
	result.Reasoning = thinking.String()

	switch resp.StopReason {
	case "tool_use":
		result.FinishReason = "tool_calls"
	case "max_tokens":
		result.FinishReason = "length"
	case "end_turn", "stop_sequence", "":
		result.FinishReason = "stop"
	default:
		result.FinishReason = resp.StopReason
	}

	if resp.Usage != nil {
		result.Usage = &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}

	return result, nil
}

// --- Anthropic API types (internal) ---

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      *anthropicUsage         `json:"usage"`
}

type anthropicContentBlock struct {
	Type     string                 `json:"type"`
	Text     string                 `json:"text,omitempty"`
	Thinking string                 `json:"thinking,omitempty"`
	ID       string                 `json:"id,omitempty"`
	Name     string                 `json:"name,omitempty"`
	Input    map[string]interface{} `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
