package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OpenAIAdapter renders the openai_compat wire format. It is a near
// passthrough of the internal schema, with one special case: Gemini's
// OpenAI-compat endpoint gets permissive safety settings injected.
type OpenAIAdapter struct{}

func (OpenAIAdapter) Name() string { return "openai_compat" }

func (OpenAIAdapter) Endpoint(baseURL, model, apiKey string) (string, map[string]string) {
	url := strings.TrimRight(baseURL, "/") + "/chat/completions"
	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + apiKey,
	}
	return url, headers
}

func (a OpenAIAdapter) BuildBody(model string, req *ChatRequest, stream bool) map[string]interface{} {
	msgs := make([]map[string]interface{}, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := map[string]interface{}{"role": m.Role}

		if len(m.Parts) > 0 {
			var parts []map[string]interface{}
			for _, p := range m.Parts {
				switch p.Type {
				case "image_url":
					if p.ImageURL != nil {
						parts = append(parts, map[string]interface{}{
							"type":      "image_url",
							"image_url": map[string]interface{}{"url": p.ImageURL.URL},
						})
					}
				default:
					parts = append(parts, map[string]interface{}{
						"type": "text",
						"text": p.Text,
					})
				}
			}
			msg["content"] = parts
		} else if m.Content != "" || len(m.ToolCalls) == 0 {
			// Omit empty content on assistant messages with tool_calls
			// (Gemini's compat endpoint rejects empty content).
			msg["content"] = m.Content
		}

		if len(m.ToolCalls) > 0 {
			toolCalls := make([]map[string]interface{}, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				toolCalls[i] = map[string]interface{}{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]interface{}{
						"name":      tc.Function.Name,
						"arguments": tc.Function.Arguments,
					},
				}
			}
			msg["tool_calls"] = toolCalls
		}

		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}

		msgs = append(msgs, msg)
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": msgs,
	}

	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
		body["tool_choice"] = "auto"
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.ResponseFormat != nil {
		body["response_format"] = req.ResponseFormat
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]interface{}{"include_usage": true}
	}

	return body
}

// InjectGeminiSafetySettings adds BLOCK_NONE safety settings when the
// request targets Gemini's OpenAI-compat endpoint.
func InjectGeminiSafetySettings(baseURL string, body map[string]interface{}) {
	if !strings.Contains(baseURL, "generativelanguage.googleapis.com") ||
		!strings.Contains(baseURL, "/openai") {
		return
	}
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
	}
	settings := make([]map[string]interface{}, len(categories))
	for i, c := range categories {
		settings[i] = map[string]interface{}{"category": c, "threshold": "BLOCK_NONE"}
	}
	body["safetySettings"] = settings
}

func (OpenAIAdapter) ParseResponse(data []byte) (*ChatResponse, error) {
	var resp openAIResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("openai_compat: decode response: %w", err)
	}

	result := &ChatResponse{FinishReason: "stop", ResponseID: resp.ID}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		result.Content = choice.Message.Content
		result.Reasoning = choice.Message.ReasoningContent
		if result.Reasoning == "" {
			result.Reasoning = choice.Message.Reasoning
		}
		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}

		for _, tc := range choice.Message.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: ToolCallFunction{
					Name:      strings.TrimSpace(tc.Function.Name),
					Arguments: tc.Function.Arguments,
				},
			})
		}
		if len(result.ToolCalls) > 0 {
			result.FinishReason = "tool_calls"
		}
	}

	if resp.Usage != nil {
		result.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return result, nil
}

// --- OpenAI-compat API types (internal) ---

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIMessage struct {
	Content          string           `json:"content"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	Reasoning        string           `json:"reasoning,omitempty"`
	ToolCalls        []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
