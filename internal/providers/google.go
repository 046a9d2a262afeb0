package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// GoogleAdapter renders the google_genai (Gemini generateContent) wire
// format. System messages move into systemInstruction, the assistant role
// becomes "model", and tool traffic uses functionCall/functionResponse
// parts. Gemini does not return tool-call ids, so the parser synthesizes
// stable ones of the form "call_<n>_<name>".
type GoogleAdapter struct{}

func (GoogleAdapter) Name() string { return "google_genai" }

func (GoogleAdapter) Endpoint(baseURL, model, apiKey string) (string, map[string]string) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimRight(baseURL, "/"), model, apiKey)
	headers := map[string]string{"Content-Type": "application/json"}
	return url, headers
}

func (a GoogleAdapter) BuildBody(model string, req *ChatRequest, stream bool) map[string]interface{} {
	var systemParts []string
	contents := make([]map[string]interface{}, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if text := m.PlainText(); text != "" {
				systemParts = append(systemParts, text)
			}

		case RoleTool:
			contents = append(contents, map[string]interface{}{
				"role": "user",
				"parts": []map[string]interface{}{{
					"functionResponse": map[string]interface{}{
						"name":     callNameFromID(m.ToolCallID),
						"response": map[string]interface{}{"result": m.Content},
					},
				}},
			})

		case RoleAssistant:
			var parts []map[string]interface{}
			if m.Content != "" {
				parts = append(parts, map[string]interface{}{"text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, map[string]interface{}{
					"functionCall": map[string]interface{}{
						"name": tc.Function.Name,
						"args": parseArgs(tc.Function.Arguments),
					},
				})
			}
			if len(parts) == 0 {
				parts = append(parts, map[string]interface{}{"text": ""})
			}
			contents = append(contents, map[string]interface{}{"role": "model", "parts": parts})

		default:
			contents = append(contents, map[string]interface{}{
				"role":  "user",
				"parts": googleUserParts(m),
			})
		}
	}

	body := map[string]interface{}{"contents": contents}

	if len(systemParts) > 0 {
		body["systemInstruction"] = map[string]interface{}{
			"parts": []map[string]interface{}{{"text": strings.Join(systemParts, "\n\n")}},
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]map[string]interface{}, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  t.Function.Parameters,
			}
		}
		body["tools"] = []map[string]interface{}{{"functionDeclarations": decls}}
	}

	genConfig := map[string]interface{}{}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	if req.ResponseFormat != nil {
		if t, _ := req.ResponseFormat["type"].(string); t == "json_object" {
			genConfig["responseMimeType"] = "application/json"
		}
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}

	return body
}

func googleUserParts(m Message) []map[string]interface{} {
	if len(m.Parts) == 0 {
		return []map[string]interface{}{{"text": m.Content}}
	}
	var parts []map[string]interface{}
	for _, p := range m.Parts {
		switch p.Type {
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if mediaType, data, ok := splitDataURL(p.ImageURL.URL); ok {
				parts = append(parts, map[string]interface{}{
					"inlineData": map[string]interface{}{
						"mimeType": mediaType,
						"data":     data,
					},
				})
			} else {
				parts = append(parts, map[string]interface{}{"text": "[image] " + p.ImageURL.URL})
			}
		default:
			if p.Text != "" {
				parts = append(parts, map[string]interface{}{"text": p.Text})
			}
		}
	}
	if len(parts) == 0 {
		parts = append(parts, map[string]interface{}{"text": ""})
	}
	return parts
}

// callNameFromID recovers the function name from a synthesized id
// ("call_<n>_<name>"). Unknown shapes pass through unchanged.
func callNameFromID(id string) string {
	if !strings.HasPrefix(id, "call_") {
		return id
	}
	rest := strings.TrimPrefix(id, "call_")
	if idx := strings.Index(rest, "_"); idx > 0 {
		return rest[idx+1:]
	}
	return id
}

func (GoogleAdapter) ParseResponse(data []byte) (*ChatResponse, error) {
	var resp googleResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("google_genai: decode response: %w", err)
	}

	result := &ChatResponse{FinishReason: "stop", ResponseID: resp.ResponseID}

	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]

		var text strings.Builder
		var thinking strings.Builder
		for _, part := range cand.Content.Parts {
			if part.FunctionCall != nil {
				n := len(result.ToolCalls)
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					ID:   fmt.Sprintf("call_%d_%s", n, part.FunctionCall.Name),
					Type: "function",
					Function: ToolCallFunction{
						Name:      part.FunctionCall.Name,
						Arguments: marshalArgs(part.FunctionCall.Args),
					},
				})
				continue
			}
			if part.Thought {
				thinking.WriteString(part.Text)
			} else {
				text.WriteString(part.Text)
			}
		}
		result.Content = text.String()
		result.Reasoning = thinking.String()

		switch cand.FinishReason {
		case "MAX_TOKENS":
			result.FinishReason = "length"
		case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
			result.FinishReason = "content_filter"
		case "STOP", "":
			result.FinishReason = "stop"
		default:
			result.FinishReason = strings.ToLower(cand.FinishReason)
		}
		if len(result.ToolCalls) > 0 {
			result.FinishReason = "tool_calls"
		}
	}

	if resp.UsageMetadata != nil {
		result.Usage = &Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}

	return result, nil
}

// --- Gemini API types (internal) ---

type googleResponse struct {
	ResponseID    string            `json:"responseId"`
	Candidates    []googleCandidate `json:"candidates"`
	UsageMetadata *googleUsage      `json:"usageMetadata"`
}

type googleCandidate struct {
	Content      googleContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type googleContent struct {
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text         string              `json:"text,omitempty"`
	Thought      bool                `json:"thought,omitempty"`
	FunctionCall *googleFunctionCall `json:"functionCall,omitempty"`
}

type googleFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

type googleUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}
