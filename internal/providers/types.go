// Package providers maps the internal OpenAI-style message schema onto the
// wire formats of the supported LLM backends (openai_compat, anthropic,
// google_genai) and owns the HTTP transport: timeout retry, status mapping,
// key rotation, empty-reply detection and local retry.
package providers

import "encoding/json"

// Roles used in the internal message schema.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ContentPart is one segment of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`

	// MediaSemantic carries the stable placeholder identity for images that
	// were replaced by text markers in non-vision contexts.
	MediaSemantic *MediaSemantic `json:"media_semantic,omitempty"`
}

// ImageURL wraps an image reference (remote URL or data URL).
type ImageURL struct {
	URL string `json:"url"`
}

// MediaSemantic identifies a media placeholder: kind "image" or "emoji",
// a stable hash id, the original reference and its source.
type MediaSemantic struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Ref    string `json:"ref,omitempty"`
	Source string `json:"source,omitempty"`
}

// ToolCallFunction is the function payload of a tool call.
// Arguments is the raw JSON string as emitted by the model.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type,omitempty"` // "function"
	Function ToolCallFunction `json:"function"`
}

// Message is the internal OpenAI-style conversation message.
// Content and Parts are mutually exclusive; Parts wins when non-empty.
type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	MessageID  string        `json:"message_id,omitempty"`
	Timestamp  int64         `json:"timestamp,omitempty"` // unix ms
	UserID     string        `json:"user_id,omitempty"`
	Nickname   string        `json:"nickname,omitempty"` // archive/transcript only, never sent on the wire
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// PlainText flattens the message content to text, ignoring images.
func (m *Message) PlainText() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// ToolDefinition describes a tool exposed to the LLM.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the JSON-Schema function description.
type ToolFunctionSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ChatRequest is the input for one LLM call.
type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	// ResponseFormat requests structured output ({"type":"json_object"})
	// where the provider supports it.
	ResponseFormat map[string]interface{} `json:"response_format,omitempty"`
}

// Usage tracks token consumption of one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the parsed result of one LLM call.
type ChatResponse struct {
	Content      string     `json:"content"`
	Reasoning    string     `json:"reasoning_content,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"` // "stop", "tool_calls", "length", "content_filter"
	Usage        *Usage     `json:"usage,omitempty"`
	ResponseID   string     `json:"response_id,omitempty"`

	// EmptyMeta is attached by the transport when the reply content stays
	// empty after local retries.
	EmptyMeta *EmptyReplyMeta `json:"_empty_reply_meta,omitempty"`
}

// EmptyReplyMeta describes why a reply came back empty.
type EmptyReplyMeta struct {
	Kind         string `json:"kind"` // "provider_empty", "reasoning_only_empty", "empty_with_tool_calls"
	FinishReason string `json:"finish_reason,omitempty"`
	LocalRetries int    `json:"local_retries"`
	ResponseID   string `json:"response_id,omitempty"`
	Phase        string `json:"phase,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	Model        string `json:"model,omitempty"`
}

// IsEmpty reports whether the response carries neither content nor tool calls.
func (r *ChatResponse) IsEmpty() bool {
	return r.Content == "" && len(r.ToolCalls) == 0
}

// StreamChunk is one piece of a streamed response.
type StreamChunk struct {
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Done      bool   `json:"done,omitempty"`
}

// Capabilities describes what a provider/model combination supports.
type Capabilities struct {
	SupportsImages             bool `json:"supports_images"`
	SupportsTools              bool `json:"supports_tools"`
	SupportsJSONObjectResponse bool `json:"supports_json_object_response"`
}

// Adapter translates between the internal schema and one wire format.
type Adapter interface {
	// Name returns the wire format identifier.
	Name() string

	// Endpoint returns the request URL and headers for a call.
	Endpoint(baseURL, model, apiKey string) (url string, headers map[string]string)

	// BuildBody renders the provider-specific request body.
	BuildBody(model string, req *ChatRequest, stream bool) map[string]interface{}

	// ParseResponse parses a raw response body into the internal schema.
	ParseResponse(data []byte) (*ChatResponse, error)
}

// marshalArgs renders a tool-call argument map as a canonical JSON string.
func marshalArgs(args map[string]interface{}) string {
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// parseArgs parses a tool-call argument string, wrapping unparseable input
// the way the executor expects.
func parseArgs(raw string) map[string]interface{} {
	args := make(map[string]interface{})
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]interface{}{"input": raw}
	}
	return args
}
