package providers

import "strings"

// CapabilitiesFor reports what a provider/model combination supports.
// The table is heuristic: unknown models default to text+tools.
func CapabilitiesFor(provider, model string) Capabilities {
	caps := Capabilities{SupportsTools: true}
	lower := strings.ToLower(model)

	switch provider {
	case "anthropic":
		caps.SupportsImages = true
	case "google_genai":
		caps.SupportsImages = true
		caps.SupportsJSONObjectResponse = true
	default: // openai_compat
		caps.SupportsJSONObjectResponse = true
		switch {
		case strings.Contains(lower, "gpt-4"),
			strings.Contains(lower, "gpt-5"),
			strings.Contains(lower, "gpt-4o"),
			strings.Contains(lower, "gemini"),
			strings.Contains(lower, "claude"),
			strings.Contains(lower, "vision"),
			strings.Contains(lower, "-vl"),
			strings.Contains(lower, "qwen2-vl"),
			strings.Contains(lower, "glm-4v"):
			caps.SupportsImages = true
		}
	}
	return caps
}

// NewAdapter returns the adapter for a configured provider name.
func NewAdapter(provider string) Adapter {
	switch provider {
	case "anthropic":
		return AnthropicAdapter{}
	case "google_genai":
		return GoogleAdapter{}
	default:
		return OpenAIAdapter{}
	}
}
