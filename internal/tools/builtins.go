package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// HistorySearcher reads recent archived lines for a group session.
type HistorySearcher interface {
	RecentLines(ctx context.Context, groupID string, count int) ([]string, error)
}

// KnowledgeSearcher queries the knowledge base.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, topK int, corpusID string) ([]KnowledgeHit, error)
}

// KnowledgeHit is one knowledge base match.
type KnowledgeHit struct {
	Content string
	Score   float64
	Source  string
}

// ImageFetcher resolves archived message ids to image data URLs. Lookups
// are scoped to one group; foreign message ids must fail the ownership check.
type ImageFetcher interface {
	FetchImages(ctx context.Context, groupID string, msgIDs []string, maxImages int) (ImageFetchResult, error)
}

// ImageFetchResult is the structured fetch_history_images payload.
type ImageFetchResult struct {
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Count   int      `json:"count"`
	Mapping []string `json:"mapping,omitempty"`
	Images  []string `json:"images"`
}

// NewGroupHistoryTool builds search_group_history over the archive.
func NewGroupHistoryTool(searcher HistorySearcher) *Tool {
	return &Tool{
		Name:        "search_group_history",
		Description: "Fetch recent messages from the current group chat history.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"count": map[string]interface{}{
					"type":        "integer",
					"description": "Number of recent messages to fetch",
				},
			},
		},
		Source:  SourceBuiltin,
		Enabled: true,
		Handler: func(ctx context.Context, args map[string]interface{}, groupID string) (string, error) {
			if groupID == "" {
				return "", fmt.Errorf("search_group_history requires a group session")
			}
			count := 30
			if v, ok := args["count"].(float64); ok && int(v) > 0 {
				count = int(v)
			}
			lines, err := searcher.RecentLines(ctx, groupID, count)
			if err != nil {
				return "", fmt.Errorf("read group history: %w", err)
			}
			if len(lines) == 0 {
				return "No history found for this group.", nil
			}
			return strings.Join(lines, "\n"), nil
		},
	}
}

// NewKnowledgeTool builds search_knowledge over the knowledge store.
func NewKnowledgeTool(searcher KnowledgeSearcher) *Tool {
	return &Tool{
		Name:        "search_knowledge",
		Description: "Search the curated knowledge base for relevant entries.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The search query",
				},
				"top_k": map[string]interface{}{
					"type":        "integer",
					"description": "Number of entries to return",
				},
				"corpus_id": map[string]interface{}{
					"type":        "string",
					"description": "Restrict search to one corpus",
				},
			},
			"required": []interface{}{"query"},
		},
		Source:  SourceBuiltin,
		Enabled: true,
		Handler: func(ctx context.Context, args map[string]interface{}, _ string) (string, error) {
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return "", fmt.Errorf("missing required argument: query")
			}
			topK := 5
			if v, ok := args["top_k"].(float64); ok && int(v) > 0 {
				topK = int(v)
			}
			corpusID, _ := args["corpus_id"].(string)

			hits, err := searcher.Search(ctx, query, topK, corpusID)
			if err != nil {
				return "", fmt.Errorf("search knowledge: %w", err)
			}
			if len(hits) == 0 {
				return "No knowledge entries matched.", nil
			}

			var b strings.Builder
			for i, hit := range hits {
				fmt.Fprintf(&b, "%d. [%.2f] %s", i+1, hit.Score, hit.Content)
				if hit.Source != "" {
					fmt.Fprintf(&b, " (source: %s)", hit.Source)
				}
				b.WriteString("\n")
			}
			return b.String(), nil
		},
	}
}

// NewHistoryImagesTool builds fetch_history_images. The fetcher enforces
// group ownership: message ids outside the current group return an error
// payload with no images.
func NewHistoryImagesTool(fetcher ImageFetcher) *Tool {
	return &Tool{
		Name:        "fetch_history_images",
		Description: "Fetch images referenced by message ids in the current group history.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"msg_ids": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Message ids whose images to fetch",
				},
				"max_images": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of images to return",
				},
			},
			"required": []interface{}{"msg_ids"},
		},
		Source:  SourceBuiltin,
		Enabled: true,
		Handler: func(ctx context.Context, args map[string]interface{}, groupID string) (string, error) {
			if groupID == "" {
				payload, _ := json.Marshal(ImageFetchResult{
					Error:  "fetch_history_images requires a group session",
					Images: []string{},
				})
				return string(payload), nil
			}

			var msgIDs []string
			if raw, ok := args["msg_ids"].([]interface{}); ok {
				for _, v := range raw {
					if s, ok := v.(string); ok && s != "" {
						msgIDs = append(msgIDs, s)
					}
				}
			}
			maxImages := 3
			if v, ok := args["max_images"].(float64); ok && int(v) > 0 {
				maxImages = int(v)
			}

			result, err := fetcher.FetchImages(ctx, groupID, msgIDs, maxImages)
			if err != nil {
				result = ImageFetchResult{Error: err.Error(), Images: []string{}}
			}
			if result.Images == nil {
				result.Images = []string{}
			}
			payload, merr := json.Marshal(result)
			if merr != nil {
				return "", fmt.Errorf("encode image result: %w", merr)
			}
			return string(payload), nil
		},
	}
}
