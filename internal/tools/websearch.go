package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	defaultSearchCount  = 5
	maxSearchCount      = 10
	searchTimeout       = 30 * time.Second
	braveSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"
	searchUserAgent     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// SearchProvider abstracts a web search backend.
type SearchProvider interface {
	Search(ctx context.Context, query string, count int) ([]SearchResult, error)
	Name() string
}

// SearchResult is one hit from a search backend.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// WebSearchConfig selects and configures search backends.
type WebSearchConfig struct {
	BraveAPIKey string
	DDGEnabled  bool
}

// NewWebSearchTool builds the web_search tool over the configured backends,
// in priority order Brave then DuckDuckGo. Returns nil when none are usable.
func NewWebSearchTool(cfg WebSearchConfig) *Tool {
	var backends []SearchProvider
	if cfg.BraveAPIKey != "" {
		backends = append(backends, &braveProvider{
			apiKey: cfg.BraveAPIKey,
			client: &http.Client{Timeout: searchTimeout},
		})
	}
	if cfg.DDGEnabled {
		backends = append(backends, &ddgProvider{client: &http.Client{Timeout: searchTimeout}})
	}
	if len(backends) == 0 {
		return nil
	}

	return &Tool{
		Name:        "web_search",
		Description: "Search the web for current information. Returns titles, URLs and snippets.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The search query",
				},
				"count": map[string]interface{}{
					"type":        "integer",
					"description": "Number of results (1-10)",
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
			count := defaultSearchCount
			if v, ok := args["count"].(float64); ok && int(v) > 0 {
				count = int(v)
			}
			if count > maxSearchCount {
				count = maxSearchCount
			}

			var lastErr error
			for _, backend := range backends {
				results, err := backend.Search(ctx, query, count)
				if err != nil {
					lastErr = err
					continue
				}
				if len(results) == 0 {
					continue
				}
				return formatSearchResults(query, results), nil
			}
			if lastErr != nil {
				return "", fmt.Errorf("all search backends failed: %w", lastErr)
			}
			return "No results found for: " + query, nil
		},
	}
}

func formatSearchResults(query string, results []SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q:\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&b, "   %s\n", r.Description)
		}
	}
	return b.String()
}

// --- Brave ---

type braveProvider struct {
	apiKey string
	client *http.Client
}

func (p *braveProvider) Name() string { return "brave" }

func (p *braveProvider) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", count))

	req, err := http.NewRequestWithContext(ctx, "GET", braveSearchEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave API returned %d", resp.StatusCode)
	}

	var braveResp struct {
		Web struct {
			Results []SearchResult `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &braveResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return braveResp.Web.Results, nil
}

// --- DuckDuckGo ---

type ddgProvider struct {
	client *http.Client
}

func (p *ddgProvider) Name() string { return "duckduckgo" }

func (p *ddgProvider) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	searchURL := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, "GET", searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return extractDDGResults(string(body), count), nil
}

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
)

func extractDDGResults(html string, count int) []SearchResult {
	linkMatches := ddgLinkRe.FindAllStringSubmatch(html, count+5)
	if len(linkMatches) == 0 {
		return nil
	}
	snippetMatches := ddgSnippetRe.FindAllStringSubmatch(html, count+5)

	var results []SearchResult
	for i := 0; i < len(linkMatches) && i < count; i++ {
		rawURL := linkMatches[i][1]
		title := strings.TrimSpace(htmlTagRe.ReplaceAllString(linkMatches[i][2], ""))

		// DDG wraps URLs with a redirect; extract the real URL from uddg=
		if strings.Contains(rawURL, "uddg=") {
			if u, err := url.QueryUnescape(rawURL); err == nil {
				if idx := strings.Index(u, "uddg="); idx != -1 {
					extracted := u[idx+5:]
					if ampIdx := strings.Index(extracted, "&"); ampIdx != -1 {
						extracted = extracted[:ampIdx]
					}
					rawURL = extracted
				}
			}
		}

		desc := ""
		if i < len(snippetMatches) {
			desc = strings.TrimSpace(htmlTagRe.ReplaceAllString(snippetMatches[i][1], ""))
		}
		results = append(results, SearchResult{Title: title, URL: rawURL, Description: desc})
	}
	return results
}
