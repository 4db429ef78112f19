package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	braveSearchURL      = "https://api.search.brave.com/res/v1/web/search"
	duckduckgoURL       = "https://api.duckduckgo.com/"
	defaultSearchCount  = 5
	maxSearchCount      = 10
	searchClientTimeout = 30 * time.Second
)

// WebSearchConfig selects and configures the search backend.
type WebSearchConfig struct {
	// Provider is "brave" or "duckduckgo". Empty picks brave when an
	// API key is configured, duckduckgo otherwise.
	Provider string

	// APIKey authenticates against Brave.
	APIKey string

	// MaxResults is the default result count. Zero means 5.
	MaxResults int
}

// webResult is one search hit in the tool's output.
type webResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// webSearchResponse is the tool's JSON output shape.
type webSearchResponse struct {
	Query    string      `json:"query"`
	Provider string      `json:"provider"`
	Count    int         `json:"count"`
	Results  []webResult `json:"results"`
}

// WebSearchTool queries a JSON search API and returns structured
// results.
type WebSearchTool struct {
	provider   string
	apiKey     string
	maxResults int
	client     *http.Client

	// Endpoint overrides for tests.
	braveURL string
	ddgURL   string
}

// NewWebSearchTool creates a web_search tool for the configured
// provider.
func NewWebSearchTool(cfg WebSearchConfig) *WebSearchTool {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		if strings.TrimSpace(cfg.APIKey) != "" {
			provider = "brave"
		} else {
			provider = "duckduckgo"
		}
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = defaultSearchCount
	}
	return &WebSearchTool{
		provider:   provider,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		maxResults: maxResults,
		client:     &http.Client{Timeout: searchClientTimeout},
		braveURL:   braveSearchURL,
		ddgURL:     duckduckgoURL,
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return titles, URLs, and snippets for the top results."
}

func (t *WebSearchTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query.",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": "Number of results to return (default: 5, max: 10).",
				"minimum":     1,
				"maximum":     maxSearchCount,
			},
		},
		"required": []string{"query"},
	})
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var input struct {
		Query string `json:"query"`
		Count int    `json:"count"`
	}
	if err := decode(args, &input); err != nil {
		return fmt.Sprintf("Error: invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Query) == "" {
		return "Error: query is required", nil
	}

	count := input.Count
	if count <= 0 {
		count = t.maxResults
	}
	if count > maxSearchCount {
		count = maxSearchCount
	}

	var (
		results []webResult
		err     error
	)
	switch t.provider {
	case "brave":
		if t.apiKey == "" {
			return "Error: web search is not configured (missing API key)", nil
		}
		results, err = t.searchBrave(ctx, input.Query, count)
	case "duckduckgo":
		results, err = t.searchDuckDuckGo(ctx, input.Query, count)
	default:
		return fmt.Sprintf("Error: unknown search provider: %s", t.provider), nil
	}
	if err != nil {
		return fmt.Sprintf("Error: search failed: %v", err), nil
	}

	payload, err := json.MarshalIndent(webSearchResponse{
		Query:    input.Query,
		Provider: t.provider,
		Count:    len(results),
		Results:  results,
	}, "", "  ")
	if err != nil {
		return fmt.Sprintf("Error: encode results: %v", err), nil
	}
	return string(payload), nil
}

func (t *WebSearchTool) searchBrave(ctx context.Context, query string, count int) ([]webResult, error) {
	endpoint, err := url.Parse(t.braveURL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("count", fmt.Sprintf("%d", count))
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave API returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var braveResp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &braveResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]webResult, 0, count)
	for _, r := range braveResp.Web.Results {
		if len(results) >= count {
			break
		}
		results = append(results, webResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return results, nil
}

func (t *WebSearchTool) searchDuckDuckGo(ctx context.Context, query string, count int) ([]webResult, error) {
	endpoint := fmt.Sprintf("%s?q=%s&format=json&no_html=1", t.ddgURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var ddgResp struct {
		Heading       string `json:"Heading"`
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &ddgResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]webResult, 0, count)
	if ddgResp.AbstractText != "" && ddgResp.AbstractURL != "" {
		results = append(results, webResult{
			Title:   ddgResp.Heading,
			URL:     ddgResp.AbstractURL,
			Snippet: ddgResp.AbstractText,
		})
	}
	for _, topic := range ddgResp.RelatedTopics {
		if len(results) >= count {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		title := topic.Text
		if len(title) > 100 {
			title = title[:100]
		}
		results = append(results, webResult{Title: title, URL: topic.FirstURL, Snippet: topic.Text})
	}
	return results, nil
}
