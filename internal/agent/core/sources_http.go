package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/KuroShiba3/task-planning-agent/config"
)

// SerperClient implements SearchProvider using serper.dev
type SerperClient struct {
	cfg      config.SearchConfig
	http     *HTTPClient
	endpoint string // overridable in tests
}

func (s *SerperClient) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	var resp struct {
		Organic []struct{ Title, Link, Snippet string } `json:"organic"`
	}
	endpoint := s.endpoint
	if endpoint == "" {
		endpoint = "https://google.serper.dev/search"
	}
	headers := map[string]string{"X-API-KEY": s.cfg.SerperAPIKey}
	body := map[string]any{"q": query, "num": max1(limit, 10)}
	if err := s.http.DoJSON(ctx, "POST", endpoint, headers, body, &resp); err != nil {
		return nil, fmt.Errorf("serper search: %w", err)
	}
	out := make([]SearchResult, 0, len(resp.Organic))
	for _, r := range resp.Organic {
		if len(out) >= max1(limit, 10) {
			break
		}
		out = append(out, SearchResult{Query: query, Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return out, nil
}

func (s *SerperClient) Name() string { return "serper" }

// BraveClient implements SearchProvider using the Brave Search API
type BraveClient struct {
	cfg      config.SearchConfig
	http     *HTTPClient
	endpoint string
}

func (b *BraveClient) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	var resp struct {
		Web struct {
			Results []struct{ Title, URL, Description string } `json:"results"`
		} `json:"web"`
	}
	endpoint := b.endpoint
	if endpoint == "" {
		endpoint = "https://api.search.brave.com/res/v1/web/search"
	}
	headers := map[string]string{"X-Subscription-Token": b.cfg.BraveAPIKey}
	url := fmt.Sprintf("%s?q=%s&count=%d", endpoint, escapeQuery(query), max1(limit, 10))
	if err := b.http.DoJSON(ctx, "GET", url, headers, nil, &resp); err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}
	out := make([]SearchResult, 0, len(resp.Web.Results))
	for _, r := range resp.Web.Results {
		if len(out) >= max1(limit, 10) {
			break
		}
		out = append(out, SearchResult{Query: query, Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return out, nil
}

func (b *BraveClient) Name() string { return "brave" }

// TavilyClient implements SearchProvider using tavily.com
type TavilyClient struct {
	cfg      config.SearchConfig
	http     *HTTPClient
	endpoint string
}

func (t *TavilyClient) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	var resp struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	endpoint := t.endpoint
	if endpoint == "" {
		endpoint = "https://api.tavily.com/search"
	}
	body := map[string]any{
		"api_key":     t.cfg.TavilyAPIKey,
		"query":       query,
		"max_results": max1(limit, 10),
	}
	if err := t.http.DoJSON(ctx, "POST", endpoint, nil, body, &resp); err != nil {
		return nil, fmt.Errorf("tavily search: %w", err)
	}
	out := make([]SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		if len(out) >= max1(limit, 10) {
			break
		}
		out = append(out, SearchResult{Query: query, Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return out, nil
}

func (t *TavilyClient) Name() string { return "tavily" }

func escapeQuery(q string) string { return strings.ReplaceAll(q, " ", "+") }

func max1(a, def int) int {
	if a > 0 {
		return a
	}
	return def
}

// DeduplicateResults drops repeated hits by URL (or lowercase title when the
// URL is empty), keeping first occurrence order.
func DeduplicateResults(in []SearchResult) []SearchResult {
	seen := make(map[string]bool, len(in))
	out := make([]SearchResult, 0, len(in))
	for _, r := range in {
		k := r.URL
		if k == "" {
			k = strings.ToLower(r.Title)
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}
