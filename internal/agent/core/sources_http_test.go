package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KuroShiba3/task-planning-agent/config"
)

func TestSerperClientDecodesOrganicResults(t *testing.T) {
	var gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-KEY")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"organic": [
			{"title": "Tokyo weather today", "link": "https://example.com/tokyo", "snippet": "Sunny, 31C"},
			{"title": "Saitama forecast", "link": "https://example.com/saitama", "snippet": "Cloudy"}
		]}`))
	}))
	defer srv.Close()

	c := &SerperClient{
		cfg:      config.SearchConfig{SerperAPIKey: "secret"},
		http:     NewHTTPClient(2*time.Second, 0, 0),
		endpoint: srv.URL,
	}
	results, err := c.Search(context.Background(), "tokyo weather", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotKey != "secret" {
		t.Errorf("expected API key header, got %q", gotKey)
	}
	if gotBody["q"] != "tokyo weather" {
		t.Errorf("expected query in body, got %v", gotBody["q"])
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].URL != "https://example.com/tokyo" || results[0].Snippet != "Sunny, 31C" {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if results[0].Query != "tokyo weather" {
		t.Errorf("expected originating query recorded, got %q", results[0].Query)
	}
}

func TestSerperClientHonorsLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"organic": [
			{"title": "a", "link": "https://example.com/a"},
			{"title": "b", "link": "https://example.com/b"},
			{"title": "c", "link": "https://example.com/c"}
		]}`))
	}))
	defer srv.Close()

	c := &SerperClient{cfg: config.SearchConfig{SerperAPIKey: "k"}, http: NewHTTPClient(2*time.Second, 0, 0), endpoint: srv.URL}
	results, err := c.Search(context.Background(), "q", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected limit applied, got %d results", len(results))
	}
}

func TestBraveClientDecodesWebResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"web": {"results": [{"title": "hit", "url": "https://example.com/x", "description": "desc"}]}}`))
	}))
	defer srv.Close()

	c := &BraveClient{cfg: config.SearchConfig{BraveAPIKey: "tok"}, http: NewHTTPClient(2*time.Second, 0, 0), endpoint: srv.URL}
	results, err := c.Search(context.Background(), "any query", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Snippet != "desc" {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestTavilyClientRetriesOn429(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"results": [{"title": "ok", "url": "https://example.com/ok", "content": "body"}]}`))
	}))
	defer srv.Close()

	c := &TavilyClient{
		cfg:      config.SearchConfig{TavilyAPIKey: "k"},
		http:     NewHTTPClient(2*time.Second, 2, 10*time.Millisecond),
		endpoint: srv.URL,
	}
	results, err := c.Search(context.Background(), "q", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected retry after 429, got %d calls", calls)
	}
	if len(results) != 1 || results[0].Title != "ok" {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestSearchClientFailsFastOnBadRequest(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := &SerperClient{cfg: config.SearchConfig{SerperAPIKey: "k"}, http: NewHTTPClient(2*time.Second, 2, 10*time.Millisecond), endpoint: srv.URL}
	if _, err := c.Search(context.Background(), "q", 2); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected no retry on 400, got %d calls", calls)
	}
}

func TestDeduplicateResults(t *testing.T) {
	in := []SearchResult{
		{URL: "https://example.com/a", Title: "A"},
		{URL: "https://example.com/b", Title: "B"},
		{URL: "https://example.com/a", Title: "A again"},
		{URL: "", Title: "No URL"},
		{URL: "", Title: "no url"},
	}
	out := DeduplicateResults(in)
	if len(out) != 3 {
		t.Fatalf("expected 3 unique results, got %d", len(out))
	}
	if out[0].Title != "A" || out[1].Title != "B" || out[2].Title != "No URL" {
		t.Errorf("expected first-occurrence order, got %+v", out)
	}
}
