package core

import (
	"context"
	"fmt"
	"sync"
)

// fakeLLM replays scripted responses in order, repeating the last one when
// the script runs out. A respond hook overrides the script and answers by
// prompt content instead, which keeps concurrent callers deterministic.
// Prompts are recorded for assertions.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	respond   func(prompt string) (string, error)
	prompts   []string
	calls     int
}

func (f *fakeLLM) GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.respond != nil {
		resp, err := f.respond(prompt)
		if err != nil {
			return "", 0, 0, err
		}
		return resp, 10, 20, nil
	}
	if idx < len(f.errs) && f.errs[idx] != nil {
		return "", 0, 0, f.errs[idx]
	}
	if len(f.responses) == 0 {
		return "", 0, 0, fmt.Errorf("fakeLLM: no scripted response")
	}
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], 10, 20, nil
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error) {
	resp, _, _, err := f.GenerateWithTokens(ctx, prompt, model, options)
	return resp, err
}

func (f *fakeLLM) GetAvailableModels() []string { return []string{"test"} }

func (f *fakeLLM) GetModelInfo(model string) (ModelInfo, error) {
	return ModelInfo{Name: model, Provider: "fake", CostPer1KInput: 0.001, CostPer1KOutput: 0.002}, nil
}

func (f *fakeLLM) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	return float64(inputTokens)/1000.0*0.001 + float64(outputTokens)/1000.0*0.002
}

func (f *fakeLLM) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeLLM) promptAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.prompts) {
		return ""
	}
	return f.prompts[i]
}

// fakeSearch serves canned results keyed by query string.
type fakeSearch struct {
	mu      sync.Mutex
	results map[string][]SearchResult
	err     error
	queries []string
}

func (f *fakeSearch) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	res := f.results[query]
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	out := make([]SearchResult, len(res))
	copy(out, res)
	for i := range out {
		out[i].Query = query
	}
	return out, nil
}

func (f *fakeSearch) Name() string { return "fake" }

func (f *fakeSearch) seenQueries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.queries))
	copy(out, f.queries)
	return out
}

// fakeFetcher returns canned page text keyed by URL. Per-URL errors take
// precedence over pages; err fails every fetch.
type fakeFetcher struct {
	pages map[string]string
	errs  map[string]error
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if err, ok := f.errs[url]; ok {
		return "", err
	}
	if text, ok := f.pages[url]; ok {
		return text, nil
	}
	return "", fmt.Errorf("fetch %s: no canned page", url)
}
