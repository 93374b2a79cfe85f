package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/KuroShiba3/task-planning-agent/config"
)

// NewLLMProvider creates a new LLM provider based on configuration
func NewLLMProvider(cfg config.LLMConfig) (LLMProvider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}

	for _, provider := range cfg.Providers {
		switch provider.Type {
		case "openai":
			// Covers any OpenAI-compatible endpoint via base_url
			return NewOpenAIProvider(provider), nil
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", provider.Type)
		}
	}

	return nil, fmt.Errorf("no valid LLM providers found")
}

// NewSearchProvider creates the configured web search backend
func NewSearchProvider(cfg config.SearchConfig) (SearchProvider, error) {
	httpc := NewHTTPClient(cfg.Timeout, 2, 500*time.Millisecond)
	name := strings.ToLower(cfg.Provider)
	if name == "" {
		name = "serper"
	}
	switch name {
	case "serper":
		if cfg.SerperAPIKey == "" {
			return nil, fmt.Errorf("serper API key not configured")
		}
		return &SerperClient{cfg: cfg, http: httpc}, nil
	case "brave":
		if cfg.BraveAPIKey == "" {
			return nil, fmt.Errorf("brave API key not configured")
		}
		return &BraveClient{cfg: cfg, http: httpc}, nil
	case "tavily":
		if cfg.TavilyAPIKey == "" {
			return nil, fmt.Errorf("tavily API key not configured")
		}
		return &TavilyClient{cfg: cfg, http: httpc}, nil
	default:
		return nil, fmt.Errorf("unsupported search provider: %s", cfg.Provider)
	}
}

// NewPageFetcher creates the fetcher used to enrich search hits with page
// text. Browser mode drives headless Chrome for script-heavy pages; plain
// HTTP is the default and needs nothing installed.
func NewPageFetcher(cfg config.FetchConfig) PageFetcher {
	if strings.ToLower(cfg.Mode) == "browser" {
		return NewBrowserFetcher(cfg)
	}
	return NewHTTPFetcher(cfg)
}

// OpenAIProvider implements LLMProvider against the OpenAI chat API
type OpenAIProvider struct {
	config    config.LLMProvider
	models    map[string]ModelInfo
	rawModels map[string]config.LLMModel
	http      *HTTPClient
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg config.LLMProvider) *OpenAIProvider {
	provider := &OpenAIProvider{
		config:    cfg,
		models:    make(map[string]ModelInfo),
		rawModels: cfg.Models,
		http:      NewHTTPClient(cfg.Timeout, 2, 500*time.Millisecond),
	}

	for key, model := range cfg.Models {
		provider.models[key] = ModelInfo{
			Name:            model.Name,
			Provider:        "openai",
			MaxTokens:       model.MaxTokens,
			CostPer1KInput:  model.CostPer1K,
			CostPer1KOutput: model.CostPer1KOutput,
			Capabilities:    model.Capabilities,
			Description:     fmt.Sprintf("OpenAI %s model", model.Name),
		}
	}

	return provider
}

// Generate generates text using OpenAI
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error) {
	resp, _, _, err := p.GenerateWithTokens(ctx, prompt, model, options)
	return resp, err
}

// GenerateWithTokens generates text and returns token usage
func (p *OpenAIProvider) GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error) {
	apiKey := p.config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return "", 0, 0, fmt.Errorf("OpenAI API key not configured")
	}

	m, ok := p.rawModels[model]
	if !ok {
		return "", 0, 0, fmt.Errorf("model %s not configured", model)
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}

	temperature := m.Temperature
	if t, ok := options["temperature"].(float64); ok {
		temperature = t
	}
	maxTokens := m.MaxTokens
	if mt, ok := options["max_tokens"].(int); ok {
		maxTokens = mt
	}

	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type chatReq struct {
		Model       string    `json:"model"`
		Messages    []chatMsg `json:"messages"`
		Temperature float64   `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
	}

	baseURL := p.config.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}

	headers := map[string]string{"Authorization": "Bearer " + apiKey}
	req := chatReq{
		Model:       apiModel,
		Messages:    []chatMsg{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if err := p.http.DoJSON(ctx, "POST", baseURL+"/chat/completions", headers, req, &out); err != nil {
		return "", 0, 0, fmt.Errorf("chat completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("no choices in response")
	}

	return out.Choices[0].Message.Content, int64(out.Usage.PromptTokens), int64(out.Usage.CompletionTokens), nil
}

// GetAvailableModels returns available models
func (p *OpenAIProvider) GetAvailableModels() []string {
	var models []string
	for name := range p.models {
		models = append(models, name)
	}
	return models
}

// GetModelInfo returns information about a specific model
func (p *OpenAIProvider) GetModelInfo(model string) (ModelInfo, error) {
	info, exists := p.models[model]
	if !exists {
		return ModelInfo{}, fmt.Errorf("model not found: %s", model)
	}
	return info, nil
}

// CalculateCost calculates the cost for a given number of tokens
func (p *OpenAIProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	info, err := p.GetModelInfo(model)
	if err != nil {
		return 0.0
	}

	inputCost := float64(inputTokens) / 1000.0 * info.CostPer1KInput
	outputCost := float64(outputTokens) / 1000.0 * info.CostPer1KOutput
	return inputCost + outputCost
}

// structuredAttempts caps how many times a malformed JSON reply is retried
// with a corrective nudge before the call fails.
const structuredAttempts = 3

// GenerateStructured prompts for a strict-JSON reply and decodes it into out.
// A reply that does not decode is retried with a corrective reminder
// appended; after structuredAttempts failures the last decode error is
// returned. Transport errors are not retried here, the provider handles
// those itself.
func GenerateStructured(ctx context.Context, provider LLMProvider, prompt string, model string, options map[string]interface{}, out any) (int64, int64, error) {
	var inTotal, outTotal int64
	var lastErr error

	p := prompt
	for attempt := 0; attempt < structuredAttempts; attempt++ {
		raw, inTok, outTok, err := provider.GenerateWithTokens(ctx, p, model, options)
		inTotal += inTok
		outTotal += outTok
		if err != nil {
			return inTotal, outTotal, err
		}
		if err := json.Unmarshal([]byte(extractFirstJSON(raw)), out); err != nil {
			lastErr = err
			p = prompt + "\n\nYour previous reply was not valid JSON. Return ONLY a valid JSON object, no prose, no code fences."
			continue
		}
		return inTotal, outTotal, nil
	}

	return inTotal, outTotal, fmt.Errorf("structured output: %w", lastErr)
}

// extractFirstJSON attempts to find the first top-level JSON object in a string
func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}
