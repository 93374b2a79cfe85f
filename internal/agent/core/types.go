package core

import (
	"context"
	"time"
)

// ResearchQuery represents a user's research request
type ResearchQuery struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ResearchTask is one independently searchable unit of the user's request.
// Tasks are created by the planner and never deleted; the id stays stable
// for the task's lifetime and is used to reconcile concurrent updates.
type ResearchTask struct {
	ID          string    `json:"task_id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskResult is the completed outcome of a single research task, published
// exactly once by the controller that owned the task.
type TaskResult struct {
	TaskID       string    `json:"task_id"`
	Description  string    `json:"description"`
	Result       string    `json:"result"`
	Queries      []string  `json:"queries,omitempty"`
	Sources      []Source  `json:"sources,omitempty"`
	Attempts     int       `json:"attempts"`
	Satisfactory bool      `json:"satisfactory"`
	TokensUsed   int64     `json:"tokens_used,omitempty"`
	Cost         float64   `json:"cost,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SearchResult represents one web search hit, optionally enriched with the
// extracted page text. Content is empty when the page fetch failed and the
// snippet is all we have.
type SearchResult struct {
	Query   string `json:"query"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content,omitempty"`
}

// Source represents a cited source of information
type Source struct {
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// Evaluation is the evaluator's structured verdict on a task draft.
// Invariant: Satisfactory is true exactly when Need is NeedNone.
type Evaluation struct {
	Satisfactory bool   `json:"is_satisfactory"`
	Need         string `json:"need"` // none, search, generate
	Reason       string `json:"reason,omitempty"`
	Feedback     string `json:"feedback,omitempty"`
}

// Rework targets an evaluator may request.
const (
	NeedNone     = "none"
	NeedSearch   = "search"
	NeedGenerate = "generate"
)

// Message is one entry in the run's conversation history
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// ResearchReport represents the final result of a research run
type ResearchReport struct {
	ID             string        `json:"id"`
	Query          ResearchQuery `json:"query"`
	Answer         string        `json:"answer"`
	Reasoning      string        `json:"reasoning,omitempty"`
	Tasks          []TaskResult  `json:"tasks"`
	Sources        []Source      `json:"sources,omitempty"`
	Messages       []Message     `json:"messages,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
	TokensUsed     int64         `json:"tokens_used"`
	CostEstimate   float64       `json:"cost_estimate"`
	LLMModelsUsed  []string      `json:"llm_models_used,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// RunStatus represents the live status of a research run
type RunStatus struct {
	QueryID        string    `json:"query_id"`
	Status         string    `json:"status"`   // pending, planning, researching, synthesizing, completed, failed
	Progress       float64   `json:"progress"` // 0.0 to 1.0
	CurrentTask    string    `json:"current_task,omitempty"`
	CompletedTasks int       `json:"completed_tasks"`
	TotalTasks     int       `json:"total_tasks"`
	Error          string    `json:"error,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
	CreatedAt      time.Time `json:"created_at"`
}

// LLMProvider interface defines the contract for LLM providers
type LLMProvider interface {
	// Generate generates text using the LLM
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// GenerateWithTokens generates text and returns token usage
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)

	// GetAvailableModels returns available models
	GetAvailableModels() []string

	// GetModelInfo returns information about a specific model
	GetModelInfo(model string) (ModelInfo, error)

	// CalculateCost calculates the cost for a given number of tokens
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ModelInfo contains information about an LLM model
type ModelInfo struct {
	Name            string   `json:"name"`
	Provider        string   `json:"provider"`
	MaxTokens       int      `json:"max_tokens"`
	CostPer1KInput  float64  `json:"cost_per_1k_input"`
	CostPer1KOutput float64  `json:"cost_per_1k_output"`
	Capabilities    []string `json:"capabilities"`
	Description     string   `json:"description"`
}

// SearchProvider interface defines the contract for web search backends
type SearchProvider interface {
	// Search returns up to limit ranked results for the query
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// Name identifies the provider in logs and telemetry
	Name() string
}

// PageFetcher fetches a URL and returns cleaned, readable page text
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// StatusPublisher receives live run-status updates. Implementations must
// tolerate being called from multiple goroutines.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, status RunStatus) error
}
