package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/KuroShiba3/task-planning-agent/config"
)

// Telemetry aggregates run, task, search and LLM activity. Counters are
// mirrored into a private prometheus registry the API server can expose.
type Telemetry struct {
	config  config.TelemetryConfig
	logger  *log.Logger
	metrics *Metrics
	costs   *CostTracker
	mu      sync.RWMutex

	registry        *prometheus.Registry
	runsTotal       *prometheus.CounterVec
	tasksTotal      *prometheus.CounterVec
	searchesTotal   *prometheus.CounterVec
	fetchesTotal    *prometheus.CounterVec
	llmTokensTotal  *prometheus.CounterVec
	llmCostTotal    prometheus.Counter
	inconsistentEvs prometheus.Counter
}

// Metrics holds research pipeline counters
type Metrics struct {
	// Run metrics
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
	AverageRunTime time.Duration

	// Task metrics
	TasksCompleted    int64
	TasksForced       int64 // completed because the attempt cap was reached
	InconsistentEvals int64

	// Search and fetch metrics
	SearchRequests map[string]int64 // provider -> count
	SearchFailures map[string]int64
	FetchRequests  int64
	FetchFailures  int64

	// LLM metrics
	LLMRequests   map[string]int64 // model -> count
	LLMTokensUsed map[string]int64
}

// CostTracker tracks LLM spend across models and pipeline stages
type CostTracker struct {
	StageCosts  map[string]float64 // planning, generation, summary, evaluation, synthesis
	ModelCosts  map[string]float64
	TotalCost   float64
	TotalTokens int64
}

// RunEvent represents one finished research run
type RunEvent struct {
	ID         string
	Query      string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Success    bool
	Error      string
	Cost       float64
	TokensUsed int64
	TaskCount  int
	ModelsUsed []string
}

// TaskEvent represents one finished research task
type TaskEvent struct {
	TaskID       string
	Duration     time.Duration
	Attempts     int
	Satisfactory bool
	Forced       bool
	Results      int
}

// SearchEvent represents a single search provider call
type SearchEvent struct {
	Provider string
	Query    string
	Duration time.Duration
	Success  bool
	Results  int
}

// FetchEvent represents a single page fetch
type FetchEvent struct {
	URL      string
	Duration time.Duration
	Success  bool
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			SearchRequests: make(map[string]int64),
			SearchFailures: make(map[string]int64),
			LLMRequests:    make(map[string]int64),
			LLMTokensUsed:  make(map[string]int64),
		},
		costs: &CostTracker{
			StageCosts: make(map[string]float64),
			ModelCosts: make(map[string]float64),
		},
		registry: prometheus.NewRegistry(),
	}

	t.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskplanner", Name: "runs_total", Help: "Research runs by outcome.",
	}, []string{"status"})
	t.tasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskplanner", Name: "tasks_total", Help: "Completed research tasks by outcome.",
	}, []string{"outcome"})
	t.searchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskplanner", Name: "searches_total", Help: "Search provider calls by provider and status.",
	}, []string{"provider", "status"})
	t.fetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskplanner", Name: "fetches_total", Help: "Page fetches by status.",
	}, []string{"status"})
	t.llmTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskplanner", Name: "llm_tokens_total", Help: "LLM tokens by model and direction.",
	}, []string{"model", "direction"})
	t.llmCostTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskplanner", Name: "llm_cost_dollars_total", Help: "Estimated LLM spend in dollars.",
	})
	t.inconsistentEvs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskplanner", Name: "inconsistent_evaluations_total", Help: "Evaluator verdicts that contradicted themselves.",
	})
	t.registry.MustRegister(t.runsTotal, t.tasksTotal, t.searchesTotal, t.fetchesTotal,
		t.llmTokensTotal, t.llmCostTotal, t.inconsistentEvs)

	// Periodic snapshot logs can be disabled via config
	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startMetricsCollection()
		go t.startCostReporting()
	}

	return t
}

// Registry exposes the prometheus registry for the /metrics endpoint.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// RecordRunEvent records a complete research run
func (t *Telemetry) RecordRunEvent(event RunEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalRuns++
	status := "completed"
	if event.Success {
		t.metrics.SuccessfulRuns++
	} else {
		t.metrics.FailedRuns++
		status = "failed"
	}
	t.runsTotal.WithLabelValues(status).Inc()

	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = event.Duration
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + event.Duration) / time.Duration(t.metrics.TotalRuns)
	}

	t.costs.TotalCost += event.Cost
	t.costs.TotalTokens += event.TokensUsed

	t.logger.Printf("Run Event: ID=%s, Success=%t, Duration=%v, Tasks=%d, Cost=$%.4f, Tokens=%d",
		event.ID, event.Success, event.Duration, event.TaskCount, event.Cost, event.TokensUsed)
}

// RecordTaskEvent records a finished research task
func (t *Telemetry) RecordTaskEvent(event TaskEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TasksCompleted++
	outcome := "satisfactory"
	if event.Forced {
		t.metrics.TasksForced++
		outcome = "forced"
	} else if !event.Satisfactory {
		outcome = "unsatisfactory"
	}
	t.tasksTotal.WithLabelValues(outcome).Inc()

	t.logger.Printf("Task Event: ID=%s, Attempts=%d, Satisfactory=%t, Forced=%t, Results=%d, Duration=%v",
		event.TaskID, event.Attempts, event.Satisfactory, event.Forced, event.Results, event.Duration)
}

// RecordSearchEvent records a search provider call
func (t *Telemetry) RecordSearchEvent(event SearchEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.SearchRequests[event.Provider]++
	status := "ok"
	if !event.Success {
		t.metrics.SearchFailures[event.Provider]++
		status = "error"
	}
	t.searchesTotal.WithLabelValues(event.Provider, status).Inc()
}

// RecordFetchEvent records a page fetch
func (t *Telemetry) RecordFetchEvent(event FetchEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.FetchRequests++
	status := "ok"
	if !event.Success {
		t.metrics.FetchFailures++
		status = "error"
	}
	t.fetchesTotal.WithLabelValues(status).Inc()
}

// RecordLLMUsage records one LLM call's token spend for a pipeline stage
func (t *Telemetry) RecordLLMUsage(stage string, model string, inputTokens, outputTokens int64, cost float64) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.LLMRequests[model]++
	t.metrics.LLMTokensUsed[model] += inputTokens + outputTokens
	t.costs.StageCosts[stage] += cost
	t.costs.ModelCosts[model] += cost
	t.llmTokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	t.llmTokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	t.llmCostTotal.Add(cost)
}

// RecordInconsistentEvaluation counts an evaluator verdict that claimed the
// draft was satisfactory while still asking for rework, or the reverse.
func (t *Telemetry) RecordInconsistentEvaluation(taskID string) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.InconsistentEvals++
	t.inconsistentEvs.Inc()
	t.logger.Printf("Inconsistent evaluation on task %s", taskID)
}

// GetMetrics returns current metrics snapshot
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.SearchRequests = make(map[string]int64)
	metrics.SearchFailures = make(map[string]int64)
	metrics.LLMRequests = make(map[string]int64)
	metrics.LLMTokensUsed = make(map[string]int64)
	for k, v := range t.metrics.SearchRequests {
		metrics.SearchRequests[k] = v
	}
	for k, v := range t.metrics.SearchFailures {
		metrics.SearchFailures[k] = v
	}
	for k, v := range t.metrics.LLMRequests {
		metrics.LLMRequests[k] = v
	}
	for k, v := range t.metrics.LLMTokensUsed {
		metrics.LLMTokensUsed[k] = v
	}

	return metrics
}

// GetCostSummary returns current cost summary
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := CostSummary{
		TotalCost:   t.costs.TotalCost,
		TotalTokens: t.costs.TotalTokens,
		StageCosts:  make(map[string]float64),
		ModelCosts:  make(map[string]float64),
	}
	for k, v := range t.costs.StageCosts {
		summary.StageCosts[k] = v
	}
	for k, v := range t.costs.ModelCosts {
		summary.ModelCosts[k] = v
	}

	return summary
}

// CostSummary provides a summary of LLM spend
type CostSummary struct {
	TotalCost   float64
	TotalTokens int64
	StageCosts  map[string]float64
	ModelCosts  map[string]float64
}

// startMetricsCollection logs a metrics snapshot every minute
func (t *Telemetry) startMetricsCollection() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		metrics := t.GetMetrics()
		costs := t.GetCostSummary()

		t.logger.Printf("Metrics Snapshot: Runs=%d/%d, AvgTime=%v, Tasks=%d, TotalCost=$%.4f, TotalTokens=%d",
			metrics.SuccessfulRuns, metrics.TotalRuns,
			metrics.AverageRunTime, metrics.TasksCompleted, costs.TotalCost, costs.TotalTokens)
	}
}

// startCostReporting logs a cost breakdown every ten minutes
func (t *Telemetry) startCostReporting() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		costs := t.GetCostSummary()

		t.logger.Printf("Cost Report: Total=$%.4f, Tokens=%d", costs.TotalCost, costs.TotalTokens)
		for model, cost := range costs.ModelCosts {
			t.logger.Printf("  Model %s: $%.4f", model, cost)
		}
		for stage, cost := range costs.StageCosts {
			t.logger.Printf("  Stage %s: $%.4f", stage, cost)
		}
	}
}

// Shutdown logs the final report
func (t *Telemetry) Shutdown() {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	t.logger.Printf("Final Report:")
	t.logger.Printf("  Total Runs: %d", metrics.TotalRuns)
	if metrics.TotalRuns > 0 {
		t.logger.Printf("  Success Rate: %.2f%%", float64(metrics.SuccessfulRuns)/float64(metrics.TotalRuns)*100)
	}
	t.logger.Printf("  Average Run Time: %v", metrics.AverageRunTime)
	t.logger.Printf("  Total Cost: $%.4f", costs.TotalCost)
	t.logger.Printf("  Total Tokens: %d", costs.TotalTokens)
}
