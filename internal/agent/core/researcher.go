package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/KuroShiba3/task-planning-agent/config"
	"github.com/KuroShiba3/task-planning-agent/internal/agent/telemetry"
)

// Controller phases. Every task starts at query generation and ends at done;
// the evaluator decides which phase a retry re-enters.
const (
	phaseGeneratingQueries = "generating_queries"
	phaseSearching         = "searching"
	phaseSummarizing       = "summarizing"
	phaseEvaluating        = "evaluating"
)

// noQueriesResult stands in for findings when query generation came up empty.
const noQueriesResult = "No suitable search queries could be generated for this task, so no findings were collected."

// stageUsage is the token and cost spend of one LLM stage.
type stageUsage struct {
	TokensIn  int64
	TokensOut int64
	Cost      float64
}

func (u *stageUsage) add(other stageUsage) {
	u.TokensIn += other.TokensIn
	u.TokensOut += other.TokensOut
	u.Cost += other.Cost
}

// Researcher drives a single research task through a bounded
// generate-search-summarize-evaluate loop. One Researcher instance is shared
// across tasks; all per-task state lives in the TaskState owned by Run.
type Researcher struct {
	config      *config.Config
	llmProvider LLMProvider
	search      SearchProvider
	fetcher     PageFetcher
	telemetry   *telemetry.Telemetry
	evidence    *EvidenceIndex
	logger      *log.Logger
}

// NewResearcher creates a new researcher instance
func NewResearcher(cfg *config.Config, llmProvider LLMProvider, search SearchProvider, fetcher PageFetcher, telemetry *telemetry.Telemetry) *Researcher {
	return &Researcher{
		config:      cfg,
		llmProvider: llmProvider,
		search:      search,
		fetcher:     fetcher,
		telemetry:   telemetry,
		logger:      log.New(log.Writer(), "[RESEARCH] ", log.LstdFlags),
	}
}

// SetEvidenceIndex wires an optional per-run evidence index; fetched pages
// are added to it as they arrive.
func (r *Researcher) SetEvidenceIndex(idx *EvidenceIndex) { r.evidence = idx }

// Run executes one task to completion. The loop terminates regardless of
// model behavior: every pass through evaluation increments the attempt
// counter first, and reaching the cap accepts the current draft as is.
func (r *Researcher) Run(ctx context.Context, task ResearchTask) (TaskResult, error) {
	startTime := time.Now()
	state := &TaskState{Task: task}
	maxAttempts := r.maxAttempts()

	phase := phaseGeneratingQueries
	var roundQueries []string
	var usage stageUsage
	var satisfactory, forced, reviseDraft bool
	for !state.Done {
		select {
		case <-ctx.Done():
			return TaskResult{}, ctx.Err()
		default:
		}

		switch phase {
		case phaseGeneratingQueries:
			queries, stage, err := r.generateQueries(ctx, state)
			usage.add(stage)
			if err != nil {
				return TaskResult{}, err
			}
			if len(queries) == 0 {
				r.logger.Printf("Task %s produced no queries, evaluating placeholder", task.ID)
				state.Draft = noQueriesResult
				phase = phaseEvaluating
				continue
			}
			roundQueries = queries
			state.Queries = MergeQueries(state.Queries, queries)
			phase = phaseSearching

		case phaseSearching:
			delta := r.searchRound(ctx, task.ID, roundQueries)
			state.Results = MergeSearchResults(state.Results, delta)
			phase = phaseSummarizing

		case phaseSummarizing:
			draft, stage, err := r.summarize(ctx, state, reviseDraft)
			usage.add(stage)
			if err != nil {
				return TaskResult{}, err
			}
			state.Draft = draft
			phase = phaseEvaluating

		case phaseEvaluating:
			state.Attempts++
			eval, stage, err := r.evaluate(ctx, state)
			usage.add(stage)
			if err != nil {
				return TaskResult{}, err
			}
			switch {
			case eval.Satisfactory || state.Attempts >= maxAttempts:
				satisfactory = eval.Satisfactory
				forced = !eval.Satisfactory
				state.Done = true
			case eval.Need == NeedSearch:
				state.Results = MergeSearchResults(state.Results, []SearchResult{})
				state.Feedback = eval.Feedback
				reviseDraft = false
				phase = phaseGeneratingQueries
			case eval.Need == NeedGenerate:
				state.Feedback = eval.Feedback
				reviseDraft = true
				phase = phaseSummarizing
			default:
				// Unsatisfactory with nothing to retry contradicts itself;
				// accept the draft instead of looping on it.
				r.logger.Printf("WARNING: task %s evaluation inconsistent (unsatisfactory, need=none), accepting draft", task.ID)
				r.telemetry.RecordInconsistentEvaluation(task.ID)
				forced = true
				state.Done = true
			}
		}
	}

	result := TaskResult{
		TaskID:       task.ID,
		Description:  task.Description,
		Result:       state.Draft,
		Queries:      state.Queries,
		Sources:      sourcesFromResults(state.Results),
		Attempts:     state.Attempts,
		Satisfactory: satisfactory,
		TokensUsed:   usage.TokensIn + usage.TokensOut,
		Cost:         usage.Cost,
		CreatedAt:    time.Now(),
	}

	r.telemetry.RecordTaskEvent(telemetry.TaskEvent{
		TaskID:       task.ID,
		Duration:     time.Since(startTime),
		Attempts:     state.Attempts,
		Satisfactory: satisfactory,
		Forced:       forced,
		Results:      len(state.Results),
	})
	r.logger.Printf("Task %s completed in %v after %d attempt(s)", task.ID, time.Since(startTime), state.Attempts)

	return result, nil
}

// generateQueries asks the model for this round's search queries, truncated
// to the configured cap. Blank entries are dropped; an empty set is a valid
// outcome, not an error.
func (r *Researcher) generateQueries(ctx context.Context, state *TaskState) ([]string, stageUsage, error) {
	maxQueries := max1(r.config.Search.MaxQueries, 2)
	prompt := r.createQueryPrompt(state, maxQueries)
	model := r.config.LLM.Routing.Generation
	if model == "" {
		model = r.config.LLM.Routing.Fallback
	}

	var raw struct {
		Queries []string `json:"queries"`
	}
	inTok, outTok, err := GenerateStructured(ctx, r.llmProvider, prompt, model, map[string]interface{}{
		"temperature": 0.7,
		"max_tokens":  500,
	}, &raw)
	cost := r.llmProvider.CalculateCost(inTok, outTok, model)
	usage := stageUsage{TokensIn: inTok, TokensOut: outTok, Cost: cost}
	if err != nil {
		return nil, usage, fmt.Errorf("failed to generate search queries: %w", err)
	}
	r.telemetry.RecordLLMUsage("generation", model, inTok, outTok, cost)

	queries := make([]string, 0, maxQueries)
	for _, q := range raw.Queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		queries = append(queries, q)
		if len(queries) >= maxQueries {
			break
		}
	}
	return queries, usage, nil
}

// searchRound fans out one search per query and joins before returning.
// Indexed slots keep (query, provider-rank) ordering regardless of which
// goroutine finishes first. A failed query degrades to zero results.
func (r *Researcher) searchRound(ctx context.Context, taskID string, queries []string) []SearchResult {
	perQuery := max1(r.config.Search.ResultsPerQuery, 2)
	slots := make([][]SearchResult, len(queries))

	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(slot int, query string) {
			defer wg.Done()
			started := time.Now()
			results, err := r.search.Search(ctx, query, perQuery)
			r.telemetry.RecordSearchEvent(telemetry.SearchEvent{
				Provider: r.search.Name(),
				Query:    query,
				Duration: time.Since(started),
				Success:  err == nil,
				Results:  len(results),
			})
			if err != nil {
				r.logger.Printf("search %q failed: %v", query, err)
				return
			}
			if len(results) > perQuery {
				results = results[:perQuery]
			}
			for j := range results {
				results[j].Query = query
				r.enrich(ctx, taskID, &results[j])
			}
			slots[slot] = results
		}(i, q)
	}
	wg.Wait()

	out := make([]SearchResult, 0, len(queries)*perQuery)
	for _, s := range slots {
		out = append(out, s...)
	}
	// Overlapping queries often return the same page; keep the first hit.
	return DeduplicateResults(out)
}

// enrich fetches and extracts the page behind a search result. Any failure
// keeps the snippet; a missing page never fails the task.
func (r *Researcher) enrich(ctx context.Context, taskID string, result *SearchResult) {
	if result.URL == "" {
		return
	}
	if r.config.Fetch.Policy.SkipFetch(result.URL) {
		r.logger.Printf("fetch policy skips %s, keeping snippet", result.URL)
		return
	}
	started := time.Now()
	text, err := r.fetcher.Fetch(ctx, result.URL)
	r.telemetry.RecordFetchEvent(telemetry.FetchEvent{
		URL:      result.URL,
		Duration: time.Since(started),
		Success:  err == nil,
	})
	if err != nil {
		r.logger.Printf("fetch %s failed, keeping snippet: %v", result.URL, err)
		return
	}
	result.Content = text
	if r.evidence != nil {
		if err := r.evidence.AddResults(taskID, []SearchResult{*result}); err != nil {
			r.logger.Printf("evidence indexing for %s failed: %v", result.URL, err)
		}
	}
}

// summarize turns the current search results into the task's draft findings.
func (r *Researcher) summarize(ctx context.Context, state *TaskState, reviseDraft bool) (string, stageUsage, error) {
	prompt := r.createSummaryPrompt(state, reviseDraft)
	model := r.config.LLM.Routing.Summary
	if model == "" {
		model = r.config.LLM.Routing.Fallback
	}

	raw, inTok, outTok, err := r.llmProvider.GenerateWithTokens(ctx, prompt, model, map[string]interface{}{
		"temperature": 0.3,
		"max_tokens":  1500,
	})
	cost := r.llmProvider.CalculateCost(inTok, outTok, model)
	usage := stageUsage{TokensIn: inTok, TokensOut: outTok, Cost: cost}
	if err != nil {
		return "", usage, fmt.Errorf("failed to summarize findings: %w", err)
	}
	r.telemetry.RecordLLMUsage("summary", model, inTok, outTok, cost)

	draft := strings.TrimSpace(raw)
	if draft == "" {
		return "", usage, fmt.Errorf("summary produced an empty draft")
	}
	return draft, usage, nil
}

// evaluate asks the model whether the draft completes the task and, if not,
// what kind of retry would fix it.
func (r *Researcher) evaluate(ctx context.Context, state *TaskState) (Evaluation, stageUsage, error) {
	prompt := r.createEvaluationPrompt(state)
	model := r.config.LLM.Routing.Evaluation
	if model == "" {
		model = r.config.LLM.Routing.Fallback
	}

	var eval Evaluation
	inTok, outTok, err := GenerateStructured(ctx, r.llmProvider, prompt, model, map[string]interface{}{
		"temperature": 0.0,
		"max_tokens":  500,
	}, &eval)
	cost := r.llmProvider.CalculateCost(inTok, outTok, model)
	usage := stageUsage{TokensIn: inTok, TokensOut: outTok, Cost: cost}
	if err != nil {
		return Evaluation{}, usage, fmt.Errorf("failed to evaluate draft: %w", err)
	}
	r.telemetry.RecordLLMUsage("evaluation", model, inTok, outTok, cost)

	eval.Need = strings.ToLower(strings.TrimSpace(eval.Need))
	if eval.Need == "" {
		eval.Need = NeedNone
	}
	return eval, usage, nil
}

// createQueryPrompt creates the prompt for search query generation
func (r *Researcher) createQueryPrompt(state *TaskState, maxQueries int) string {
	return fmt.Sprintf(`You are a research assistant generating web search queries for one research task.
Today's date is %s.

TASK: %s

QUERIES ALREADY TRIED:
%s
EVALUATOR FEEDBACK:
%s
QUERY REQUIREMENTS:
1. Produce at most %d queries.
2. Each query must be a phrase a search engine handles well, not a question to a person.
3. Never repeat a query already tried; approach the task from a new angle instead.
4. If there is evaluator feedback, the new queries must address it.

OUTPUT FORMAT (JSON):
{"queries": ["first query", "second query"]}

Return ONLY the JSON object.`,
		time.Now().Format("2006-01-02"), state.Task.Description,
		listBlock(state.Queries), textBlock(state.Feedback), maxQueries)
}

// createSummaryPrompt creates the prompt for the draft findings
func (r *Researcher) createSummaryPrompt(state *TaskState, reviseDraft bool) string {
	revision := ""
	if reviseDraft && state.Draft != "" {
		revision = fmt.Sprintf("\nPREVIOUS DRAFT (rewrite it per the feedback):\n%s\n", state.Draft)
	}
	return fmt.Sprintf(`You are a research assistant writing up findings for one research task.
Today's date is %s.

TASK: %s

SEARCH RESULTS:
%s
EVALUATOR FEEDBACK:
%s%s
WRITE-UP REQUIREMENTS:
1. Answer the task using only the search results above.
2. Be specific: numbers, dates and names beat generalities.
3. End with the URLs the write-up actually draws from, at most one per domain.
4. If the results do not cover the task, state what is missing instead of guessing.

Respond with the write-up text only.`,
		time.Now().Format("2006-01-02"), state.Task.Description,
		resultsBlock(state.Results), textBlock(state.Feedback), revision)
}

// createEvaluationPrompt creates the prompt for draft evaluation
func (r *Researcher) createEvaluationPrompt(state *TaskState) string {
	return fmt.Sprintf(`You are evaluating whether a research write-up completes its task.
Today's date is %s.

TASK: %s

WRITE-UP:
%s

SEARCH RESULTS THE WRITE-UP WAS BASED ON:
%s
EVALUATION RULES:
1. is_satisfactory is true only if the write-up fully answers the task with specifics.
2. If different or additional searches would fix it, set need to "search".
3. If the results are sufficient but the write-up uses them poorly, set need to "generate".
4. When is_satisfactory is true, need must be "none" and feedback empty.
5. feedback must say concretely what to change.

OUTPUT FORMAT (JSON):
{"is_satisfactory": false, "need": "search", "reason": "one sentence", "feedback": "what to change"}

Return ONLY the JSON object.`,
		time.Now().Format("2006-01-02"), state.Task.Description,
		state.Draft, resultsBlock(state.Results))
}

func (r *Researcher) maxAttempts() int {
	return max1(r.config.Research.MaxAttempts, 2)
}

func listBlock(items []string) string {
	if len(items) == 0 {
		return "(none)\n"
	}
	b := &strings.Builder{}
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	return b.String()
}

func textBlock(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)\n"
	}
	return s + "\n"
}

func resultsBlock(results []SearchResult) string {
	if len(results) == 0 {
		return "(no results)\n"
	}
	b := &strings.Builder{}
	for i, res := range results {
		text := res.Content
		if text == "" {
			text = res.Snippet
		}
		fmt.Fprintf(b, "[%d] %s\nURL: %s\nFOUND BY: %s\n%s\n\n", i+1, res.Title, res.URL, res.Query, text)
	}
	return b.String()
}

// sourcesFromResults lifts the round's result URLs into sources, first
// occurrence per URL wins.
func sourcesFromResults(results []SearchResult) []Source {
	seen := make(map[string]bool, len(results))
	var out []Source
	for _, res := range results {
		if res.URL == "" || seen[res.URL] {
			continue
		}
		seen[res.URL] = true
		out = append(out, Source{URL: res.URL, Title: res.Title, Domain: toDomain(res.URL)})
	}
	return out
}
