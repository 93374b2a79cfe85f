package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/KuroShiba3/task-planning-agent/config"
	"github.com/KuroShiba3/task-planning-agent/internal/agent/telemetry"
)

var orchestratorTracer trace.Tracer = otel.Tracer("task-planning-agent/orchestrator")

// Run status values reported through RunStatus.Status.
const (
	StatusPending      = "pending"
	StatusPlanning     = "planning"
	StatusResearching  = "researching"
	StatusSynthesizing = "synthesizing"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
)

// evidenceRetention is how many finished runs keep their evidence index
// queryable before the oldest is evicted.
const evidenceRetention = 16

// Orchestrator coordinates a research run end to end: it plans the query
// into tasks, fans the tasks out to researchers bounded by a shared
// semaphore, and synthesizes the completed results into the final report.
// Run-level state is owned here; task goroutines return deltas that are
// merged at the join barrier.
type Orchestrator struct {
	config    *config.Config
	planner   *Planner
	llm       LLMProvider
	search    SearchProvider
	fetcher   PageFetcher
	telemetry *telemetry.Telemetry
	publisher StatusPublisher
	logger    *log.Logger

	mu         sync.RWMutex
	processing map[string]*runHandle

	evidenceMu    sync.Mutex
	evidence      map[string]*EvidenceIndex
	evidenceOrder []string

	taskSem chan struct{}
}

// runHandle tracks one in-flight run: its live status and the cancel
// function that aborts it.
type runHandle struct {
	status RunStatus
	cancel context.CancelFunc
}

// NewOrchestrator creates a new orchestrator instance
func NewOrchestrator(cfg *config.Config, llmProvider LLMProvider, search SearchProvider, fetcher PageFetcher, tel *telemetry.Telemetry) *Orchestrator {
	return &Orchestrator{
		config:     cfg,
		planner:    NewPlanner(cfg, llmProvider, tel),
		llm:        llmProvider,
		search:     search,
		fetcher:    fetcher,
		telemetry:  tel,
		logger:     log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
		processing: make(map[string]*runHandle),
		evidence:   make(map[string]*EvidenceIndex),
		taskSem:    make(chan struct{}, max1(cfg.Research.MaxConcurrentTasks, 4)),
	}
}

// SetStatusPublisher wires an optional sink for live status updates.
// Must be called before the first ProcessQuery.
func (o *Orchestrator) SetStatusPublisher(publisher StatusPublisher) {
	o.publisher = publisher
}

// ProcessQuery runs the full plan, research and synthesize pipeline for one
// query and returns the report. history carries earlier conversation turns
// and may be nil. The run can be aborted through ctx or CancelProcessing.
func (o *Orchestrator) ProcessQuery(ctx context.Context, query ResearchQuery, history []Message) (*ResearchReport, error) {
	query.Content = strings.TrimSpace(query.Content)
	if query.Content == "" {
		return nil, fmt.Errorf("query content is empty")
	}
	if query.ID == "" {
		query.ID = uuid.New().String()
	}
	if query.Timestamp.IsZero() {
		query.Timestamp = time.Now()
	}

	ctx, span := orchestratorTracer.Start(ctx, "agent.process_query",
		trace.WithAttributes(
			attribute.String("query.id", query.ID),
			attribute.Int("query.length", len(query.Content)),
		))
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.beginRun(query, cancel)
	defer o.endRun(query.ID)

	startTime := time.Now()
	state := &ConversationState{}
	state.Messages = MergeMessages(state.Messages, history)

	var (
		report *ResearchReport
		runErr error
	)
	defer func() {
		endTime := time.Now()
		event := telemetry.RunEvent{
			ID:        query.ID,
			Query:     query.Content,
			StartTime: startTime,
			EndTime:   endTime,
			Duration:  endTime.Sub(startTime),
			Success:   runErr == nil,
			TaskCount: len(state.Tasks),
		}
		if runErr != nil {
			event.Error = runErr.Error()
		}
		if report != nil {
			event.Cost = report.CostEstimate
			event.TokensUsed = report.TokensUsed
			event.ModelsUsed = report.LLMModelsUsed
		}
		o.telemetry.RecordRunEvent(event)
	}()

	o.logger.Printf("Processing query %s: %q", query.ID, firstRunes(query.Content, 80))

	// Planning
	o.updateStatus(query.ID, func(s *RunStatus) {
		s.Status = StatusPlanning
		s.Progress = 0.1
	})

	planCtx, planSpan := orchestratorTracer.Start(runCtx, "agent.plan")
	plan, err := o.planner.Plan(planCtx, query, history)
	if err == nil {
		err = o.planner.ValidatePlan(plan.Tasks)
	}
	if err != nil {
		planSpan.RecordError(err)
		planSpan.SetStatus(codes.Error, err.Error())
		planSpan.End()
		runErr = fmt.Errorf("planning failed: %w", err)
		o.failRun(query.ID, runErr)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return nil, runErr
	}
	planSpan.SetAttributes(attribute.Int("plan.tasks", len(plan.Tasks)))
	planSpan.End()

	seeds := make([]TaskResult, 0, len(plan.Tasks))
	for _, task := range plan.Tasks {
		seeds = append(seeds, TaskResult{TaskID: task.ID, Description: task.Description, CreatedAt: task.CreatedAt})
	}
	state.Tasks = MergeTasks(state.Tasks, seeds)
	o.logger.Printf("Query %s planned into %d tasks: %s", query.ID, len(plan.Tasks), firstRunes(plan.Reason, 120))

	// Researching
	o.updateStatus(query.ID, func(s *RunStatus) {
		s.Status = StatusResearching
		s.Progress = 0.2
		s.TotalTasks = len(plan.Tasks)
	})

	idx, err := NewEvidenceIndex()
	if err != nil {
		o.logger.Printf("WARNING: evidence index unavailable for %s: %v", query.ID, err)
		idx = nil
	} else {
		o.registerEvidence(query.ID, idx)
	}

	researcher := NewResearcher(o.config, o.llm, o.search, o.fetcher, o.telemetry)
	if idx != nil {
		researcher.SetEvidenceIndex(idx)
	}

	if err := o.executeTasks(runCtx, query.ID, researcher, state, plan.Tasks); err != nil {
		runErr = fmt.Errorf("research failed: %w", err)
		o.failRun(query.ID, runErr)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return nil, runErr
	}

	// Synthesizing
	o.updateStatus(query.ID, func(s *RunStatus) {
		s.Status = StatusSynthesizing
		s.Progress = 0.8
		s.CurrentTask = ""
	})

	synthCtx, synthSpan := orchestratorTracer.Start(runCtx, "agent.synthesize")
	synthesis, err := o.planner.Synthesize(synthCtx, query, state.Tasks, history)
	if err != nil {
		synthSpan.RecordError(err)
		synthSpan.SetStatus(codes.Error, err.Error())
		synthSpan.End()
		runErr = fmt.Errorf("synthesis failed: %w", err)
		o.failRun(query.ID, runErr)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return nil, runErr
	}
	synthSpan.End()

	state.FinalAnswer = synthesis.Answer
	state.Messages = MergeMessages(state.Messages, []Message{
		{Role: "user", Content: query.Content},
		{Role: "assistant", Content: synthesis.Answer},
	})

	totalTokens := plan.TokensIn + plan.TokensOut + synthesis.TokensIn + synthesis.TokensOut
	totalCost := plan.Cost + synthesis.Cost
	for _, task := range state.Tasks {
		totalTokens += task.TokensUsed
		totalCost += task.Cost
	}

	report = &ResearchReport{
		ID:             query.ID,
		Query:          query,
		Answer:         synthesis.Answer,
		Reasoning:      synthesis.Reasoning,
		Tasks:          state.Tasks,
		Sources:        synthesis.Sources,
		Messages:       state.Messages,
		ProcessingTime: time.Since(startTime),
		TokensUsed:     totalTokens,
		CostEstimate:   totalCost,
		LLMModelsUsed:  o.modelsUsed(plan, synthesis),
		CreatedAt:      time.Now(),
	}

	o.updateStatus(query.ID, func(s *RunStatus) {
		s.Status = StatusCompleted
		s.Progress = 1.0
		s.CompletedTasks = len(state.Tasks)
	})

	span.SetAttributes(
		attribute.Int("report.tasks", len(state.Tasks)),
		attribute.Int64("report.tokens", totalTokens),
	)
	o.logger.Printf("Query %s completed in %s (%d tasks, %d tokens, $%.4f)",
		query.ID, report.ProcessingTime.Round(time.Millisecond), len(state.Tasks), totalTokens, totalCost)
	return report, nil
}

// executeTasks fans the planned tasks out to goroutines bounded by the
// shared task semaphore, waits for all of them, and merges their results
// into state at the join. The first task error fails the whole run.
func (o *Orchestrator) executeTasks(ctx context.Context, queryID string, researcher *Researcher, state *ConversationState, tasks []ResearchTask) error {
	total := len(tasks)
	deltas := make([]TaskResult, 0, total)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	errCh := make(chan error, total)

	for _, task := range tasks {
		wg.Add(1)
		go func(task ResearchTask) {
			defer wg.Done()

			select {
			case o.taskSem <- struct{}{}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
			defer func() { <-o.taskSem }()

			o.updateStatus(queryID, func(s *RunStatus) { s.CurrentTask = task.Description })

			taskCtx := ctx
			if timeout := o.config.Research.TaskTimeout; timeout > 0 {
				var cancel context.CancelFunc
				taskCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			taskCtx, span := orchestratorTracer.Start(taskCtx, "agent.research_task",
				trace.WithAttributes(attribute.String("task.id", task.ID)))
			defer span.End()

			result, err := researcher.Run(taskCtx, task)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				errCh <- fmt.Errorf("task %s: %w", task.ID, err)
				return
			}

			mu.Lock()
			deltas = append(deltas, result)
			completed++
			done := completed
			mu.Unlock()

			o.updateStatus(queryID, func(s *RunStatus) {
				s.Progress = 0.2 + 0.6*float64(done)/float64(total)
				s.CompletedTasks = done
			})
		}(task)
	}

	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return err
	}

	state.Tasks = MergeTasks(state.Tasks, deltas)
	return nil
}

// GetStatus returns the live status of an in-flight run. Finished runs are
// dropped from the live map; callers look those up in the store instead.
func (o *Orchestrator) GetStatus(queryID string) (RunStatus, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	handle, ok := o.processing[queryID]
	if !ok {
		return RunStatus{}, false
	}
	return handle.status, true
}

// CancelProcessing aborts an in-flight run. The run finishes as failed with
// a context cancellation error.
func (o *Orchestrator) CancelProcessing(queryID string) error {
	o.mu.RLock()
	handle, ok := o.processing[queryID]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no active run for query %s", queryID)
	}
	o.logger.Printf("Cancelling query %s", queryID)
	handle.cancel()
	return nil
}

// GetEvidence returns the evidence index built during a recent run.
func (o *Orchestrator) GetEvidence(queryID string) (*EvidenceIndex, bool) {
	o.evidenceMu.Lock()
	defer o.evidenceMu.Unlock()
	idx, ok := o.evidence[queryID]
	return idx, ok
}

func (o *Orchestrator) beginRun(query ResearchQuery, cancel context.CancelFunc) {
	now := time.Now()
	o.mu.Lock()
	o.processing[query.ID] = &runHandle{
		cancel: cancel,
		status: RunStatus{
			QueryID:     query.ID,
			Status:      StatusPending,
			LastUpdated: now,
			CreatedAt:   now,
		},
	}
	o.mu.Unlock()
}

func (o *Orchestrator) endRun(queryID string) {
	o.mu.Lock()
	delete(o.processing, queryID)
	o.mu.Unlock()
}

// updateStatus applies a mutation to the run's status under the lock and
// publishes the updated snapshot outside of it.
func (o *Orchestrator) updateStatus(queryID string, apply func(*RunStatus)) {
	o.mu.Lock()
	handle, ok := o.processing[queryID]
	if !ok {
		o.mu.Unlock()
		return
	}
	apply(&handle.status)
	handle.status.LastUpdated = time.Now()
	snapshot := handle.status
	o.mu.Unlock()

	o.publishStatus(snapshot)
}

func (o *Orchestrator) failRun(queryID string, err error) {
	o.updateStatus(queryID, func(s *RunStatus) {
		s.Status = StatusFailed
		s.Error = err.Error()
	})
}

func (o *Orchestrator) publishStatus(status RunStatus) {
	if o.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.publisher.PublishStatus(ctx, status); err != nil {
		o.logger.Printf("WARNING: status publish for %s failed: %v", status.QueryID, err)
	}
}

// registerEvidence stores a run's evidence index, closing the oldest one
// once the retention window is full.
func (o *Orchestrator) registerEvidence(queryID string, idx *EvidenceIndex) {
	o.evidenceMu.Lock()
	defer o.evidenceMu.Unlock()

	if old, ok := o.evidence[queryID]; ok {
		if err := old.Close(); err != nil {
			o.logger.Printf("WARNING: closing evidence index for %s: %v", queryID, err)
		}
	} else {
		o.evidenceOrder = append(o.evidenceOrder, queryID)
	}
	o.evidence[queryID] = idx

	for len(o.evidenceOrder) > evidenceRetention {
		oldest := o.evidenceOrder[0]
		o.evidenceOrder = o.evidenceOrder[1:]
		if victim, ok := o.evidence[oldest]; ok {
			if err := victim.Close(); err != nil {
				o.logger.Printf("WARNING: closing evidence index for %s: %v", oldest, err)
			}
			delete(o.evidence, oldest)
		}
	}
}

// modelsUsed lists the distinct models a run touched, in pipeline order.
func (o *Orchestrator) modelsUsed(plan PlanOutcome, synthesis SynthesisOutcome) []string {
	routing := o.config.LLM.Routing
	candidates := []string{
		plan.Model,
		routing.Generation,
		routing.Summary,
		routing.Evaluation,
		synthesis.Model,
	}
	seen := make(map[string]bool)
	models := make([]string, 0, len(candidates))
	for _, model := range candidates {
		if model == "" {
			model = routing.Fallback
		}
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true
		models = append(models, model)
	}
	return models
}

// firstRunes truncates s to at most n runes for log lines.
func firstRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
