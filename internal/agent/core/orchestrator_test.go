package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KuroShiba3/task-planning-agent/config"
	"github.com/KuroShiba3/task-planning-agent/internal/agent/telemetry"
)

func newTestOrchestrator(llm *fakeLLM, search *fakeSearch, fetcher *fakeFetcher) (*Orchestrator, *capturePublisher) {
	cfg := &config.Config{
		LLM:      config.LLMConfig{Routing: config.LLMRoutingConfig{Fallback: "fast"}},
		Search:   config.SearchConfig{MaxQueries: 2, ResultsPerQuery: 2},
		Research: config.ResearchConfig{MaxAttempts: 2, MaxConcurrentTasks: 2},
	}
	tel := telemetry.NewTelemetry(config.TelemetryConfig{Enabled: true})
	o := NewOrchestrator(cfg, llm, search, fetcher, tel)
	publisher := &capturePublisher{}
	o.SetStatusPublisher(publisher)
	return o, publisher
}

// capturePublisher records every published status snapshot.
type capturePublisher struct {
	mu       sync.Mutex
	statuses []RunStatus
}

func (p *capturePublisher) PublishStatus(ctx context.Context, status RunStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, status)
	return nil
}

func (p *capturePublisher) snapshot() []RunStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RunStatus, len(p.statuses))
	copy(out, p.statuses)
	return out
}

// respondByStage dispatches on the distinctive markers of each prompt so
// concurrent tasks get deterministic answers regardless of call order.
func respondByStage(plan, synthesis string, perTask map[string]struct{ queries, summary string }) func(string) (string, error) {
	return func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "WRITE-UP:"):
			return evalSatisfied, nil
		case strings.Contains(prompt, "QUERIES ALREADY TRIED:"):
			for marker, stage := range perTask {
				if strings.Contains(prompt, marker) {
					return stage.queries, nil
				}
			}
			return "", fmt.Errorf("no scripted queries for prompt:\n%s", prompt)
		case strings.Contains(prompt, "SEARCH RESULTS:"):
			for marker, stage := range perTask {
				if strings.Contains(prompt, marker) {
					return stage.summary, nil
				}
			}
			return "", fmt.Errorf("no scripted summary for prompt:\n%s", prompt)
		case strings.Contains(prompt, "AVAILABLE SOURCES"):
			return synthesis, nil
		default:
			return plan, nil
		}
	}
}

func TestProcessQueryRunsPlannedTasksAndSynthesizes(t *testing.T) {
	llm := &fakeLLM{respond: respondByStage(
		`{"tasks": [{"description": "Today's weather in Tokyo"}, {"description": "Today's weather in Saitama"}], "reason": "one task per city"}`,
		`{"answer": "Tokyo is sunny at 32C while Saitama is cloudy at 30C.", "reasoning": "merged both city reports"}`,
		map[string]struct{ queries, summary string }{
			"Tokyo":   {`{"queries": ["tokyo weather today"]}`, "Tokyo: sunny, high 32C."},
			"Saitama": {`{"queries": ["saitama weather today"]}`, "Saitama: cloudy, high 30C."},
		},
	)}
	search := &fakeSearch{results: map[string][]SearchResult{
		"tokyo weather today":   {{Title: "Tokyo Weather", URL: "https://weather.example.com/tokyo", Snippet: "sunny"}},
		"saitama weather today": {{Title: "Saitama Weather", URL: "https://weather.example.com/saitama", Snippet: "cloudy"}},
	}}
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://weather.example.com/tokyo":   "Sunny in Tokyo, high 32C.",
		"https://weather.example.com/saitama": "Cloudy in Saitama, high 30C.",
	}}
	o, publisher := newTestOrchestrator(llm, search, fetcher)

	report, err := o.ProcessQuery(context.Background(), ResearchQuery{Content: "What is today's weather in Tokyo and Saitama?"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Tasks) != 2 {
		t.Fatalf("expected 2 task results, got %d", len(report.Tasks))
	}
	if report.Tasks[0].TaskID != "task_1" || report.Tasks[1].TaskID != "task_2" {
		t.Fatalf("task results out of plan order: %s, %s", report.Tasks[0].TaskID, report.Tasks[1].TaskID)
	}
	if !strings.Contains(report.Tasks[0].Result, "32C") || !strings.Contains(report.Tasks[1].Result, "30C") {
		t.Fatalf("task results mismatched: %+v", report.Tasks)
	}
	if !strings.Contains(report.Answer, "Saitama") {
		t.Fatalf("unexpected answer: %q", report.Answer)
	}
	// Both task sources share one domain, so synthesis offers exactly one.
	if len(report.Sources) != 1 || report.Sources[0].Domain != "weather.example.com" {
		t.Fatalf("expected single deduplicated source, got %#v", report.Sources)
	}
	if len(report.Messages) != 2 || report.Messages[0].Role != "user" || report.Messages[1].Role != "assistant" {
		t.Fatalf("expected user and assistant messages, got %#v", report.Messages)
	}
	if want := int64(30 * llm.promptCount()); report.TokensUsed != want {
		t.Fatalf("expected %d tokens accumulated, got %d", want, report.TokensUsed)
	}
	if report.CostEstimate <= 0 {
		t.Fatalf("expected positive cost estimate, got %f", report.CostEstimate)
	}
	if len(report.LLMModelsUsed) == 0 {
		t.Fatalf("expected models recorded")
	}

	statuses := publisher.snapshot()
	var seen []string
	lastProgress := -1.0
	for _, s := range statuses {
		if s.Progress+1e-9 < lastProgress {
			t.Fatalf("progress went backwards: %#v", statuses)
		}
		lastProgress = s.Progress
		if len(seen) == 0 || seen[len(seen)-1] != s.Status {
			seen = append(seen, s.Status)
		}
	}
	want := []string{StatusPlanning, StatusResearching, StatusSynthesizing, StatusCompleted}
	if len(seen) != len(want) {
		t.Fatalf("unexpected status sequence %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("unexpected status sequence %v", seen)
		}
	}
	if statuses[len(statuses)-1].Progress != 1.0 {
		t.Fatalf("expected final progress 1.0, got %f", statuses[len(statuses)-1].Progress)
	}

	if _, ok := o.GetStatus(report.ID); ok {
		t.Fatalf("finished run should leave the live status map")
	}
	idx, ok := o.GetEvidence(report.ID)
	if !ok || idx.Len() != 2 {
		t.Fatalf("expected evidence index with both fetched pages, ok=%v", ok)
	}
}

func TestProcessQueryMergesLateTaskIntoPlanOrder(t *testing.T) {
	// task_1 is delayed at every LLM stage so task_2 finishes first; the
	// merge at the join must still return results in plan order.
	base := respondByStage(
		`{"tasks": [{"description": "slow topic"}, {"description": "quick topic"}], "reason": "split"}`,
		`{"answer": "done", "reasoning": ""}`,
		map[string]struct{ queries, summary string }{
			"slow topic":  {`{"queries": ["slow query"]}`, "slow findings"},
			"quick topic": {`{"queries": ["quick query"]}`, "quick findings"},
		},
	)
	llm := &fakeLLM{respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "slow") && !strings.Contains(prompt, "AVAILABLE SOURCES") {
			time.Sleep(20 * time.Millisecond)
		}
		return base(prompt)
	}}
	search := &fakeSearch{results: map[string][]SearchResult{
		"slow query":  {{Title: "A", URL: "https://a.example.com/1", Snippet: "a"}},
		"quick query": {{Title: "B", URL: "https://b.example.com/1", Snippet: "b"}},
	}}
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://a.example.com/1": "a text",
		"https://b.example.com/1": "b text",
	}}
	o, _ := newTestOrchestrator(llm, search, fetcher)

	report, err := o.ProcessQuery(context.Background(), ResearchQuery{Content: "two topics"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Tasks[0].TaskID != "task_1" || report.Tasks[0].Result != "slow findings" {
		t.Fatalf("expected plan order restored at merge, got %+v", report.Tasks)
	}
	if report.Tasks[1].TaskID != "task_2" || report.Tasks[1].Result != "quick findings" {
		t.Fatalf("expected plan order restored at merge, got %+v", report.Tasks)
	}
}

func TestProcessQueryEmptyContent(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeLLM{}, &fakeSearch{}, &fakeFetcher{})
	if _, err := o.ProcessQuery(context.Background(), ResearchQuery{Content: "   "}, nil); err == nil {
		t.Fatalf("expected error for empty query content")
	}
}

func TestProcessQueryPlanningFailureFailsRun(t *testing.T) {
	llm := &fakeLLM{responses: []string{`{"tasks": [], "reason": "nothing to do"}`}}
	o, publisher := newTestOrchestrator(llm, &fakeSearch{}, &fakeFetcher{})

	_, err := o.ProcessQuery(context.Background(), ResearchQuery{Content: "anything"}, nil)
	if err == nil || !strings.Contains(err.Error(), "planning failed") {
		t.Fatalf("expected planning failure, got %v", err)
	}
	statuses := publisher.snapshot()
	last := statuses[len(statuses)-1]
	if last.Status != StatusFailed || !strings.Contains(last.Error, "plan has no tasks") {
		t.Fatalf("expected failed status with cause, got %+v", last)
	}
}

func TestProcessQueryTaskFailureFailsRun(t *testing.T) {
	llm := &fakeLLM{respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "QUERIES ALREADY TRIED:") {
			return "", errors.New("llm transport down")
		}
		return `{"tasks": [{"description": "doomed"}], "reason": "one"}`, nil
	}}
	o, publisher := newTestOrchestrator(llm, &fakeSearch{}, &fakeFetcher{})

	_, err := o.ProcessQuery(context.Background(), ResearchQuery{Content: "anything"}, nil)
	if err == nil || !strings.Contains(err.Error(), "research failed") {
		t.Fatalf("expected research failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "task task_1") {
		t.Fatalf("expected failing task named, got %v", err)
	}
	last := publisher.snapshot()
	if last[len(last)-1].Status != StatusFailed {
		t.Fatalf("expected failed status, got %+v", last[len(last)-1])
	}
}

func TestProcessQuerySynthesisFailureFailsRun(t *testing.T) {
	llm := &fakeLLM{respond: respondByStage(
		`{"tasks": [{"description": "topic"}], "reason": "one"}`,
		`{"answer": "   ", "reasoning": ""}`,
		map[string]struct{ queries, summary string }{
			"topic": {`{"queries": ["q"]}`, "findings"},
		},
	)}
	search := &fakeSearch{results: map[string][]SearchResult{}}
	o, _ := newTestOrchestrator(llm, search, &fakeFetcher{})

	_, err := o.ProcessQuery(context.Background(), ResearchQuery{Content: "anything"}, nil)
	if err == nil || !strings.Contains(err.Error(), "synthesis failed") {
		t.Fatalf("expected synthesis failure, got %v", err)
	}
}

func TestProcessQueryPlaceholderTaskStillSynthesizes(t *testing.T) {
	llm := &fakeLLM{respond: respondByStage(
		`{"tasks": [{"description": "unsearchable topic"}], "reason": "one"}`,
		`{"answer": "Nothing could be researched for this request.", "reasoning": ""}`,
		map[string]struct{ queries, summary string }{
			"unsearchable topic": {`{"queries": []}`, "unused"},
		},
	)}
	search := &fakeSearch{results: map[string][]SearchResult{}}
	o, _ := newTestOrchestrator(llm, search, &fakeFetcher{err: errors.New("must not fetch")})

	report, err := o.ProcessQuery(context.Background(), ResearchQuery{Content: "anything"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Tasks[0].Result != noQueriesResult {
		t.Fatalf("expected placeholder findings, got %q", report.Tasks[0].Result)
	}
	if len(report.Sources) != 0 {
		t.Fatalf("expected no sources, got %#v", report.Sources)
	}
	if len(search.seenQueries()) != 0 {
		t.Fatalf("expected no searches, got %#v", search.seenQueries())
	}
}

func TestCancelProcessingAbortsRun(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	llm := &fakeLLM{respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "QUERIES ALREADY TRIED:") {
			once.Do(func() { close(started) })
			time.Sleep(50 * time.Millisecond)
			return `{"queries": ["q"]}`, nil
		}
		return `{"tasks": [{"description": "topic"}], "reason": "one"}`, nil
	}}
	search := &fakeSearch{results: map[string][]SearchResult{}}
	o, _ := newTestOrchestrator(llm, search, &fakeFetcher{})

	query := ResearchQuery{ID: "run-cancel", Content: "anything"}
	errCh := make(chan error, 1)
	go func() {
		_, err := o.ProcessQuery(context.Background(), query, nil)
		errCh <- err
	}()

	<-started
	if err := o.CancelProcessing("run-cancel"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func TestGetStatusAndCancelUnknownRun(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeLLM{}, &fakeSearch{}, &fakeFetcher{})
	if _, ok := o.GetStatus("missing"); ok {
		t.Fatalf("expected no status for unknown run")
	}
	if err := o.CancelProcessing("missing"); err == nil {
		t.Fatalf("expected error cancelling unknown run")
	}
}

func TestEvidenceRetentionEvictsOldest(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeLLM{}, &fakeSearch{}, &fakeFetcher{})
	for i := 0; i <= evidenceRetention; i++ {
		idx, err := NewEvidenceIndex()
		if err != nil {
			t.Fatalf("index: %v", err)
		}
		o.registerEvidence(fmt.Sprintf("run-%d", i), idx)
	}
	if _, ok := o.GetEvidence("run-0"); ok {
		t.Fatalf("expected oldest evidence index evicted")
	}
	if _, ok := o.GetEvidence(fmt.Sprintf("run-%d", evidenceRetention)); !ok {
		t.Fatalf("expected newest evidence index retained")
	}
}
