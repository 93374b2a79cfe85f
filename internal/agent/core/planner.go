package core

import (
	"context"
	"fmt"
	"log"
	nurl "net/url"
	"strings"
	"time"

	"github.com/KuroShiba3/task-planning-agent/config"
	"github.com/KuroShiba3/task-planning-agent/internal/agent/telemetry"
)

// Planner decomposes a research request into independent tasks and, once the
// tasks have run, synthesizes their findings into the final answer.
type Planner struct {
	config      *config.Config
	llmProvider LLMProvider
	telemetry   *telemetry.Telemetry
	logger      *log.Logger
}

// PlanOutcome is what planning produced, along with its token spend.
type PlanOutcome struct {
	Tasks     []ResearchTask
	Reason    string
	Model     string
	TokensIn  int64
	TokensOut int64
	Cost      float64
}

// SynthesisOutcome is the final answer plus the citation list offered to it.
type SynthesisOutcome struct {
	Answer    string
	Reasoning string
	Sources   []Source
	Model     string
	TokensIn  int64
	TokensOut int64
	Cost      float64
}

// NewPlanner creates a new planner instance
func NewPlanner(cfg *config.Config, llmProvider LLMProvider, telemetry *telemetry.Telemetry) *Planner {
	return &Planner{
		config:      cfg,
		llmProvider: llmProvider,
		telemetry:   telemetry,
		logger:      log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// Plan breaks a research request into independently researchable tasks.
// Task ids are positional (task_1, task_2, ...) and stay stable for the
// whole run. A plan with no tasks is an error, never an empty success.
func (p *Planner) Plan(ctx context.Context, query ResearchQuery, history []Message) (PlanOutcome, error) {
	startTime := time.Now()

	prompt := p.createPlanningPrompt(query, history)
	model := p.config.LLM.Routing.Planning
	if model == "" {
		model = p.config.LLM.Routing.Fallback
	}

	var raw struct {
		Tasks []struct {
			Description string `json:"description"`
		} `json:"tasks"`
		Reason string `json:"reason"`
	}
	inTok, outTok, err := GenerateStructured(ctx, p.llmProvider, prompt, model, map[string]interface{}{
		"temperature": 0.3, // Lower temperature for more consistent planning
		"max_tokens":  2000,
	}, &raw)
	if err != nil {
		return PlanOutcome{}, fmt.Errorf("failed to generate plan: %w", err)
	}

	now := time.Now()
	var tasks []ResearchTask
	for _, t := range raw.Tasks {
		desc := strings.TrimSpace(t.Description)
		if desc == "" {
			continue
		}
		tasks = append(tasks, ResearchTask{
			ID:          fmt.Sprintf("task_%d", len(tasks)+1),
			Description: desc,
			CreatedAt:   now,
		})
	}
	if err := p.ValidatePlan(tasks); err != nil {
		return PlanOutcome{}, fmt.Errorf("plan validation failed: %w", err)
	}

	cost := p.llmProvider.CalculateCost(inTok, outTok, model)
	p.telemetry.RecordLLMUsage("planning", model, inTok, outTok, cost)
	p.logger.Printf("Planning completed in %v with %d tasks", time.Since(startTime), len(tasks))

	return PlanOutcome{
		Tasks:     tasks,
		Reason:    raw.Reason,
		Model:     model,
		TokensIn:  inTok,
		TokensOut: outTok,
		Cost:      cost,
	}, nil
}

// ValidatePlan validates if a plan is runnable
func (p *Planner) ValidatePlan(tasks []ResearchTask) error {
	if len(tasks) == 0 {
		return fmt.Errorf("plan has no tasks")
	}
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id: %s", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// Synthesize combines completed task results into the final answer. Results
// without findings are skipped; having none left is an error because an
// answer without research behind it would be fabrication.
func (p *Planner) Synthesize(ctx context.Context, query ResearchQuery, results []TaskResult, history []Message) (SynthesisOutcome, error) {
	startTime := time.Now()

	completed := make([]TaskResult, 0, len(results))
	for _, r := range results {
		if strings.TrimSpace(r.Result) != "" {
			completed = append(completed, r)
		}
	}
	if len(completed) == 0 {
		return SynthesisOutcome{}, fmt.Errorf("no completed task results to synthesize")
	}

	sources := collectSourcesByDomain(completed)
	prompt := p.createSynthesisPrompt(query, completed, sources, history)
	model := p.config.LLM.Routing.Synthesis
	if model == "" {
		model = p.config.LLM.Routing.Fallback
	}

	var raw struct {
		Answer    string `json:"answer"`
		Reasoning string `json:"reasoning"`
	}
	inTok, outTok, err := GenerateStructured(ctx, p.llmProvider, prompt, model, map[string]interface{}{
		"temperature": 0.2,
		"max_tokens":  2000,
	}, &raw)
	if err != nil {
		return SynthesisOutcome{}, fmt.Errorf("failed to synthesize answer: %w", err)
	}
	if strings.TrimSpace(raw.Answer) == "" {
		return SynthesisOutcome{}, fmt.Errorf("synthesis produced an empty answer")
	}

	cost := p.llmProvider.CalculateCost(inTok, outTok, model)
	p.telemetry.RecordLLMUsage("synthesis", model, inTok, outTok, cost)
	p.logger.Printf("Synthesis completed in %v from %d task results", time.Since(startTime), len(completed))

	return SynthesisOutcome{
		Answer:    raw.Answer,
		Reasoning: raw.Reasoning,
		Sources:   sources,
		Model:     model,
		TokensIn:  inTok,
		TokensOut: outTok,
		Cost:      cost,
	}, nil
}

// createPlanningPrompt creates the prompt for task decomposition
func (p *Planner) createPlanningPrompt(query ResearchQuery, history []Message) string {
	return fmt.Sprintf(`You are a planning agent that breaks a research request into independent research tasks.
Today's date is %s.%s

USER REQUEST: %s

PLANNING REQUIREMENTS:
1. Split the request into the smallest set of tasks that can be researched independently of each other.
2. Each task must be self-contained: a researcher reading only its description must know exactly what to find.
3. Do not create tasks for questions that need no web research.
4. Keep the set small, one task per distinct question is ideal.

OUTPUT FORMAT (JSON):
{
  "tasks": [
    {"description": "What to research, phrased as a complete instruction"}
  ],
  "reason": "Why the request was split this way"
}

Return ONLY the JSON object.`, time.Now().Format("2006-01-02"), historyBlock(history), query.Content)
}

// createSynthesisPrompt creates the prompt for the final answer
func (p *Planner) createSynthesisPrompt(query ResearchQuery, results []TaskResult, sources []Source, history []Message) string {
	findings := &strings.Builder{}
	for _, r := range results {
		fmt.Fprintf(findings, "TASK: %s\nFINDINGS: %s\n\n", r.Description, r.Result)
	}
	refs := &strings.Builder{}
	for _, s := range sources {
		fmt.Fprintf(refs, "- %s\n", s.URL)
	}
	if refs.Len() == 0 {
		refs.WriteString("(none)\n")
	}

	return fmt.Sprintf(`You are answering a research request using findings gathered by research tasks.
Today's date is %s.%s

USER REQUEST: %s

FINDINGS:
%s
AVAILABLE SOURCES (already deduplicated, at most one per domain):
%s
ANSWER REQUIREMENTS:
1. Answer the request directly and completely, using only the findings above.
2. Cite only sources whose information actually appears in your answer.
3. Never cite two URLs from the same domain.
4. If findings disagree, say so and explain which you trust more.

OUTPUT FORMAT (JSON):
{
  "answer": "The complete answer, with the cited source URLs listed at the end",
  "reasoning": "How the findings were combined"
}

Return ONLY the JSON object.`, time.Now().Format("2006-01-02"), historyBlock(history), query.Content, findings.String(), refs.String())
}

func historyBlock(history []Message) string {
	if len(history) == 0 {
		return ""
	}
	b := &strings.Builder{}
	b.WriteString("\nCONVERSATION SO FAR:\n")
	for _, m := range history {
		fmt.Fprintf(b, "- %s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// collectSourcesByDomain flattens task sources into one citation list with at
// most one entry per domain, keeping first occurrence order.
func collectSourcesByDomain(results []TaskResult) []Source {
	seen := make(map[string]bool)
	var out []Source
	for _, r := range results {
		for _, s := range r.Sources {
			u := normalizeSourceURL(s.URL)
			if u == "" {
				continue
			}
			d := toDomain(u)
			if d == "" || seen[d] {
				continue
			}
			seen[d] = true
			s.URL = u
			s.Domain = d
			out = append(out, s)
		}
	}
	return out
}

func normalizeSourceURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "https://" + s
	}
	u, err := nurl.Parse(s)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

func toDomain(raw string) string {
	u, err := nurl.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Host)
	return strings.TrimPrefix(host, "www.")
}
