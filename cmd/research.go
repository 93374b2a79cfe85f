package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/KuroShiba3/task-planning-agent/config"
	"github.com/KuroShiba3/task-planning-agent/internal/agent/core"
	"github.com/KuroShiba3/task-planning-agent/internal/agent/telemetry"
	"github.com/KuroShiba3/task-planning-agent/internal/store"
)

// defaultQuery is what `taskplanner research` runs when no --query is given.
const defaultQuery = "What is today's weather in Tokyo and Saitama?"

func researchCMD() *cobra.Command {
	var query string
	var evidenceQuery string
	var cfgPath string

	var research = &cobra.Command{
		Use:   "research",
		Short: "Run a research query and print the answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			llm, err := core.NewLLMProvider(cfg.LLM)
			if err != nil {
				return fmt.Errorf("llm provider: %w", err)
			}
			search, err := core.NewSearchProvider(cfg.Search)
			if err != nil {
				return fmt.Errorf("search provider: %w", err)
			}
			fetcher := core.NewPageFetcher(cfg.Fetch)
			tel := telemetry.NewTelemetry(cfg.Telemetry)
			orch := core.NewOrchestrator(cfg, llm, search, fetcher, tel)

			ctx := cmd.Context()
			if cfg.General.DefaultTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.General.DefaultTimeout)
				defer cancel()
			}

			// Persistence is optional on this path: a run works entirely
			// in memory when postgres is not configured or unreachable.
			var st *store.Store
			if cfg.Storage.Postgres.Configured() {
				st, err = store.New(ctx, cfg.Storage.Postgres)
				if err != nil {
					log.Printf("WARNING: postgres unavailable, run will not be persisted: %v", err)
					st = nil
				} else {
					defer st.Close()
				}
			}

			if query == "" {
				query = defaultQuery
			}
			rq := core.ResearchQuery{
				ID:        uuid.New().String(),
				Content:   query,
				Timestamp: time.Now(),
			}

			if st != nil {
				if err := st.CreateRun(ctx, rq.ID, rq.Content); err != nil {
					log.Printf("WARNING: recording run: %v", err)
				}
			}

			report, err := orch.ProcessQuery(ctx, rq, nil)
			if err != nil {
				if st != nil {
					msg := err.Error()
					_ = st.FinishRun(context.Background(), rq.ID, core.StatusFailed, &msg)
				}
				return fmt.Errorf("research failed: %w", err)
			}
			if st != nil {
				if err := st.SaveReport(context.Background(), report); err != nil {
					log.Printf("WARNING: persisting report: %v", err)
				}
			}

			fmt.Println(report.Answer)
			if len(report.Sources) > 0 {
				fmt.Println("\nSources:")
				for i, src := range report.Sources {
					fmt.Printf("  %d. %s\n", i+1, src.URL)
				}
			}

			if evidenceQuery != "" {
				printEvidence(orch, rq.ID, evidenceQuery)
			}
			return nil
		},
	}
	research.Flags().StringVarP(&query, "query", "q", "", "research query (default: "+defaultQuery+")")
	research.Flags().StringVar(&evidenceQuery, "evidence", "", "after the run, search the retained evidence for this text")
	research.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return research
}

func printEvidence(orch *core.Orchestrator, runID, q string) {
	idx, ok := orch.GetEvidence(runID)
	if !ok {
		fmt.Println("\nNo evidence retained for this run.")
		return
	}
	hits, err := idx.Search(q, 5)
	if err != nil {
		fmt.Printf("\nEvidence search failed: %v\n", err)
		return
	}
	fmt.Printf("\nEvidence for %q:\n", q)
	if len(hits) == 0 {
		fmt.Println("  (no matches)")
		return
	}
	for _, hit := range hits {
		fmt.Printf("  %d. %s (score %.2f)\n", hit.Rank, hit.URL, hit.Score)
		if hit.Snippet != "" {
			fmt.Printf("     %s\n", hit.Snippet)
		}
	}
}
