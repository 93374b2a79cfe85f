package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/KuroShiba3/task-planning-agent/config"
	core "github.com/KuroShiba3/task-planning-agent/internal/agent/core"
)

// Store persists research runs and their cited sources in Postgres.
type Store struct {
	DB *sql.DB
}

// RunRecord is one persisted research run, fully loaded.
type RunRecord struct {
	ID             string            `json:"id"`
	Query          string            `json:"query"`
	Status         string            `json:"status"`
	Answer         string            `json:"answer"`
	Reasoning      string            `json:"reasoning,omitempty"`
	Tasks          []core.TaskResult `json:"tasks"`
	Messages       []core.Message    `json:"messages,omitempty"`
	ModelsUsed     []string          `json:"llm_models_used,omitempty"`
	TokensUsed     int64             `json:"tokens_used"`
	CostEstimate   float64           `json:"cost_estimate"`
	ProcessingTime time.Duration     `json:"processing_time"`
	Error          string            `json:"error,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// RunSummary is the list view of a run.
type RunSummary struct {
	ID         string     `json:"id"`
	Query      string     `json:"query"`
	Status     string     `json:"status"`
	TokensUsed int64      `json:"tokens_used"`
	Cost       float64    `json:"cost"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// New connects using the configured connection details and verifies the
// connection. Postgres being unconfigured is an error here; callers decide
// beforehand whether persistence is enabled.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	dsn := DSN(cfg)
	if dsn == "" {
		return nil, fmt.Errorf("postgres is not configured")
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

// DSN assembles the connection string, preferring an explicit URL over the
// discrete host settings.
func DSN(cfg config.PostgresConfig) string {
	if url := strings.TrimSpace(cfg.URL); url != "" {
		return url
	}
	if !cfg.Configured() {
		return ""
	}
	port := cfg.Port
	if port == "" {
		port = "5432"
	}
	ssl := cfg.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, port, cfg.DBName, ssl)
}

func (s *Store) Close() error { return s.DB.Close() }

// CreateRun inserts the initial row for a run before processing starts.
func (s *Store) CreateRun(ctx context.Context, runID, query string) error {
	if runID == "" {
		return fmt.Errorf("run id must be provided")
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO runs (id, query, status, started_at) VALUES ($1,$2,$3,NOW())`,
		runID, query, core.StatusPending)
	return err
}

// SetRunStatus updates the status field without touching timestamps.
func (s *Store) SetRunStatus(ctx context.Context, runID, status string) error {
	if runID == "" {
		return fmt.Errorf("run id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE runs SET status=$2 WHERE id=$1`, runID, status)
	return err
}

// FinishRun marks a run terminal with an optional error message.
func (s *Store) FinishRun(ctx context.Context, runID, status string, errMsg *string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE runs SET status=$2, error=$3, finished_at=NOW() WHERE id=$1`,
		runID, status, errMsg)
	return err
}

// SaveReport persists a completed report and replaces the run's cited
// sources atomically.
func (s *Store) SaveReport(ctx context.Context, report *core.ResearchReport) error {
	tasksJSON, err := json.Marshal(report.Tasks)
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	messagesJSON, err := json.Marshal(report.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
UPDATE runs
SET status=$2, answer=$3, reasoning=$4, tasks=$5, messages=$6, llm_models_used=$7,
    tokens_used=$8, cost_estimate=$9, processing_time_ms=$10, error=NULL, finished_at=NOW()
WHERE id=$1`,
		report.ID, core.StatusCompleted, report.Answer, report.Reasoning, tasksJSON, messagesJSON,
		pq.Array(report.LLMModelsUsed), report.TokensUsed, report.CostEstimate,
		report.ProcessingTime.Milliseconds()); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_sources WHERE run_id=$1`, report.ID); err != nil {
		return err
	}
	for i, src := range report.Sources {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_sources (run_id, rank, url, title, domain) VALUES ($1,$2,$3,$4,$5)`,
			report.ID, i+1, src.URL, src.Title, src.Domain); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetRun loads one run. A malformed id reads as not found rather than a
// Postgres cast error.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRecord, bool, error) {
	if _, err := uuid.Parse(runID); err != nil {
		return RunRecord{}, false, nil
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT id, query, status, COALESCE(answer,''), COALESCE(reasoning,''),
       COALESCE(tasks,'[]'), COALESCE(messages,'[]'), llm_models_used,
       tokens_used, cost_estimate, processing_time_ms, COALESCE(error,''),
       started_at, finished_at, created_at
FROM runs WHERE id=$1`, runID)

	var (
		rec           RunRecord
		tasksBytes    []byte
		messagesBytes []byte
		models        pq.StringArray
		processingMS  int64
		finishedAt    sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.Query, &rec.Status, &rec.Answer, &rec.Reasoning,
		&tasksBytes, &messagesBytes, &models,
		&rec.TokensUsed, &rec.CostEstimate, &processingMS, &rec.Error,
		&rec.StartedAt, &finishedAt, &rec.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return RunRecord{}, false, nil
		}
		return RunRecord{}, false, err
	}
	if len(tasksBytes) > 0 {
		if err := json.Unmarshal(tasksBytes, &rec.Tasks); err != nil {
			return RunRecord{}, false, fmt.Errorf("unmarshal tasks: %w", err)
		}
	}
	if len(messagesBytes) > 0 {
		if err := json.Unmarshal(messagesBytes, &rec.Messages); err != nil {
			return RunRecord{}, false, fmt.Errorf("unmarshal messages: %w", err)
		}
	}
	rec.ModelsUsed = []string(models)
	rec.ProcessingTime = time.Duration(processingMS) * time.Millisecond
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return rec, true, nil
}

// ListRuns returns recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, query, status, tokens_used, cost_estimate, started_at, finished_at
FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunSummary
	for rows.Next() {
		var (
			r          RunSummary
			finishedAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Query, &r.Status, &r.TokensUsed, &r.Cost, &r.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRunSources returns the cited sources of a run in citation order.
func (s *Store) ListRunSources(ctx context.Context, runID string) ([]core.Source, error) {
	if _, err := uuid.Parse(runID); err != nil {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT url, title, domain FROM run_sources WHERE run_id=$1 ORDER BY rank`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Source
	for rows.Next() {
		var src core.Source
		if err := rows.Scan(&src.URL, &src.Title, &src.Domain); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}
