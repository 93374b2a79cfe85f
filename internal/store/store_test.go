package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/KuroShiba3/task-planning-agent/config"
	core "github.com/KuroShiba3/task-planning-agent/internal/agent/core"
)

const testRunID = "3f0b9a54-9ccb-4f5c-9a31-52251cbbbf9a"

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func TestDSN(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.PostgresConfig
		want string
	}{
		{"url wins", config.PostgresConfig{URL: "postgres://u:p@db:5432/runs", Host: "ignored"}, "postgres://u:p@db:5432/runs"},
		{"assembled", config.PostgresConfig{Host: "db", User: "agent", Password: "secret", DBName: "research"}, "postgres://agent:secret@db:5432/research?sslmode=disable"},
		{"explicit port and ssl", config.PostgresConfig{Host: "db", Port: "5433", User: "a", Password: "b", DBName: "r", SSLMode: "require"}, "postgres://a:b@db:5433/r?sslmode=require"},
		{"unconfigured", config.PostgresConfig{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DSN(tc.cfg); got != tc.want {
				t.Fatalf("DSN = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCreateRun(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO runs (id, query, status, started_at) VALUES ($1,$2,$3,NOW())`)).
		WithArgs(testRunID, "today's weather in Tokyo", core.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.CreateRun(context.Background(), testRunID, "today's weather in Tokyo"); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := st.CreateRun(context.Background(), "", "query"); err == nil {
		t.Fatalf("expected error for empty run id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFinishRunWithError(t *testing.T) {
	st, mock := newMockStore(t)

	cause := "research failed: task task_1: llm transport down"
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE runs SET status=$2, error=$3, finished_at=NOW() WHERE id=$1`)).
		WithArgs(testRunID, core.StatusFailed, &cause).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.FinishRun(context.Background(), testRunID, core.StatusFailed, &cause); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveReportReplacesSources(t *testing.T) {
	st, mock := newMockStore(t)

	report := &core.ResearchReport{
		ID:     testRunID,
		Answer: "Tokyo is sunny.",
		Tasks: []core.TaskResult{
			{TaskID: "task_1", Description: "weather", Result: "sunny", Attempts: 1, Satisfactory: true},
		},
		Messages: []core.Message{
			{Role: "user", Content: "weather?"},
			{Role: "assistant", Content: "Tokyo is sunny."},
		},
		Sources: []core.Source{
			{URL: "https://tenki.example.jp/tokyo", Title: "Tokyo Weather", Domain: "tenki.example.jp"},
			{URL: "https://forecast.example.com/kanto", Title: "Kanto Forecast", Domain: "forecast.example.com"},
		},
		ProcessingTime: 1500 * time.Millisecond,
		TokensUsed:     240,
		CostEstimate:   0.0012,
		LLMModelsUsed:  []string{"fast"},
	}
	tasksJSON, _ := json.Marshal(report.Tasks)
	messagesJSON, _ := json.Marshal(report.Messages)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE runs
SET status=$2, answer=$3, reasoning=$4, tasks=$5, messages=$6, llm_models_used=$7,
    tokens_used=$8, cost_estimate=$9, processing_time_ms=$10, error=NULL, finished_at=NOW()
WHERE id=$1`)).
		WithArgs(testRunID, core.StatusCompleted, report.Answer, "", tasksJSON, messagesJSON,
			sqlmock.AnyArg(), int64(240), 0.0012, int64(1500)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM run_sources WHERE run_id=$1`)).
		WithArgs(testRunID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO run_sources (run_id, rank, url, title, domain) VALUES ($1,$2,$3,$4,$5)`)).
		WithArgs(testRunID, 1, report.Sources[0].URL, report.Sources[0].Title, report.Sources[0].Domain).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO run_sources (run_id, rank, url, title, domain) VALUES ($1,$2,$3,$4,$5)`)).
		WithArgs(testRunID, 2, report.Sources[1].URL, report.Sources[1].Title, report.Sources[1].Domain).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	if err := st.SaveReport(context.Background(), report); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRun(t *testing.T) {
	st, mock := newMockStore(t)

	now := time.Now()
	finished := now.Add(2 * time.Second)
	tasksJSON := []byte(`[{"task_id":"task_1","description":"weather","result":"sunny","attempts":1,"satisfactory":true,"created_at":"2026-08-23T12:00:00Z"}]`)
	messagesJSON := []byte(`[{"role":"user","content":"weather?"}]`)

	query := regexp.QuoteMeta(`
SELECT id, query, status, COALESCE(answer,''), COALESCE(reasoning,''),
       COALESCE(tasks,'[]'), COALESCE(messages,'[]'), llm_models_used,
       tokens_used, cost_estimate, processing_time_ms, COALESCE(error,''),
       started_at, finished_at, created_at
FROM runs WHERE id=$1`)
	mock.ExpectQuery(query).
		WithArgs(testRunID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "query", "status", "answer", "reasoning", "tasks", "messages", "llm_models_used",
			"tokens_used", "cost_estimate", "processing_time_ms", "error", "started_at", "finished_at", "created_at",
		}).AddRow(testRunID, "weather?", core.StatusCompleted, "Tokyo is sunny.", "", tasksJSON, messagesJSON,
			"{fast}", int64(240), 0.0012, int64(1500), "", now, finished, now))

	rec, ok, err := st.GetRun(context.Background(), testRunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !ok {
		t.Fatalf("expected run found")
	}
	if rec.Answer != "Tokyo is sunny." || rec.Status != core.StatusCompleted {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(rec.Tasks) != 1 || rec.Tasks[0].TaskID != "task_1" {
		t.Fatalf("tasks not decoded: %+v", rec.Tasks)
	}
	if rec.ProcessingTime != 1500*time.Millisecond {
		t.Fatalf("unexpected processing time: %v", rec.ProcessingTime)
	}
	if rec.FinishedAt == nil || !rec.FinishedAt.Equal(finished) {
		t.Fatalf("unexpected finished_at: %v", rec.FinishedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRunNotFoundAndMalformedID(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, query, status").
		WithArgs(testRunID).
		WillReturnError(sql.ErrNoRows)

	if _, ok, err := st.GetRun(context.Background(), testRunID); err != nil || ok {
		t.Fatalf("expected not found, got ok=%v err=%v", ok, err)
	}

	// A malformed id never reaches the database.
	if _, ok, err := st.GetRun(context.Background(), "not-a-uuid"); err != nil || ok {
		t.Fatalf("expected malformed id to read as missing, got ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListRuns(t *testing.T) {
	st, mock := newMockStore(t)

	now := time.Now()
	query := regexp.QuoteMeta(`
SELECT id, query, status, tokens_used, cost_estimate, started_at, finished_at
FROM runs ORDER BY started_at DESC LIMIT $1`)
	mock.ExpectQuery(query).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "query", "status", "tokens_used", "cost_estimate", "started_at", "finished_at"}).
			AddRow(testRunID, "weather?", core.StatusCompleted, int64(240), 0.0012, now, now).
			AddRow("7c8b0cf2-55ad-4f46-8db6-9adbff54feda", "news?", core.StatusFailed, int64(0), 0.0, now, nil))

	runs, err := st.ListRuns(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != testRunID || runs[1].FinishedAt != nil {
		t.Fatalf("unexpected rows: %+v", runs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListRunSources(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT url, title, domain FROM run_sources WHERE run_id=$1 ORDER BY rank`)).
		WithArgs(testRunID).
		WillReturnRows(sqlmock.NewRows([]string{"url", "title", "domain"}).
			AddRow("https://tenki.example.jp/tokyo", "Tokyo Weather", "tenki.example.jp"))

	sources, err := st.ListRunSources(context.Background(), testRunID)
	if err != nil {
		t.Fatalf("ListRunSources: %v", err)
	}
	if len(sources) != 1 || sources[0].Domain != "tenki.example.jp" {
		t.Fatalf("unexpected sources: %+v", sources)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
