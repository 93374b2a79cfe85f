package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	core "github.com/KuroShiba3/task-planning-agent/internal/agent/core"
	"github.com/KuroShiba3/task-planning-agent/internal/store"
)

// ResearchRequest is the body of POST /api/research and /api/research/async.
type ResearchRequest struct {
	Query   string         `json:"query"`
	History []core.Message `json:"history,omitempty"`
}

// AsyncResearchResponse acknowledges an accepted background run.
type AsyncResearchResponse struct {
	RunID string `json:"run_id"`
}

// RunResponse is the envelope for GET /api/runs/:id. Live carries the
// orchestrator status while the run is in flight; Run carries the stored
// record once it finished.
type RunResponse struct {
	ID     string           `json:"id"`
	Status string           `json:"status"`
	Live   *core.RunStatus  `json:"live,omitempty"`
	Run    *store.RunRecord `json:"run,omitempty"`
}

func (s *Server) createResearch(c echo.Context) error {
	req, err := bindResearchRequest(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	runID := uuid.New().String()
	if err := s.createRunRecord(ctx, runID, req.Query); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	query := core.ResearchQuery{ID: runID, Content: req.Query, Timestamp: time.Now()}
	report, err := s.runner.ProcessQuery(ctx, query, req.History)
	if err != nil {
		s.finishRunRecord(runID, core.StatusFailed, err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.persistReport(report)
	return c.JSON(http.StatusOK, report)
}

func (s *Server) createResearchAsync(c echo.Context) error {
	req, err := bindResearchRequest(c)
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	if err := s.createRunRecord(c.Request().Context(), runID, req.Query); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	query := core.ResearchQuery{ID: runID, Content: req.Query, Timestamp: time.Now()}
	history := req.History
	go func() {
		ctx := context.Background()
		if t := s.cfg.General.DefaultTimeout; t > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t)
			defer cancel()
		}
		report, err := s.runner.ProcessQuery(ctx, query, history)
		if err != nil {
			s.logger.Printf("WARNING: async run %s: %v", runID, err)
			s.finishRunRecord(runID, core.StatusFailed, err)
			return
		}
		s.persistReport(report)
	}()
	return c.JSON(http.StatusAccepted, AsyncResearchResponse{RunID: runID})
}

func (s *Server) listRuns(c echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "run history requires postgres")
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	runs, err := s.store.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) getRun(c echo.Context) error {
	id := c.Param("id")

	if rs, ok := s.runner.GetStatus(id); ok {
		return c.JSON(http.StatusOK, RunResponse{ID: id, Status: rs.Status, Live: &rs})
	}
	if s.cache != nil {
		if rs, ok, err := s.cache.GetStatus(c.Request().Context(), id); err == nil && ok {
			// A terminal status in the cache means the full record is in the
			// store; only report from the cache while the run is in flight.
			if rs.Status != core.StatusCompleted && rs.Status != core.StatusFailed {
				return c.JSON(http.StatusOK, RunResponse{ID: id, Status: rs.Status, Live: &rs})
			}
		}
	}
	if s.store == nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	rec, ok, err := s.store.GetRun(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, RunResponse{ID: rec.ID, Status: rec.Status, Run: &rec})
}

func (s *Server) getRunEvidence(c echo.Context) error {
	id := c.Param("id")
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	k := 5
	if raw := c.QueryParam("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "k must be a positive integer")
		}
		k = n
	}

	idx, ok := s.runner.GetEvidence(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no evidence retained for this run")
	}
	hits, err := idx.Search(q, k)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"run_id": id, "query": q, "hits": hits})
}

func (s *Server) cancelRun(c echo.Context) error {
	id := c.Param("id")
	if err := s.runner.CancelProcessing(id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func bindResearchRequest(c echo.Context) (ResearchRequest, error) {
	var req ResearchRequest
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return req, echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	return req, nil
}

func (s *Server) createRunRecord(ctx context.Context, runID, query string) error {
	if s.store == nil {
		return nil
	}
	return s.store.CreateRun(ctx, runID, query)
}

// finishRunRecord and persistReport use detached contexts so a cancelled
// request still gets its outcome written.
func (s *Server) finishRunRecord(runID, status string, cause error) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg *string
	if cause != nil {
		m := cause.Error()
		msg = &m
	}
	if err := s.store.FinishRun(ctx, runID, status, msg); err != nil {
		s.logger.Printf("WARNING: finish run %s: %v", runID, err)
	}
}

func (s *Server) persistReport(report *core.ResearchReport) {
	if s.store == nil || report == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.SaveReport(ctx, report); err != nil {
		s.logger.Printf("WARNING: save report %s: %v", report.ID, err)
	}
}
