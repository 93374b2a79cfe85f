package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KuroShiba3/task-planning-agent/config"
	"github.com/KuroShiba3/task-planning-agent/internal/agent/core"
	"github.com/KuroShiba3/task-planning-agent/internal/agent/telemetry"
	"github.com/KuroShiba3/task-planning-agent/internal/store"
)

// ResearchRunner is the slice of the orchestrator the HTTP layer needs.
type ResearchRunner interface {
	ProcessQuery(ctx context.Context, query core.ResearchQuery, history []core.Message) (*core.ResearchReport, error)
	GetStatus(queryID string) (core.RunStatus, bool)
	CancelProcessing(queryID string) error
	GetEvidence(queryID string) (*core.EvidenceIndex, bool)
}

// Server exposes research runs over HTTP.
type Server struct {
	cfg    *config.Config
	echo   *echo.Echo
	store  *store.Store
	cache  *store.StatusCache
	runner ResearchRunner
	tel    *telemetry.Telemetry
	sched  *Scheduler
	logger *log.Logger
}

// New wires the Echo app: recovery, CORS, unified JSON error handler and the
// API routes. store, cache and tel may be nil; the handlers degrade to the
// in-memory orchestrator state.
func New(cfg *config.Config, st *store.Store, cache *store.StatusCache, runner ResearchRunner, tel *telemetry.Telemetry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	s := &Server{
		cfg:    cfg,
		echo:   e,
		store:  st,
		cache:  cache,
		runner: runner,
		tel:    tel,
		logger: logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if s.tel != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.tel.Registry(), promhttp.HandlerOpts{})))
	} else {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}
	registerDocs(e)

	api := e.Group("/api")
	if s.cfg.Server.AuthEnabled {
		api.Use(authMiddleware([]byte(s.cfg.Server.JWTSecret)))
	}
	api.POST("/research", s.createResearch)
	api.POST("/research/async", s.createResearchAsync)
	api.GET("/runs", s.listRuns)
	api.GET("/runs/:id", s.getRun)
	api.GET("/runs/:id/evidence", s.getRunEvidence)
	api.DELETE("/runs/:id", s.cancelRun)
	api.GET("/ops/performance", s.opsPerformance)
}

// opsPerformance returns the in-process counters and cost tracker, a quick
// look without scraping /metrics.
func (s *Server) opsPerformance(c echo.Context) error {
	if s.tel == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "telemetry is not wired")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"metrics": s.tel.GetMetrics(),
		"costs":   s.tel.GetCostSummary(),
	})
}

// Start blocks serving HTTP on addr (falls back to server.address).
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.cfg.Server.Address
	}
	if addr == "" {
		addr = ":8080"
	}
	if addr[0] != ':' && !hasHost(addr) {
		addr = ":" + addr
	}
	s.logger.Printf("listening on %s", addr)
	return s.echo.Start(addr)
}

// Shutdown stops the scheduler and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sched != nil {
		s.sched.Close()
	}
	return s.echo.Shutdown(ctx)
}

func hasHost(addr string) bool {
	for i := 0; i < len(addr); i++ {
		if addr[i] == ':' {
			return i > 0
		}
	}
	return false
}

// Run is the serve entry point: load config, connect storage, build the
// orchestrator and block on the HTTP listener.
func Run(cfgPath, addr string) error {
	cfg := config.LoadConfig(cfgPath)
	ctx := context.Background()

	if !cfg.Storage.Postgres.Configured() {
		return fmt.Errorf("postgres is not configured (storage.postgres)")
	}
	_ = Migrate("file://migrations", store.DSN(cfg.Storage.Postgres), "up", 0)
	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return err
	}

	var cache *store.StatusCache
	if cfg.Storage.Redis.Configured() {
		cache, err = store.NewStatusCache(ctx, cfg.Storage.Redis)
		if err != nil {
			return err
		}
	}

	tel := telemetry.NewTelemetry(cfg.Telemetry)
	llm, err := core.NewLLMProvider(cfg.LLM)
	if err != nil {
		return err
	}
	search, err := core.NewSearchProvider(cfg.Search)
	if err != nil {
		return err
	}
	fetcher := core.NewPageFetcher(cfg.Fetch)

	orch := core.NewOrchestrator(cfg, llm, search, fetcher, tel)
	if cache != nil {
		orch.SetStatusPublisher(cache)
	}

	s := New(cfg, st, cache, orch, tel)
	if len(cfg.Schedules) > 0 {
		s.sched = NewScheduler(cfg, st, cache, orch)
		s.sched.Start()
	}
	return s.Start(addr)
}
