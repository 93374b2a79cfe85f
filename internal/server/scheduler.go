package server

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"

	"github.com/KuroShiba3/task-planning-agent/config"
	core "github.com/KuroShiba3/task-planning-agent/internal/agent/core"
	"github.com/KuroShiba3/task-planning-agent/internal/store"
)

const scheduleLockTTL = 2 * time.Minute

// Scheduler fires config-declared research queries on a cron cadence. A
// Redis SetNX lock per schedule keeps multiple replicas from firing the same
// slot twice.
type Scheduler struct {
	cfg       *config.Config
	store     *store.Store
	cache     *store.StatusCache
	runner    ResearchRunner
	logger    *log.Logger
	stop      chan struct{}
	schedules []config.ScheduleConfig

	mu       sync.Mutex
	lastRuns map[string]time.Time
}

func NewScheduler(cfg *config.Config, st *store.Store, cache *store.StatusCache, runner ResearchRunner) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		store:    st,
		cache:    cache,
		runner:   runner,
		logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		stop:     make(chan struct{}),
		lastRuns: make(map[string]time.Time),
	}
	for _, sched := range cfg.Schedules {
		if strings.TrimSpace(sched.Name) == "" || strings.TrimSpace(sched.Query) == "" {
			s.logger.Printf("WARNING: ignoring schedule with empty name or query: %+v", sched)
			continue
		}
		s.schedules = append(s.schedules, sched)
	}
	return s
}

// Start ticks once a minute; five-field cron has minute granularity.
func (s *Scheduler) Start() {
	s.logger.Printf("Scheduler started with %d schedule(s)", len(s.schedules))
	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-s.stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) Close() { close(s.stop) }

func (s *Scheduler) tick() {
	for _, sched := range s.schedules {
		last := s.lastRun(sched.Name)
		if !isDue(sched.Cron, last) {
			continue
		}
		if !s.acquireLock(sched.Name) {
			continue
		}
		s.markRun(sched.Name, time.Now())
		go s.fire(sched)
	}
}

func (s *Scheduler) fire(sched config.ScheduleConfig) {
	defer s.releaseLock(sched.Name)

	ctx := context.Background()
	if t := s.cfg.General.DefaultTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	runID := uuid.New().String()
	if s.store != nil {
		if err := s.store.CreateRun(ctx, runID, sched.Query); err != nil {
			s.logger.Printf("WARNING: schedule %s: create run: %v", sched.Name, err)
			return
		}
	}
	s.logger.Printf("Schedule %s fired (run %s)", sched.Name, runID)

	query := core.ResearchQuery{ID: runID, Content: sched.Query, Timestamp: time.Now()}
	report, err := s.runner.ProcessQuery(ctx, query, nil)
	if err != nil {
		s.logger.Printf("WARNING: schedule %s run %s: %v", sched.Name, runID, err)
		if s.store != nil {
			finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			msg := err.Error()
			if err := s.store.FinishRun(finishCtx, runID, core.StatusFailed, &msg); err != nil {
				s.logger.Printf("WARNING: schedule %s: finish run: %v", sched.Name, err)
			}
		}
		return
	}
	if s.store != nil {
		if err := s.store.SaveReport(ctx, report); err != nil {
			s.logger.Printf("WARNING: schedule %s: save report: %v", sched.Name, err)
		}
	}
}

func (s *Scheduler) acquireLock(name string) bool {
	if s.cache == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := s.cache.AcquireLock(ctx, name, scheduleLockTTL)
	if err != nil {
		s.logger.Printf("WARNING: schedule lock %s: %v", name, err)
		return false
	}
	return ok
}

func (s *Scheduler) releaseLock(name string) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cache.ReleaseLock(ctx, name); err != nil {
		s.logger.Printf("WARNING: schedule unlock %s: %v", name, err)
	}
}

func (s *Scheduler) lastRun(name string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.lastRuns[name]; ok {
		return &t
	}
	return nil
}

func (s *Scheduler) markRun(name string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRuns[name] = t
}

// isDue reports whether a schedule with cronSpec should fire now given its
// last firing time. Supports "@daily", "@hourly" and 5-field cron
// expressions; an invalid expression falls back to @daily.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
