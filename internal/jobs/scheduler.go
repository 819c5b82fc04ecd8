package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maltedev/product-rag-scraper/internal/models"
	cronlib "github.com/robfig/cron/v3"
)

// RunCreator enqueues workflow runs.
type RunCreator interface {
	CreateRun(ctx context.Context, input models.WorkflowRun) (*Run, error)
}

// Scheduler enqueues the same run on a cron schedule.
type Scheduler struct {
	cron    *cronlib.Cron
	creator RunCreator
	input   models.WorkflowRun
	logger  *slog.Logger
}

var cronParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)

// NewScheduler validates expr (five fields or a descriptor such as @daily)
// and the run input. tz defaults to UTC.
func NewScheduler(expr, tz string, creator RunCreator, input models.WorkflowRun, logger *slog.Logger) (*Scheduler, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("schedule expression is empty")
	}
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduled run: %w", err)
	}

	location := time.UTC
	if tz = strings.TrimSpace(tz); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule timezone %q: %w", tz, err)
		}
		location = loc
	}

	s := &Scheduler{
		cron:    cronlib.New(cronlib.WithParser(cronParser), cronlib.WithLocation(location)),
		creator: creator,
		input:   input,
		logger:  logger.With("component", "scheduler"),
	}

	if _, err := s.cron.AddFunc(expr, func() { s.enqueue(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	for _, entry := range s.cron.Entries() {
		s.logger.Info("scheduler started", "next_run", entry.Schedule.Next(time.Now()), "search_term", s.input.SearchTerm)
	}
}

// Stop halts the schedule and waits for a running enqueue to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) enqueue(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	run, err := s.creator.CreateRun(ctx, s.input)
	if err != nil {
		s.logger.Error("failed to enqueue scheduled run", "error", err)
		return
	}
	s.logger.Info("scheduled run enqueued", "run_id", run.ID)
}
