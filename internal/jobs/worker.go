package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/product-rag-scraper/internal/workflow"
)

const DefaultPollInterval = 10 * time.Second

// StartWorker claims and executes pending runs one at a time until ctx is
// cancelled.
func (m *Manager) StartWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	m.logger.Info("run worker started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("run worker stopping")
			return
		case <-ticker.C:
			// drain the queue before waiting for the next tick
			for m.processNextRun(ctx) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// processNextRun executes the oldest pending run. It reports whether a run
// was found.
func (m *Manager) processNextRun(ctx context.Context) bool {
	run, err := m.claimNextRun(ctx)
	if errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	if err != nil {
		m.logger.Error("failed to claim run", "error", err)
		return false
	}

	m.executeRun(ctx, run)
	return true
}

// claimNextRun marks the oldest pending run as running. Concurrent workers
// never claim the same run.
func (m *Manager) claimNextRun(ctx context.Context) (*Run, error) {
	query := `
		UPDATE workflow_runs
		SET status = 'running', started_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM workflow_runs
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + runColumns

	return scanRun(m.db.QueryRow(ctx, query))
}

func (m *Manager) executeRun(ctx context.Context, run *Run) {
	logger := m.logger.With("run_id", run.ID, "search_term", run.Input.SearchTerm)
	logger.Info("processing run",
		"max_pages", run.Input.MaxPages,
		"max_parallel", run.Input.MaxParallel)

	start := time.Now()
	result, runErr := m.runner.RunWithProgress(ctx, run.Input, func(ctx context.Context, snapshot workflow.Result) {
		if err := m.updateProgress(ctx, run.ID, snapshot); err != nil {
			logger.Error("failed to update progress", "error", err)
		}
	})

	// a cancelled worker still records the outcome
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := m.finishRun(finishCtx, run, result, runErr); err != nil {
		logger.Error("failed to record run outcome", "error", err)
		return
	}

	if runErr != nil {
		logger.Error("run failed", "error", runErr, "duration", time.Since(start))
		return
	}

	logger.Info("run completed",
		"pages", result.PagesProcessed,
		"extracted", result.ProductsExtracted,
		"failed", len(result.Failures),
		"stopped_early", result.StoppedEarly,
		"duration", time.Since(start))
}
