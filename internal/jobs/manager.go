package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/product-rag-scraper/internal/database"
	"github.com/maltedev/product-rag-scraper/internal/models"
	"github.com/maltedev/product-rag-scraper/internal/workflow"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var ErrRunNotFound = errors.New("run not found")

// Runner executes one workflow run.
type Runner interface {
	RunWithProgress(ctx context.Context, run models.WorkflowRun, progress workflow.ProgressFunc) (*workflow.Result, error)
}

// Run is a persisted workflow run.
type Run struct {
	ID                string             `json:"id"`
	Input             models.WorkflowRun `json:"input"`
	Status            string             `json:"status"`
	PagesProcessed    int                `json:"pages_processed"`
	ProductsRequested int                `json:"products_requested"`
	ProductsExtracted int                `json:"products_extracted"`
	ProductsFailed    int                `json:"products_failed"`
	StoppedEarly      bool               `json:"stopped_early"`
	Error             string             `json:"error,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
}

// Stats summarises runs by status.
type Stats struct {
	TotalRuns     int `json:"total_runs"`
	PendingRuns   int `json:"pending_runs"`
	RunningRuns   int `json:"running_runs"`
	CompletedRuns int `json:"completed_runs"`
	FailedRuns    int `json:"failed_runs"`
}

type Manager struct {
	db     *database.DB
	runner Runner
	outbox *database.OutboxRepository
	logger *slog.Logger
}

func NewManager(db *database.DB, runner Runner, logger *slog.Logger) *Manager {
	return &Manager{
		db:     db,
		runner: runner,
		outbox: database.NewOutboxRepository(db),
		logger: logger.With("component", "run_manager"),
	}
}

// CreateRun enqueues a new run. Every call gets a fresh id, so identical
// inputs may run more than once.
func (m *Manager) CreateRun(ctx context.Context, input models.WorkflowRun) (*Run, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	run := &Run{
		ID:        uuid.New().String(),
		Input:     input,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	query := `
		INSERT INTO workflow_runs
		(id, search_term, latitude, longitude, max_pages, max_parallel, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := m.db.Exec(ctx, query,
		run.ID, input.SearchTerm, input.Geolocation.Latitude, input.Geolocation.Longitude,
		input.MaxPages, input.MaxParallel, run.Status, run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	m.logger.Info("run created", "id", run.ID, "search_term", input.SearchTerm)
	return run, nil
}

const runColumns = `
	id, search_term, latitude, longitude, max_pages, max_parallel, status,
	pages_processed, products_requested, products_extracted, products_failed,
	stopped_early, COALESCE(error_message, ''), created_at, started_at, completed_at`

func scanRun(row pgx.Row) (*Run, error) {
	run := &Run{}
	var id uuid.UUID
	err := row.Scan(
		&id, &run.Input.SearchTerm, &run.Input.Geolocation.Latitude, &run.Input.Geolocation.Longitude,
		&run.Input.MaxPages, &run.Input.MaxParallel, &run.Status,
		&run.PagesProcessed, &run.ProductsRequested, &run.ProductsExtracted, &run.ProductsFailed,
		&run.StoppedEarly, &run.Error, &run.CreatedAt, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	run.ID = id.String()
	return run, nil
}

func (m *Manager) GetRun(ctx context.Context, runID string) (*Run, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return nil, ErrRunNotFound
	}

	run, err := scanRun(m.db.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns returns the most recent runs first.
func (m *Manager) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := m.db.Query(ctx, `SELECT `+runColumns+` FROM workflow_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM workflow_runs
	`

	err := m.db.QueryRow(ctx, query).Scan(
		&stats.TotalRuns, &stats.PendingRuns, &stats.RunningRuns,
		&stats.CompletedRuns, &stats.FailedRuns,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	return stats, nil
}

func (m *Manager) updateProgress(ctx context.Context, runID string, result workflow.Result) error {
	query := `
		UPDATE workflow_runs
		SET pages_processed = $1, products_requested = $2, products_extracted = $3,
		    products_failed = $4, stopped_early = $5, updated_at = NOW()
		WHERE id = $6
	`
	_, err := m.db.Exec(ctx, query,
		result.PagesProcessed, result.ProductsRequested, result.ProductsExtracted,
		len(result.Failures), result.StoppedEarly, runID)
	return err
}

type runFinishedPayload struct {
	RunID      string           `json:"run_id"`
	SearchTerm string           `json:"search_term"`
	Status     string           `json:"status"`
	Result     *workflow.Result `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// finishRun stores the final status and result together with the matching
// outbox event.
func (m *Manager) finishRun(ctx context.Context, run *Run, result *workflow.Result, runErr error) error {
	status, eventType := StatusCompleted, database.EventRunCompleted
	var errMsg *string
	if runErr != nil {
		status, eventType = StatusFailed, database.EventRunFailed
		msg := runErr.Error()
		errMsg = &msg
	}
	if result == nil {
		result = &workflow.Result{}
	}

	payload := runFinishedPayload{
		RunID:      run.ID,
		SearchTerm: run.Input.SearchTerm,
		Status:     status,
		Result:     result,
	}
	if errMsg != nil {
		payload.Error = *errMsg
	}
	event, err := database.NewOutboxEvent("workflow_run", run.ID, eventType, payload)
	if err != nil {
		return err
	}

	return m.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE workflow_runs
			SET status = $1, error_message = $2, completed_at = NOW(), updated_at = NOW(),
			    pages_processed = $3, products_requested = $4, products_extracted = $5,
			    products_failed = $6, stopped_early = $7
			WHERE id = $8`,
			status, errMsg,
			result.PagesProcessed, result.ProductsRequested, result.ProductsExtracted,
			len(result.Failures), result.StoppedEarly, run.ID)
		if err != nil {
			return fmt.Errorf("failed to update run status: %w", err)
		}
		return m.outbox.InsertWithTx(ctx, tx, event)
	})
}
