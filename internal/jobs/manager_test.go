package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/maltedev/product-rag-scraper/internal/database"
	"github.com/maltedev/product-rag-scraper/internal/models"
	"github.com/maltedev/product-rag-scraper/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	result *workflow.Result
	err    error
	inputs []models.WorkflowRun
}

func (f *fakeRunner) RunWithProgress(ctx context.Context, run models.WorkflowRun, progress workflow.ProgressFunc) (*workflow.Result, error) {
	f.inputs = append(f.inputs, run)
	if f.result != nil && progress != nil {
		progress(ctx, *f.result)
	}
	return f.result, f.err
}

// setupTestDB connects to TEST_DATABASE_URL and resets the schema.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)

	db, err := database.New(ctx, database.Config{
		Host:     cfg.ConnConfig.Host,
		Port:     int(cfg.ConnConfig.Port),
		User:     cfg.ConnConfig.User,
		Password: cfg.ConnConfig.Password,
		Database: cfg.ConnConfig.Database,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(ctx))
	_, err = db.Exec(ctx, "TRUNCATE outbox_event, workflow_runs")
	require.NoError(t, err)

	return db
}

func TestCreateRunRejectsInvalidInput(t *testing.T) {
	m := &Manager{logger: testLogger()}

	_, err := m.CreateRun(context.Background(), models.WorkflowRun{SearchTerm: "tv", MaxPages: 0, MaxParallel: 1})
	assert.Error(t, err)
}

func TestGetRunWithMalformedID(t *testing.T) {
	m := &Manager{logger: testLogger()}

	_, err := m.GetRun(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestManagerRunLifecycle(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	runner := &fakeRunner{result: &workflow.Result{
		PagesProcessed:    2,
		ProductsRequested: 5,
		ProductsExtracted: 4,
		Failures:          []workflow.ItemFailure{{Page: 1, ProductLink: "/dp/X", Error: "missing"}},
		LastPage:          2,
	}}
	m := NewManager(db, runner, testLogger())

	first, err := m.CreateRun(ctx, scheduledRun)
	require.NoError(t, err)
	second, err := m.CreateRun(ctx, scheduledRun)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	require.True(t, m.processNextRun(ctx))

	done, err := m.GetRun(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 2, done.PagesProcessed)
	assert.Equal(t, 4, done.ProductsExtracted)
	assert.Equal(t, 1, done.ProductsFailed)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, scheduledRun, done.Input)

	pending, err := m.GetRun(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pending.Status)

	var payload json.RawMessage
	err = db.QueryRow(ctx,
		"SELECT payload FROM outbox_event WHERE aggregate_id = $1 AND event_type = $2",
		first.ID, database.EventRunCompleted).Scan(&payload)
	require.NoError(t, err)

	var event runFinishedPayload
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, StatusCompleted, event.Status)
	require.NotNil(t, event.Result)
	assert.Equal(t, 4, event.Result.ProductsExtracted)

	runs, err := m.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	stats, err := m.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRuns)
	assert.Equal(t, 1, stats.CompletedRuns)
	assert.Equal(t, 1, stats.PendingRuns)
}

func TestManagerRecordsFailedRun(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	m := NewManager(db, &fakeRunner{err: errors.New("search page 1 failed")}, testLogger())

	run, err := m.CreateRun(ctx, scheduledRun)
	require.NoError(t, err)

	require.True(t, m.processNextRun(ctx))
	assert.False(t, m.processNextRun(ctx))

	failed, err := m.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "search page 1 failed", failed.Error)
}

func TestGetRunNotFound(t *testing.T) {
	db := setupTestDB(t)
	m := NewManager(db, &fakeRunner{}, testLogger())

	_, err := m.GetRun(context.Background(), "7f1b6a8e-8d4f-4b7a-9f5e-2c3d4e5f6a7b")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
