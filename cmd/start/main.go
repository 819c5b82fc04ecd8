package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/maltedev/product-rag-scraper/internal/config"
	"github.com/maltedev/product-rag-scraper/internal/database"
	"github.com/maltedev/product-rag-scraper/internal/jobs"
	"github.com/maltedev/product-rag-scraper/internal/models"
	"github.com/maltedev/product-rag-scraper/pkg/logger"
)

func main() {
	var (
		term        = flag.String("term", "", "Search term")
		latitude    = flag.Float64("lat", -23.5505, "Latitude used for every browser context")
		longitude   = flag.Float64("lng", -46.6333, "Longitude used for every browser context")
		maxPages    = flag.Int("pages", models.DefaultMaxPages, "Maximum number of search pages")
		maxParallel = flag.Int("parallel", models.DefaultMaxParallel, "Maximum concurrent product extractions")
		wait        = flag.Bool("wait", false, "Poll until the run finishes")
	)
	flag.Parse()

	input := models.WorkflowRun{
		SearchTerm:  *term,
		Geolocation: models.GeoPoint{Latitude: *latitude, Longitude: *longitude},
		MaxPages:    *maxPages,
		MaxParallel: *maxParallel,
	}
	if err := input.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid run: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging.Level, "text")

	ctx := context.Background()
	db, err := database.New(ctx, cfg.DatabaseOptions())
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	// enqueue only; a running scraper service picks the run up
	manager := jobs.NewManager(db, nil, log)
	run, err := manager.CreateRun(ctx, input)
	if err != nil {
		log.Error("failed to create run", "error", err)
		os.Exit(1)
	}

	if *wait {
		run, err = waitForRun(ctx, manager, run.ID, 5*time.Second)
		if err != nil {
			log.Error("failed to poll run", "error", err)
			os.Exit(1)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		log.Error("failed to encode run", "error", err)
		os.Exit(1)
	}
}

func waitForRun(ctx context.Context, manager *jobs.Manager, runID string, interval time.Duration) (*jobs.Run, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := manager.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status == jobs.StatusCompleted || run.Status == jobs.StatusFailed {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
