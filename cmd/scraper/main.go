package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/maltedev/product-rag-scraper/internal/api"
	"github.com/maltedev/product-rag-scraper/internal/browser"
	"github.com/maltedev/product-rag-scraper/internal/captcha"
	"github.com/maltedev/product-rag-scraper/internal/config"
	"github.com/maltedev/product-rag-scraper/internal/database"
	"github.com/maltedev/product-rag-scraper/internal/jobs"
	"github.com/maltedev/product-rag-scraper/internal/llm"
	"github.com/maltedev/product-rag-scraper/internal/parser"
	"github.com/maltedev/product-rag-scraper/internal/rag"
	"github.com/maltedev/product-rag-scraper/internal/ratelimit"
	"github.com/maltedev/product-rag-scraper/internal/scraper"
	"github.com/maltedev/product-rag-scraper/internal/workflow"
	"github.com/maltedev/product-rag-scraper/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("scraper service failed", "error", err)
		os.Exit(1)
	}
	log.Info("scraper service stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg.DatabaseOptions())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}

	client, err := llm.NewClient(llm.Config{
		APIKey:     cfg.OpenAI.APIKey,
		BaseURL:    cfg.OpenAI.BaseURL,
		MaxRetries: cfg.OpenAI.MaxRetries,
	}, log)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(cfg.Scraper.RequestsPerSecond, cfg.Scraper.Burst, cfg.Scraper.MinDelay, cfg.Scraper.MaxDelay)
	fetcher, err := browser.NewFetcher(cfg.BrowserOptions(), limiter, log)
	if err != nil {
		return fmt.Errorf("failed to initialize browser: %w", err)
	}
	defer fetcher.Close()

	embedder := llm.NewEmbeddingProvider(&client.Embeddings, cfg.OpenAI.EmbeddingModel, cfg.OpenAI.EmbeddingDimensions)
	vectors := database.NewVectorStore(db, log)

	activities := scraper.NewActivities(
		scraper.FetcherOpener{Fetcher: fetcher},
		captcha.NewRace(captcha.NewVisionSolver(&client.Chat.Completions, cfg.OpenAI.CaptchaModel), log),
		parser.NewAmazonParser(),
		embedder,
		vectors,
		scraper.ActivitiesOptions{VectorIndexAlias: cfg.RAG.VectorIndexAlias},
		log,
	)
	executor := workflow.NewRetryingExecutor(activities, cfg.ActivityOptions(scraper.IsNonRetryable), log)
	wf := workflow.New(executor, workflow.Options{NonProductMarkers: cfg.Workflow.NonProductMarkers}, log)
	manager := jobs.NewManager(db, wf, log)

	ragOpts := rag.Options{
		VectorIndexAlias: cfg.RAG.VectorIndexAlias,
		ChatModel:        cfg.OpenAI.ChatModel,
		K:                cfg.RAG.K,
		NumCandidates:    cfg.RAG.NumCandidates,
	}
	if cfg.RAG.PromptFile != "" {
		pf, err := rag.LoadPromptFile(cfg.RAG.PromptFile)
		if err != nil {
			return err
		}
		ragOpts.Template = pf.Template
		if pf.Model != "" {
			ragOpts.ChatModel = pf.Model
		}
	}
	ragService, err := rag.NewService(embedder, vectors, &client.Chat.Completions, ragOpts, log)
	if err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	relay := database.NewRelay(db, redisClient, log, database.RelayConfig{
		PollInterval: cfg.Relay.PollInterval,
		BatchSize:    cfg.Relay.BatchSize,
		StreamMaxLen: cfg.Relay.StreamMaxLen,
	})

	var wg sync.WaitGroup

	if cfg.Relay.Enabled {
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("relay stopped with error", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.StartWorker(ctx, cfg.Workflow.WorkerPollInterval)
	}()

	if cfg.Schedule.Enabled() {
		scheduler, err := jobs.NewScheduler(cfg.Schedule.Cron, cfg.Schedule.Timezone, manager, cfg.Schedule.Run(), log)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	handlers := api.NewHandlers(manager, ragService, relay, log)
	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(handlers, api.RouterOptions{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RequestTimeout: cfg.Server.WriteTimeout,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down server...")
	case err := <-serverErr:
		stop()
		wg.Wait()
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}

	wg.Wait()
	return nil
}
