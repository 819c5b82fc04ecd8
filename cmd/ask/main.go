package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/maltedev/product-rag-scraper/internal/config"
	"github.com/maltedev/product-rag-scraper/internal/database"
	"github.com/maltedev/product-rag-scraper/internal/llm"
	"github.com/maltedev/product-rag-scraper/internal/rag"
	"github.com/maltedev/product-rag-scraper/pkg/logger"
)

func main() {
	var (
		question   = flag.String("q", "", "Question to ask about the indexed products")
		promptFile = flag.String("prompt", "", "YAML prompt file overriding the default template")
		k          = flag.Int("k", 0, "Number of documents to retrieve (default from RAG_K)")
	)
	flag.Parse()

	if *question == "" && flag.NArg() > 0 {
		*question = strings.Join(flag.Args(), " ")
	}
	if strings.TrimSpace(*question) == "" {
		fmt.Fprintln(os.Stderr, "usage: ask -q \"qual o melhor notebook até 3000 reais?\"")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging.Level, "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg.DatabaseOptions())
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	client, err := llm.NewClient(llm.Config{
		APIKey:     cfg.OpenAI.APIKey,
		BaseURL:    cfg.OpenAI.BaseURL,
		MaxRetries: cfg.OpenAI.MaxRetries,
	}, log)
	if err != nil {
		log.Error("failed to create openai client", "error", err)
		os.Exit(1)
	}

	opts := rag.Options{
		VectorIndexAlias: cfg.RAG.VectorIndexAlias,
		ChatModel:        cfg.OpenAI.ChatModel,
		K:                cfg.RAG.K,
		NumCandidates:    cfg.RAG.NumCandidates,
	}
	if *k > 0 {
		opts.K = *k
	}
	path := cfg.RAG.PromptFile
	if *promptFile != "" {
		path = *promptFile
	}
	if path != "" {
		pf, err := rag.LoadPromptFile(path)
		if err != nil {
			log.Error("failed to load prompt", "error", err)
			os.Exit(1)
		}
		opts.Template = pf.Template
		if pf.Model != "" {
			opts.ChatModel = pf.Model
		}
	}

	embedder := llm.NewEmbeddingProvider(&client.Embeddings, cfg.OpenAI.EmbeddingModel, cfg.OpenAI.EmbeddingDimensions)
	service, err := rag.NewService(embedder, database.NewVectorStore(db, log), &client.Chat.Completions, opts, log)
	if err != nil {
		log.Error("failed to create rag service", "error", err)
		os.Exit(1)
	}

	answer, err := service.Ask(ctx, *question)
	if err != nil {
		log.Error("failed to answer question", "error", err)
		os.Exit(1)
	}

	fmt.Println(answer)
}
