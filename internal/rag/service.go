package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maltedev/product-rag-scraper/internal/database"
	"github.com/maltedev/product-rag-scraper/internal/llm"
	"github.com/maltedev/product-rag-scraper/internal/models"
	"github.com/openai/openai-go/v3"
)

const (
	DefaultChatModel     = "gpt-4o-mini"
	DefaultK             = 5
	DefaultNumCandidates = 10
)

var ErrEmptyQuestion = errors.New("question is empty")

type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type Retriever interface {
	Search(ctx context.Context, alias string, vector []float32, k, numCandidates int) ([]database.SearchHit, error)
}

type Options struct {
	VectorIndexAlias string
	ChatModel        string
	Template         string
	K                int
	NumCandidates    int
}

// Service answers shopper questions from the indexed product documents.
type Service struct {
	embedder  QueryEmbedder
	retriever Retriever
	chat      llm.ChatCompleter
	opts      Options
	logger    *slog.Logger
}

func NewService(embedder QueryEmbedder, retriever Retriever, chat llm.ChatCompleter, opts Options, logger *slog.Logger) (*Service, error) {
	if opts.VectorIndexAlias == "" {
		opts.VectorIndexAlias = models.DefaultVectorIndexAlias
	}
	if strings.TrimSpace(opts.ChatModel) == "" {
		opts.ChatModel = DefaultChatModel
	}
	if opts.Template == "" {
		opts.Template = DefaultTemplate
	}
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	if opts.NumCandidates < opts.K {
		opts.NumCandidates = max(DefaultNumCandidates, opts.K)
	}
	if err := validateTemplate(opts.Template); err != nil {
		return nil, err
	}

	return &Service{
		embedder:  embedder,
		retriever: retriever,
		chat:      chat,
		opts:      opts,
		logger:    logger.With("component", "rag"),
	}, nil
}

// Ask embeds the question, retrieves the nearest product documents and
// returns the model's answer.
func (s *Service) Ask(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}

	vector, err := s.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return "", fmt.Errorf("failed to embed question: %w", err)
	}

	hits, err := s.retriever.Search(ctx, s.opts.VectorIndexAlias, vector, s.opts.K, s.opts.NumCandidates)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve documents: %w", err)
	}

	prompt := renderPrompt(s.opts.Template, formatDocuments(hits), question)

	resp, err := s.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.opts.ChatModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	s.logger.Info("question answered", "documents", len(hits), "model", s.opts.ChatModel)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func formatDocuments(hits []database.SearchHit) string {
	texts := make([]string, len(hits))
	for i, hit := range hits {
		texts[i] = hit.Text
	}
	return strings.Join(texts, "\n\n")
}
