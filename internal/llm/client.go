package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const DefaultBaseURL = "https://api.openai.com/v1"

// ChatCompleter is satisfied by *openai.ChatCompletionService.
type ChatCompleter interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Embedder is satisfied by *openai.EmbeddingService.
type Embedder interface {
	New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
}

type Config struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
}

func NewClient(cfg Config, logger *slog.Logger) (*openai.Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai client requires api key")
	}
	baseURL := cfg.BaseURL
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL),
		option.WithMiddleware(requestLogMiddleware(logger.With("component", "openai"))),
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	client := openai.NewClient(opts...)
	return &client, nil
}

func requestLogMiddleware(logger *slog.Logger) option.Middleware {
	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		start := time.Now()
		resp, err := next(req)
		if err != nil {
			logger.Warn("openai request failed", "method", req.Method, "path", req.URL.Path, "error", err)
			return resp, err
		}
		logger.Debug("openai request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", resp.StatusCode,
			"duration_ms", time.Since(start).Milliseconds())
		return resp, nil
	}
}
