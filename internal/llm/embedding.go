package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
)

const (
	DefaultEmbeddingModel = "text-embedding-3-small"
	DefaultDimensions     = 1536
)

// EmbeddingProvider turns documents and queries into vectors.
type EmbeddingProvider struct {
	api        Embedder
	model      string
	dimensions int
}

func NewEmbeddingProvider(api Embedder, model string, dimensions int) *EmbeddingProvider {
	if strings.TrimSpace(model) == "" {
		model = DefaultEmbeddingModel
	}
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &EmbeddingProvider{
		api:        api,
		model:      strings.TrimPrefix(strings.TrimSpace(model), "openai/"),
		dimensions: dimensions,
	}
}

func (p *EmbeddingProvider) Model() string {
	return p.model
}

func (p *EmbeddingProvider) Dimensions() int {
	return p.dimensions
}

func (p *EmbeddingProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.api.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(p.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Dimensions:     openai.Int(int64(p.dimensions)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(resp.Data))
	for _, entry := range resp.Data {
		if entry.Index < 0 || int(entry.Index) >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", entry.Index)
		}
		vec := make([]float32, len(entry.Embedding))
		for i, v := range entry.Embedding {
			vec[i] = float32(v)
		}
		out[entry.Index] = vec
	}

	return out, nil
}

func (p *EmbeddingProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}
