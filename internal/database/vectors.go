package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/product-rag-scraper/internal/models"
)

// SearchHit is one product document returned by a nearest neighbour search.
type SearchHit struct {
	ID        string                  `json:"id"`
	IndexName string                  `json:"index_name"`
	Text      string                  `json:"text"`
	Metadata  models.DocumentMetadata `json:"metadata"`
	Distance  float64                 `json:"distance"`
}

// VectorStore keeps product documents with their embeddings in pgvector.
// Documents are grouped by index name; searches address every index of an
// alias.
type VectorStore struct {
	db     *DB
	outbox *OutboxRepository
	logger *slog.Logger
}

func NewVectorStore(db *DB, logger *slog.Logger) *VectorStore {
	return &VectorStore{
		db:     db,
		outbox: NewOutboxRepository(db),
		logger: logger.With("component", "vector_store"),
	}
}

type productIndexedPayload struct {
	DocumentID  string  `json:"document_id"`
	IndexName   string  `json:"index_name"`
	ProductLink string  `json:"product_link"`
	ASIN        *string `json:"asin"`
	ScrapedAt   string  `json:"scraped_at"`
	Dimensions  int     `json:"dimensions"`
}

// Index stores doc and its PRODUCT_INDEXED outbox event in one transaction.
func (s *VectorStore) Index(ctx context.Context, indexName string, doc models.ProductDocument) (string, error) {
	if len(doc.Vector) == 0 {
		return "", fmt.Errorf("document for %s has no vector", doc.Metadata.ProductLink)
	}

	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	id := uuid.New()

	aggregateID := doc.Metadata.ProductLink
	if doc.Metadata.ASIN != nil {
		aggregateID = *doc.Metadata.ASIN
	}
	event, err := NewOutboxEvent("product", aggregateID, EventProductIndexed, productIndexedPayload{
		DocumentID:  id.String(),
		IndexName:   indexName,
		ProductLink: doc.Metadata.ProductLink,
		ASIN:        doc.Metadata.ASIN,
		ScrapedAt:   doc.Metadata.ScrapedAt,
		Dimensions:  len(doc.Vector),
	})
	if err != nil {
		return "", err
	}

	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO product_vectors (id, index_name, metadata, text, vector)
			VALUES ($1, $2, $3, $4, $5::vector)`,
			id, indexName, json.RawMessage(metadata), doc.Text, FormatVector(doc.Vector))
		if err != nil {
			return fmt.Errorf("failed to insert product document: %w", err)
		}
		return s.outbox.InsertWithTx(ctx, tx, event)
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("document indexed", "id", id, "index", indexName, "aggregate_id", aggregateID)
	return id.String(), nil
}

// Search returns the k documents closest to vector by cosine distance among
// the index named alias and every index named "{alias}-...". numCandidates
// bounds the candidate window the top k are picked from.
func (s *VectorStore) Search(ctx context.Context, alias string, vector []float32, k, numCandidates int) ([]SearchHit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if numCandidates < k {
		numCandidates = k
	}

	rows, err := s.db.pool.Query(ctx, `
		WITH candidates AS (
			SELECT id, index_name, text, metadata, vector <=> $2::vector AS distance
			FROM product_vectors
			WHERE index_name = $1 OR index_name LIKE $5
			ORDER BY distance
			LIMIT $3
		)
		SELECT id, index_name, text, metadata, distance
		FROM candidates
		ORDER BY distance
		LIMIT $4`,
		alias, FormatVector(vector), numCandidates, k, escapeLike(alias)+"-%")
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var (
			hit      SearchHit
			id       uuid.UUID
			metadata []byte
		)
		if err := rows.Scan(&id, &hit.IndexName, &hit.Text, &metadata, &hit.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		if err := json.Unmarshal(metadata, &hit.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", id, err)
		}
		hit.ID = id.String()
		hits = append(hits, hit)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return hits, nil
}

// FormatVector renders v in the pgvector text format, e.g. "[0.1,0.2]".
func FormatVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
