package database

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/maltedev/product-rag-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFormatVector(t *testing.T) {
	assert.Equal(t, "[]", FormatVector(nil))
	assert.Equal(t, "[0.1,-2,3.5]", FormatVector([]float32{0.1, -2, 3.5}))
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `products\_vector\%`, escapeLike("products_vector%"))
}

func testDocument(link, asin string, vector []float32) models.ProductDocument {
	record := &models.ProductRecord{Title: "Produto", Details: map[string]string{"ASIN": asin}}
	return models.ProductDocument{
		Metadata: models.NewDocumentMetadata(link, record, models.GeoPoint{Latitude: -23.55, Longitude: -46.63}, time.Now()),
		Text:     `{"title":"Produto"}`,
		Vector:   vector,
	}
}

func TestVectorStore_IndexAndSearch(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	store := NewVectorStore(db, testLogger())

	_, err := store.Index(ctx, "products-vector-brazil-amazon-2024-03-11", testDocument("/dp/B01", "B01", []float32{1, 0, 0}))
	require.NoError(t, err)
	_, err = store.Index(ctx, "products-vector-brazil-amazon-2024-03-12", testDocument("/dp/B02", "B02", []float32{0, 1, 0}))
	require.NoError(t, err)
	_, err = store.Index(ctx, "other-alias-2024-03-12", testDocument("/dp/B03", "B03", []float32{1, 0, 0}))
	require.NoError(t, err)

	t.Run("nearest first within alias", func(t *testing.T) {
		hits, err := store.Search(ctx, "products-vector-brazil-amazon", []float32{0.9, 0.1, 0}, 5, 10)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "/dp/B01", hits[0].Metadata.ProductLink)
		assert.Equal(t, "/dp/B02", hits[1].Metadata.ProductLink)
		assert.LessOrEqual(t, hits[0].Distance, hits[1].Distance)
	})

	t.Run("k limits hits", func(t *testing.T) {
		hits, err := store.Search(ctx, "products-vector-brazil-amazon", []float32{0, 1, 0}, 1, 10)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "/dp/B02", hits[0].Metadata.ProductLink)
	})

	t.Run("outbox event written with document", func(t *testing.T) {
		var payload json.RawMessage
		err := db.QueryRow(ctx,
			"SELECT payload FROM outbox_event WHERE event_type = $1 AND aggregate_id = $2",
			EventProductIndexed, "B01").Scan(&payload)
		require.NoError(t, err)

		var event productIndexedPayload
		require.NoError(t, json.Unmarshal(payload, &event))
		assert.Equal(t, "products-vector-brazil-amazon-2024-03-11", event.IndexName)
		assert.Equal(t, 3, event.Dimensions)
	})
}

func TestVectorStore_RejectsEmptyVector(t *testing.T) {
	store := &VectorStore{logger: testLogger()}

	_, err := store.Index(context.Background(), "idx", models.ProductDocument{})
	assert.Error(t, err)

	_, err = store.Search(context.Background(), "idx", []float32{1}, 0, 10)
	assert.Error(t, err)
}
