package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/product-rag-scraper/internal/browser"
	"github.com/maltedev/product-rag-scraper/internal/captcha"
	"github.com/maltedev/product-rag-scraper/internal/models"
	"github.com/maltedev/product-rag-scraper/internal/parser"
)

type Racer interface {
	AwaitReady(ctx context.Context, page browser.Page, targetSelector string) (captcha.Outcome, error)
}

type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Indexer stores a product document under the given index name and returns
// the stored document id.
type Indexer interface {
	Index(ctx context.Context, indexName string, doc models.ProductDocument) (string, error)
}

// Activities are the two units of work a run schedules: one search page and
// one product extraction. Each call owns a fresh browser session.
type Activities struct {
	opener   Opener
	race     Racer
	parser   parser.Parser
	embedder Embedder
	indexer  Indexer
	alias    string
	now      func() time.Time
	logger   *slog.Logger
}

type ActivitiesOptions struct {
	VectorIndexAlias string
}

func NewActivities(opener Opener, race Racer, p parser.Parser, embedder Embedder, indexer Indexer, opts ActivitiesOptions, logger *slog.Logger) *Activities {
	alias := opts.VectorIndexAlias
	if alias == "" {
		alias = models.DefaultVectorIndexAlias
	}
	return &Activities{
		opener:   opener,
		race:     race,
		parser:   p,
		embedder: embedder,
		indexer:  indexer,
		alias:    alias,
		now:      time.Now,
		logger:   logger.With("component", "activities"),
	}
}

// Search submits term through the home page search box and returns the
// entries of the requested results page.
func (a *Activities) Search(ctx context.Context, term string, page int, geo models.GeoPoint) ([]models.SearchResultEntry, error) {
	session, err := a.opener.Open(ctx, BaseURL, geo)
	if err != nil {
		return nil, err
	}
	defer a.closeSession(session)

	if err := a.awaitTarget(ctx, session, SearchBoxSelector); err != nil {
		return nil, err
	}

	if err := session.Fill(SearchBoxSelector, term); err != nil {
		return nil, err
	}
	if err := session.Press(SearchBoxSelector, "Enter"); err != nil {
		return nil, err
	}
	if err := session.WaitForLoad(ctx); err != nil {
		return nil, err
	}

	if page > 1 {
		pageURL, err := PageURL(session.URL(), page)
		if err != nil {
			return nil, err
		}
		if err := session.Goto(ctx, pageURL); err != nil {
			return nil, err
		}
		if err := a.awaitTarget(ctx, session, SearchBoxSelector); err != nil {
			return nil, err
		}
	}

	entries, err := ExtractSearchResults(session, a.parser)
	if err != nil {
		return nil, fmt.Errorf("failed to extract search results: %w", err)
	}

	a.logger.Info("search page scraped", "term", term, "page", page, "results", len(entries))
	return entries, nil
}

// ExtractProductInfo scrapes one product page, embeds the product as JSON
// and indexes it into this week's vector index.
func (a *Activities) ExtractProductInfo(ctx context.Context, link string, geo models.GeoPoint) error {
	scrapedAt := a.now().UTC()

	productURL, err := ResolveLink(link)
	if err != nil {
		return err
	}

	session, err := a.opener.Open(ctx, productURL, geo)
	if err != nil {
		return err
	}
	defer a.closeSession(session)

	if err := session.WaitForLoad(ctx); err != nil {
		return err
	}
	if err := a.awaitTarget(ctx, session, ProductTitleSelector); err != nil {
		return err
	}

	a.logger.Info("scraping product info", "link", link)

	record, err := ExtractProduct(session, a.parser)
	if err != nil {
		a.logger.Error("failed to extract product info", "link", link, "error", err)
		return fmt.Errorf("failed to extract product info: %w", err)
	}

	text, err := EncodeRecord(record)
	if err != nil {
		return err
	}

	vectors, err := a.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return err
	}

	metadata := models.NewDocumentMetadata(link, record, geo, scrapedAt)
	indexName := IndexName(a.alias, scrapedAt)

	for i, vector := range vectors {
		id, err := a.indexer.Index(ctx, indexName, models.ProductDocument{
			Metadata: metadata,
			Text:     text,
			Vector:   vector,
		})
		if err != nil {
			return fmt.Errorf("failed to index product document %d: %w", i, err)
		}
		a.logger.Info("product indexed", "link", link, "index", indexName, "document_id", id)
	}

	return nil
}

// IndexName returns the weekly index name "{alias}-{YYYY}-{MM}-{ISO week}".
// The year is the calendar year of t.
func IndexName(alias string, t time.Time) string {
	t = t.UTC()
	_, week := t.ISOWeek()
	return fmt.Sprintf("%s-%04d-%02d-%02d", alias, t.Year(), int(t.Month()), week)
}

// EncodeRecord renders the record as JSON without HTML escaping.
func EncodeRecord(record *models.ProductRecord) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(record); err != nil {
		return "", fmt.Errorf("failed to encode product record: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func (a *Activities) closeSession(session Session) {
	if err := session.Close(); err != nil {
		a.logger.Warn("failed to close browser session", "error", err)
	}
}
