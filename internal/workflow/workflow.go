package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/maltedev/product-rag-scraper/internal/models"
	"golang.org/x/sync/errgroup"
)

// DefaultNonProductMarkers are link substrings of result entries that do not
// point to a product page.
var DefaultNonProductMarkers = []string{"/gp/bestsellers"}

type ActivityExecutor interface {
	Search(ctx context.Context, term string, page int, geo models.GeoPoint) ([]models.SearchResultEntry, error)
	ExtractProduct(ctx context.Context, link string, geo models.GeoPoint) error
}

// ItemFailure records one product extraction that failed after retries.
type ItemFailure struct {
	Page        int    `json:"page"`
	ProductLink string `json:"product_link"`
	Error       string `json:"error"`
	Err         error  `json:"-"`
}

type Result struct {
	PagesProcessed    int           `json:"pages_processed"`
	ProductsRequested int           `json:"products_requested"`
	ProductsExtracted int           `json:"products_extracted"`
	ProductsSkipped   int           `json:"products_skipped"`
	Failures          []ItemFailure `json:"failures,omitempty"`
	StoppedEarly      bool          `json:"stopped_early"`
	LastPage          int           `json:"last_page"`
}

// ProgressFunc is called after every completed page with a snapshot of the
// result so far.
type ProgressFunc func(ctx context.Context, snapshot Result)

type Options struct {
	NonProductMarkers []string
	Progress          ProgressFunc
}

// Workflow walks search result pages and extracts their products in bounded
// batches.
type Workflow struct {
	executor ActivityExecutor
	markers  []string
	progress ProgressFunc
	logger   *slog.Logger
}

func New(executor ActivityExecutor, opts Options, logger *slog.Logger) *Workflow {
	markers := opts.NonProductMarkers
	if markers == nil {
		markers = DefaultNonProductMarkers
	}
	return &Workflow{
		executor: executor,
		markers:  markers,
		progress: opts.Progress,
		logger:   logger.With("component", "workflow"),
	}
}

// Run processes pages 1..MaxPages. A page whose results are all sponsored
// (or empty) ends the run. Product failures are recorded and do not stop the
// run; a search failure does.
func (w *Workflow) Run(ctx context.Context, run models.WorkflowRun) (*Result, error) {
	return w.RunWithProgress(ctx, run, w.progress)
}

// RunWithProgress is Run with a per-call progress callback.
func (w *Workflow) RunWithProgress(ctx context.Context, run models.WorkflowRun, progress ProgressFunc) (*Result, error) {
	if err := run.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow run: %w", err)
	}

	result := &Result{}
	logger := w.logger.With("search_term", run.SearchTerm)

	for page := 1; page <= run.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		entries, err := w.executor.Search(ctx, run.SearchTerm, page, run.Geolocation)
		if err != nil {
			return result, fmt.Errorf("search page %d failed: %w", page, err)
		}
		result.PagesProcessed++
		result.LastPage = page

		sponsored := countSponsored(entries)
		if sponsored == len(entries) {
			logger.Info("all products on page are sponsored", "page", page, "results", len(entries))
			result.StoppedEarly = true
			reportProgress(ctx, progress, result)
			break
		}

		var links []string
		for _, entry := range entries {
			if entry.IsSponsored || w.isNonProduct(entry.ProductLink) {
				result.ProductsSkipped++
				continue
			}
			links = append(links, entry.ProductLink)
		}

		logger.Info("processing page",
			"page", page,
			"results", len(entries),
			"sponsored", sponsored,
			"to_extract", len(links))

		for start := 0; start < len(links); start += run.MaxParallel {
			if err := ctx.Err(); err != nil {
				logger.Info("workflow cancelled", "page", page, "extracted", result.ProductsExtracted)
				return result, err
			}
			end := min(start+run.MaxParallel, len(links))
			w.runBatch(ctx, page, links[start:end], run.Geolocation, result)
		}

		reportProgress(ctx, progress, result)
	}

	logger.Info("workflow finished",
		"pages", result.PagesProcessed,
		"extracted", result.ProductsExtracted,
		"failed", len(result.Failures),
		"skipped", result.ProductsSkipped,
		"stopped_early", result.StoppedEarly)

	return result, nil
}

// runBatch extracts links concurrently and returns once every member has
// finished. A failing member never cancels its siblings.
func (w *Workflow) runBatch(ctx context.Context, page int, links []string, geo models.GeoPoint, result *Result) {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)

	for _, link := range links {
		g.Go(func() error {
			err := w.executor.ExtractProduct(ctx, link, geo)

			mu.Lock()
			defer mu.Unlock()
			result.ProductsRequested++
			if err != nil {
				w.logger.Error("product extraction failed", "page", page, "link", link, "error", err)
				result.Failures = append(result.Failures, ItemFailure{
					Page:        page,
					ProductLink: link,
					Error:       err.Error(),
					Err:         err,
				})
				return nil
			}
			result.ProductsExtracted++
			return nil
		})
	}

	_ = g.Wait()
}

func (w *Workflow) isNonProduct(link string) bool {
	for _, marker := range w.markers {
		if marker != "" && strings.Contains(link, marker) {
			return true
		}
	}
	return false
}

func reportProgress(ctx context.Context, progress ProgressFunc, result *Result) {
	if progress == nil {
		return
	}
	snapshot := *result
	snapshot.Failures = append([]ItemFailure(nil), result.Failures...)
	progress(ctx, snapshot)
}

func countSponsored(entries []models.SearchResultEntry) int {
	n := 0
	for _, entry := range entries {
		if entry.IsSponsored {
			n++
		}
	}
	return n
}
