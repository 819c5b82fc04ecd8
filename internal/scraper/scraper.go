package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/maltedev/product-rag-scraper/internal/browser"
	"github.com/maltedev/product-rag-scraper/internal/captcha"
	"github.com/maltedev/product-rag-scraper/internal/models"
	"github.com/maltedev/product-rag-scraper/internal/parser"
)

const (
	BaseURL              = "https://www.amazon.com.br"
	SearchBoxSelector    = "input#twotabsearchtextbox"
	ProductTitleSelector = "span#productTitle"
)

var ErrInvalidURL = errors.New("invalid product link")

// Session is a page that owns its browser and must be closed.
type Session interface {
	browser.Page
	Close() error
}

type Opener interface {
	Open(ctx context.Context, url string, geo models.GeoPoint) (Session, error)
}

// FetcherOpener adapts *browser.Fetcher to Opener.
type FetcherOpener struct {
	Fetcher *browser.Fetcher
}

func (o FetcherOpener) Open(ctx context.Context, url string, geo models.GeoPoint) (Session, error) {
	session, err := o.Fetcher.Open(ctx, url, geo)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ExtractSearchResults reads the current page as a search results page.
func ExtractSearchResults(page browser.Page, p parser.Parser) ([]models.SearchResultEntry, error) {
	html, err := page.Content()
	if err != nil {
		return nil, err
	}
	return p.ParseSearchResults(html)
}

// ExtractProduct reads the current page as a product page.
func ExtractProduct(page browser.Page, p parser.Parser) (*models.ProductRecord, error) {
	html, err := page.Content()
	if err != nil {
		return nil, err
	}
	return p.ParseProduct(html)
}

// ResolveLink resolves a relative product link against BaseURL.
func ResolveLink(link string) (string, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", ErrInvalidURL
	}

	base, _ := url.Parse(BaseURL)
	ref, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// PageURL returns resultsURL with its page query parameter set to page.
func PageURL(resultsURL string, page int) (string, error) {
	u, err := url.Parse(resultsURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse results URL: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// IsNonRetryable reports errors that a fresh attempt cannot fix.
func IsNonRetryable(err error) bool {
	var missing *parser.MissingFieldError
	if errors.As(err, &missing) {
		return true
	}
	return errors.Is(err, ErrInvalidURL)
}

// awaitTarget runs the CAPTCHA race and logs its outcome.
func (a *Activities) awaitTarget(ctx context.Context, page browser.Page, selector string) error {
	outcome, err := a.race.AwaitReady(ctx, page, selector)
	if err != nil {
		return err
	}
	if outcome == captcha.Solved {
		a.logger.Info("captcha solved", "url", page.URL(), "target", selector)
	}
	return nil
}
