package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/product-rag-scraper/internal/models"
)

const (
	SearchResultSelector   = `div[data-component-type="s-search-result"]`
	SponsoredLabelSelector = "a.puis-sponsored-label-text"
)

var nonDigits = regexp.MustCompile(`\D+`)

type AmazonParser struct{}

func NewAmazonParser() *AmazonParser {
	return &AmazonParser{}
}

// ParseSearchResults returns the result entries of a search page in DOM order.
// Containers without a link are skipped.
func (p *AmazonParser) ParseSearchResults(html string) ([]models.SearchResultEntry, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	results := make([]models.SearchResultEntry, 0)

	doc.Find(SearchResultSelector).Each(func(i int, s *goquery.Selection) {
		href, ok := s.Find("a").First().Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}

		results = append(results, models.SearchResultEntry{
			ProductLink: strings.TrimSpace(href),
			IsSponsored: s.Find(SponsoredLabelSelector).Length() > 0,
		})
	})

	return results, nil
}

func (p *AmazonParser) ParseProduct(html string) (*models.ProductRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	product := &models.ProductRecord{
		Details: make(map[string]string),
	}

	title := doc.Find("span#productTitle").First()
	if title.Length() == 0 {
		return nil, &MissingFieldError{Field: FieldTitle}
	}
	product.Title = strings.TrimSpace(title.Text())

	if description := doc.Find("div#productDescription p span").First(); description.Length() > 0 {
		text := strings.Trim(description.Text(), "\n ")
		product.Description = &text
	}

	symbol, price, err := p.extractPrice(doc)
	if err != nil {
		return nil, err
	}
	product.PriceSymbol = symbol
	product.Price = price

	doc.Find("table.prodDetTable").Each(func(i int, table *goquery.Selection) {
		table.Find("tr").Each(func(j int, row *goquery.Selection) {
			header := row.Find("th").First()
			value := row.Find("td").First()
			if header.Length() == 0 || value.Length() == 0 {
				return
			}
			product.Details[CleanText(header.Text())] = CleanText(value.Text())
		})
	})

	return product, nil
}

// extractPrice reads the price parts from the buy box, falling back to the
// whole document when the page has no .priceToPay container.
func (p *AmazonParser) extractPrice(doc *goquery.Document) (string, string, error) {
	scope := doc.Find(".priceToPay").First()
	if scope.Length() == 0 {
		scope = doc.Selection
	}

	symbol := scope.Find("span.a-price-symbol").First()
	if symbol.Length() == 0 {
		return "", "", &MissingFieldError{Field: FieldPriceSymbol}
	}

	whole := scope.Find("span.a-price-whole").First()
	if whole.Length() == 0 {
		return "", "", &MissingFieldError{Field: FieldPriceWhole}
	}

	fraction := scope.Find("span.a-price-fraction").First()
	if fraction.Length() == 0 {
		return "", "", &MissingFieldError{Field: FieldPriceFraction}
	}

	return symbol.Text(), NormalizePrice(whole.Text(), fraction.Text()), nil
}

// NormalizePrice strips every non-digit from the whole part and joins it
// with the fraction: "1.234," + "56" -> "1234.56".
func NormalizePrice(whole, fraction string) string {
	return nonDigits.ReplaceAllString(whole, "") + "." + strings.TrimSpace(fraction)
}
