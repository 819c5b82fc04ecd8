package parser

import (
	"fmt"

	"github.com/maltedev/product-rag-scraper/internal/models"
)

// Field names reported by MissingFieldError.
const (
	FieldTitle         = "title"
	FieldPriceSymbol   = "price_symbol"
	FieldPriceWhole    = "price_whole"
	FieldPriceFraction = "price_fraction"
)

type Parser interface {
	ParseSearchResults(html string) ([]models.SearchResultEntry, error)
	ParseProduct(html string) (*models.ProductRecord, error)
}

// MissingFieldError is returned when a mandatory product field is absent.
// The whole record is invalid in that case.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing mandatory field %q", e.Field)
}
