package models

import (
	"fmt"
	"time"
)

// SearchResultEntry is one organic or sponsored result on a search page.
type SearchResultEntry struct {
	ProductLink string `json:"product_link"`
	IsSponsored bool   `json:"is_sponsored"`
}

// ProductRecord is the structured data extracted from a product page.
type ProductRecord struct {
	Title       string            `json:"title"`
	Description *string           `json:"description"`
	PriceSymbol string            `json:"price_symbol"`
	Price       string            `json:"price"`
	Details     map[string]string `json:"details"`
}

// ASIN returns the ASIN detail row if the page listed one.
func (p *ProductRecord) ASIN() string {
	if p.Details == nil {
		return ""
	}
	return p.Details["ASIN"]
}

type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (g GeoPoint) Validate() error {
	if g.Latitude < -90 || g.Latitude > 90 {
		return fmt.Errorf("latitude out of range: %v", g.Latitude)
	}
	if g.Longitude < -180 || g.Longitude > 180 {
		return fmt.Errorf("longitude out of range: %v", g.Longitude)
	}
	return nil
}

// Defaults applied when a run request leaves the limits out.
const (
	DefaultMaxPages    = 1
	DefaultMaxParallel = 2
)

// WorkflowRun is the immutable input of one search-and-extract run.
type WorkflowRun struct {
	SearchTerm  string   `json:"search_term"`
	Geolocation GeoPoint `json:"geolocation"`
	MaxPages    int      `json:"max_pages"`
	MaxParallel int      `json:"max_parallel"`
}

func (r WorkflowRun) Validate() error {
	if r.SearchTerm == "" {
		return fmt.Errorf("search term is required")
	}
	if r.MaxPages < 1 {
		return fmt.Errorf("max_pages must be at least 1, got %d", r.MaxPages)
	}
	if r.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be at least 1, got %d", r.MaxParallel)
	}
	return r.Geolocation.Validate()
}

// DefaultVectorIndexAlias names the family of weekly product indexes.
const DefaultVectorIndexAlias = "products-vector-brazil-amazon"

// DocumentMetadata is stored next to every indexed product document.
type DocumentMetadata struct {
	ProductLink string     `json:"product_link"`
	ASIN        *string    `json:"asin"`
	Country     string     `json:"country"`
	Geolocation [2]float64 `json:"geolocation"`
	Store       string     `json:"store"`
	Page        string     `json:"page"`
	ScrapedAt   string     `json:"scraped_at"`
}

type ProductDocument struct {
	Metadata DocumentMetadata `json:"metadata"`
	Text     string           `json:"text"`
	Vector   []float32        `json:"vector"`
}

// NewDocumentMetadata builds the metadata for a product scraped at the given time.
func NewDocumentMetadata(link string, record *ProductRecord, geo GeoPoint, scrapedAt time.Time) DocumentMetadata {
	meta := DocumentMetadata{
		ProductLink: link,
		Country:     "brazil",
		Geolocation: [2]float64{geo.Latitude, geo.Longitude},
		Store:       "amazon_brazil",
		Page:        "product_details",
		ScrapedAt:   scrapedAt.UTC().Format("2006-01-02T15:04:05-0700"),
	}
	if asin := record.ASIN(); asin != "" {
		meta.ASIN = &asin
	}
	return meta
}
