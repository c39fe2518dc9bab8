// Package scraper defines the marketplace adapter contract. Each adapter
// turns one marketplace's search and detail pages into intake records.
package scraper

import (
	"context"
	"strconv"
	"strings"

	"market-pipeline/models"
)

// Query is one paginated search: a product keyword, optionally scoped to a
// province and district.
type Query struct {
	CategoryID int
	Keyword    string
	Province   string
	District   string
}

// Key identifies the query in checkpoints.
func (q Query) Key() string {
	parts := []string{strconv.Itoa(q.CategoryID), q.Keyword}
	if q.Province != "" || q.District != "" {
		parts = append(parts, q.Province, q.District)
	}
	return strings.Join(parts, "|")
}

// Page is one page of search results.
type Page struct {
	Listings []models.RawListing
	// Fetched counts every entry the marketplace returned, including ones
	// the adapter skipped (ads, malformed cards). It drives the last-page check.
	Fetched int
}

// Adapter fetches listings from one marketplace.
type Adapter interface {
	Source() models.Source
	// PageSize is the number of entries a full search page carries.
	PageSize() int
	// SearchPage returns page (1-based) of q's results.
	SearchPage(ctx context.Context, q Query, page int) (Page, error)
	// FetchDetail completes a summary from its detail page in place. Adapters
	// whose search results are already complete return nil.
	FetchDetail(ctx context.Context, raw *models.RawListing) error
}
