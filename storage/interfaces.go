package storage

import (
	"context"
	"errors"
	"time"

	"market-pipeline/models"
)

// ErrDuplicate is returned when an insert loses a uniqueness race. Callers
// re-query and treat the now-visible row as authoritative.
var ErrDuplicate = errors.New("storage: duplicate key")

// RegionScope narrows analytics reads. A set RegionID wins; otherwise the
// non-empty names filter case-insensitively. The zero value means all regions.
type RegionScope struct {
	RegionID *int64
	Province string
	District string
}

// ListingStore persists normalized listings.
type ListingStore interface {
	// UpsertListing inserts or updates by (source, external_id) and replaces
	// the listing's attribute rows when it carries any, as one unit.
	UpsertListing(ctx context.Context, l *models.Listing) (models.UpsertResult, error)
	SeenExternalIDs(ctx context.Context, source models.Source) ([]string, error)
	// ListUnmapped returns listings without a SKU that have attributes.
	// limit <= 0 means no limit.
	// Results are ordered by id and start after afterID; limit <= 0 means no limit.
	ListUnmapped(ctx context.Context, afterID int64, limit int) ([]models.Listing, error)
	SetListingSKU(ctx context.Context, listingID, skuID int64) error
	ActivePricedListings(ctx context.Context) ([]models.PricedListing, error)
}

// RegionStore resolves administrative regions.
type RegionStore interface {
	// FindRegion matches names case-insensitively. Neighborhood is required,
	// empty parent levels match any parent. Returns models.ErrRegionNotFound.
	FindRegion(ctx context.Context, names models.RegionNames) (*models.Region, error)
	// EnsureRegion returns the neighborhood id, creating missing levels.
	EnsureRegion(ctx context.Context, names models.RegionNames) (int64, error)
}

// CatalogStore exposes the reference attribute schema.
type CatalogStore interface {
	SeedCatalog(ctx context.Context, categories []models.Category, attrs []AttributeSeed) error
	Attributes(ctx context.Context) ([]models.Attribute, error)
	Options(ctx context.Context, attributeID int) ([]models.AttributeOption, error)
	// FindOption matches code and value case-insensitively. Returns
	// models.ErrOptionNotFound.
	FindOption(ctx context.Context, code, value string) (*models.AttributeOption, error)
}

// AttributeSeed is one attribute with its allowed option values.
type AttributeSeed struct {
	Attribute models.Attribute
	Options   []string
}

// SKUStore persists canonical product variants.
type SKUStore interface {
	// FindSKU returns nil without error when no SKU exists.
	FindSKU(ctx context.Context, categoryID int, fingerprint string) (*models.SKU, error)
	// InsertSKU returns ErrDuplicate when (category, fingerprint) already exists.
	InsertSKU(ctx context.Context, sku *models.SKU) (int64, error)
	// InsertSKUAttributes stores the denormalized values, skipping codes that
	// are not in the attribute schema.
	InsertSKUAttributes(ctx context.Context, skuID int64, attrs map[string]string) error
	// FindSKUsContaining returns SKUs of the category whose spec pairs include
	// every given pair, ordered by id.
	FindSKUsContaining(ctx context.Context, categoryID int, pairs []string) ([]int64, error)
}

// StatsStore persists aggregated buckets and serves analytics reads.
type StatsStore interface {
	// UpsertStats replaces the bucket identified by s.Key().
	UpsertStats(ctx context.Context, s models.PriceStats) error
	// LatestStats returns the newest bucket of every (sku, region) in scope.
	LatestStats(ctx context.Context, skuIDs []int64, scope RegionScope) ([]models.RegionStats, error)
	StatsSince(ctx context.Context, skuIDs []int64, scope RegionScope, since time.Time) ([]models.PriceStats, error)
	// LowestListings returns active priced listings ascending by price.
	LowestListings(ctx context.Context, skuIDs []int64, scope RegionScope, limit int) ([]models.ListingView, error)
}

// Store is the full relational backend.
type Store interface {
	ListingStore
	RegionStore
	CatalogStore
	SKUStore
	StatsStore
	Close() error
}

// Checkpoint records the progress of one crawl query.
type Checkpoint struct {
	Source    models.Source `json:"source"`
	Query     string        `json:"query"`
	RunID     string        `json:"run_id"`
	LastPage  int           `json:"last_page"`
	Admitted  int           `json:"admitted"`
	Completed bool          `json:"completed"`
	StopCause string        `json:"stop_cause,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CheckpointStore is a small key-value view over crawl state, so the crawl
// controller runs unchanged against local files or a shared store.
type CheckpointStore interface {
	// LoadCheckpoint returns nil without error when nothing was saved.
	LoadCheckpoint(ctx context.Context, source models.Source, query string) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LoadSeen(ctx context.Context, source models.Source) ([]string, error)
	AddSeen(ctx context.Context, source models.Source, ids ...string) error
}

// Locker grants at most one holder per name.
type Locker interface {
	// TryLock returns ok=false when another holder owns name. The returned
	// release func must be called by the holder.
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func() error, ok bool, err error)
}

// RawArchive keeps intake records exactly as they were scraped.
type RawArchive interface {
	Archive(ctx context.Context, raws []models.RawListing) error
	Close() error
}

// NopArchive discards everything.
type NopArchive struct{}

func (NopArchive) Archive(context.Context, []models.RawListing) error { return nil }
func (NopArchive) Close() error                                       { return nil }
