package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"market-pipeline/models"
	"market-pipeline/storage"
)

// AggregateOptions selects the bucket width and the timezone buckets are
// aligned to.
type AggregateOptions struct {
	Granularity models.Granularity
	Location    *time.Location
}

func (o AggregateOptions) withDefaults() AggregateOptions {
	if !o.Granularity.Valid() {
		o.Granularity = models.GranularityDay
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	return o
}

// BucketStart truncates t to the start of its bucket in loc and returns the
// instant in UTC. Weeks start on Monday.
func BucketStart(t time.Time, g models.Granularity, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	y, m, d := lt.Date()

	var start time.Time
	switch g {
	case models.GranularityHour:
		start = time.Date(y, m, d, lt.Hour(), 0, 0, 0, loc)
	case models.GranularityWeek:
		offset := (int(lt.Weekday()) + 6) % 7
		start = time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
	case models.GranularityMonth:
		start = time.Date(y, m, 1, 0, 0, 0, 0, loc)
	default:
		start = time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	return start.UTC()
}

// Aggregate groups listings into (sku, region, bucket) statistics. The
// result is ordered by sku, region and bucket.
func Aggregate(listings []models.PricedListing, opts AggregateOptions) []models.PriceStats {
	opts = opts.withDefaults()
	groups := make(map[models.StatsKey]*models.PriceStats)

	for _, l := range listings {
		key := models.StatsKey{
			SKUID:    l.SKUID,
			RegionID: l.RegionID,
			BucketTS: BucketStart(l.CreatedAt, opts.Granularity, opts.Location),
		}
		s, ok := groups[key]
		if !ok {
			s = &models.PriceStats{
				SKUID: key.SKUID, RegionID: key.RegionID, BucketTS: key.BucketTS,
				MinPrice: l.Price, MaxPrice: l.Price,
			}
			groups[key] = s
		}
		s.ItemsNum++
		s.SumPrice += int64(l.Price)
		s.MinPrice = min(s.MinPrice, l.Price)
		s.MaxPrice = max(s.MaxPrice, l.Price)
	}

	out := make([]models.PriceStats, 0, len(groups))
	for _, s := range groups {
		s.AvgPrice = decimal.NewFromInt(s.SumPrice).
			DivRound(decimal.NewFromInt(int64(s.ItemsNum)), 2)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SKUID != b.SKUID {
			return a.SKUID < b.SKUID
		}
		if a.RegionID != b.RegionID {
			return a.RegionID < b.RegionID
		}
		return a.BucketTS.Before(b.BucketTS)
	})
	return out
}

// Aggregator recomputes price statistics from the active listing set.
type Aggregator struct {
	listings storage.ListingStore
	stats    storage.StatsStore
	logger   *zap.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(listings storage.ListingStore, stats storage.StatsStore, logger *zap.Logger) *Aggregator {
	return &Aggregator{listings: listings, stats: stats, logger: logger}
}

// Refresh rebuilds every bucket that has active listings and replaces the
// stored rows. Running it twice yields the same rows.
func (a *Aggregator) Refresh(ctx context.Context, opts AggregateOptions) (int, error) {
	opts = opts.withDefaults()
	listings, err := a.listings.ActivePricedListings(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active listings: %w", err)
	}

	rows := Aggregate(listings, opts)
	for i, s := range rows {
		if err := a.stats.UpsertStats(ctx, s); err != nil {
			return i, fmt.Errorf("upsert stats sku=%d region=%d bucket=%s: %w",
				s.SKUID, s.RegionID, s.BucketTS.Format(time.RFC3339), err)
		}
	}

	a.logger.Info("price stats refreshed",
		zap.String("granularity", string(opts.Granularity)),
		zap.String("timezone", opts.Location.String()),
		zap.Int("listings", len(listings)),
		zap.Int("buckets", len(rows)))
	return len(rows), nil
}
