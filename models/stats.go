package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Granularity is the width of a statistics bucket.
type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

// Valid reports whether g is a supported bucket width.
func (g Granularity) Valid() bool {
	switch g {
	case GranularityHour, GranularityDay, GranularityWeek, GranularityMonth:
		return true
	}
	return false
}

// PriceStats is one (sku, region, bucket) row of aggregated prices.
type PriceStats struct {
	SKUID    int64
	RegionID int64
	BucketTS time.Time
	ItemsNum int
	SumPrice int64
	AvgPrice decimal.Decimal
	MinPrice int
	MaxPrice int
}

// Key identifies the bucket a row belongs to.
func (s PriceStats) Key() StatsKey {
	return StatsKey{SKUID: s.SKUID, RegionID: s.RegionID, BucketTS: s.BucketTS.UTC()}
}

// StatsKey is the primary key of a statistics bucket.
type StatsKey struct {
	SKUID    int64
	RegionID int64
	BucketTS time.Time
}

// RegionStats is a statistics row joined with its region's names.
type RegionStats struct {
	PriceStats
	Region RegionNames
}
