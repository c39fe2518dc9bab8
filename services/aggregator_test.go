package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"market-pipeline/models"
	"market-pipeline/storage"
)

func seoul(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	return loc
}

func TestBucketStart(t *testing.T) {
	loc := seoul(t)
	// Monday 01:37 in Seoul
	monday := time.Date(2024, 5, 5, 16, 37, 0, 0, time.UTC)
	// Sunday 23:00 in Seoul
	sunday := time.Date(2024, 5, 5, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   time.Time
		g    models.Granularity
		want time.Time
	}{
		{"hour", monday, models.GranularityHour, time.Date(2024, 5, 5, 16, 0, 0, 0, time.UTC)},
		{"day", monday, models.GranularityDay, time.Date(2024, 5, 5, 15, 0, 0, 0, time.UTC)},
		{"week from monday", monday, models.GranularityWeek, time.Date(2024, 5, 5, 15, 0, 0, 0, time.UTC)},
		{"week from sunday", sunday, models.GranularityWeek, time.Date(2024, 4, 28, 15, 0, 0, 0, time.UTC)},
		{"month", monday, models.GranularityMonth, time.Date(2024, 4, 30, 15, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BucketStart(tt.in, tt.g, loc)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestAggregate(t *testing.T) {
	day := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	rows := Aggregate([]models.PricedListing{
		{SKUID: 1, RegionID: 1, Price: 700000, CreatedAt: day},
		{SKUID: 1, RegionID: 1, Price: 650000, CreatedAt: day.Add(5 * time.Hour)},
		{SKUID: 1, RegionID: 2, Price: 600000, CreatedAt: day},
		{SKUID: 2, RegionID: 1, Price: 100, CreatedAt: day},
		{SKUID: 2, RegionID: 1, Price: 100, CreatedAt: day},
		{SKUID: 2, RegionID: 1, Price: 101, CreatedAt: day},
		{SKUID: 1, RegionID: 1, Price: 500000, CreatedAt: day.AddDate(0, 0, 1)},
	}, AggregateOptions{Granularity: models.GranularityDay})

	require.Len(t, rows, 4)

	first := rows[0]
	assert.Equal(t, int64(1), first.SKUID)
	assert.Equal(t, int64(1), first.RegionID)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), first.BucketTS)
	assert.Equal(t, 2, first.ItemsNum)
	assert.Equal(t, int64(1350000), first.SumPrice)
	assert.Equal(t, "675000.00", first.AvgPrice.StringFixed(2))
	assert.Equal(t, 650000, first.MinPrice)
	assert.Equal(t, 700000, first.MaxPrice)

	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), rows[1].BucketTS)
	assert.Equal(t, int64(2), rows[2].RegionID)
	assert.Equal(t, "100.33", rows[3].AvgPrice.StringFixed(2))
}

func TestAggregateEmpty(t *testing.T) {
	assert.Empty(t, Aggregate(nil, AggregateOptions{}))
}

func seedPricedListing(t *testing.T, s *storage.MemoryStore, extID string, sku, region int64, price int, created time.Time) *models.Listing {
	t.Helper()
	l := &models.Listing{
		Source: models.SourceBunjang, ExternalID: extID, CategoryID: 1,
		SKUID: &sku, RegionID: &region, Price: intPtr(price),
		Status: models.StatusActive, CreatedAt: created,
	}
	_, err := s.UpsertListing(context.Background(), l)
	require.NoError(t, err)
	return l
}

func TestRefreshIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	day := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	seedPricedListing(t, s, "1", 1, 1, 700000, day)
	seedPricedListing(t, s, "2", 1, 1, 650000, day)

	agg := NewAggregator(s, s, zap.NewNop())
	n, err := agg.Refresh(ctx, AggregateOptions{Granularity: models.GranularityDay})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	first := s.AllStats()

	_, err = agg.Refresh(ctx, AggregateOptions{Granularity: models.GranularityDay})
	require.NoError(t, err)
	assert.Equal(t, first, s.AllStats())
	assert.Equal(t, 2, first[0].ItemsNum)
}

func TestRefreshRecomputesAfterSale(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	day := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	seedPricedListing(t, s, "1", 1, 1, 700000, day)
	sold := seedPricedListing(t, s, "2", 1, 1, 650000, day)

	agg := NewAggregator(s, s, zap.NewNop())
	_, err := agg.Refresh(ctx, AggregateOptions{})
	require.NoError(t, err)

	sold.Status = models.StatusSold
	_, err = s.UpsertListing(ctx, sold)
	require.NoError(t, err)

	_, err = agg.Refresh(ctx, AggregateOptions{})
	require.NoError(t, err)

	stats := s.AllStats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].ItemsNum)
	assert.Equal(t, int64(700000), stats[0].SumPrice)
	assert.Equal(t, 700000, stats[0].MinPrice)
	assert.Equal(t, "700000.00", stats[0].AvgPrice.StringFixed(2))
}
