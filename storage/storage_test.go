package storage

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-pipeline/models"
)

func intPtr(v int) *int { return &v }

func TestMemoryUpsertListingDedup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	l := &models.Listing{
		Source: models.SourceBunjang, ExternalID: "100", CategoryID: 1,
		Title: "아이폰 13", Price: intPtr(500000), URL: "https://m.bunjang.co.kr/products/100",
		Status: models.StatusActive,
	}
	first, err := s.UpsertListing(ctx, l)
	require.NoError(t, err)
	assert.True(t, first.Created)

	l2 := *l
	l2.Price = intPtr(450000)
	second, err := s.UpsertListing(ctx, &l2)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, 1, s.ListingCount())
	got, ok := s.Listing(models.SourceBunjang, "100")
	require.True(t, ok)
	assert.Equal(t, 450000, *got.Price)
}

func TestMemoryUpsertKeepsRegionWhenAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rid, err := s.EnsureRegion(ctx, models.RegionNames{Province: "서울특별시", District: "강남구", Neighborhood: "역삼동"})
	require.NoError(t, err)

	_, err = s.UpsertListing(ctx, &models.Listing{Source: models.SourceDaangn, ExternalID: "1", CategoryID: 1, RegionID: &rid, Status: models.StatusActive})
	require.NoError(t, err)
	_, err = s.UpsertListing(ctx, &models.Listing{Source: models.SourceDaangn, ExternalID: "1", CategoryID: 1, Status: models.StatusSold})
	require.NoError(t, err)

	got, _ := s.Listing(models.SourceDaangn, "1")
	require.NotNil(t, got.RegionID)
	assert.Equal(t, rid, *got.RegionID)
	assert.Equal(t, models.StatusSold, got.Status)
}

func TestMemoryFindRegionCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id, err := s.EnsureRegion(ctx, models.RegionNames{Province: "Seoul", District: "Gangnam-gu", Neighborhood: "Yeoksam-dong"})
	require.NoError(t, err)

	again, err := s.EnsureRegion(ctx, models.RegionNames{Province: "Seoul", District: "Gangnam-gu", Neighborhood: "Yeoksam-dong"})
	require.NoError(t, err)
	assert.Equal(t, id, again)

	r, err := s.FindRegion(ctx, models.RegionNames{District: "gangnam-GU", Neighborhood: "yeoksam-dong"})
	require.NoError(t, err)
	assert.Equal(t, id, r.ID)

	_, err = s.FindRegion(ctx, models.RegionNames{District: "Mapo-gu", Neighborhood: "Yeoksam-dong"})
	assert.ErrorIs(t, err, models.ErrRegionNotFound)

	_, err = s.EnsureRegion(ctx, models.RegionNames{Neighborhood: "Only"})
	assert.Error(t, err)
}

func TestMemorySKUUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id, err := s.InsertSKU(ctx, &models.SKU{CategoryID: 1, Fingerprint: "abc", SpecPairs: []string{"model:X", "storage:128"}})
	require.NoError(t, err)

	_, err = s.InsertSKU(ctx, &models.SKU{CategoryID: 1, Fingerprint: "abc"})
	assert.ErrorIs(t, err, ErrDuplicate)

	// same fingerprint in another category is a different SKU
	_, err = s.InsertSKU(ctx, &models.SKU{CategoryID: 2, Fingerprint: "abc"})
	require.NoError(t, err)

	ids, err := s.FindSKUsContaining(ctx, 1, []string{"model:X"})
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, ids)

	ids, err = s.FindSKUsContaining(ctx, 1, []string{"model:X", "storage:256"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemorySKUAttributesSkipUnknownCodes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SeedCatalog(ctx, []models.Category{{ID: 1, Name: "iPhone"}}, []AttributeSeed{
		{Attribute: models.Attribute{Code: "model", DataType: models.DataTypeEnum}, Options: []string{"iPhone 13"}},
	}))

	require.NoError(t, s.InsertSKUAttributes(ctx, 7, map[string]string{"model": "iPhone 13", "mystery": "?"}))
	assert.Equal(t, map[string]string{"model": "iPhone 13"}, s.SKUAttributes(7))

	opt, err := s.FindOption(ctx, "MODEL", "iphone 13")
	require.NoError(t, err)
	assert.Equal(t, "iPhone 13", opt.Value)

	_, err = s.FindOption(ctx, "model", "iPhone 99")
	assert.ErrorIs(t, err, models.ErrOptionNotFound)
}

func TestMemoryLatestStatsAndScope(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seoul, _ := s.EnsureRegion(ctx, models.RegionNames{Province: "서울특별시", District: "강남구", Neighborhood: "역삼동"})
	busan, _ := s.EnsureRegion(ctx, models.RegionNames{Province: "부산광역시", District: "해운대구", Neighborhood: "우동"})

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, region := range []int64{seoul, seoul, busan} {
		require.NoError(t, s.UpsertStats(ctx, models.PriceStats{
			SKUID: 1, RegionID: region, BucketTS: day.AddDate(0, 0, i),
			ItemsNum: 1, SumPrice: 100, AvgPrice: decimal.NewFromInt(100), MinPrice: 100, MaxPrice: 100,
		}))
	}

	all, err := s.LatestStats(ctx, []int64{1}, RegionScope{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, day.AddDate(0, 0, 1), all[0].BucketTS)
	assert.Equal(t, "역삼동", all[0].Region.Neighborhood)

	only, err := s.LatestStats(ctx, []int64{1}, RegionScope{Province: "부산광역시"})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, busan, only[0].RegionID)

	since, err := s.StatsSince(ctx, []int64{1}, RegionScope{RegionID: &seoul}, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, since, 1)
}

func TestFileCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)

	cp, err := store.LoadCheckpoint(ctx, models.SourceJoongna, "아이폰")
	require.NoError(t, err)
	assert.Nil(t, cp)

	want := Checkpoint{
		Source: models.SourceJoongna, Query: "아이폰", RunID: "r1", LastPage: 4,
		Admitted: 12, Completed: true, UpdatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, store.SaveCheckpoint(ctx, want))

	got, err := store.LoadCheckpoint(ctx, models.SourceJoongna, "아이폰")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	require.NoError(t, store.AddSeen(ctx, models.SourceJoongna, "1", "2"))
	require.NoError(t, store.AddSeen(ctx, models.SourceJoongna, "3"))
	ids, err := store.LoadSeen(ctx, models.SourceJoongna)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids)

	other, err := store.LoadSeen(ctx, models.SourceDaangn)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestFileCheckpointLock(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)

	release, ok, err := store.TryLock(ctx, "pipeline", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.TryLock(ctx, "pipeline", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, release())
	release, ok, err = store.TryLock(ctx, "pipeline", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, release())
}

func TestCSVArchiveAppendsWithSingleHeader(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out", "raw.csv")

	a, err := NewCSVArchive(path)
	require.NoError(t, err)
	require.NoError(t, a.Archive(ctx, []models.RawListing{{Source: models.SourceBunjang, ExternalID: "1", Title: "a"}}))
	require.NoError(t, a.Close())

	b, err := NewCSVArchive(path)
	require.NoError(t, err)
	require.NoError(t, b.Archive(ctx, []models.RawListing{{Source: models.SourceBunjang, ExternalID: "2", Title: "b"}}))
	require.NoError(t, b.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "source", records[0][0])
	assert.Equal(t, "1", records[1][1])
	assert.Equal(t, "2", records[2][1])
}

func TestLoadRegionSeed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	data := "sd,sgg,emd\n서울특별시,강남구,역삼동\n서울특별시,강남구,\n서울특별시,마포구,서교동\n"

	n, err := LoadRegionSeed(ctx, s, strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	r, err := s.FindRegion(ctx, models.RegionNames{Neighborhood: "서교동"})
	require.NoError(t, err)
	assert.Equal(t, "마포구", r.District)

	rows, err := ParseRegionSeed(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, rows)
}
