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

func newTestIngest(t *testing.T, s *storage.MemoryStore) *IngestService {
	t.Helper()
	ex, err := NewExtractor(loadTestRules(t))
	require.NoError(t, err)
	svc := NewIngestService(s, nil, NewNormalizer(zap.NewNop()), ex, zap.NewNop())
	svc.now = func() time.Time { return testNow }
	return svc
}

func rawListing(source models.Source, extID, title, price string) models.RawListing {
	return models.RawListing{
		Source:       source,
		ExternalID:   extID,
		CategoryID:   1,
		Title:        title,
		RawPrice:     models.RawPrice(price),
		URL:          "https://example.com/" + string(source) + "/" + extID,
		Province:     "서울특별시",
		District:     "강남구",
		Neighborhood: "역삼동",
	}
}

func TestStoreCreatesRegionAndExtractsAttributes(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	svc := newTestIngest(t, s)

	l := &models.Listing{
		Source: models.SourceBunjang, ExternalID: "1", CategoryID: 1,
		Title: "아이폰 13 프로 256GB 그라파이트", Price: intPtr(900000), Status: models.StatusActive,
		Region: models.RegionNames{Province: "서울특별시", District: "강남구", Neighborhood: "역삼동"},
	}
	res, err := svc.Store(ctx, l)
	require.NoError(t, err)
	assert.True(t, res.Created)
	require.NotNil(t, l.RegionID)

	region, err := s.FindRegion(ctx, models.RegionNames{District: "강남구", Neighborhood: "역삼동"})
	require.NoError(t, err)
	assert.Equal(t, region.ID, *l.RegionID)

	stored, ok := s.Listing(models.SourceBunjang, "1")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"model": "iPhone 13 Pro", "storage": "256", "color": "Graphite"}, stored.Attributes)

	res, err = svc.Store(ctx, &models.Listing{
		Source: models.SourceBunjang, ExternalID: "1", CategoryID: 1,
		Title: "아이폰 13 프로 256GB 그라파이트", Price: intPtr(850000), Status: models.StatusActive,
		Region: l.Region,
	})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, 1, s.ListingCount())
}

func TestStoreLeavesUnknownPartialRegionEmpty(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	svc := newTestIngest(t, s)

	l := &models.Listing{
		Source: models.SourceJoongna, ExternalID: "9", CategoryID: 1,
		Title: "아이폰 12", Price: intPtr(400000), Status: models.StatusActive,
		Region: models.RegionNames{Neighborhood: "논현1동"},
	}
	_, err := svc.Store(ctx, l)
	require.NoError(t, err)
	assert.Nil(t, l.RegionID)

	_, err = s.FindRegion(ctx, models.RegionNames{Neighborhood: "논현1동"})
	assert.ErrorIs(t, err, models.ErrRegionNotFound)
}

func TestIngestBatchFilters(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	svc := newTestIngest(t, s)
	chain := NewFilterChain(loadTestRules(t), nil, zap.NewNop())

	raws := []models.RawListing{
		rawListing(models.SourceBunjang, "1", "아이폰 13 128GB 블랙", "700,000원"),
		rawListing(models.SourceBunjang, "2", "아이폰 13 삽니다", "500000"),
		rawListing(models.SourceBunjang, "3", "아이폰 13 케이스 전용", "35000"),
		rawListing(models.SourceBunjang, "4", "아이폰 12 64GB", "나눔"),
		{Source: models.SourceBunjang, ExternalID: "5", CategoryID: 1, Title: "no url"},
	}
	res, err := svc.IngestBatch(ctx, raws, IngestOptions{Filter: chain})
	require.NoError(t, err)

	assert.Equal(t, 5, res.Received)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, map[RejectReason]int{ReasonBuying: 1, ReasonAccessory: 1, ReasonNoPrice: 1}, res.Filtered)
	assert.Equal(t, 1, s.ListingCount())
}

func TestIngestThroughSummary(t *testing.T) {
	ctx := context.Background()
	s := newSeededStore(t)
	s.SetClock(func() time.Time { return testNow })
	svc := newTestIngest(t, s)

	a := rawListing(models.SourceBunjang, "m1", "팝니다", "700000")
	a.ExternalID = "100"
	a.URL = "https://m.bunjang.co.kr/products/100"
	a.Attributes = map[string]string{"model": "X", "storage": "128GB"}
	b := rawListing(models.SourceJoongna, "m2", "팝니다", "650000")
	b.ExternalID = "200"
	b.URL = "https://web.joongna.com/product/200"
	b.Attributes = map[string]string{"model": "X", "storage": "128GB"}

	res, err := svc.IngestBatch(ctx, []models.RawListing{a, b}, IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Created)

	mapped, err := newTestResolver(t, s).MapUnresolved(ctx, s, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, mapped.Mapped)
	assert.Equal(t, 1, mapped.Created)

	la, _ := s.Listing(models.SourceBunjang, "100")
	lb, _ := s.Listing(models.SourceJoongna, "200")
	require.NotNil(t, la.SKUID)
	require.NotNil(t, lb.SKUID)
	assert.Equal(t, *la.SKUID, *lb.SKUID)

	_, err = NewAggregator(s, s, zap.NewNop()).Refresh(ctx, AggregateOptions{})
	require.NoError(t, err)

	sum, err := newTestAnalytics(t, s).Summary(ctx, []int64{*la.SKUID}, storage.RegionScope{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.ListingCount)
	assert.Equal(t, int64(675000), sum.AveragePrice)
	assert.Equal(t, 650000, sum.MinPrice)
	assert.Equal(t, 700000, sum.MaxPrice)
}
