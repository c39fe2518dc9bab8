package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"market-pipeline/models"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		raw  string
		want *int
	}{
		{"650,000원", intPtr(650000)},
		{"650000", intPtr(650000)},
		{"65만원", intPtr(650000)},
		{"1.5만", intPtr(15000)},
		{" 1 200 000 원 ", intPtr(1200000)},
		{"가격: 700,000", intPtr(700000)},
		{"나눔", nil},
		{"무료나눔", nil},
		{"가격문의", nil},
		{"Negotiable", nil},
		{"", nil},
		{"원", nil},
		{"9999999999999", nil},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePrice(tt.raw))
		})
	}
}

func TestParseRegion(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		hints models.RegionNames
		want  models.RegionNames
	}{
		{"one token", "역삼동", models.RegionNames{}, models.RegionNames{Neighborhood: "역삼동"}},
		{"two tokens", "강남구 역삼동", models.RegionNames{}, models.RegionNames{District: "강남구", Neighborhood: "역삼동"}},
		{"three tokens", "서울특별시 강남구 역삼동", models.RegionNames{},
			models.RegionNames{Province: "서울특별시", District: "강남구", Neighborhood: "역삼동"}},
		{"four tokens keep last", "서울특별시 강남구 역삼1동 근처", models.RegionNames{},
			models.RegionNames{Province: "서울특별시", District: "강남구", Neighborhood: "근처"}},
		{"hints override", "서울 강남구 역삼동", models.RegionNames{Province: "서울특별시"},
			models.RegionNames{Province: "서울특별시", District: "강남구", Neighborhood: "역삼동"}},
		{"hint fills neighborhood", "", models.RegionNames{District: "마포구", Neighborhood: "서교동"},
			models.RegionNames{District: "마포구", Neighborhood: "서교동"}},
		{"empty", "", models.RegionNames{}, models.RegionNames{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRegion(tt.text, tt.hints))
		})
	}
}

func TestParseRelativeTime(t *testing.T) {
	tests := []struct {
		text string
		want time.Duration
	}{
		{"3분 전", 3 * time.Minute},
		{"2시간 전", 2 * time.Hour},
		{"1일 전", 24 * time.Hour},
		{"2주 전", 14 * 24 * time.Hour},
		{"1개월 전", 30 * 24 * time.Hour},
		{"5 minutes ago", 5 * time.Minute},
		{"1 day ago", 24 * time.Hour},
		{"3 weeks ago", 21 * 24 * time.Hour},
		{"방금 전", 0},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := ParseRelativeTime(tt.text, testNow)
			require.NotNil(t, got)
			assert.Equal(t, testNow.Add(-tt.want), *got)
		})
	}

	assert.Nil(t, ParseRelativeTime("", testNow))
	assert.Nil(t, ParseRelativeTime("어제", testNow))
}

func TestExtractExternalID(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://www.daangn.com/articles/123456789", "123456789"},
		{"https://m.bunjang.co.kr/products/246810?ref=search", "246810"},
		{"https://web.joongna.com/product/135791", "135791"},
		{"https://www.daangn.com/kr/buy-sell/아이폰-13-128gb-abc123xyz/", "abc123xyz"},
		{"https://example.com/item/42/photos/7", "7"},
		{"https://example.com/item/42?page=3", "42"},
		{"https://example.com/item/latest", "https://example.com/item/latest"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractExternalID(tt.url))
		})
	}
}

func TestNormalize(t *testing.T) {
	n := NewNormalizer(zap.NewNop())

	l, err := n.Normalize(models.RawListing{
		Source:         models.SourceBunjang,
		CategoryID:     1,
		Title:          "  아이폰 13   128GB  ",
		RawPrice:       "650,000원",
		URL:            "https://m.bunjang.co.kr/products/100",
		Status:         "예약중",
		Location:       "서울특별시 강남구 역삼동",
		PostedAt:       "1717200000",
		PostedRelative: "1시간 전",
		Attributes:     map[string]string{" Storage ": " 128GB ", "color": ""},
	}, testNow)
	require.NoError(t, err)

	assert.Equal(t, "100", l.ExternalID)
	assert.Equal(t, "아이폰 13 128GB", l.Title)
	assert.Equal(t, 650000, l.PriceValue())
	assert.Equal(t, models.StatusReserved, l.Status)
	assert.Equal(t, "역삼동", l.Region.Neighborhood)
	require.NotNil(t, l.PostedAt)
	assert.Equal(t, time.Unix(1717200000, 0).UTC(), *l.PostedAt)
	assert.Equal(t, testNow, l.LastCrawledAt)
	assert.Equal(t, map[string]string{"storage": "128GB"}, l.Attributes)
}

func TestNormalizeDefaults(t *testing.T) {
	n := NewNormalizer(zap.NewNop())

	l, err := n.Normalize(models.RawListing{
		Source: models.SourceDaangn, CategoryID: 2, Title: "아이패드",
		URL: "https://www.daangn.com/articles/77", PostedRelative: "2일 전",
		PostedAt: "2024-05-01T10:00:00+09:00",
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, l.Status)
	assert.Nil(t, l.Price)
	require.NotNil(t, l.PostedAt)
	assert.Equal(t, time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC), *l.PostedAt)
}

func TestNormalizeRejectsUnidentifiable(t *testing.T) {
	n := NewNormalizer(zap.NewNop())

	for name, raw := range map[string]models.RawListing{
		"no url":      {Source: models.SourceBunjang, CategoryID: 1},
		"bad source":  {Source: "ebay", CategoryID: 1, URL: "https://x/1"},
		"no category": {Source: models.SourceBunjang, URL: "https://x/1"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := n.Normalize(raw, testNow)
			assert.ErrorIs(t, err, ErrUnidentifiable)
		})
	}
}

func TestNormalizeBatchDeduplicates(t *testing.T) {
	n := NewNormalizer(zap.NewNop())
	raws := []models.RawListing{
		{Source: models.SourceBunjang, CategoryID: 1, URL: "https://m.bunjang.co.kr/products/1", RawPrice: "100"},
		{Source: models.SourceBunjang, CategoryID: 1, URL: ""},
		{Source: models.SourceBunjang, CategoryID: 1, URL: "https://m.bunjang.co.kr/products/1", RawPrice: "90"},
		{Source: models.SourceJoongna, CategoryID: 1, URL: "https://web.joongna.com/product/1"},
	}

	out := n.NormalizeBatch(raws, testNow)
	require.Len(t, out, 2)
	assert.Equal(t, 90, out[0].PriceValue())
	assert.Equal(t, models.SourceJoongna, out[1].Source)
}

func intPtr(v int) *int { return &v }
