package bunjang

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-pipeline/models"
	"market-pipeline/scraper"
	"market-pipeline/utils"
)

const searchBody = `{
  "result": "success",
  "list": [
    {"pid": "240001", "name": "아이폰 13 128GB", "price": "650000", "location": "서울특별시 강남구 역삼동", "update_time": 1717200000, "status": "0"},
    {"pid": 240002, "name": "광고 상품", "price": "1000", "ad": true},
    {"pid": "240003", "name": "아이폰 12 미니", "price": 300000, "location": "마포구 서교동", "update_time": "1717100000", "status": "1"}
  ]
}`

func TestSearchPage(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(searchBody))
	}))
	defer srv.Close()

	a := New(Options{BaseURL: srv.URL, UserAgent: "test-agent"})
	page, err := a.SearchPage(context.Background(), scraper.Query{CategoryID: 1, Keyword: "아이폰", Province: "서울특별시"}, 1)
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "아이폰", got.URL.Query().Get("q"))
	assert.Equal(t, "0", got.URL.Query().Get("page"))
	assert.Equal(t, "100", got.URL.Query().Get("n"))
	assert.Equal(t, "test-agent", got.Header.Get("User-Agent"))

	assert.Equal(t, 3, page.Fetched)
	require.Len(t, page.Listings, 2)

	first := page.Listings[0]
	assert.Equal(t, models.SourceBunjang, first.Source)
	assert.Equal(t, "240001", first.ExternalID)
	assert.Equal(t, 1, first.CategoryID)
	assert.Equal(t, models.RawPrice("650000"), first.RawPrice)
	assert.Equal(t, "https://m.bunjang.co.kr/products/240001", first.URL)
	assert.Equal(t, "active", first.Status)
	assert.Equal(t, "2024-06-01T00:00:00Z", first.PostedAt)
	assert.Equal(t, "서울특별시", first.Province)

	second := page.Listings[1]
	assert.Equal(t, models.RawPrice("300000"), second.RawPrice)
	assert.Equal(t, "reserved", second.Status)
	assert.NotEmpty(t, second.PostedAt)
}

func TestSearchPageDistrictPrefix(t *testing.T) {
	var q string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q = r.URL.Query().Get("q")
		_, _ = w.Write([]byte(`{"result":"success","list":[]}`))
	}))
	defer srv.Close()

	page, err := New(Options{BaseURL: srv.URL}).SearchPage(context.Background(),
		scraper.Query{CategoryID: 3, Keyword: "맥북", District: "강남구"}, 3)
	require.NoError(t, err)
	assert.Equal(t, "강남구 맥북", q)
	assert.Zero(t, page.Fetched)
}

func TestSearchPageErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	a := New(Options{BaseURL: srv.URL})

	_, err := a.SearchPage(context.Background(), scraper.Query{Keyword: "x"}, 1)
	assert.ErrorIs(t, err, utils.ErrPermanent)

	status.Store(http.StatusServiceUnavailable)
	_, err = a.SearchPage(context.Background(), scraper.Query{Keyword: "x"}, 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, utils.ErrPermanent)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, models.StatusActive, statusOf("0"))
	assert.Equal(t, models.StatusReserved, statusOf("1"))
	assert.Equal(t, models.StatusSold, statusOf("3"))
	assert.Equal(t, models.StatusActive, statusOf(""))
}
