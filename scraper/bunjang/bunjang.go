// Package bunjang reads listings from the Bunjang search API.
package bunjang

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"market-pipeline/models"
	"market-pipeline/scraper"
	"market-pipeline/utils"
)

const (
	defaultBaseURL = "https://api.bunjang.co.kr/api/1/find_v2.json"
	productURL     = "https://m.bunjang.co.kr/products/"
	pageSize       = 100
	// digitalCategory narrows the search to the digital devices tree.
	digitalCategory = "600"
)

// Options configures the adapter.
type Options struct {
	BaseURL   string
	UserAgent string
	Client    *http.Client
	Logger    *zap.Logger
}

// Adapter implements scraper.Adapter for Bunjang.
type Adapter struct {
	baseURL   string
	userAgent string
	client    *http.Client
	logger    *zap.Logger
}

// New creates a Bunjang adapter.
func New(opts Options) *Adapter {
	a := &Adapter{
		baseURL:   opts.BaseURL,
		userAgent: opts.UserAgent,
		client:    opts.Client,
		logger:    opts.Logger,
	}
	if a.baseURL == "" {
		a.baseURL = defaultBaseURL
	}
	if a.client == nil {
		a.client = &http.Client{Timeout: 20 * time.Second}
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	return a
}

func (a *Adapter) Source() models.Source { return models.SourceBunjang }
func (a *Adapter) PageSize() int         { return pageSize }

type searchResponse struct {
	Result         string `json:"result"`
	NoResultReason string `json:"no_result_message"`
	List           []item `json:"list"`
}

type item struct {
	PID        json.RawMessage `json:"pid"`
	Name       string          `json:"name"`
	Price      models.RawPrice `json:"price"`
	Location   string          `json:"location"`
	UpdateTime json.Number     `json:"update_time"`
	Status     string          `json:"status"`
	Ad         bool            `json:"ad"`
	Type       string          `json:"type"`
}

// pid is sent as a number or a string depending on the endpoint version.
func (it item) pid() string {
	s := strings.Trim(string(it.PID), `"`)
	if s == "null" {
		return ""
	}
	return s
}

// SearchPage requests one page of newest-first results. Pages are 1-based
// here and 0-based upstream.
func (a *Adapter) SearchPage(ctx context.Context, q scraper.Query, page int) (scraper.Page, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return scraper.Page{}, fmt.Errorf("bunjang: base url: %w", err)
	}
	keyword := q.Keyword
	if q.District != "" {
		keyword = q.District + " " + keyword
	}
	params := u.Query()
	params.Set("q", keyword)
	params.Set("order", "date")
	params.Set("page", strconv.Itoa(page-1))
	params.Set("n", strconv.Itoa(pageSize))
	params.Set("f_category_id", digitalCategory)
	params.Set("req_ref", "search")
	params.Set("stat_device", "w")
	params.Set("version", "5")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return scraper.Page{}, fmt.Errorf("bunjang: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "ko-KR,ko;q=0.9")
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return scraper.Page{}, fmt.Errorf("bunjang: request page %d: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("bunjang: page %d: status %d", page, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			err = fmt.Errorf("%w: %w", utils.ErrPermanent, err)
		}
		return scraper.Page{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return scraper.Page{}, fmt.Errorf("bunjang: read page %d: %w", page, err)
	}
	return a.parse(body, q, time.Now().UTC())
}

func (a *Adapter) parse(body []byte, q scraper.Query, now time.Time) (scraper.Page, error) {
	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return scraper.Page{}, fmt.Errorf("bunjang: decode: %w", err)
	}
	if sr.Result != "success" {
		a.logger.Warn("bunjang search unsuccessful",
			zap.String("result", sr.Result), zap.String("reason", sr.NoResultReason))
		return scraper.Page{}, nil
	}

	page := scraper.Page{Fetched: len(sr.List)}
	for _, it := range sr.List {
		pid := it.pid()
		if it.Ad || it.Type == "EXT_AD" || pid == "" {
			continue
		}
		raw := models.RawListing{
			Source:        models.SourceBunjang,
			ExternalID:    pid,
			CategoryID:    q.CategoryID,
			Title:         it.Name,
			RawPrice:      it.Price,
			URL:           productURL + pid,
			Status:        string(statusOf(it.Status)),
			Location:      it.Location,
			Province:      q.Province,
			LastCrawledAt: now.Format(time.RFC3339),
			ScrapedAt:     now,
		}
		if ts, err := it.UpdateTime.Int64(); err == nil && ts > 0 {
			raw.PostedAt = time.Unix(ts, 0).UTC().Format(time.RFC3339)
		}
		page.Listings = append(page.Listings, raw)
	}
	return page, nil
}

// statusOf maps the API's numeric sale state.
func statusOf(code string) models.Status {
	switch strings.TrimSpace(code) {
	case "1":
		return models.StatusReserved
	case "2", "3":
		return models.StatusSold
	}
	return models.StatusActive
}

// FetchDetail is a no-op: search results carry every field.
func (a *Adapter) FetchDetail(context.Context, *models.RawListing) error { return nil }
