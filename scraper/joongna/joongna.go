// Package joongna reads listings from Joongna search result pages.
package joongna

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"market-pipeline/models"
	"market-pipeline/scraper"
	"market-pipeline/utils"
)

const (
	defaultBaseURL = "https://web.joongna.com"
	pageSize       = 50
)

var (
	relTimeRegexp   = regexp.MustCompile(`\d+\s*(초|분|시간|일|주|개월|달)\s*전`)
	locationSuffix  = []string{"동", "구", "시", "읍", "면", "리"}
	titleSelector   = "h2, p.font-semibold, p.line-clamp-2"
	priceSelector   = "div.font-semibold, p.text-gray-900, p[class*='price']"
	detailsSelector = "div.mt-1.mb-2, div[class*='mt-1'][class*='mb-2']"
)

// Options configures the adapter.
type Options struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Logger    *zap.Logger
}

// Adapter implements scraper.Adapter for Joongna. Pages are fetched with a
// colly collector and the result grid is read with goquery.
type Adapter struct {
	baseURL   string
	collector *colly.Collector
	logger    *zap.Logger
}

// New creates a Joongna adapter.
func New(opts Options) *Adapter {
	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.AllowURLRevisit())
	if opts.UserAgent != "" {
		c.UserAgent = opts.UserAgent
	}
	if opts.Timeout > 0 {
		c.SetRequestTimeout(opts.Timeout)
	}
	return &Adapter{baseURL: strings.TrimRight(base, "/"), collector: c, logger: logger}
}

func (a *Adapter) Source() models.Source { return models.SourceJoongna }
func (a *Adapter) PageSize() int         { return pageSize }

func (a *Adapter) searchURL(q scraper.Query, page int) string {
	keyword := q.Keyword
	if q.District != "" {
		keyword = q.District + " " + keyword
	}
	v := url.Values{}
	v.Set("keywordSource", "INPUT_KEYWORD")
	v.Set("sort", "RECENT_SORT")
	v.Set("page", strconv.Itoa(page))
	return a.baseURL + "/search/" + url.PathEscape(keyword) + "?" + v.Encode()
}

// SearchPage fetches and parses one page of newest-first results.
func (a *Adapter) SearchPage(ctx context.Context, q scraper.Query, page int) (scraper.Page, error) {
	c := a.collector.Clone()
	c.Context = ctx

	var (
		result  scraper.Page
		httpErr error
	)
	now := time.Now().UTC()
	c.OnResponse(func(r *colly.Response) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
		if err != nil {
			httpErr = fmt.Errorf("joongna: parse page %d: %w", page, err)
			return
		}
		result = parseSearch(doc.Selection, a.baseURL, q, now)
	})
	c.OnError(func(r *colly.Response, err error) {
		httpErr = fmt.Errorf("joongna: page %d: status %d: %w", page, r.StatusCode, err)
		if r.StatusCode >= 400 && r.StatusCode < 500 && r.StatusCode != 429 {
			httpErr = fmt.Errorf("%w: %w", utils.ErrPermanent, httpErr)
		}
	})

	target := a.searchURL(q, page)
	if err := c.Visit(target); err != nil && httpErr == nil {
		return scraper.Page{}, fmt.Errorf("joongna: visit %s: %w", target, err)
	}
	if httpErr != nil {
		return scraper.Page{}, httpErr
	}
	a.logger.Debug("joongna page parsed",
		zap.Int("page", page), zap.Int("cards", result.Fetched), zap.Int("listings", len(result.Listings)))
	return result, nil
}

// parseSearch reads the product cards of a result grid. Cards without a
// product link or a title are counted but not returned.
func parseSearch(doc *goquery.Selection, base string, q scraper.Query, now time.Time) scraper.Page {
	var page scraper.Page
	doc.Find("ul.grid").First().Find("li").Each(func(_ int, li *goquery.Selection) {
		href, ok := li.Find("a[href*='/product/']").First().Attr("href")
		if !ok || href == "" || strings.Contains(href, "/product/form") {
			return
		}
		page.Fetched++

		link := absURL(base, href)
		title := strings.TrimSpace(li.Find(titleSelector).First().Text())
		if title == "" {
			return
		}
		location, relTime := cardDetails(li)
		page.Listings = append(page.Listings, models.RawListing{
			Source:         models.SourceJoongna,
			ExternalID:     lastSegment(link),
			CategoryID:     q.CategoryID,
			Title:          title,
			RawPrice:       models.RawPrice(strings.TrimSpace(li.Find(priceSelector).First().Text())),
			URL:            link,
			Status:         string(models.StatusActive),
			Location:       location,
			Province:       q.Province,
			District:       q.District,
			PostedRelative: relTime,
			LastCrawledAt:  now.Format(time.RFC3339),
			ScrapedAt:      now,
		})
	})
	return page
}

// cardDetails finds the location and the relative posting time among the
// card's info spans.
func cardDetails(li *goquery.Selection) (location, relTime string) {
	spans := li.Find(detailsSelector).First().Find("span")
	if spans.Length() == 0 {
		spans = li.Find("span")
	}
	spans.Each(func(_ int, s *goquery.Selection) {
		txt := strings.TrimSpace(s.Text())
		if txt == "" || txt == "|" {
			return
		}
		if relTimeRegexp.MatchString(txt) {
			relTime = txt
			return
		}
		if location == "" && !strings.Contains(txt, "전") && hasLocationSuffix(txt) {
			location = txt
		}
	})
	return location, relTime
}

func hasLocationSuffix(s string) bool {
	for _, suf := range locationSuffix {
		if strings.Contains(s, suf) {
			return true
		}
	}
	return false
}

func absURL(base, href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	return b.ResolveReference(u).String()
}

func lastSegment(link string) string {
	if i := strings.IndexAny(link, "?#"); i >= 0 {
		link = link[:i]
	}
	return link[strings.LastIndex(link, "/")+1:]
}

// FetchDetail is a no-op: result cards carry every field the pipeline uses.
func (a *Adapter) FetchDetail(context.Context, *models.RawListing) error { return nil }
