// Package daangn reads listings from Daangn through a headless browser.
// Search pages only expose article links, so every summary needs a detail
// fetch for its title, price and sale state.
package daangn

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"market-pipeline/models"
	"market-pipeline/scraper"
)

const (
	defaultBaseURL = "https://www.daangn.com"
	// pageSize is the smallest link count of a page that is not the last one.
	pageSize = 30
)

// Options configures the adapter.
type Options struct {
	BaseURL   string
	ChromeBin string
	UserAgent string
	Timeout   time.Duration
	Logger    *zap.Logger
}

// Adapter implements scraper.Adapter for Daangn. The browser is started on
// first use and shared by all page loads until Close.
type Adapter struct {
	opts   Options
	logger *zap.Logger

	once        sync.Once
	browserCtx  context.Context
	startErr    error
	cancelAlloc context.CancelFunc
	cancelTab   context.CancelFunc
}

// New creates a Daangn adapter.
func New(opts Options) *Adapter {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{opts: opts, logger: logger}
}

func (a *Adapter) Source() models.Source { return models.SourceDaangn }
func (a *Adapter) PageSize() int         { return pageSize }

func (a *Adapter) browser() (context.Context, error) {
	a.once.Do(func() {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("blink-settings", "imagesEnabled=false"),
		)
		if a.opts.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(a.opts.UserAgent))
		}
		if bin := findChromeBinary(a.opts.ChromeBin); bin != "" {
			a.logger.Info("using browser binary", zap.String("path", bin))
			opts = append(opts, chromedp.ExecPath(bin))
		}

		allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
		tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
		a.browserCtx, a.cancelAlloc, a.cancelTab = tabCtx, cancelAlloc, cancelTab
		// An empty run launches the browser so later tabs share it.
		if err := chromedp.Run(tabCtx); err != nil {
			a.startErr = fmt.Errorf("daangn: start browser: %w", err)
		}
	})
	return a.browserCtx, a.startErr
}

// Close shuts the browser down.
func (a *Adapter) Close() error {
	if a.cancelTab != nil {
		a.cancelTab()
		a.cancelAlloc()
	}
	return nil
}

// run executes actions in a fresh tab bounded by ctx and the page timeout.
func (a *Adapter) run(ctx context.Context, actions ...chromedp.Action) error {
	browser, err := a.browser()
	if err != nil {
		return err
	}
	tab, cancel := chromedp.NewContext(browser)
	defer cancel()
	tab, cancelTimeout := context.WithTimeout(tab, a.opts.Timeout)
	defer cancelTimeout()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(tab, actions...)
}

func (a *Adapter) searchURL(q scraper.Query, page int) string {
	v := url.Values{}
	if q.District != "" {
		v.Set("in", q.District)
	}
	v.Set("search", q.Keyword)
	v.Set("page", strconv.Itoa(page))
	return a.opts.BaseURL + "/kr/buy-sell/?" + v.Encode()
}

const collectLinksJS = `
(function() {
	var sels = ['a[data-gtm="search_article"]', 'a[href*="/articles/"]', 'a[href*="/kr/buy-sell/"]'];
	var out = [], seen = {};
	for (var i = 0; i < sels.length; i++) {
		var els = document.querySelectorAll(sels[i]);
		for (var j = 0; j < els.length; j++) {
			var href = els[j].href;
			if (!href || href.indexOf('?in=') >= 0 || seen[href]) continue;
			if (!/\/articles\/\d+|\/kr\/buy-sell\/[^/?#]*-[a-z0-9]{6,}/i.test(href)) continue;
			seen[href] = true;
			out.push(href);
		}
	}
	return out;
})()`

// SearchPage loads one result page and returns its article links as
// summaries that still need a detail fetch.
func (a *Adapter) SearchPage(ctx context.Context, q scraper.Query, page int) (scraper.Page, error) {
	target := a.searchURL(q, page)
	var links []string
	err := a.run(ctx,
		chromedp.Navigate(target),
		chromedp.Sleep(2*time.Second),
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
		chromedp.Sleep(time.Second),
		chromedp.Evaluate(collectLinksJS, &links),
	)
	if err != nil {
		return scraper.Page{}, fmt.Errorf("daangn: search page %d: %w", page, err)
	}

	now := time.Now().UTC()
	out := scraper.Page{Fetched: len(links)}
	for _, link := range links {
		out.Listings = append(out.Listings, models.RawListing{
			Source:        models.SourceDaangn,
			CategoryID:    q.CategoryID,
			URL:           link,
			Province:      q.Province,
			District:      q.District,
			Status:        string(models.StatusActive),
			NeedsDetail:   true,
			LastCrawledAt: now.Format(time.RFC3339),
			ScrapedAt:     now,
		})
	}
	a.logger.Debug("daangn page collected", zap.String("url", target), zap.Int("links", len(links)))
	return out, nil
}

// detail is what the detail page script returns.
type detail struct {
	Title    string `json:"title"`
	Price    string `json:"price"`
	Posted   string `json:"posted"`
	Location string `json:"location"`
	Sold     bool   `json:"sold"`
	Reserved bool   `json:"reserved"`
}

// detailJS reads the article and looks for a sale-state badge placed before
// the title, either in up to three preceding siblings or within two parent
// levels.
const detailJS = `
(function() {
	var r = {title: '', price: '', posted: '', location: '', sold: false, reserved: false};
	var h1 = document.querySelector('h1');
	if (h1) r.title = h1.innerText.trim();
	var h3 = document.querySelector('h3');
	if (h3) r.price = h3.innerText.trim();
	var t = document.querySelector('time[datetime]');
	if (t) r.posted = t.getAttribute('datetime');
	else if ((t = document.querySelector('time'))) r.posted = t.innerText.trim();
	var loc = document.querySelector('a[href*="in="], [data-gtm*="region"], [class*="region"]');
	if (loc) r.location = loc.innerText.trim();
	if (!h1) return r;

	var check = function(txt) {
		if (/판매완료/.test(txt)) r.sold = true;
		else if (/예약중/.test(txt)) r.reserved = true;
	};
	var prev = h1.previousElementSibling;
	for (var i = 0; i < 3 && prev && !r.sold && !r.reserved; i++) {
		check((prev.textContent || '').trim());
		prev = prev.previousElementSibling;
	}
	var p = h1.parentElement;
	for (var d = 0; d < 2 && p && !r.sold && !r.reserved; d++) {
		var nodes = p.querySelectorAll('span,div,button');
		for (var k = 0; k < nodes.length && !r.sold && !r.reserved; k++) {
			if (!(nodes[k].compareDocumentPosition(h1) & Node.DOCUMENT_POSITION_FOLLOWING)) continue;
			check((nodes[k].textContent || '').trim());
		}
		p = p.parentElement;
	}
	return r;
})()`

// FetchDetail fills title, price, posting time, location and status from the
// article page.
func (a *Adapter) FetchDetail(ctx context.Context, raw *models.RawListing) error {
	var d detail
	err := a.run(ctx,
		chromedp.Navigate(raw.URL),
		chromedp.Sleep(time.Second),
		chromedp.Evaluate(detailJS, &d),
	)
	if err != nil {
		return fmt.Errorf("daangn: detail %s: %w", raw.URL, err)
	}
	applyDetail(raw, d)
	return nil
}

func applyDetail(raw *models.RawListing, d detail) {
	if d.Title != "" {
		raw.Title = d.Title
	}
	if d.Price != "" {
		raw.RawPrice = models.RawPrice(d.Price)
	}
	if _, err := time.Parse(time.RFC3339, d.Posted); err == nil {
		raw.PostedAt = d.Posted
	} else if d.Posted != "" {
		raw.PostedRelative = d.Posted
	}
	if d.Location != "" {
		raw.Location = d.Location
	}
	raw.Status = string(statusOf(d))
	raw.NeedsDetail = false
}

// statusOf defaults to active when no badge was detected.
func statusOf(d detail) models.Status {
	switch {
	case d.Sold:
		return models.StatusSold
	case d.Reserved:
		return models.StatusReserved
	}
	return models.StatusActive
}

// findChromeBinary locates Chrome/Chromium, preferring an explicit path.
func findChromeBinary(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}
	for _, name := range []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	for _, p := range []string{"/usr/bin/chromium", "/snap/bin/chromium", "/opt/google/chrome/google-chrome"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
