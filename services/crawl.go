package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-pipeline/config"
	"market-pipeline/models"
	"market-pipeline/scraper"
	"market-pipeline/storage"
	"market-pipeline/utils"
)

// StopCause tells why a query stopped paginating.
type StopCause string

const (
	StopThreshold StopCause = "threshold"
	StopShortPage StopCause = "short_page"
	StopEmptyPage StopCause = "empty_page"
	StopError     StopCause = "error"
	StopMaxPages  StopCause = "max_pages"
	StopCancelled StopCause = "cancelled"
)

// CrawlOptions bounds a crawl.
type CrawlOptions struct {
	// SeenThreshold is the number of consecutive already-seen listings after
	// which a query is considered caught up.
	SeenThreshold int
	// MaxPages caps pages per query. Zero means no cap.
	MaxPages int
	// ResumeWindow skips queries that completed this recently.
	ResumeWindow time.Duration
	// DryRun fetches and classifies without writing anything.
	DryRun bool
}

// CrawlState is the mutable state of one crawl run: the ids already ingested
// for the source and the filter chain with its running means.
type CrawlState struct {
	RunID   string
	Seen    *utils.SeenSet
	Filters *FilterChain
}

// QueryResult summarises one query.
type QueryResult struct {
	Query    string               `json:"query"`
	Pages    int                  `json:"pages"`
	Admitted int                  `json:"admitted"`
	Seen     int                  `json:"seen"`
	Filtered map[RejectReason]int `json:"filtered,omitempty"`
	Failed   int                  `json:"failed"`
	Stop     StopCause            `json:"stop"`
}

// RunResult summarises a crawl run.
type RunResult struct {
	RunID    string        `json:"run_id"`
	Source   models.Source `json:"source"`
	Queries  []QueryResult `json:"queries"`
	Resumed  int           `json:"resumed"`
	Failed   int           `json:"failed"`
	Admitted int           `json:"admitted"`
}

// Crawler drives one marketplace adapter through paginated queries.
type Crawler struct {
	adapter     scraper.Adapter
	ingest      *IngestService
	checkpoints storage.CheckpointStore
	rules       *config.Rules
	pool        *utils.WorkerPool
	retry       *utils.RetryConfig
	opts        CrawlOptions
	now         func() time.Time
	logger      *zap.Logger
}

// NewCrawler creates a Crawler. The pool paces every request and bounds
// concurrent detail fetches.
func NewCrawler(adapter scraper.Adapter, ingest *IngestService, checkpoints storage.CheckpointStore,
	rules *config.Rules, pool *utils.WorkerPool, retry *utils.RetryConfig, opts CrawlOptions, logger *zap.Logger) *Crawler {
	if opts.SeenThreshold <= 0 {
		opts.SeenThreshold = 30
	}
	return &Crawler{
		adapter:     adapter,
		ingest:      ingest,
		checkpoints: checkpoints,
		rules:       rules,
		pool:        pool,
		retry:       retry,
		opts:        opts,
		now:         time.Now,
		logger:      logger.With(zap.String("source", string(adapter.Source()))),
	}
}

// NewState loads the seen ids of the source from the listing store and the
// checkpoint store and starts a fresh filter chain.
func (c *Crawler) NewState(ctx context.Context) (*CrawlState, error) {
	source := c.adapter.Source()
	stored, err := c.ingest.store.SeenExternalIDs(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("load seen ids: %w", err)
	}
	checkpointed, err := c.checkpoints.LoadSeen(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint seen ids: %w", err)
	}
	seen := utils.NewSeenSet(stored...)
	for _, id := range checkpointed {
		seen.Add(id)
	}
	state := &CrawlState{
		RunID:   uuid.NewString(),
		Seen:    seen,
		Filters: NewFilterChain(c.rules, nil, c.logger),
	}
	c.logger.Info("crawl state loaded", zap.String("run_id", state.RunID), zap.Int("seen", seen.Size()))
	return state, nil
}

// Run crawls queries in order. Queries completed within the resume window
// are skipped. It fails only when every attempted query failed.
func (c *Crawler) Run(ctx context.Context, queries []scraper.Query) (RunResult, error) {
	state, err := c.NewState(ctx)
	if err != nil {
		return RunResult{}, err
	}
	res := RunResult{RunID: state.RunID, Source: c.adapter.Source()}
	attempted := 0
	var lastErr error

	for _, q := range queries {
		if ctx.Err() != nil {
			break
		}
		if c.recentlyCompleted(ctx, q) {
			res.Resumed++
			continue
		}
		attempted++
		qr, err := c.CrawlQuery(ctx, state, q)
		res.Queries = append(res.Queries, qr)
		res.Admitted += qr.Admitted
		if err != nil {
			res.Failed++
			lastErr = err
			c.logger.Error("query failed", zap.String("query", q.Key()), zap.Error(err))
		}
	}

	c.logger.Info("crawl run finished",
		zap.String("run_id", res.RunID),
		zap.Int("queries", len(res.Queries)),
		zap.Int("resumed", res.Resumed),
		zap.Int("failed", res.Failed),
		zap.Int("admitted", res.Admitted))

	if attempted > 0 && res.Failed == attempted {
		return res, fmt.Errorf("all %d queries failed: %w", attempted, lastErr)
	}
	return res, nil
}

func (c *Crawler) recentlyCompleted(ctx context.Context, q scraper.Query) bool {
	if c.opts.ResumeWindow <= 0 {
		return false
	}
	cp, err := c.checkpoints.LoadCheckpoint(ctx, c.adapter.Source(), q.Key())
	if err != nil {
		c.logger.Warn("checkpoint unreadable", zap.String("query", q.Key()), zap.Error(err))
		return false
	}
	return cp != nil && cp.Completed && c.now().Sub(cp.UpdatedAt) < c.opts.ResumeWindow
}

// CrawlQuery paginates one query until a stop condition holds. Pages are
// requested and accounted for in order; detail fetches within a page run
// concurrently. Listing writes are not cancelled with ctx, so a stop signal
// never leaves a half-written page.
func (c *Crawler) CrawlQuery(ctx context.Context, state *CrawlState, q scraper.Query) (QueryResult, error) {
	res := QueryResult{Query: q.Key(), Filtered: make(map[RejectReason]int)}
	writeCtx := context.WithoutCancel(ctx)
	consecutive := 0
	var queryErr error

	for page := 1; ; page++ {
		if c.opts.MaxPages > 0 && page > c.opts.MaxPages {
			res.Stop = StopMaxPages
			break
		}
		if ctx.Err() != nil {
			res.Stop = StopCancelled
			break
		}

		pg, err := c.searchPage(ctx, q, page)
		if err != nil {
			if ctx.Err() != nil {
				res.Stop = StopCancelled
				break
			}
			res.Stop = StopError
			queryErr = err
			break
		}
		res.Pages++
		if pg.Fetched == 0 {
			res.Stop = StopEmptyPage
			break
		}

		items := pg.Listings
		c.fetchDetails(ctx, state, items)
		if !c.opts.DryRun {
			c.ingest.Archive(writeCtx, items)
		}

		caughtUp := false
		var admitted []string
		for i := range items {
			raw := &items[i]
			if state.Seen.Contains(raw.ExternalID) {
				res.Seen++
				consecutive++
				if consecutive >= c.opts.SeenThreshold {
					caughtUp = true
					break
				}
				continue
			}
			if raw.ExternalID == "" || raw.NeedsDetail {
				res.Failed++
				continue
			}
			ok, reason := c.accept(writeCtx, state, *raw)
			switch {
			case reason != ReasonNone:
				res.Filtered[reason]++
			case !ok:
				res.Failed++
			default:
				state.Seen.Add(raw.ExternalID)
				admitted = append(admitted, raw.ExternalID)
				res.Admitted++
				consecutive = 0
			}
		}

		c.logger.Info("page processed",
			zap.String("query", res.Query),
			zap.Int("page", page),
			zap.Int("fetched", pg.Fetched),
			zap.Int("admitted", len(admitted)),
			zap.Int("consecutive_seen", consecutive))

		if !c.opts.DryRun {
			if len(admitted) > 0 {
				if err := c.checkpoints.AddSeen(writeCtx, c.adapter.Source(), admitted...); err != nil {
					c.logger.Warn("seen ids not checkpointed", zap.Error(err))
				}
			}
			c.saveCheckpoint(writeCtx, state, res, page, false)
		}

		switch {
		case caughtUp:
			res.Stop = StopThreshold
		case ctx.Err() != nil:
			res.Stop = StopCancelled
		case pg.Fetched < c.adapter.PageSize():
			res.Stop = StopShortPage
		}
		if res.Stop != "" {
			break
		}
	}

	if !c.opts.DryRun {
		done := res.Stop != StopError && res.Stop != StopCancelled
		c.saveCheckpoint(writeCtx, state, res, res.Pages, done)
	}
	c.logger.Info("query finished",
		zap.String("query", res.Query),
		zap.String("stop", string(res.Stop)),
		zap.Int("pages", res.Pages),
		zap.Int("admitted", res.Admitted),
		zap.Int("seen", res.Seen))
	return res, queryErr
}

func (c *Crawler) searchPage(ctx context.Context, q scraper.Query, page int) (scraper.Page, error) {
	var pg scraper.Page
	op := fmt.Sprintf("%s search %q page %d", c.adapter.Source(), q.Keyword, page)
	err := c.retry.Do(ctx, op, func(ctx context.Context) error {
		if err := c.pool.Pace(ctx); err != nil {
			return err
		}
		var err error
		pg, err = c.adapter.SearchPage(ctx, q, page)
		return err
	})
	if err != nil {
		return scraper.Page{}, err
	}
	for i := range pg.Listings {
		if pg.Listings[i].ExternalID == "" && pg.Listings[i].URL != "" {
			pg.Listings[i].ExternalID = ExtractExternalID(pg.Listings[i].URL)
		}
	}
	return pg, nil
}

// fetchDetails completes unseen summaries through the pool. Fetches that
// already started finish even when ctx is cancelled; ones still waiting for
// a worker are dropped and their items stay incomplete.
func (c *Crawler) fetchDetails(ctx context.Context, state *CrawlState, items []models.RawListing) {
	fetchCtx := context.WithoutCancel(ctx)
	for i := range items {
		raw := &items[i]
		if !raw.NeedsDetail || raw.ExternalID == "" || state.Seen.Contains(raw.ExternalID) {
			continue
		}
		c.pool.Submit(ctx, func() {
			err := c.retry.Do(fetchCtx, "detail "+raw.ExternalID, func(ctx context.Context) error {
				return c.adapter.FetchDetail(ctx, raw)
			})
			if err != nil {
				c.logger.Warn("detail fetch failed", zap.String("url", raw.URL), zap.Error(err))
			}
		})
	}
	c.pool.Wait()
}

// accept normalizes, filters and stores one unseen item. It returns the
// reject reason when the filter chain drops it, and ok=false when it could
// not be normalized or written.
func (c *Crawler) accept(ctx context.Context, state *CrawlState, raw models.RawListing) (bool, RejectReason) {
	l, err := c.ingest.normalizer.Normalize(raw, c.now())
	if err != nil {
		c.logger.Warn("listing dropped", zap.String("url", raw.URL), zap.Error(err))
		return false, ReasonNone
	}
	if d := state.Filters.Evaluate(&l); !d.Admitted {
		return false, d.Reason
	}
	if c.opts.DryRun {
		return true, ReasonNone
	}
	if _, err := c.ingest.Store(ctx, &l); err != nil {
		c.logger.Warn("listing not stored", zap.String("external_id", l.ExternalID), zap.Error(err))
		return false, ReasonNone
	}
	return true, ReasonNone
}

func (c *Crawler) saveCheckpoint(ctx context.Context, state *CrawlState, res QueryResult, page int, completed bool) {
	cp := storage.Checkpoint{
		Source:    c.adapter.Source(),
		Query:     res.Query,
		RunID:     state.RunID,
		LastPage:  page,
		Admitted:  res.Admitted,
		Completed: completed,
		StopCause: string(res.Stop),
		UpdatedAt: c.now().UTC(),
	}
	if err := c.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		c.logger.Warn("checkpoint not saved", zap.String("query", res.Query), zap.Error(err))
	}
}

// BuildQueries expands the search keywords of every category. Regional
// queries are repeated for each configured province and district.
func BuildQueries(rules *config.Rules, regional bool) []scraper.Query {
	var out []scraper.Query
	for _, cat := range rules.Categories {
		for _, kw := range cat.SearchKeywords {
			if !regional || len(rules.Crawl.Regions) == 0 {
				out = append(out, scraper.Query{CategoryID: cat.ID, Keyword: kw})
				continue
			}
			for _, r := range rules.Crawl.Regions {
				for _, d := range r.Districts {
					out = append(out, scraper.Query{CategoryID: cat.ID, Keyword: kw, Province: r.Province, District: d})
				}
			}
		}
	}
	return out
}
