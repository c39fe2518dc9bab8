package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"market-pipeline/api/handler"
	"market-pipeline/config"
	"market-pipeline/models"
	"market-pipeline/scraper"
	"market-pipeline/scraper/bunjang"
	"market-pipeline/scraper/daangn"
	"market-pipeline/scraper/joongna"
	"market-pipeline/services"
	"market-pipeline/storage"
	"market-pipeline/utils"
)

// checkpointBackend is what the crawl controller and the job locks share.
type checkpointBackend interface {
	storage.CheckpointStore
	storage.Locker
}

// app holds every long-lived component of one process.
type app struct {
	cfg         *config.Config
	rules       *config.Rules
	logger      *zap.Logger
	store       storage.Store
	checkpoints checkpointBackend
	archive     storage.RawArchive
	ingest      *services.IngestService
	schema      *services.AttributeSchema
	resolver    *services.SKUResolver
	aggregator  *services.Aggregator
	analytics   *services.AnalyticsService
	pipeline    *services.Pipeline
	adapters    map[models.Source]scraper.Adapter

	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, memory bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, adapters: make(map[models.Source]scraper.Adapter)}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	rules, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	a.rules = rules

	if memory {
		a.store = storage.NewMemoryStore()
		logger.Warn("using in-memory store, nothing will persist")
	} else {
		ps, err := storage.NewPostgresStore(ctx, cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.store = ps
	}
	a.closers = append(a.closers, a.store)

	switch cfg.CheckpointBackend {
	case "redis":
		rc, err := storage.NewRedisCheckpointStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.checkpoints = rc
		a.closers = append(a.closers, rc)
	case "file", "":
		fc, err := storage.NewFileCheckpointStore(cfg.CheckpointDir)
		if err != nil {
			return nil, err
		}
		a.checkpoints = fc
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
	}

	switch cfg.ArchiveBackend {
	case "csv":
		path := filepath.Join(cfg.CSVArchiveDir, "raw_listings_"+time.Now().Format("20060102")+".csv")
		ca, err := storage.NewCSVArchive(path)
		if err != nil {
			return nil, err
		}
		a.archive = ca
	case "mongo":
		ma, err := storage.NewMongoArchive(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.archive = ma
	case "none", "":
		a.archive = storage.NopArchive{}
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.ArchiveBackend)
	}
	a.closers = append(a.closers, a.archive)

	extractor, err := services.NewExtractor(rules)
	if err != nil {
		return nil, err
	}
	a.ingest = services.NewIngestService(a.store, a.archive, services.NewNormalizer(logger), extractor, logger)
	a.schema = services.NewAttributeSchema(a.store)
	a.resolver = services.NewSKUResolver(a.store, a.schema, rules, logger)
	a.aggregator = services.NewAggregator(a.store, a.store, logger)
	a.analytics = services.NewAnalyticsService(a.store, a.schema, rules, services.AnalyticsOptions{
		TrendWindow:     cfg.TrendWindow,
		LowestLimit:     cfg.LowestLimit,
		DefaultProvince: cfg.DefaultSD,
	}, logger)
	a.pipeline = services.NewPipeline(a.resolver, a.store, a.aggregator, a.checkpoints, logger)

	for _, name := range cfg.Sources {
		source := models.Source(name)
		if !source.Valid() {
			return nil, fmt.Errorf("unknown source %q", name)
		}
		a.adapters[source] = a.newAdapter(source)
	}

	ok = true
	return a, nil
}

func (a *app) newAdapter(source models.Source) scraper.Adapter {
	logger := a.logger.With(zap.String("source", string(source)))
	switch source {
	case models.SourceBunjang:
		return bunjang.New(bunjang.Options{UserAgent: a.cfg.UserAgent, Logger: logger})
	case models.SourceJoongna:
		return joongna.New(joongna.Options{UserAgent: a.cfg.UserAgent, Timeout: a.cfg.RequestTimeout, Logger: logger})
	default:
		d := daangn.New(daangn.Options{
			ChromeBin: a.cfg.ChromeBin,
			UserAgent: a.cfg.UserAgent,
			Timeout:   a.cfg.RequestTimeout,
			Logger:    logger,
		})
		a.closers = append(a.closers, d)
		return d
	}
}

// seedCatalog writes the rule set's categories and attributes.
func (a *app) seedCatalog(ctx context.Context) error {
	if err := services.SeedCatalog(ctx, a.store, a.rules); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	return nil
}

// crawl runs one full crawl of source under its job lock.
func (a *app) crawl(ctx context.Context, source models.Source, dryRun bool) (services.RunResult, error) {
	adapter, ok := a.adapters[source]
	if !ok {
		return services.RunResult{}, fmt.Errorf("source %q is not enabled", source)
	}
	pool := utils.NewWorkerPool(a.cfg.MaxConcurrency,
		time.Duration(a.cfg.RateLimitMs)*time.Millisecond,
		time.Duration(a.cfg.JitterMs)*time.Millisecond)
	retry := &utils.RetryConfig{MaxAttempts: a.cfg.MaxRetries, BaseDelay: a.cfg.RetryBaseDelay, Logger: a.logger}
	crawler := services.NewCrawler(adapter, a.ingest, a.checkpoints, a.rules, pool, retry, services.CrawlOptions{
		SeenThreshold: a.cfg.SeenThreshold,
		MaxPages:      a.cfg.MaxPagesPerQuery,
		ResumeWindow:  a.cfg.ResumeWindow,
		DryRun:        dryRun,
	}, a.logger)

	// Daangn search is scoped by district, the others search nationwide.
	queries := services.BuildQueries(a.rules, source == models.SourceDaangn)

	var res services.RunResult
	err := services.WithLock(ctx, a.checkpoints, handler.CrawlJob(source), a.cfg.LockTTL, func(ctx context.Context) error {
		var err error
		res, err = crawler.Run(ctx, queries)
		return err
	})
	if err == nil {
		a.logger.Info("crawl finished",
			zap.String("source", string(source)),
			zap.String("run_id", res.RunID),
			zap.Int("queries", len(res.Queries)),
			zap.Int("resumed", res.Resumed),
			zap.Int("failed", res.Failed),
			zap.Int("admitted", res.Admitted))
	}
	return res, err
}

func (a *app) runPipeline(ctx context.Context, limit int) (services.PipelineResult, error) {
	return a.pipeline.Run(ctx, services.PipelineOptions{
		Limit: limit,
		Aggregate: services.AggregateOptions{
			Granularity: models.Granularity(a.cfg.StatsBucket),
			Location:    a.cfg.Location(),
		},
		LockTTL: a.cfg.LockTTL,
	})
}

// jobs returns one crawl job per enabled source plus the pipeline job.
func (a *app) jobs() []services.Job {
	var jobs []services.Job
	for _, name := range a.cfg.Sources {
		source := models.Source(name)
		jobs = append(jobs, services.Job{
			Name:     handler.CrawlJob(source),
			Interval: a.cfg.CrawlInterval,
			Run: func(ctx context.Context) error {
				_, err := a.crawl(ctx, source, false)
				return err
			},
		})
	}
	jobs = append(jobs, services.Job{
		Name:     handler.PipelineJob,
		Interval: a.cfg.PipelineInterval,
		Run: func(ctx context.Context) error {
			_, err := a.runPipeline(ctx, a.cfg.SKUBatchLimit)
			return err
		},
	})
	return jobs
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}
