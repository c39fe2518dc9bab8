package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-pipeline/storage"
)

// ErrAlreadyRunning is returned when another holder owns a job's lock.
var ErrAlreadyRunning = errors.New("already running")

// WithLock runs fn while holding the named lock. It returns
// ErrAlreadyRunning without calling fn when the lock is taken.
func WithLock(ctx context.Context, locker storage.Locker, name string, ttl time.Duration, fn func(context.Context) error) error {
	release, ok, err := locker.TryLock(ctx, name, ttl)
	if err != nil {
		return fmt.Errorf("lock %s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrAlreadyRunning)
	}
	defer func() { _ = release() }()
	return fn(ctx)
}

// PipelineOptions configures one pipeline run.
type PipelineOptions struct {
	// Limit caps the listings mapped per run. Zero maps all of them.
	Limit     int
	Aggregate AggregateOptions
	LockTTL   time.Duration
}

// PipelineResult summarises one run.
type PipelineResult struct {
	RunID    string        `json:"run_id"`
	SKU      MapResult     `json:"sku"`
	Buckets  int           `json:"buckets"`
	Duration time.Duration `json:"duration"`
}

// Pipeline runs the batch stages after crawling: SKU mapping, then price
// statistics. At most one run holds the lock at a time.
type Pipeline struct {
	resolver   *SKUResolver
	listings   storage.ListingStore
	aggregator *Aggregator
	locker     storage.Locker
	logger     *zap.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(resolver *SKUResolver, listings storage.ListingStore, aggregator *Aggregator, locker storage.Locker, logger *zap.Logger) *Pipeline {
	return &Pipeline{resolver: resolver, listings: listings, aggregator: aggregator, locker: locker, logger: logger}
}

// Run maps unresolved listings and refreshes statistics. A failing SKU stage
// does not block the stats stage, since every bucket is recomputed anyway.
func (p *Pipeline) Run(ctx context.Context, opts PipelineOptions) (PipelineResult, error) {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Hour
	}
	res := PipelineResult{RunID: uuid.NewString()}
	logger := p.logger.With(zap.String("run_id", res.RunID))
	start := time.Now()

	err := WithLock(ctx, p.locker, "pipeline", opts.LockTTL, func(ctx context.Context) error {
		var skuErr error
		res.SKU, skuErr = p.resolver.MapUnresolved(ctx, p.listings, opts.Limit)
		if skuErr != nil {
			logger.Error("sku stage failed", zap.Error(skuErr))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := p.aggregator.Refresh(ctx, opts.Aggregate)
		res.Buckets = n
		if err != nil {
			return errors.Join(skuErr, fmt.Errorf("stats stage: %w", err))
		}
		return skuErr
	})
	res.Duration = time.Since(start)
	if err != nil {
		return res, err
	}
	logger.Info("pipeline finished",
		zap.Int("mapped", res.SKU.Mapped),
		zap.Int("buckets", res.Buckets),
		zap.Duration("took", res.Duration))
	return res, nil
}
