package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"market-pipeline/models"
	"market-pipeline/storage"
)

// IngestStore is what the ingest path writes to.
type IngestStore interface {
	storage.ListingStore
	storage.RegionStore
}

// IngestService persists normalized listings: it attaches extracted
// attributes and a region, then upserts by (source, external id).
type IngestService struct {
	store      IngestStore
	archive    storage.RawArchive
	normalizer *Normalizer
	extractor  *Extractor
	now        func() time.Time
	logger     *zap.Logger
}

// NewIngestService creates an IngestService. A nil archive discards raws.
func NewIngestService(store IngestStore, archive storage.RawArchive, normalizer *Normalizer, extractor *Extractor, logger *zap.Logger) *IngestService {
	if archive == nil {
		archive = storage.NopArchive{}
	}
	return &IngestService{
		store:      store,
		archive:    archive,
		normalizer: normalizer,
		extractor:  extractor,
		now:        time.Now,
		logger:     logger,
	}
}

// Archive keeps raws in the raw archive. Failures are logged, not returned.
func (s *IngestService) Archive(ctx context.Context, raws []models.RawListing) {
	if err := s.archive.Archive(ctx, raws); err != nil {
		s.logger.Warn("raw archive failed", zap.Int("count", len(raws)), zap.Error(err))
	}
}

// Store writes one listing. Each call is its own unit of work.
func (s *IngestService) Store(ctx context.Context, l *models.Listing) (models.UpsertResult, error) {
	if s.extractor != nil {
		l.Attributes = s.extractor.Merge(l.CategoryID, l.Title, l.Attributes)
	}
	if l.RegionID == nil {
		id, err := s.resolveRegion(ctx, l.Region)
		if err != nil {
			return models.UpsertResult{}, err
		}
		l.RegionID = id
	}

	res, err := s.store.UpsertListing(ctx, l)
	if err != nil {
		return res, fmt.Errorf("upsert listing %s/%s: %w", l.Source, l.ExternalID, err)
	}
	l.ID = res.ID
	return res, nil
}

// resolveRegion looks a region up, creating it when every level is named.
// An unknown partial region leaves the listing without one.
func (s *IngestService) resolveRegion(ctx context.Context, names models.RegionNames) (*int64, error) {
	if names.Neighborhood == "" {
		return nil, nil
	}
	if names.Complete() {
		id, err := s.store.EnsureRegion(ctx, names)
		if err != nil {
			return nil, fmt.Errorf("ensure region: %w", err)
		}
		return &id, nil
	}
	r, err := s.store.FindRegion(ctx, names)
	if errors.Is(err, models.ErrRegionNotFound) {
		s.logger.Debug("region not found", zap.String("sgg", names.District), zap.String("emd", names.Neighborhood))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find region: %w", err)
	}
	return &r.ID, nil
}

// IngestOptions controls IngestBatch.
type IngestOptions struct {
	// Filter, when set, drops listings the chain does not admit.
	Filter *FilterChain
}

// IngestResult counts the outcome of a batch.
type IngestResult struct {
	Received int                  `json:"received"`
	Dropped  int                  `json:"dropped"`
	Accepted int                  `json:"accepted"`
	Created  int                  `json:"created"`
	Updated  int                  `json:"updated"`
	Filtered map[RejectReason]int `json:"filtered,omitempty"`
	Failed   int                  `json:"failed"`
}

// IngestBatch archives, normalizes and stores externally supplied records.
// A failing record does not stop the batch.
func (s *IngestService) IngestBatch(ctx context.Context, raws []models.RawListing, opts IngestOptions) (IngestResult, error) {
	res := IngestResult{Received: len(raws), Filtered: make(map[RejectReason]int)}
	s.Archive(ctx, raws)

	listings := s.normalizer.NormalizeBatch(raws, s.now())
	res.Dropped = len(raws) - len(listings)

	for _, l := range listings {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if opts.Filter != nil {
			if d := opts.Filter.Evaluate(&l); !d.Admitted {
				res.Filtered[d.Reason]++
				continue
			}
		}
		up, err := s.Store(ctx, &l)
		if err != nil {
			res.Failed++
			s.logger.Warn("ingest failed", zap.String("external_id", l.ExternalID), zap.Error(err))
			continue
		}
		res.Accepted++
		if up.Created {
			res.Created++
		} else {
			res.Updated++
		}
	}
	return res, nil
}
