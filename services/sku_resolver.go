package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"market-pipeline/config"
	"market-pipeline/models"
	"market-pipeline/storage"
)

// AttributeSchema caches the reference attribute schema and its enum options.
type AttributeSchema struct {
	catalog storage.CatalogStore

	mu      sync.Mutex
	attrs   map[string]models.Attribute
	options map[string]map[string]string
}

// NewAttributeSchema creates a lazily loaded schema view over catalog.
func NewAttributeSchema(catalog storage.CatalogStore) *AttributeSchema {
	return &AttributeSchema{catalog: catalog}
}

func (s *AttributeSchema) load(ctx context.Context) error {
	if s.attrs != nil {
		return nil
	}
	list, err := s.catalog.Attributes(ctx)
	if err != nil {
		return fmt.Errorf("load attribute schema: %w", err)
	}
	if len(list) == 0 {
		// not seeded yet; try again on the next call
		return nil
	}
	attrs := make(map[string]models.Attribute, len(list))
	options := make(map[string]map[string]string)
	for _, a := range list {
		code := strings.ToLower(a.Code)
		attrs[code] = a
		if a.DataType != models.DataTypeEnum {
			continue
		}
		opts, err := s.catalog.Options(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("load options of %q: %w", a.Code, err)
		}
		byValue := make(map[string]string, len(opts))
		for _, o := range opts {
			byValue[strings.ToLower(o.Value)] = o.Value
		}
		options[code] = byValue
	}
	s.attrs, s.options = attrs, options
	return nil
}

// Canonical returns the fingerprint form of value for code. Enum values map
// onto their reference option; a miss, or a code outside the schema, is
// models.ErrOptionNotFound.
func (s *AttributeSchema) Canonical(ctx context.Context, code, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return "", err
	}

	code = strings.ToLower(strings.TrimSpace(code))
	attr, ok := s.attrs[code]
	if !ok {
		return "", fmt.Errorf("%w: unknown attribute %q", models.ErrOptionNotFound, code)
	}
	v := CanonicalValue(code, value)
	switch attr.DataType {
	case models.DataTypeEnum:
		opt, ok := s.options[code][strings.ToLower(v)]
		if !ok {
			return v, fmt.Errorf("%w: %s=%q", models.ErrOptionNotFound, code, v)
		}
		return opt, nil
	case models.DataTypeBool:
		if b, err := strconv.ParseBool(strings.ToLower(v)); err == nil {
			return strconv.FormatBool(b), nil
		}
	}
	return v, nil
}

// SeedCatalog writes the rule set's categories and attribute schema.
func SeedCatalog(ctx context.Context, catalog storage.CatalogStore, rules *config.Rules) error {
	categories := make([]models.Category, 0, len(rules.Categories))
	for _, c := range rules.Categories {
		categories = append(categories, models.Category{ID: c.ID, Name: c.Name})
	}
	seeds := make([]storage.AttributeSeed, 0, len(rules.Attributes))
	for _, a := range rules.Attributes {
		seeds = append(seeds, storage.AttributeSeed{
			Attribute: models.Attribute{Code: a.Code, Label: a.Label, DataType: a.DataType, Unit: a.Unit},
			Options:   a.Options,
		})
	}
	if err := catalog.SeedCatalog(ctx, categories, seeds); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	return nil
}

// SKUResolver maps attribute sets onto canonical SKUs.
type SKUResolver struct {
	skus    storage.SKUStore
	schema  *AttributeSchema
	allowed map[int][]string
	logger  *zap.Logger
}

// NewSKUResolver creates a resolver. Attributes outside a category's
// configured codes are ignored for that category.
func NewSKUResolver(skus storage.SKUStore, schema *AttributeSchema, rules *config.Rules, logger *zap.Logger) *SKUResolver {
	allowed := make(map[int][]string, len(rules.Categories))
	for _, c := range rules.Categories {
		allowed[c.ID] = c.AttributeCodes
	}
	return &SKUResolver{skus: skus, schema: schema, allowed: allowed, logger: logger}
}

// Canonicalize prepares attrs for fingerprinting. Unknown enum values are
// kept as given; codes outside the schema or the category are dropped.
func (r *SKUResolver) Canonicalize(ctx context.Context, categoryID int, attrs map[string]string) (map[string]string, error) {
	allowed := r.allowed[categoryID]
	out := make(map[string]string, len(attrs))
	for code, value := range attrs {
		code = strings.ToLower(strings.TrimSpace(code))
		if len(allowed) > 0 && !slices.Contains(allowed, code) {
			continue
		}
		v, err := r.schema.Canonical(ctx, code, value)
		if err != nil {
			if !errors.Is(err, models.ErrOptionNotFound) {
				return nil, err
			}
			if v == "" {
				// code is not in the schema
				continue
			}
		}
		if v != "" {
			out[code] = v
		}
	}
	return out, nil
}

// Resolve returns the SKU for attrs, creating it when missing. An empty
// usable attribute set is models.ErrEmptySpec.
func (r *SKUResolver) Resolve(ctx context.Context, categoryID int, attrs map[string]string) (int64, bool, error) {
	canon, err := r.Canonicalize(ctx, categoryID, attrs)
	if err != nil {
		return 0, false, err
	}
	if len(canon) == 0 {
		return 0, false, models.ErrEmptySpec
	}

	pairs := SpecPairs(canon)
	fp := FingerprintPairs(pairs)

	if sku, err := r.skus.FindSKU(ctx, categoryID, fp); err != nil {
		return 0, false, fmt.Errorf("find sku: %w", err)
	} else if sku != nil {
		r.checkCollision(sku, pairs)
		return sku.ID, false, nil
	}

	id, err := r.skus.InsertSKU(ctx, &models.SKU{CategoryID: categoryID, Fingerprint: fp, SpecPairs: pairs})
	if errors.Is(err, storage.ErrDuplicate) {
		sku, ferr := r.skus.FindSKU(ctx, categoryID, fp)
		if ferr != nil {
			return 0, false, fmt.Errorf("find sku after race: %w", ferr)
		}
		if sku == nil {
			return 0, false, fmt.Errorf("sku %s vanished after duplicate insert", fp)
		}
		r.checkCollision(sku, pairs)
		return sku.ID, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert sku: %w", err)
	}

	if err := r.skus.InsertSKUAttributes(ctx, id, canon); err != nil {
		r.logger.Warn("sku attribute rows not written", zap.Int64("sku_id", id), zap.Error(err))
	}
	r.logger.Info("sku created",
		zap.Int64("sku_id", id),
		zap.Int("category_id", categoryID),
		zap.Strings("spec", pairs))
	return id, true, nil
}

func (r *SKUResolver) checkCollision(sku *models.SKU, pairs []string) {
	if len(sku.SpecPairs) == 0 || slices.Equal(sku.SpecPairs, pairs) {
		return
	}
	r.logger.Error("fingerprint collision",
		zap.Int64("sku_id", sku.ID),
		zap.String("fingerprint", sku.Fingerprint),
		zap.Strings("stored", sku.SpecPairs),
		zap.Strings("incoming", pairs))
}

// MapResult counts the outcome of one mapping pass.
type MapResult struct {
	Scanned int `json:"scanned"`
	Mapped  int `json:"mapped"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// MapUnresolved assigns SKUs to listings that have attributes but no SKU.
// Listings without usable attributes stay unmapped for a later pass and do
// not count toward limit.
func (r *SKUResolver) MapUnresolved(ctx context.Context, listings storage.ListingStore, limit int) (MapResult, error) {
	var res MapResult
	var after int64
	for {
		pending, err := listings.ListUnmapped(ctx, after, limit)
		if err != nil {
			return res, fmt.Errorf("list unmapped: %w", err)
		}

		for _, l := range pending {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			after = l.ID
			res.Scanned++
			r.mapListing(ctx, listings, l, &res)
			if limit > 0 && res.Mapped+res.Failed >= limit {
				break
			}
		}
		if limit <= 0 || len(pending) < limit || res.Mapped+res.Failed >= limit {
			break
		}
	}

	r.logger.Info("sku mapping complete",
		zap.Int("scanned", res.Scanned),
		zap.Int("mapped", res.Mapped),
		zap.Int("created", res.Created),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	return res, nil
}

func (r *SKUResolver) mapListing(ctx context.Context, listings storage.ListingStore, l models.Listing, res *MapResult) {
	id, created, err := r.Resolve(ctx, l.CategoryID, l.Attributes)
	switch {
	case errors.Is(err, models.ErrEmptySpec):
		res.Skipped++
		return
	case err != nil:
		res.Failed++
		r.logger.Warn("sku resolution failed", zap.Int64("listing_id", l.ID), zap.Error(err))
		return
	}
	if err := listings.SetListingSKU(ctx, l.ID, id); err != nil {
		res.Failed++
		r.logger.Warn("sku assignment failed", zap.Int64("listing_id", l.ID), zap.Error(err))
		return
	}
	res.Mapped++
	if created {
		res.Created++
	}
}
