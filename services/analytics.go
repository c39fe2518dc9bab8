package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"market-pipeline/config"
	"market-pipeline/models"
	"market-pipeline/storage"
)

// SupportedSpecFields are the query fields ResolveSKUs understands, in the
// order they are applied.
var SupportedSpecFields = []string{
	"model", "storage", "color", "chip", "ram", "screen_size",
	"size", "material", "connectivity", "cellular", "pencil_support",
}

// AnalyticsStore is the read surface the analytics service needs.
type AnalyticsStore interface {
	storage.RegionStore
	storage.StatsStore
	FindSKUsContaining(ctx context.Context, categoryID int, pairs []string) ([]int64, error)
}

// AnalyticsOptions tunes the read paths.
type AnalyticsOptions struct {
	TrendWindow     time.Duration
	LowestLimit     int
	DefaultProvince string
}

// AnalyticsService answers price questions over persisted statistics.
type AnalyticsService struct {
	store  AnalyticsStore
	schema *AttributeSchema
	rules  *config.Rules
	opts   AnalyticsOptions
	now    func() time.Time
	logger *zap.Logger
}

// NewAnalyticsService creates an AnalyticsService.
func NewAnalyticsService(store AnalyticsStore, schema *AttributeSchema, rules *config.Rules, opts AnalyticsOptions, logger *zap.Logger) *AnalyticsService {
	if opts.TrendWindow <= 0 {
		opts.TrendWindow = 28 * 24 * time.Hour
	}
	if opts.LowestLimit <= 0 {
		opts.LowestLimit = 70
	}
	return &AnalyticsService{store: store, schema: schema, rules: rules, opts: opts, now: time.Now, logger: logger}
}

// SetClock overrides the clock used for the trend window.
func (s *AnalyticsService) SetClock(now func() time.Time) { s.now = now }

// ResolveSKUs returns every SKU of product whose spec contains all given
// fields, plus a display label for the query.
func (s *AnalyticsService) ResolveSKUs(ctx context.Context, product string, spec map[string]string) ([]int64, string, error) {
	cat, ok := s.rules.CategoryByName(product)
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", models.ErrUnknownCategory, product)
	}

	fields := make(map[string]string, len(spec))
	for k, v := range spec {
		fields[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	var pairs []string
	values := make(map[string]string)
	for _, code := range SupportedSpecFields {
		v := fields[code]
		if v == "" {
			continue
		}
		if IsCapacityCode(code) {
			n, ok := NormalizeCapacity(v)
			if !ok {
				return nil, "", fmt.Errorf("%w: %s=%q", models.ErrOptionNotFound, code, v)
			}
			v = strconv.Itoa(n)
		} else {
			canon, err := s.schema.Canonical(ctx, code, v)
			if err != nil {
				return nil, "", err
			}
			v = canon
		}
		values[code] = v
		pairs = append(pairs, code+":"+v)
	}
	if len(pairs) == 0 {
		return nil, "", models.ErrEmptySpec
	}

	ids, err := s.store.FindSKUsContaining(ctx, cat.ID, pairs)
	if err != nil {
		return nil, "", fmt.Errorf("find skus: %w", err)
	}
	if len(ids) == 0 {
		return nil, "", fmt.Errorf("%w: %s", models.ErrNoMatchingSKU, strings.Join(pairs, ", "))
	}
	return ids, specLabel(cat.Name, values), nil
}

func specLabel(category string, values map[string]string) string {
	label := category
	if m := values["model"]; m != "" {
		label = m
	}
	if st := values["storage"]; st != "" {
		label += " " + st + "GB"
	}
	return label
}

// ResolveRegion returns the neighborhood id named by f, or nil when f names
// no neighborhood.
func (s *AnalyticsService) ResolveRegion(ctx context.Context, f models.RegionFilter) (*int64, error) {
	if strings.TrimSpace(f.Neighborhood) == "" {
		return nil, nil
	}
	r, err := s.store.FindRegion(ctx, models.RegionNames{
		Province:     strings.TrimSpace(f.Province),
		District:     strings.TrimSpace(f.District),
		Neighborhood: strings.TrimSpace(f.Neighborhood),
	})
	if err != nil {
		return nil, err
	}
	return &r.ID, nil
}

// Summary combines the latest bucket of every (sku, region) in scope with a
// count-weighted average.
func (s *AnalyticsService) Summary(ctx context.Context, skuIDs []int64, scope storage.RegionScope) (models.Summary, error) {
	rows, err := s.store.LatestStats(ctx, skuIDs, scope)
	if err != nil {
		return models.Summary{}, fmt.Errorf("latest stats: %w", err)
	}
	var sum models.Summary
	var total int64
	for _, r := range rows {
		if r.ItemsNum <= 0 {
			continue
		}
		if sum.ListingCount == 0 || r.MinPrice < sum.MinPrice {
			sum.MinPrice = r.MinPrice
		}
		if sum.ListingCount == 0 || r.MaxPrice > sum.MaxPrice {
			sum.MaxPrice = r.MaxPrice
		}
		if r.BucketTS.After(sum.DataDate) {
			sum.DataDate = r.BucketTS
		}
		sum.ListingCount += r.ItemsNum
		total += r.SumPrice
	}
	if sum.ListingCount == 0 {
		return models.Summary{}, models.ErrNoStats
	}
	sum.AveragePrice = weightedAverage(total, sum.ListingCount)
	return sum, nil
}

func weightedAverage(sum int64, count int) int64 {
	if count == 0 {
		return 0
	}
	return decimal.NewFromInt(sum).DivRound(decimal.NewFromInt(int64(count)), 0).IntPart()
}

// RegionalBreakdown averages the latest buckets per neighborhood, cheapest
// first.
func (s *AnalyticsService) RegionalBreakdown(ctx context.Context, skuIDs []int64, scope storage.RegionScope) ([]models.DistrictPrice, error) {
	rows, err := s.store.LatestStats(ctx, skuIDs, scope)
	if err != nil {
		return nil, fmt.Errorf("latest stats: %w", err)
	}

	type acc struct {
		names models.RegionNames
		sum   int64
		count int
	}
	groups := make(map[string]*acc)
	var order []string
	for _, r := range rows {
		key := r.Region.District + "\x00" + r.Region.Neighborhood
		a, ok := groups[key]
		if !ok {
			a = &acc{names: r.Region}
			groups[key] = a
			order = append(order, key)
		}
		a.sum += r.SumPrice
		a.count += r.ItemsNum
	}

	out := make([]models.DistrictPrice, 0, len(groups))
	for _, key := range order {
		a := groups[key]
		if a.count == 0 {
			continue
		}
		out = append(out, models.DistrictPrice{
			District:     a.names.District,
			Neighborhood: a.names.Neighborhood,
			AveragePrice: weightedAverage(a.sum, a.count),
			ListingCount: a.count,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AveragePrice != out[j].AveragePrice {
			return out[i].AveragePrice < out[j].AveragePrice
		}
		if out[i].District != out[j].District {
			return out[i].District < out[j].District
		}
		return out[i].Neighborhood < out[j].Neighborhood
	})
	return out, nil
}

// PriceTrend groups buckets of the trend window into weeks counted back from
// now, oldest first. ChangeRate compares the first and last week in percent.
func (s *AnalyticsService) PriceTrend(ctx context.Context, skuIDs []int64, scope storage.RegionScope) (models.PriceTrend, error) {
	now := s.now().UTC()
	rows, err := s.store.StatsSince(ctx, skuIDs, scope, now.Add(-s.opts.TrendWindow))
	if err != nil {
		return models.PriceTrend{}, fmt.Errorf("stats since: %w", err)
	}

	type week struct {
		period time.Time
		sum    int64
		count  int
	}
	weeks := make(map[int]*week)
	for _, r := range rows {
		ago := int(now.Sub(r.BucketTS) / (7 * 24 * time.Hour))
		if ago < 0 {
			ago = 0
		}
		w, ok := weeks[ago]
		if !ok {
			w = &week{period: r.BucketTS}
			weeks[ago] = w
		}
		if r.BucketTS.After(w.period) {
			w.period = r.BucketTS
		}
		w.sum += r.SumPrice
		w.count += r.ItemsNum
	}

	series := make([]models.TrendPoint, 0, len(weeks))
	for _, w := range weeks {
		if w.count == 0 {
			continue
		}
		series = append(series, models.TrendPoint{Period: w.period, Price: weightedAverage(w.sum, w.count)})
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Period.Before(series[j].Period) })

	return models.PriceTrend{
		Periods:    len(series),
		ChangeRate: changeRate(series),
		Series:     series,
	}, nil
}

func changeRate(series []models.TrendPoint) float64 {
	if len(series) < 2 || series[0].Price == 0 {
		return 0
	}
	first, last := float64(series[0].Price), float64(series[len(series)-1].Price)
	return math.Round((last-first)/first*100*100) / 100
}

// LowestListings returns the cheapest active listings in scope.
func (s *AnalyticsService) LowestListings(ctx context.Context, skuIDs []int64, scope storage.RegionScope, limit int) ([]models.ListingView, error) {
	if limit <= 0 {
		limit = s.opts.LowestLimit
	}
	out, err := s.store.LowestListings(ctx, skuIDs, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("lowest listings: %w", err)
	}
	return out, nil
}

// Scope turns a request filter into a store scope. A resolved neighborhood
// wins; otherwise the province falls back to the configured default.
func (s *AnalyticsService) Scope(f models.RegionFilter, regionID *int64) storage.RegionScope {
	if regionID != nil {
		return storage.RegionScope{RegionID: regionID}
	}
	province := strings.TrimSpace(f.Province)
	if province == "" {
		province = s.opts.DefaultProvince
	}
	return storage.RegionScope{Province: province, District: strings.TrimSpace(f.District)}
}

// Run answers one analytics request. Every failure becomes an error response.
func (s *AnalyticsService) Run(ctx context.Context, req models.AnalyticsRequest) models.AnalyticsResponse {
	data, err := s.run(ctx, req)
	if err != nil {
		msg := userMessage(err)
		if models.IsNotFound(err) {
			s.logger.Info("analytics query without result", zap.String("product", req.Product), zap.Error(err))
		} else {
			s.logger.Error("analytics query failed", zap.String("product", req.Product), zap.Error(err))
		}
		return models.AnalyticsResponse{Status: models.StatusError, Message: msg}
	}
	return models.AnalyticsResponse{Status: models.StatusSuccess, Data: data}
}

func (s *AnalyticsService) run(ctx context.Context, req models.AnalyticsRequest) (*models.AnalyticsData, error) {
	skuIDs, label, err := s.ResolveSKUs(ctx, req.Product, req.Spec)
	if err != nil {
		return nil, err
	}
	regionID, err := s.ResolveRegion(ctx, req.Region)
	if err != nil {
		return nil, err
	}
	scope := s.Scope(req.Region, regionID)

	summary, err := s.Summary(ctx, skuIDs, scope)
	if err != nil {
		return nil, err
	}
	summary.ModelName = label

	regional, err := s.RegionalBreakdown(ctx, skuIDs, scope)
	if err != nil {
		return nil, err
	}
	trend, err := s.PriceTrend(ctx, skuIDs, scope)
	if err != nil {
		return nil, err
	}
	lowest, err := s.LowestListings(ctx, skuIDs, scope, 0)
	if err != nil {
		return nil, err
	}

	return &models.AnalyticsData{
		Summary:  summary,
		Regional: models.RegionalAnalysis{Districts: regional},
		Trend:    trend,
		Lowest:   lowest,
	}, nil
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrUnknownCategory):
		return "지원하지 않는 제품입니다."
	case errors.Is(err, models.ErrEmptySpec):
		return "검색할 사양을 하나 이상 입력해 주세요."
	case errors.Is(err, models.ErrOptionNotFound), errors.Is(err, models.ErrNoMatchingSKU):
		return "해당 사양의 제품을 찾을 수 없습니다."
	case errors.Is(err, models.ErrRegionNotFound):
		return "해당 지역을 찾을 수 없습니다."
	case errors.Is(err, models.ErrNoStats):
		return "해당 조건의 시세 데이터가 없습니다."
	}
	return "시세 정보를 조회하는 중 오류가 발생했습니다."
}
