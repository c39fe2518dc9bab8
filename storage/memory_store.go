package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"market-pipeline/models"
)

// MemoryStore implements Store in process memory. It mirrors the Postgres
// semantics closely enough for service tests and dry runs.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	nextListingID int64
	listings      map[int64]*models.Listing
	listingKeys   map[string]int64

	nextRegionID int64
	regions      map[int64]models.Region

	categories map[int]models.Category
	attributes map[string]models.Attribute
	options    map[int][]models.AttributeOption
	nextAttrID int
	nextOptID  int

	nextSKUID     int64
	skus          map[int64]*models.SKU
	skuKeys       map[string]int64
	skuAttributes map[int64]map[string]string

	stats map[models.StatsKey]models.PriceStats
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           time.Now,
		listings:      make(map[int64]*models.Listing),
		listingKeys:   make(map[string]int64),
		regions:       make(map[int64]models.Region),
		categories:    make(map[int]models.Category),
		attributes:    make(map[string]models.Attribute),
		options:       make(map[int][]models.AttributeOption),
		skus:          make(map[int64]*models.SKU),
		skuKeys:       make(map[string]int64),
		skuAttributes: make(map[int64]map[string]string),
		stats:         make(map[models.StatsKey]models.PriceStats),
	}
}

// SetClock overrides the clock used for created/updated timestamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func listingKey(source models.Source, externalID string) string {
	return string(source) + "\x00" + externalID
}

func (m *MemoryStore) UpsertListing(_ context.Context, l *models.Listing) (models.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	key := listingKey(l.Source, l.ExternalID)
	if id, ok := m.listingKeys[key]; ok {
		cur := m.listings[id]
		cur.Title = l.Title
		cur.Price = copyInt(l.Price)
		cur.URL = l.URL
		cur.Status = l.Status
		if cur.CategoryID != l.CategoryID {
			cur.SKUID = nil
		}
		cur.CategoryID = l.CategoryID
		if l.RegionID != nil {
			cur.RegionID = copyInt64(l.RegionID)
			cur.Region = l.Region
		}
		if l.PostedUpdatedAt != nil {
			cur.PostedUpdatedAt = l.PostedUpdatedAt
		}
		if cur.PostedAt == nil {
			cur.PostedAt = l.PostedAt
		}
		cur.LastCrawledAt = l.LastCrawledAt
		cur.UpdatedAt = now
		if len(l.Attributes) > 0 {
			cur.Attributes = copyAttrs(l.Attributes)
		}
		return models.UpsertResult{ID: id, Created: false}, nil
	}

	m.nextListingID++
	id := m.nextListingID
	stored := *l
	stored.ID = id
	stored.Price = copyInt(l.Price)
	stored.RegionID = copyInt64(l.RegionID)
	stored.SKUID = copyInt64(l.SKUID)
	stored.Attributes = copyAttrs(l.Attributes)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.listings[id] = &stored
	m.listingKeys[key] = id
	return models.UpsertResult{ID: id, Created: true}, nil
}

func (m *MemoryStore) SeenExternalIDs(_ context.Context, source models.Source) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, l := range m.listings {
		if l.Source == source {
			ids = append(ids, l.ExternalID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) ListUnmapped(_ context.Context, afterID int64, limit int) ([]models.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Listing
	for _, id := range m.sortedListingIDs() {
		l := m.listings[id]
		if id <= afterID || l.SKUID != nil || len(l.Attributes) == 0 {
			continue
		}
		cp := *l
		cp.Attributes = copyAttrs(l.Attributes)
		out = append(out, cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) SetListingSKU(_ context.Context, listingID, skuID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[listingID]
	if !ok {
		return fmt.Errorf("memory: listing %d not found", listingID)
	}
	l.SKUID = &skuID
	return nil
}

func (m *MemoryStore) ActivePricedListings(_ context.Context) ([]models.PricedListing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PricedListing
	for _, id := range m.sortedListingIDs() {
		l := m.listings[id]
		if l.Status != models.StatusActive || l.SKUID == nil || l.RegionID == nil || l.Price == nil {
			continue
		}
		out = append(out, models.PricedListing{
			SKUID: *l.SKUID, RegionID: *l.RegionID, Price: *l.Price, CreatedAt: l.CreatedAt,
		})
	}
	return out, nil
}

// Listing returns a copy of the stored listing, for tests.
func (m *MemoryStore) Listing(source models.Source, externalID string) (models.Listing, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.listingKeys[listingKey(source, externalID)]
	if !ok {
		return models.Listing{}, false
	}
	return *m.listings[id], true
}

// ListingCount returns the number of stored listings.
func (m *MemoryStore) ListingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listings)
}

func (m *MemoryStore) sortedListingIDs() []int64 {
	ids := make([]int64, 0, len(m.listings))
	for id := range m.listings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *MemoryStore) FindRegion(_ context.Context, names models.RegionNames) (*models.Region, error) {
	if names.Neighborhood == "" {
		return nil, models.ErrRegionNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Region
	for _, r := range m.regions {
		if !strings.EqualFold(r.Neighborhood, names.Neighborhood) {
			continue
		}
		if names.District != "" && !strings.EqualFold(r.District, names.District) {
			continue
		}
		if names.Province != "" && !strings.EqualFold(r.Province, names.Province) {
			continue
		}
		if best == nil || r.ID < best.ID {
			r := r
			best = &r
		}
	}
	if best == nil {
		return nil, models.ErrRegionNotFound
	}
	return best, nil
}

func (m *MemoryStore) EnsureRegion(_ context.Context, names models.RegionNames) (int64, error) {
	if !names.Complete() {
		return 0, fmt.Errorf("memory: region %+v is incomplete", names)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if r.Province == names.Province && r.District == names.District && r.Neighborhood == names.Neighborhood {
			return r.ID, nil
		}
	}
	m.nextRegionID++
	m.regions[m.nextRegionID] = models.Region{
		ID: m.nextRegionID, Province: names.Province, District: names.District, Neighborhood: names.Neighborhood,
	}
	return m.nextRegionID, nil
}

func (m *MemoryStore) SeedCatalog(_ context.Context, categories []models.Category, attrs []AttributeSeed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range categories {
		m.categories[c.ID] = c
	}
	for _, seed := range attrs {
		a, ok := m.attributes[seed.Attribute.Code]
		if !ok {
			m.nextAttrID++
			a = seed.Attribute
			a.ID = m.nextAttrID
		} else {
			id := a.ID
			a = seed.Attribute
			a.ID = id
		}
		m.attributes[a.Code] = a
		for _, v := range seed.Options {
			if m.hasOption(a.ID, v) {
				continue
			}
			m.nextOptID++
			m.options[a.ID] = append(m.options[a.ID], models.AttributeOption{ID: m.nextOptID, AttributeID: a.ID, Value: v})
		}
	}
	return nil
}

func (m *MemoryStore) hasOption(attrID int, value string) bool {
	for _, o := range m.options[attrID] {
		if o.Value == value {
			return true
		}
	}
	return false
}

func (m *MemoryStore) Attributes(_ context.Context) ([]models.Attribute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Attribute, 0, len(m.attributes))
	for _, a := range m.attributes {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Options(_ context.Context, attributeID int) ([]models.AttributeOption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.AttributeOption(nil), m.options[attributeID]...), nil
}

func (m *MemoryStore) FindOption(_ context.Context, code, value string) (*models.AttributeOption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.attributes {
		if !strings.EqualFold(a.Code, code) {
			continue
		}
		for _, o := range m.options[a.ID] {
			if strings.EqualFold(o.Value, value) {
				o := o
				return &o, nil
			}
		}
	}
	return nil, models.ErrOptionNotFound
}

func skuKey(categoryID int, fingerprint string) string {
	return fmt.Sprintf("%d\x00%s", categoryID, fingerprint)
}

func (m *MemoryStore) FindSKU(_ context.Context, categoryID int, fingerprint string) (*models.SKU, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.skuKeys[skuKey(categoryID, fingerprint)]
	if !ok {
		return nil, nil
	}
	sku := *m.skus[id]
	sku.SpecPairs = append([]string(nil), sku.SpecPairs...)
	return &sku, nil
}

func (m *MemoryStore) InsertSKU(_ context.Context, sku *models.SKU) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := skuKey(sku.CategoryID, sku.Fingerprint)
	if _, ok := m.skuKeys[key]; ok {
		return 0, ErrDuplicate
	}
	m.nextSKUID++
	stored := *sku
	stored.ID = m.nextSKUID
	stored.SpecPairs = append([]string(nil), sku.SpecPairs...)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now().UTC()
	}
	m.skus[stored.ID] = &stored
	m.skuKeys[key] = stored.ID
	return stored.ID, nil
}

func (m *MemoryStore) InsertSKUAttributes(_ context.Context, skuID int64, attrs map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dst, ok := m.skuAttributes[skuID]
	if !ok {
		dst = make(map[string]string)
		m.skuAttributes[skuID] = dst
	}
	for code, v := range attrs {
		if _, known := m.attributes[code]; !known {
			continue
		}
		if _, exists := dst[code]; !exists {
			dst[code] = v
		}
	}
	return nil
}

// SKUAttributes returns the denormalized values stored for a SKU, for tests.
func (m *MemoryStore) SKUAttributes(skuID int64) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyAttrs(m.skuAttributes[skuID])
}

// SKUCount returns the number of stored SKUs.
func (m *MemoryStore) SKUCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.skus)
}

func (m *MemoryStore) FindSKUsContaining(_ context.Context, categoryID int, pairs []string) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int64
	for id, sku := range m.skus {
		if sku.CategoryID != categoryID {
			continue
		}
		have := make(map[string]bool, len(sku.SpecPairs))
		for _, p := range sku.SpecPairs {
			have[p] = true
		}
		all := true
		for _, p := range pairs {
			if !have[p] {
				all = false
				break
			}
		}
		if all {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryStore) UpsertStats(_ context.Context, s models.PriceStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.BucketTS = s.BucketTS.UTC()
	m.stats[s.Key()] = s
	return nil
}

// AllStats returns every bucket ordered by key, for tests.
func (m *MemoryStore) AllStats() []models.PriceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PriceStats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, s)
	}
	sortStats(out)
	return out
}

func (m *MemoryStore) LatestStats(_ context.Context, skuIDs []int64, scope RegionScope) ([]models.RegionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type pair struct{ sku, region int64 }
	latest := make(map[pair]models.PriceStats)
	wanted := int64Set(skuIDs)
	for _, s := range m.stats {
		if !wanted[s.SKUID] || !m.inScope(s.RegionID, scope) {
			continue
		}
		k := pair{s.SKUID, s.RegionID}
		if cur, ok := latest[k]; !ok || s.BucketTS.After(cur.BucketTS) {
			latest[k] = s
		}
	}
	out := make([]models.RegionStats, 0, len(latest))
	for _, s := range latest {
		out = append(out, models.RegionStats{PriceStats: s, Region: m.regions[s.RegionID].Names()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SKUID != out[j].SKUID {
			return out[i].SKUID < out[j].SKUID
		}
		return out[i].RegionID < out[j].RegionID
	})
	return out, nil
}

func (m *MemoryStore) StatsSince(_ context.Context, skuIDs []int64, scope RegionScope, since time.Time) ([]models.PriceStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := int64Set(skuIDs)
	var out []models.PriceStats
	for _, s := range m.stats {
		if wanted[s.SKUID] && m.inScope(s.RegionID, scope) && !s.BucketTS.Before(since) {
			out = append(out, s)
		}
	}
	sortStats(out)
	return out, nil
}

func (m *MemoryStore) LowestListings(_ context.Context, skuIDs []int64, scope RegionScope, limit int) ([]models.ListingView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := int64Set(skuIDs)
	var picked []*models.Listing
	for _, id := range m.sortedListingIDs() {
		l := m.listings[id]
		if l.SKUID == nil || !wanted[*l.SKUID] || l.Status != models.StatusActive || l.Price == nil || l.RegionID == nil {
			continue
		}
		if !m.inScope(*l.RegionID, scope) {
			continue
		}
		picked = append(picked, l)
	}
	sort.SliceStable(picked, func(i, j int) bool { return *picked[i].Price < *picked[j].Price })
	if limit > 0 && len(picked) > limit {
		picked = picked[:limit]
	}
	out := make([]models.ListingView, 0, len(picked))
	for _, l := range picked {
		r := m.regions[*l.RegionID]
		out = append(out, models.ListingView{
			Price: *l.Price, District: r.District, Neighborhood: r.Neighborhood, Source: l.Source, URL: l.URL,
		})
	}
	return out, nil
}

func (m *MemoryStore) inScope(regionID int64, scope RegionScope) bool {
	if scope.RegionID != nil {
		return regionID == *scope.RegionID
	}
	r, ok := m.regions[regionID]
	if !ok {
		return scope.Province == "" && scope.District == ""
	}
	if scope.Province != "" && !strings.EqualFold(r.Province, scope.Province) {
		return false
	}
	if scope.District != "" && !strings.EqualFold(r.District, scope.District) {
		return false
	}
	return true
}

func (m *MemoryStore) Close() error { return nil }

func sortStats(s []models.PriceStats) {
	sort.Slice(s, func(i, j int) bool {
		a, b := s[i], s[j]
		if a.SKUID != b.SKUID {
			return a.SKUID < b.SKUID
		}
		if a.RegionID != b.RegionID {
			return a.RegionID < b.RegionID
		}
		return a.BucketTS.Before(b.BucketTS)
	})
}

func int64Set(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyAttrs(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
