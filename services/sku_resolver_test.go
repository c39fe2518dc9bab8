package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"market-pipeline/models"
	"market-pipeline/storage"
)

func newSeededStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	s := storage.NewMemoryStore()
	require.NoError(t, SeedCatalog(context.Background(), s, loadTestRules(t)))
	return s
}

func newTestResolver(t *testing.T, s *storage.MemoryStore) *SKUResolver {
	t.Helper()
	return NewSKUResolver(s, NewAttributeSchema(s), loadTestRules(t), zap.NewNop())
}

func TestResolveCreatesThenReuses(t *testing.T) {
	ctx := context.Background()
	s := newSeededStore(t)
	r := newTestResolver(t, s)

	id, created, err := r.Resolve(ctx, 1, map[string]string{"model": "iphone 13", "storage": "128GB", "color": "black"})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := r.Resolve(ctx, 1, map[string]string{"Color": "Black", "storage": "128", "model": "iPhone 13"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	assert.Equal(t, map[string]string{"model": "iPhone 13", "storage": "128", "color": "Black"}, s.SKUAttributes(id))
	assert.Equal(t, 1, s.SKUCount())
}

func TestResolveCapacityUnits(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(t, newSeededStore(t))

	a, _, err := r.Resolve(ctx, 1, map[string]string{"model": "iPhone 15 Pro", "storage": "1TB"})
	require.NoError(t, err)
	b, created, err := r.Resolve(ctx, 1, map[string]string{"model": "iPhone 15 Pro", "storage": "1024GB"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a, b)
}

func TestResolveKeepsUnknownEnumValues(t *testing.T) {
	ctx := context.Background()
	s := newSeededStore(t)
	r := newTestResolver(t, s)

	id, created, err := r.Resolve(ctx, 1, map[string]string{"model": " X ", "storage": "128GB"})
	require.NoError(t, err)
	assert.True(t, created)

	ids, err := s.FindSKUsContaining(ctx, 1, []string{"model:X", "storage:128"})
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, ids)
}

func TestResolveEmptySpec(t *testing.T) {
	ctx := context.Background()
	s := newSeededStore(t)
	r := newTestResolver(t, s)

	for name, attrs := range map[string]map[string]string{
		"nil":             nil,
		"blank values":    {"model": " "},
		"unknown code":    {"battery": "90%"},
		"not in category": {"chip": "M1"},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := r.Resolve(ctx, 1, attrs)
			assert.ErrorIs(t, err, models.ErrEmptySpec)
		})
	}
	assert.Zero(t, s.SKUCount())
}

func TestResolveConcurrentCallsShareSKU(t *testing.T) {
	ctx := context.Background()
	s := newSeededStore(t)
	r := newTestResolver(t, s)

	var wg sync.WaitGroup
	ids := make([]int64, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := r.Resolve(ctx, 2, map[string]string{"model": "iPad Air", "storage": "64GB"})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, s.SKUCount())
}

func TestMapUnresolved(t *testing.T) {
	ctx := context.Background()
	s := newSeededStore(t)
	r := newTestResolver(t, s)

	for _, l := range []models.Listing{
		{Source: models.SourceBunjang, ExternalID: "1", CategoryID: 1, Status: models.StatusActive,
			Attributes: map[string]string{"model": "iPhone 13", "storage": "128GB"}},
		{Source: models.SourceBunjang, ExternalID: "2", CategoryID: 1, Status: models.StatusActive,
			Attributes: map[string]string{"model": "iPhone 13", "storage": "128"}},
		{Source: models.SourceBunjang, ExternalID: "3", CategoryID: 1, Status: models.StatusActive,
			Attributes: map[string]string{"battery": "90%"}},
		{Source: models.SourceBunjang, ExternalID: "4", CategoryID: 1, Status: models.StatusActive},
	} {
		l := l
		_, err := s.UpsertListing(ctx, &l)
		require.NoError(t, err)
	}

	res, err := r.MapUnresolved(ctx, s, 0)
	require.NoError(t, err)
	assert.Equal(t, MapResult{Scanned: 3, Mapped: 2, Created: 1, Skipped: 1}, res)

	one, _ := s.Listing(models.SourceBunjang, "1")
	two, _ := s.Listing(models.SourceBunjang, "2")
	require.NotNil(t, one.SKUID)
	assert.Equal(t, one.SKUID, two.SKUID)

	// the skipped listing is retried on the next pass
	res, err = r.MapUnresolved(ctx, s, 0)
	require.NoError(t, err)
	assert.Equal(t, MapResult{Scanned: 1, Skipped: 1}, res)
}

func TestMapUnresolvedLimitSkipsUnusableListings(t *testing.T) {
	ctx := context.Background()
	s := newSeededStore(t)
	r := newTestResolver(t, s)

	attrs := []map[string]string{
		{"battery": "90%"},
		{"battery": "85%"},
		{"battery": "80%"},
		{"model": "iPhone 13", "storage": "128GB"},
		{"model": "iPhone 13", "storage": "128"},
	}
	for i, a := range attrs {
		l := models.Listing{Source: models.SourceJoongna, ExternalID: string(rune('a' + i)), CategoryID: 1,
			Status: models.StatusActive, Attributes: a}
		_, err := s.UpsertListing(ctx, &l)
		require.NoError(t, err)
	}

	res, err := r.MapUnresolved(ctx, s, 2)
	require.NoError(t, err)
	assert.Equal(t, MapResult{Scanned: 5, Mapped: 2, Created: 1, Skipped: 3}, res)

	last, _ := s.Listing(models.SourceJoongna, "e")
	assert.NotNil(t, last.SKUID)
}
