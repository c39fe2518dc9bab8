package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONSECUTIVE_SEEN_THRESHOLD", "7")
	t.Setenv("SOURCES", "bunjang,joongna")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.SeenThreshold)
	assert.Equal(t, []string{"bunjang", "joongna"}, cfg.Sources)
	assert.Equal(t, 70, cfg.LowestLimit)
	assert.Equal(t, 28*24*time.Hour, cfg.TrendWindow)
	assert.Equal(t, "Asia/Seoul", cfg.Location().String())
	assert.Contains(t, cfg.DSN(), "sslmode=disable")
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	t.Setenv("STATS_TIMEZONE", "Mars/Olympus")
	_, err := Load()
	assert.Error(t, err)
}

func TestEmbeddedRules(t *testing.T) {
	r, err := LoadRules("")
	require.NoError(t, err)

	phone, ok := r.Category(1)
	require.True(t, ok)
	assert.Equal(t, "iPhone", phone.Name)
	assert.Equal(t, PriceRange{Min: 30000, Max: 5000000}, phone.PriceGuard)

	guards := map[int]PriceRange{
		2: {30000, 4000000},
		3: {100000, 8000000},
		4: {20000, 2000000},
		5: {10000, 800000},
	}
	for id, want := range guards {
		c, ok := r.Category(id)
		require.True(t, ok, "category %d", id)
		assert.Equal(t, want, c.PriceGuard, "category %d", id)
	}

	assert.False(t, r.Filters.Outlier.Enabled)
	assert.Equal(t, 0.5, r.Filters.Outlier.Ratio)
	assert.Equal(t, 20, r.Filters.Outlier.MinSamples)
	assert.Contains(t, r.Filters.AccessoryOnly, "전용")

	model, ok := r.Attribute("model")
	require.True(t, ok)
	assert.Contains(t, model.Options, "iPhone 13")
}

func TestCategoryByName(t *testing.T) {
	r, err := LoadRules("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		wantID int
		wantOK bool
	}{
		{"iPhone", 1, true},
		{"iphone", 1, true},
		{"아이폰", 1, true},
		{"Apple Watch", 4, true},
		{"AppleWatch", 4, true},
		{"Galaxy", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := r.CategoryByName(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, c.ID)
		})
	}
}

func TestRulesFileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	doc := `
categories:
  - id: 9
    name: Gadget
    price_guard: {min: 1, max: 10}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	r, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, r.Categories, 1)
	assert.True(t, r.Categories[0].PriceGuard.Contains(10))
	assert.False(t, r.Categories[0].PriceGuard.Contains(11))
}

func TestRulesValidation(t *testing.T) {
	_, err := ParseRules([]byte("categories: []"))
	assert.Error(t, err)

	_, err = ParseRules([]byte(`
categories:
  - {id: 1, name: A, attributes: [missing]}
`))
	assert.Error(t, err)
}
