package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"market-pipeline/config"
	"market-pipeline/models"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		CheckpointBackend: "file",
		CheckpointDir:     t.TempDir(),
		ArchiveBackend:    "none",
		Sources:           []string{"bunjang", "joongna"},
		MaxConcurrency:    1,
		MaxRetries:        1,
		StatsBucket:       "day",
		StatsTimezone:     "Asia/Seoul",
		LockTTL:           time.Minute,
		CrawlInterval:     time.Hour,
		PipelineInterval:  time.Hour,
	}
}

func TestNewAppWiresEnabledSources(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t), zap.NewNop(), true)
	require.NoError(t, err)
	defer a.Close()

	assert.Len(t, a.adapters, 2)
	assert.Contains(t, a.adapters, models.SourceJoongna)

	var names []string
	for _, j := range a.jobs() {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"crawl_bunjang", "crawl_joongna", "pipeline"}, names)
}

func TestNewAppRejectsUnknownBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources = []string{"ebay"}
	_, err := newApp(context.Background(), cfg, zap.NewNop(), true)
	assert.ErrorContains(t, err, `unknown source "ebay"`)

	cfg = testConfig(t)
	cfg.ArchiveBackend = "s3"
	_, err = newApp(context.Background(), cfg, zap.NewNop(), true)
	assert.ErrorContains(t, err, "unknown archive backend")
}

func TestPipelineOnEmptyStore(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t), zap.NewNop(), true)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.seedCatalog(ctx))

	res, err := a.runPipeline(ctx, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Zero(t, res.Buckets)

	_, err = a.crawl(ctx, models.SourceDaangn, true)
	assert.ErrorContains(t, err, "not enabled")
}
