package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"magray/internal/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 384, cfg.Dimensions)
	assert.Equal(t, 50*time.Millisecond, cfg.Search.Deadline)
	assert.Less(t, cfg.Tiers.Interaction.EfSearch, cfg.Tiers.Asset.EfSearch)
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseOverridesAndKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
dimensions: 16
tiers:
  interaction:
    min_age: 0s
    ef_search: 8
embedding:
  mode: cpu
  onnx:
    model_path: model.onnx
  batch:
    max: 32
search:
  deadline: 250ms
promotion:
  schedule: "@every 1m"
`))
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Dimensions)
	assert.Equal(t, time.Duration(0), cfg.Tiers.Interaction.MinAge)
	assert.Equal(t, 8, cfg.Tiers.Interaction.EfSearch)
	assert.Equal(t, 12, cfg.Tiers.Interaction.M, "unset fields keep their default")
	assert.Equal(t, "model.onnx", cfg.Embedding.ONNX.ModelPath)
	assert.Equal(t, 128, cfg.Embedding.ONNX.MaxSeqLen)
	assert.Equal(t, 32, cfg.Embedding.Batch.Max)
	assert.Equal(t, 8, cfg.Embedding.Batch.Initial)
	assert.Equal(t, 250*time.Millisecond, cfg.Search.Deadline)
	assert.Equal(t, "@every 1m", cfg.Promotion.Schedule)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("dimension: 12\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, memory.ErrInvalidConfig)
	assert.Equal(t, memory.KindFatal, memory.KindOf(err))
}

func TestParseExpandsPaths(t *testing.T) {
	t.Setenv("MAGRAY_TEST_MODELS", "/opt/models")
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := Parse([]byte(`
data_dir: ~/memory
embedding:
  onnx:
    model_path: ${MAGRAY_TEST_MODELS}/minilm.onnx
`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "memory"), cfg.DataDir)
	assert.Equal(t, "/opt/models/minilm.onnx", cfg.Embedding.ONNX.ModelPath)
}

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero dimensions", func(c *Config) { c.Dimensions = 0 }, "dimensions"},
		{"huge dimensions", func(c *Config) { c.Dimensions = 100000 }, "dimensions"},
		{"tiny M", func(c *Config) { c.Tiers.Insight.M = 1 }, "tiers.insight.m"},
		{"ef construction below M", func(c *Config) { c.Tiers.Asset.EfConstruction = 4 }, "tiers.asset.ef_construction"},
		{"zero ef search", func(c *Config) { c.Tiers.Interaction.EfSearch = 0 }, "tiers.interaction.ef_search"},
		{"negative ttl", func(c *Config) { c.Tiers.Insight.TTL = -time.Second }, "tiers.insight.ttl"},
		{"threshold above one", func(c *Config) { c.Tiers.Asset.AcceptThreshold = 1.5 }, "accept_threshold"},
		{"no cache entries", func(c *Config) { c.Cache.MaxEntries = 0 }, "cache.max_entries"},
		{"tiny cache", func(c *Config) { c.Cache.MaxBytes = 10 }, "cache.max_bytes"},
		{"bad mode", func(c *Config) { c.Embedding.Mode = "gpu" }, "embedding.mode"},
		{"batch initial above max", func(c *Config) { c.Embedding.Batch.Initial = 1000 }, "embedding.batch.initial"},
		{"batch max below min", func(c *Config) { c.Embedding.Batch.Min = 10; c.Embedding.Batch.Max = 5 }, "embedding.batch.max"},
		{"zero call timeout", func(c *Config) { c.Embedding.CallTimeout = 0 }, "embedding.call_timeout"},
		{"zero breaker threshold", func(c *Config) { c.Embedding.Breaker.FailureThreshold = 0 }, "embedding.breaker.failure_threshold"},
		{"zero cooldown", func(c *Config) { c.Search.Breaker.Cooldown = 0 }, "search.breaker.cooldown"},
		{"too many retries", func(c *Config) { c.Embedding.Retry.MaxAttempts = 50 }, "embedding.retry.max_attempts"},
		{"retry max below initial", func(c *Config) { c.Embedding.Retry.MaxInterval = time.Millisecond }, "embedding.retry.max_interval"},
		{"zero deadline", func(c *Config) { c.Search.Deadline = 0 }, "search.deadline"},
		{"bad schedule", func(c *Config) { c.Promotion.Schedule = "every tuesday" }, "promotion.schedule"},
		{"five field schedule", func(c *Config) { c.Promotion.Schedule = "*/5 * * * *" }, "promotion.schedule"},
		{"zero concurrency", func(c *Config) { c.Orchestrator.MaxConcurrent = 0 }, "orchestrator.max_concurrent"},
		{"fast health loop", func(c *Config) { c.Orchestrator.HealthInterval = time.Millisecond }, "orchestrator.health_interval"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, memory.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Dimensions = 0
	cfg.Search.Deadline = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimensions")
	assert.Contains(t, err.Error(), "search.deadline")
}

func TestEmptyScheduleDisablesPromotion(t *testing.T) {
	cfg := Default()
	cfg.Promotion.Schedule = ""
	assert.NoError(t, cfg.Validate())
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "magray.yaml")
	orig := Default()
	orig.Dimensions = 64
	orig.Tiers.Insight.MinAge = 90 * time.Minute
	orig.Embedding.Mode = "cpu"
	require.NoError(t, orig.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, orig, loaded)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
