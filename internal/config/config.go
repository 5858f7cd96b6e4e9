package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"magray/internal/embedding"
	"magray/internal/logger"
	"magray/internal/memory"
)

// Config is the full engine configuration. Durations are Go duration
// strings ("250ms", "24h").
type Config struct {
	DataDir    string `yaml:"data_dir,omitempty"`   // see datadir.New for resolution
	StorePath  string `yaml:"store_path,omitempty"` // defaults to {data_dir}/store/memory.db
	Dimensions int    `yaml:"dimensions"`

	Log          LogConfig          `yaml:"log"`
	Tiers        TiersConfig        `yaml:"tiers"`
	Cache        CacheConfig        `yaml:"cache"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Search       SearchConfig       `yaml:"search"`
	Promotion    PromotionConfig    `yaml:"promotion"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TierConfig holds one tier's index parameters and retention policy.
type TierConfig struct {
	M              int           `yaml:"m"`
	EfConstruction int           `yaml:"ef_construction"`
	EfSearch       int           `yaml:"ef_search"`
	MinAge         time.Duration `yaml:"min_age"`          // age in tier before promotion is considered
	MinAccessCount uint64        `yaml:"min_access_count"` // 0 disables access-based eligibility
	// AcceptThreshold is the score a record from the previous tier needs to
	// enter this tier. Unused for the first tier.
	AcceptThreshold float64       `yaml:"accept_threshold"`
	TTL             time.Duration `yaml:"ttl"`             // 0 keeps records forever
	QueryCacheTTL   time.Duration `yaml:"query_cache_ttl"` // how long query embeddings are reused
}

// TiersConfig has one entry per tier.
type TiersConfig struct {
	Interaction TierConfig `yaml:"interaction"`
	Insight     TierConfig `yaml:"insight"`
	Asset       TierConfig `yaml:"asset"`
}

// ByTier returns the tier configs indexed by memory.Tier.
func (t TiersConfig) ByTier() [len(memory.Tiers)]TierConfig {
	return [len(memory.Tiers)]TierConfig{t.Interaction, t.Insight, t.Asset}
}

// CacheConfig bounds the shared embedding/record cache.
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	MaxBytes   int64         `yaml:"max_bytes"`
	RecordTTL  time.Duration `yaml:"record_ttl"`
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	Cooldown         time.Duration `yaml:"cooldown"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
}

// RetryConfig bounds transient-error retries.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// EmbeddingConfig selects and tunes the embedding backend.
type EmbeddingConfig struct {
	Mode        string                `yaml:"mode"` // cpu, accelerator or auto
	ONNX        embedding.ONNXConfig  `yaml:"onnx"`
	Batch       embedding.BatchConfig `yaml:"batch"`
	CallTimeout time.Duration         `yaml:"call_timeout"`
	CacheTTL    time.Duration         `yaml:"cache_ttl"`
	Breaker     BreakerConfig         `yaml:"breaker"`
	Retry       RetryConfig           `yaml:"retry"`
}

// SearchConfig tunes query execution.
type SearchConfig struct {
	Deadline   time.Duration `yaml:"deadline"`
	Rerank     bool          `yaml:"rerank"`
	RerankTopN int           `yaml:"rerank_top_n"`
	Breaker    BreakerConfig `yaml:"breaker"`
}

// PromotionConfig schedules promotion scans.
type PromotionConfig struct {
	// Schedule is a cron spec with a leading seconds field, or a descriptor
	// such as "@every 5m". Empty disables scheduled scans.
	Schedule string `yaml:"schedule"`
}

// OrchestratorConfig holds global limits and background loop timing.
type OrchestratorConfig struct {
	MaxConcurrent       int64         `yaml:"max_concurrent"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
	HealthInterval      time.Duration `yaml:"health_interval"`
	AccessBuffer        int           `yaml:"access_buffer"`
	AccessFlushInterval time.Duration `yaml:"access_flush_interval"`
}

// Default returns the documented defaults.
func Default() *Config {
	breaker := BreakerConfig{
		FailureThreshold: 5,
		Window:           30 * time.Second,
		Cooldown:         10 * time.Second,
		HalfOpenMaxCalls: 1,
	}
	return &Config{
		Dimensions: 384,
		Log: LogConfig{
			Level:  "info",
			Format: string(logger.FormatConsole),
		},
		Tiers: TiersConfig{
			// Short-lived tier favours latency.
			Interaction: TierConfig{
				M:              12,
				EfConstruction: 100,
				EfSearch:       32,
				MinAge:         24 * time.Hour,
				MinAccessCount: 3,
				TTL:            7 * 24 * time.Hour,
				QueryCacheTTL:  30 * time.Second,
			},
			Insight: TierConfig{
				M:               16,
				EfConstruction:  200,
				EfSearch:        64,
				MinAge:          7 * 24 * time.Hour,
				MinAccessCount:  10,
				AcceptThreshold: 0.35,
				TTL:             90 * 24 * time.Hour,
				QueryCacheTTL:   2 * time.Minute,
			},
			// Asset tier favours recall.
			Asset: TierConfig{
				M:               24,
				EfConstruction:  400,
				EfSearch:        128,
				AcceptThreshold: 0.5,
				QueryCacheTTL:   10 * time.Minute,
			},
		},
		Cache: CacheConfig{
			MaxEntries: 10000,
			MaxBytes:   64 << 20,
			RecordTTL:  5 * time.Minute,
		},
		Embedding: EmbeddingConfig{
			Mode: embedding.ModeAuto,
			ONNX: embedding.ONNXConfig{
				MaxSeqLen: 128,
			},
			Batch: embedding.BatchConfig{
				Initial:       8,
				Min:           1,
				Max:           64,
				Step:          1,
				TargetLatency: 50 * time.Millisecond,
			},
			CallTimeout: 5 * time.Second,
			CacheTTL:    10 * time.Minute,
			Breaker:     breaker,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 50 * time.Millisecond,
				MaxInterval:     time.Second,
			},
		},
		Search: SearchConfig{
			Deadline:   50 * time.Millisecond,
			Rerank:     true,
			RerankTopN: 20,
			Breaker:    breaker,
		},
		Promotion: PromotionConfig{
			Schedule: "0 */5 * * * *",
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent:       64,
			ShutdownGrace:       10 * time.Second,
			HealthInterval:      30 * time.Second,
			AccessBuffer:        4096,
			AccessFlushInterval: time.Second,
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are an error.
// String paths may use ~ and ${VAR}.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, expands paths and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, memory.Wrap("config.parse", memory.KindFatal,
			fmt.Errorf("%w: failed to parse config: %v", memory.ErrInvalidConfig, err))
	}

	cfg.expandTilde()
	cfg.expandEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) pathFields() []*string {
	return []*string{
		&c.DataDir,
		&c.StorePath,
		&c.Embedding.ONNX.ModelPath,
		&c.Embedding.ONNX.TokenizerPath,
		&c.Embedding.ONNX.LibraryPath,
	}
}

func (c *Config) expandEnvVars() {
	for _, p := range c.pathFields() {
		*p = os.ExpandEnv(*p)
	}
}

// expandTilde replaces a leading "~/" with the user's home directory.
func (c *Config) expandTilde() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	for _, p := range c.pathFields() {
		switch {
		case *p == "~":
			*p = home
		case strings.HasPrefix(*p, "~/"):
			*p = filepath.Join(home, (*p)[2:])
		}
	}
}

// Schedule parser matching the one cron.WithSeconds installs.
var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks every field against its documented bounds. All problems are
// reported together; any problem makes the configuration unusable.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Dimensions >= 1 && c.Dimensions <= 8192, "dimensions must be in [1, 8192], got %d", c.Dimensions)

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	check(c.Log.Format == "" || c.Log.Format == string(logger.FormatConsole) || c.Log.Format == string(logger.FormatJSON),
		"log.format must be console or json, got %q", c.Log.Format)

	for i, t := range c.Tiers.ByTier() {
		name := "tiers." + memory.Tiers[i].String()
		check(t.M >= 2 && t.M <= 128, "%s.m must be in [2, 128], got %d", name, t.M)
		check(t.EfConstruction >= t.M && t.EfConstruction <= 4096,
			"%s.ef_construction must be in [m, 4096], got %d", name, t.EfConstruction)
		check(t.EfSearch >= 1 && t.EfSearch <= 4096, "%s.ef_search must be in [1, 4096], got %d", name, t.EfSearch)
		check(t.MinAge >= 0, "%s.min_age must not be negative", name)
		check(t.TTL >= 0, "%s.ttl must not be negative", name)
		check(t.QueryCacheTTL >= 0, "%s.query_cache_ttl must not be negative", name)
		check(t.AcceptThreshold >= 0 && t.AcceptThreshold <= 1,
			"%s.accept_threshold must be in [0, 1], got %v", name, t.AcceptThreshold)
	}

	check(c.Cache.MaxEntries >= 1, "cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	check(c.Cache.MaxBytes >= 1<<10, "cache.max_bytes must be at least 1KiB, got %d", c.Cache.MaxBytes)
	check(c.Cache.RecordTTL >= 0, "cache.record_ttl must not be negative")

	e := c.Embedding
	check(e.Mode == embedding.ModeCPU || e.Mode == embedding.ModeAccelerator || e.Mode == embedding.ModeAuto,
		"embedding.mode must be cpu, accelerator or auto, got %q", e.Mode)
	check(e.ONNX.MaxSeqLen >= 8 && e.ONNX.MaxSeqLen <= 8192, "embedding.onnx.max_seq_len must be in [8, 8192], got %d", e.ONNX.MaxSeqLen)
	check(e.ONNX.DeviceID >= 0, "embedding.onnx.device_id must not be negative")
	check(e.Batch.Min >= 1, "embedding.batch.min must be positive, got %d", e.Batch.Min)
	check(e.Batch.Max >= e.Batch.Min && e.Batch.Max <= 1024, "embedding.batch.max must be in [min, 1024], got %d", e.Batch.Max)
	check(e.Batch.Initial >= e.Batch.Min && e.Batch.Initial <= e.Batch.Max,
		"embedding.batch.initial must be in [min, max], got %d", e.Batch.Initial)
	check(e.Batch.Step >= 1, "embedding.batch.step must be positive, got %d", e.Batch.Step)
	check(e.Batch.TargetLatency > 0, "embedding.batch.target_latency must be positive")
	check(e.CallTimeout > 0, "embedding.call_timeout must be positive")
	check(e.CacheTTL >= 0, "embedding.cache_ttl must not be negative")
	errs = append(errs, e.Breaker.validate("embedding.breaker")...)
	check(e.Retry.MaxAttempts >= 1 && e.Retry.MaxAttempts <= 10, "embedding.retry.max_attempts must be in [1, 10], got %d", e.Retry.MaxAttempts)
	check(e.Retry.InitialInterval > 0, "embedding.retry.initial_interval must be positive")
	check(e.Retry.MaxInterval >= e.Retry.InitialInterval, "embedding.retry.max_interval must be at least initial_interval")

	check(c.Search.Deadline > 0, "search.deadline must be positive")
	check(c.Search.RerankTopN >= 1 && c.Search.RerankTopN <= 1000, "search.rerank_top_n must be in [1, 1000], got %d", c.Search.RerankTopN)
	errs = append(errs, c.Search.Breaker.validate("search.breaker")...)

	if c.Promotion.Schedule != "" {
		if _, err := scheduleParser.Parse(c.Promotion.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("promotion.schedule %q: %w", c.Promotion.Schedule, err))
		}
	}

	o := c.Orchestrator
	check(o.MaxConcurrent >= 1 && o.MaxConcurrent <= 4096, "orchestrator.max_concurrent must be in [1, 4096], got %d", o.MaxConcurrent)
	check(o.ShutdownGrace > 0, "orchestrator.shutdown_grace must be positive")
	check(o.HealthInterval >= time.Second, "orchestrator.health_interval must be at least 1s")
	check(o.AccessBuffer >= 1, "orchestrator.access_buffer must be positive, got %d", o.AccessBuffer)
	check(o.AccessFlushInterval > 0, "orchestrator.access_flush_interval must be positive")

	if len(errs) == 0 {
		return nil
	}
	return memory.Wrap("config.validate", memory.KindFatal,
		fmt.Errorf("%w: %w", memory.ErrInvalidConfig, errors.Join(errs...)))
}

func (b BreakerConfig) validate(name string) []error {
	var errs []error
	if b.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("%s.failure_threshold must be positive, got %d", name, b.FailureThreshold))
	}
	if b.Window <= 0 {
		errs = append(errs, fmt.Errorf("%s.window must be positive", name))
	}
	if b.Cooldown <= 0 {
		errs = append(errs, fmt.Errorf("%s.cooldown must be positive", name))
	}
	if b.HalfOpenMaxCalls < 1 {
		errs = append(errs, fmt.Errorf("%s.half_open_max_calls must be positive, got %d", name, b.HalfOpenMaxCalls))
	}
	return errs
}
