package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/gustycube/spyder-dupefilter/internal/dedup"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for a dupefilter worker
type Config struct {
	// Core configuration
	Requests    string `yaml:"requests" json:"requests"`
	Worker      string `yaml:"worker" json:"worker"`
	Concurrency int    `yaml:"concurrency" json:"concurrency"`

	// Filter
	Filter             string   `yaml:"filter" json:"filter" env:"DUPEFILTER_KIND"`
	Key                string   `yaml:"key" json:"key" env:"DUPEFILTER_KEY"`
	Capacity           uint     `yaml:"capacity" json:"capacity" env:"DUPEFILTER_CAPACITY"`
	FalsePositiveRate  float64  `yaml:"false_positive_rate" json:"false_positive_rate" env:"DUPEFILTER_FP_RATE"`
	BloomMode          string   `yaml:"bloom_mode" json:"bloom_mode" env:"DUPEFILTER_BLOOM_MODE"`
	Fingerprint        string   `yaml:"fingerprint" json:"fingerprint" env:"DUPEFILTER_FINGERPRINT"`
	FingerprintHeaders []string `yaml:"fingerprint_headers" json:"fingerprint_headers" env:"DUPEFILTER_FINGERPRINT_HEADERS"`
	CacheSize          int      `yaml:"cache_size" json:"cache_size" env:"DUPEFILTER_CACHE_SIZE"`
	CacheTTLSec        int      `yaml:"cache_ttl_sec" json:"cache_ttl_sec" env:"DUPEFILTER_CACHE_TTL_SEC"`
	Debug              bool     `yaml:"debug" json:"debug" env:"DUPEFILTER_DEBUG"`

	// Output
	OutputFormat  string `yaml:"output_format" json:"output_format"`
	Ingest        string `yaml:"ingest" json:"ingest"`
	SpoolDir      string `yaml:"spool_dir" json:"spool_dir"`
	BatchMax      int    `yaml:"batch_max" json:"batch_max"`
	BatchFlushSec int    `yaml:"batch_flush_sec" json:"batch_flush_sec"`

	// Observability
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`

	// Redis
	RedisAddr        string `yaml:"redis_addr" json:"redis_addr" env:"REDIS_ADDR"`
	RedisURL         string `yaml:"redis_url" json:"redis_url" env:"REDIS_URL"`
	RedisPassword    string `yaml:"redis_password" json:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB          int    `yaml:"redis_db" json:"redis_db" env:"REDIS_DB"`
	RedisQueueAddr   string `yaml:"redis_queue_addr" json:"redis_queue_addr" env:"REDIS_QUEUE_ADDR"`
	RedisQueueKey    string `yaml:"redis_queue_key" json:"redis_queue_key" env:"REDIS_QUEUE_KEY"`
	BreakerThreshold uint32 `yaml:"breaker_threshold" json:"breaker_threshold" env:"REDIS_BREAKER_THRESHOLD"`
	BreakerTimeout   int    `yaml:"breaker_timeout_sec" json:"breaker_timeout_sec" env:"REDIS_BREAKER_TIMEOUT_SEC"`

	// keyTime is set when Key was derived rather than configured, so a
	// later change of Filter re-derives it.
	keyTime time.Time
}

// SetDefaults sets default values for the configuration. An empty key is
// derived from the current time, so workers started in the same second
// against the same Redis share a namespace.
func (c *Config) SetDefaults() {
	c.setDefaults(time.Now())
}

func (c *Config) setDefaults(now time.Time) {
	if c.Worker == "" {
		c.Worker = "local-1"
	}
	if c.Concurrency == 0 {
		c.Concurrency = 64
	}
	if c.Filter == "" {
		c.Filter = string(dedup.KindSet)
	}
	if c.Key == "" {
		c.keyTime = now
	}
	if !c.keyTime.IsZero() {
		c.Key = dedup.DefaultKey(dedup.Kind(c.Filter), c.keyTime)
	}
	if c.Filter == string(dedup.KindBloom) {
		if c.Capacity == 0 {
			c.Capacity = dedup.DefaultCapacity
		}
		if c.FalsePositiveRate == 0 {
			c.FalsePositiveRate = dedup.DefaultFalsePositiveRate
		}
		if c.BloomMode == "" {
			c.BloomMode = string(dedup.BloomAtomic)
		}
	}
	if c.CacheSize > 0 && c.CacheTTLSec == 0 {
		c.CacheTTLSec = 300
	}
	if c.OutputFormat == "" {
		c.OutputFormat = "json"
	}
	if c.BatchMax == 0 {
		c.BatchMax = 1000
	}
	if c.BatchFlushSec == 0 {
		c.BatchFlushSec = 2
	}
	if c.SpoolDir == "" {
		c.SpoolDir = "spool"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.OTELService == "" {
		c.OTELService = "spyder-dupefilter"
	}
	if c.RedisQueueKey == "" {
		c.RedisQueueKey = "dupefilter:queue"
	}
	if c.BreakerThreshold > 0 && c.BreakerTimeout == 0 {
		c.BreakerTimeout = 5
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", dedup.ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Requests == "" && c.RedisQueueAddr == "" {
		return invalid("requests file or redis_queue_addr is required")
	}
	if c.Concurrency < 1 {
		return invalid("concurrency must be at least 1")
	}
	switch dedup.Kind(c.Filter) {
	case dedup.KindSet:
	case dedup.KindBloom:
		if c.FalsePositiveRate <= 0 || c.FalsePositiveRate >= 1 {
			return invalid("false_positive_rate must be between 0 and 1")
		}
		if c.Capacity == 0 {
			return invalid("capacity must be at least 1")
		}
		switch dedup.BloomMode(c.BloomMode) {
		case dedup.BloomAtomic, dedup.BloomTwoStep:
		default:
			return invalid("bloom_mode must be %q or %q", dedup.BloomAtomic, dedup.BloomTwoStep)
		}
	default:
		return invalid("filter must be %q or %q", dedup.KindSet, dedup.KindBloom)
	}
	if c.Key == "" {
		return invalid("key is required")
	}
	switch c.Fingerprint {
	case "", "request", "url":
	default:
		return invalid("fingerprint must be \"request\" or \"url\"")
	}
	if c.Fingerprint == "url" && len(c.FingerprintHeaders) > 0 {
		return invalid("fingerprint_headers requires the request fingerprint")
	}
	if c.CacheSize < 0 {
		return invalid("cache_size must not be negative")
	}
	switch strings.ToLower(c.OutputFormat) {
	case "", "json", "jsonl", "ndjson", "csv":
	default:
		return invalid("output_format must be json, jsonl or csv")
	}
	if c.BatchMax < 1 {
		return invalid("batch_max must be at least 1")
	}
	if c.BatchFlushSec < 1 {
		return invalid("batch_flush_sec must be at least 1")
	}
	return nil
}

// Fingerprinter returns the configured fingerprint function, or nil to
// keep the filter kind's default.
func (c *Config) Fingerprinter() dedup.Fingerprinter {
	switch {
	case len(c.FingerprintHeaders) > 0:
		return dedup.NewRequestFingerprinter(c.FingerprintHeaders...)
	case c.Fingerprint == "request":
		return dedup.RequestFingerprint
	case c.Fingerprint == "url":
		return dedup.URLFingerprint
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// MergeWithFlags merges command-line flags with file configuration
// Command-line flags take precedence over file configuration
func (c *Config) MergeWithFlags(flags map[string]interface{}) {
	if v, ok := flags["requests"].(string); ok && v != "" {
		c.Requests = v
	}
	if v, ok := flags["worker"].(string); ok && v != "" {
		c.Worker = v
	}
	if v, ok := flags["concurrency"].(int); ok && v > 0 {
		c.Concurrency = v
	}
	if v, ok := flags["filter"].(string); ok && v != "" {
		c.Filter = v
	}
	if v, ok := flags["key"].(string); ok && v != "" {
		c.Key = v
		c.keyTime = time.Time{}
	}
	if v, ok := flags["capacity"].(uint); ok && v > 0 {
		c.Capacity = v
	}
	if v, ok := flags["false_positive_rate"].(float64); ok && v > 0 {
		c.FalsePositiveRate = v
	}
	if v, ok := flags["bloom_mode"].(string); ok && v != "" {
		c.BloomMode = v
	}
	if v, ok := flags["fingerprint"].(string); ok && v != "" {
		c.Fingerprint = v
	}
	if v, ok := flags["cache_size"].(int); ok && v > 0 {
		c.CacheSize = v
	}
	if v, ok := flags["debug"].(bool); ok {
		c.Debug = c.Debug || v
	}
	if v, ok := flags["output_format"].(string); ok && v != "" {
		c.OutputFormat = v
	}
	if v, ok := flags["ingest"].(string); ok && v != "" {
		c.Ingest = v
	}
	if v, ok := flags["spool_dir"].(string); ok && v != "" {
		c.SpoolDir = v
	}
	if v, ok := flags["batch_max"].(int); ok && v > 0 {
		c.BatchMax = v
	}
	if v, ok := flags["batch_flush_sec"].(int); ok && v > 0 {
		c.BatchFlushSec = v
	}
	if v, ok := flags["metrics_addr"].(string); ok && v != "" {
		c.MetricsAddr = v
	}
	if v, ok := flags["otel_endpoint"].(string); ok && v != "" {
		c.OTELEndpoint = v
	}
	if v, ok := flags["otel_insecure"].(bool); ok {
		c.OTELInsecure = v
	}
	if v, ok := flags["otel_service"].(string); ok && v != "" {
		c.OTELService = v
	}
	if v, ok := flags["redis_addr"].(string); ok && v != "" {
		c.RedisAddr = v
	}
}

// LoadFromEnv overrides fields from environment variables. Unset variables
// leave the current value alone.
func (c *Config) LoadFromEnv() error {
	key := c.Key
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	if c.Key != key {
		c.keyTime = time.Time{}
	}
	return nil
}
