package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gustycube/spyder-dupefilter/internal/dedup"
)

func TestLoadFromFile_YAML(t *testing.T) {
	yamlContent := `
worker: test-worker
requests: requests.txt
concurrency: 32
filter: bloom
key: crawl:shared
capacity: 5000
false_positive_rate: 0.001
bloom_mode: two-step
fingerprint_headers:
  - Accept-Language
ingest: https://test.example.com/ingest
`

	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configFile, []byte(yamlContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(configFile)
	if err != nil {
		t.Fatalf("failed to load YAML config: %v", err)
	}

	if cfg.Worker != "test-worker" {
		t.Errorf("expected worker 'test-worker', got %s", cfg.Worker)
	}
	if cfg.Requests != "requests.txt" {
		t.Errorf("expected requests 'requests.txt', got %s", cfg.Requests)
	}
	if cfg.Concurrency != 32 {
		t.Errorf("expected concurrency 32, got %d", cfg.Concurrency)
	}
	if cfg.Filter != "bloom" || cfg.Key != "crawl:shared" {
		t.Errorf("unexpected filter/key: %s %s", cfg.Filter, cfg.Key)
	}
	if cfg.Capacity != 5000 || cfg.FalsePositiveRate != 0.001 {
		t.Errorf("unexpected sizing: %d %v", cfg.Capacity, cfg.FalsePositiveRate)
	}
	if cfg.BloomMode != "two-step" {
		t.Errorf("expected bloom_mode two-step, got %s", cfg.BloomMode)
	}
	if len(cfg.FingerprintHeaders) != 1 || cfg.FingerprintHeaders[0] != "Accept-Language" {
		t.Errorf("unexpected fingerprint_headers: %v", cfg.FingerprintHeaders)
	}
	if cfg.Ingest != "https://test.example.com/ingest" {
		t.Errorf("expected ingest URL, got %s", cfg.Ingest)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	jsonContent := `{
		"worker": "json-worker",
		"requests": "requests.jsonl",
		"concurrency": 16,
		"metrics_addr": ":8080",
		"cache_size": 4096
	}`

	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.json")
	if err := os.WriteFile(configFile, []byte(jsonContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(configFile)
	if err != nil {
		t.Fatalf("failed to load JSON config: %v", err)
	}

	if cfg.Worker != "json-worker" {
		t.Errorf("expected worker 'json-worker', got %s", cfg.Worker)
	}
	if cfg.MetricsAddr != ":8080" {
		t.Errorf("expected metrics_addr ':8080', got %s", cfg.MetricsAddr)
	}
	if cfg.Filter != "set" || !strings.HasPrefix(cfg.Key, "dupefilter:") {
		t.Errorf("expected default set filter and key, got %s %s", cfg.Filter, cfg.Key)
	}
	if cfg.CacheSize != 4096 || cfg.CacheTTLSec != 300 {
		t.Errorf("unexpected cache settings: %d %d", cfg.CacheSize, cfg.CacheTTLSec)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	if _, err := LoadFromFile(filepath.Join(tmpDir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	txt := filepath.Join(tmpDir, "config.txt")
	os.WriteFile(txt, []byte("requests: x"), 0644)
	if _, err := LoadFromFile(txt); err == nil {
		t.Error("expected error for unsupported extension")
	}

	bad := filepath.Join(tmpDir, "bad.yaml")
	os.WriteFile(bad, []byte("requests: x\nfilter: cuckoo\n"), 0644)
	if _, err := LoadFromFile(bad); !errors.Is(err, dedup.ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestSetDefaults(t *testing.T) {
	now := time.Unix(1700000000, 0)

	cfg := &Config{}
	cfg.setDefaults(now)

	if cfg.Worker != "local-1" {
		t.Errorf("expected default worker 'local-1', got %s", cfg.Worker)
	}
	if cfg.Concurrency != 64 {
		t.Errorf("expected default concurrency 64, got %d", cfg.Concurrency)
	}
	if cfg.Filter != "set" {
		t.Errorf("expected default filter 'set', got %s", cfg.Filter)
	}
	if cfg.Key != "dupefilter:1700000000" {
		t.Errorf("unexpected default key %s", cfg.Key)
	}
	if cfg.Capacity != 0 || cfg.BloomMode != "" {
		t.Error("expected bloom settings to stay unset for set filter")
	}
	if cfg.OutputFormat != "json" {
		t.Errorf("expected default output format json, got %s", cfg.OutputFormat)
	}
	if cfg.BatchMax != 1000 || cfg.BatchFlushSec != 2 {
		t.Errorf("unexpected batch defaults: %d %d", cfg.BatchMax, cfg.BatchFlushSec)
	}

	bloom := &Config{Filter: "bloom"}
	bloom.setDefaults(now)
	if bloom.Key != "dupefilter:bloom:1700000000" {
		t.Errorf("unexpected default bloom key %s", bloom.Key)
	}
	if bloom.Capacity != dedup.DefaultCapacity || bloom.FalsePositiveRate != dedup.DefaultFalsePositiveRate {
		t.Errorf("unexpected bloom sizing defaults: %d %v", bloom.Capacity, bloom.FalsePositiveRate)
	}
	if bloom.BloomMode != "atomic" {
		t.Errorf("expected default bloom mode atomic, got %s", bloom.BloomMode)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Requests:      "requests.txt",
			Concurrency:   8,
			Filter:        "set",
			Key:           "k",
			BatchMax:      10,
			BatchFlushSec: 1,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid set", func(c *Config) {}, false},
		{"valid bloom", func(c *Config) {
			c.Filter, c.Capacity, c.FalsePositiveRate, c.BloomMode = "bloom", 100, 0.01, "atomic"
		}, false},
		{"queue instead of file", func(c *Config) { c.Requests, c.RedisQueueAddr = "", "localhost:6379" }, false},
		{"no input", func(c *Config) { c.Requests = "" }, true},
		{"invalid concurrency", func(c *Config) { c.Concurrency = 0 }, true},
		{"unknown filter", func(c *Config) { c.Filter = "cuckoo" }, true},
		{"empty key", func(c *Config) { c.Key = "" }, true},
		{"bloom rate out of range", func(c *Config) {
			c.Filter, c.Capacity, c.FalsePositiveRate, c.BloomMode = "bloom", 100, 1.5, "atomic"
		}, true},
		{"bloom zero capacity", func(c *Config) {
			c.Filter, c.FalsePositiveRate, c.BloomMode = "bloom", 0.01, "atomic"
		}, true},
		{"bloom unknown mode", func(c *Config) {
			c.Filter, c.Capacity, c.FalsePositiveRate, c.BloomMode = "bloom", 100, 0.01, "lazy"
		}, true},
		{"unknown fingerprint", func(c *Config) { c.Fingerprint = "md5" }, true},
		{"headers with url fingerprint", func(c *Config) {
			c.Fingerprint, c.FingerprintHeaders = "url", []string{"Cookie"}
		}, true},
		{"invalid batch_max", func(c *Config) { c.BatchMax = 0 }, true},
		{"csv output", func(c *Config) { c.OutputFormat = "csv" }, false},
		{"unknown output format", func(c *Config) { c.OutputFormat = "parquet" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, dedup.ErrInvalidConfiguration) {
				t.Errorf("expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}
}

func TestFingerprinter(t *testing.T) {
	r := &dedup.Request{URL: "http://example.com/?b=1&a=2"}

	if (&Config{}).Fingerprinter() != nil {
		t.Error("expected nil fingerprinter to keep the filter default")
	}
	if got, _ := (&Config{Fingerprint: "url"}).Fingerprinter()(r); got != r.URL {
		t.Errorf("expected raw URL, got %s", got)
	}
	want, _ := dedup.RequestFingerprint(r)
	if got, _ := (&Config{Fingerprint: "request"}).Fingerprinter()(r); got != want {
		t.Errorf("expected request fingerprint %s, got %s", want, got)
	}
	if (&Config{FingerprintHeaders: []string{"Cookie"}}).Fingerprinter() == nil {
		t.Error("expected header-aware fingerprinter")
	}
}

func TestMergeWithFlags(t *testing.T) {
	cfg := &Config{
		Requests:    "original.txt",
		Worker:      "original-worker",
		Concurrency: 8,
	}

	flags := map[string]interface{}{
		"requests":            "new.txt",
		"concurrency":         32,
		"filter":              "bloom",
		"capacity":            uint(1000),
		"false_positive_rate": 0.01,
		"ingest":              "https://new.example.com",
	}

	cfg.MergeWithFlags(flags)

	if cfg.Requests != "new.txt" {
		t.Errorf("expected requests to be overridden to 'new.txt', got %s", cfg.Requests)
	}
	if cfg.Worker != "original-worker" {
		t.Errorf("expected worker to remain 'original-worker', got %s", cfg.Worker)
	}
	if cfg.Concurrency != 32 {
		t.Errorf("expected concurrency to be overridden to 32, got %d", cfg.Concurrency)
	}
	if cfg.Filter != "bloom" || cfg.Capacity != 1000 || cfg.FalsePositiveRate != 0.01 {
		t.Errorf("unexpected filter settings: %s %d %v", cfg.Filter, cfg.Capacity, cfg.FalsePositiveRate)
	}
	if cfg.Ingest != "https://new.example.com" {
		t.Errorf("expected ingest to be set, got %s", cfg.Ingest)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.test:6379")
	t.Setenv("REDIS_QUEUE_ADDR", "queue.test:6379")
	t.Setenv("REDIS_QUEUE_KEY", "test:queue")
	t.Setenv("DUPEFILTER_KIND", "bloom")
	t.Setenv("DUPEFILTER_FP_RATE", "0.0001")
	t.Setenv("DUPEFILTER_FINGERPRINT_HEADERS", "Accept,Cookie")

	cfg := &Config{Key: "kept"}
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.RedisAddr != "redis.test:6379" {
		t.Errorf("expected RedisAddr from env, got %s", cfg.RedisAddr)
	}
	if cfg.RedisQueueAddr != "queue.test:6379" {
		t.Errorf("expected RedisQueueAddr from env, got %s", cfg.RedisQueueAddr)
	}
	if cfg.RedisQueueKey != "test:queue" {
		t.Errorf("expected RedisQueueKey from env, got %s", cfg.RedisQueueKey)
	}
	if cfg.Filter != "bloom" || cfg.FalsePositiveRate != 0.0001 {
		t.Errorf("unexpected filter from env: %s %v", cfg.Filter, cfg.FalsePositiveRate)
	}
	if len(cfg.FingerprintHeaders) != 2 {
		t.Errorf("expected 2 fingerprint headers, got %v", cfg.FingerprintHeaders)
	}
	if cfg.Key != "kept" {
		t.Errorf("expected unset env var to keep value, got %s", cfg.Key)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	t.Setenv("DUPEFILTER_CAPACITY", "lots")

	cfg := &Config{}
	if err := cfg.LoadFromEnv(); err == nil {
		t.Error("expected parse error")
	}
}

func TestDefaultKeyFollowsLaterKindOverride(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte("requests: r.txt\n"), 0644); err != nil {
		t.Fatal(err)
	}
	load := func(t *testing.T) (*Config, string) {
		t.Helper()
		cfg, err := LoadFromFile(configFile)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(cfg.Key, "dupefilter:") || strings.HasPrefix(cfg.Key, "dupefilter:bloom:") {
			t.Fatalf("unexpected file default key %s", cfg.Key)
		}
		return cfg, strings.TrimPrefix(cfg.Key, "dupefilter:")
	}

	t.Run("flag", func(t *testing.T) {
		cfg, ts := load(t)
		cfg.MergeWithFlags(map[string]interface{}{"filter": "bloom"})
		cfg.SetDefaults()
		if cfg.Key != "dupefilter:bloom:"+ts {
			t.Errorf("expected dupefilter:bloom:%s, got %s", ts, cfg.Key)
		}
		if cfg.Capacity != dedup.DefaultCapacity || cfg.BloomMode != "atomic" {
			t.Errorf("expected bloom defaults, got %d %s", cfg.Capacity, cfg.BloomMode)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("env", func(t *testing.T) {
		cfg, ts := load(t)
		t.Setenv("DUPEFILTER_KIND", "bloom")
		if err := cfg.LoadFromEnv(); err != nil {
			t.Fatal(err)
		}
		cfg.SetDefaults()
		if cfg.Key != "dupefilter:bloom:"+ts {
			t.Errorf("expected dupefilter:bloom:%s, got %s", ts, cfg.Key)
		}
	})

	t.Run("explicit key wins", func(t *testing.T) {
		cfg, _ := load(t)
		cfg.MergeWithFlags(map[string]interface{}{"filter": "bloom", "key": "crawl:1"})
		cfg.SetDefaults()
		if cfg.Key != "crawl:1" {
			t.Errorf("expected explicit key, got %s", cfg.Key)
		}
	})
}
