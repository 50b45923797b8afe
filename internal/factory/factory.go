// Package factory builds a filter and its store from a run configuration.
package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/gustycube/spyder-dupefilter/internal/circuitbreaker"
	"github.com/gustycube/spyder-dupefilter/internal/config"
	"github.com/gustycube/spyder-dupefilter/internal/dedup"
	"github.com/gustycube/spyder-dupefilter/internal/logging"
	"github.com/gustycube/spyder-dupefilter/internal/metrics"
	"github.com/gustycube/spyder-dupefilter/internal/store"
)

// New dials the configured store and builds the filter on it. Without a
// Redis address or URL the filter runs on a process-local store, which
// only deduplicates within this process. The caller owns the returned
// store and closes it after the filter.
func New(ctx context.Context, cfg *config.Config, log *logging.Logger) (dedup.Filter, store.Store, error) {
	conn, err := Store(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	f, err := dedup.New(dedup.Config{
		Kind:              dedup.Kind(cfg.Filter),
		Connection:        conn,
		Key:               cfg.Key,
		Capacity:          cfg.Capacity,
		FalsePositiveRate: cfg.FalsePositiveRate,
		BloomMode:         dedup.BloomMode(cfg.BloomMode),
		Fingerprint:       cfg.Fingerprinter(),
	})
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return f, conn, nil
}

// Store returns the store selected by cfg.
func Store(ctx context.Context, cfg *config.Config, log *logging.Logger) (store.Store, error) {
	if cfg.RedisAddr == "" && cfg.RedisURL == "" {
		log.Warnw("no redis configured, duplicates are only filtered within this process")
		return store.NewMemory(), nil
	}
	conn, err := store.NewRedis(ctx, store.RedisConfig{
		Addr:        cfg.RedisAddr,
		URL:         cfg.RedisURL,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: 5 * time.Second,
	}, Breaker(cfg, log))
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return conn, nil
}

// Breaker returns the store circuit breaker, or nil when
// cfg.BreakerThreshold is zero.
func Breaker(cfg *config.Config, log *logging.Logger) *circuitbreaker.CircuitBreaker {
	if cfg.BreakerThreshold == 0 {
		return nil
	}
	bc := circuitbreaker.DefaultConfig()
	bc.Threshold = cfg.BreakerThreshold
	bc.Timeout = time.Duration(cfg.BreakerTimeout) * time.Second
	bc.OnStateChange = func(from, to circuitbreaker.State) {
		log.Warnw("store circuit breaker state changed", "from", from.String(), "to", to.String())
		if to == circuitbreaker.StateOpen {
			metrics.BreakerOpen.Set(1)
		} else {
			metrics.BreakerOpen.Set(0)
		}
	}
	return circuitbreaker.New(bc)
}
