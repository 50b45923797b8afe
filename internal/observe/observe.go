// Package observe decorates a dedup.Filter with metrics, tracing, duplicate
// logging and an optional process-local cache of known duplicates.
package observe

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gustycube/spyder-dupefilter/internal/dedup"
	"github.com/gustycube/spyder-dupefilter/internal/logging"
	"github.com/gustycube/spyder-dupefilter/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Options struct {
	// Name labels metrics and spans, usually the filter kind.
	Name string
	Log  *logging.Logger
	// Debug logs every duplicate instead of only the first one.
	Debug bool
	// CacheSize > 0 enables the local cache. Entries expire after CacheTTL.
	CacheSize int
	CacheTTL  time.Duration
	// CacheKey fingerprints requests for the cache. It must not merge
	// requests the wrapped filter keeps apart. Defaults to the wrapped
	// filter's own fingerprint; without one the cache stays off.
	CacheKey dedup.Fingerprinter
}

type fingerprinted interface {
	Fingerprint() dedup.Fingerprinter
}

// Filter wraps another Filter. A request answered by the wrapped filter is
// recorded in the store, so it stays a duplicate for as long as the
// namespace lives; the cache relies on that and only remembers requests
// that already went through Seen successfully.
type Filter struct {
	next     dedup.Filter
	name     string
	log      *logging.Logger
	debug    bool
	cache    *expirable.LRU[string, struct{}]
	cacheKey dedup.Fingerprinter
	logged   atomic.Bool
}

func Wrap(next dedup.Filter, opts Options) *Filter {
	f := &Filter{
		next:     next,
		name:     opts.Name,
		log:      opts.Log,
		debug:    opts.Debug,
		cacheKey: opts.CacheKey,
	}
	if f.name == "" {
		f.name = "filter"
	}
	if f.log == nil {
		f.log = logging.Nop()
	}
	if f.cacheKey == nil {
		if fp, ok := next.(fingerprinted); ok {
			f.cacheKey = fp.Fingerprint()
		}
	}
	if opts.CacheSize > 0 && f.cacheKey != nil {
		f.cache = expirable.NewLRU[string, struct{}](opts.CacheSize, nil, opts.CacheTTL)
	}
	return f
}

// Unwrap returns the decorated filter.
func (f *Filter) Unwrap() dedup.Filter { return f.next }

func (f *Filter) Seen(ctx context.Context, r *dedup.Request) (bool, error) {
	tr := otel.Tracer("spyder-dupefilter/observe")
	ctx, span := tr.Start(ctx, "dupefilter.Seen")
	defer span.End()
	span.SetAttributes(attribute.String("dupefilter.filter", f.name), attribute.String("http.url", r.URL))

	var key string
	if f.cache != nil {
		if k, err := f.cacheKey(r); err == nil {
			key = k
			if _, ok := f.cache.Get(key); ok {
				metrics.CacheHits.Inc()
				metrics.RequestsTotal.WithLabelValues(f.name, "seen").Inc()
				span.SetAttributes(attribute.Bool("dupefilter.seen", true), attribute.Bool("dupefilter.cached", true))
				f.logDuplicate(r)
				return true, nil
			}
		}
	}

	start := time.Now()
	seen, err := f.next.Seen(ctx, r)
	metrics.SeenDuration.WithLabelValues(f.name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(f.name, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if key != "" {
		f.cache.Add(key, struct{}{})
	}
	span.SetAttributes(attribute.Bool("dupefilter.seen", seen))
	if seen {
		metrics.RequestsTotal.WithLabelValues(f.name, "seen").Inc()
		f.logDuplicate(r)
	} else {
		metrics.RequestsTotal.WithLabelValues(f.name, "new").Inc()
	}
	return seen, nil
}

func (f *Filter) logDuplicate(r *dedup.Request) {
	if f.debug {
		f.log.Infow("filtered duplicate request", "method", r.Method, "url", r.URL)
		return
	}
	if f.logged.CompareAndSwap(false, true) {
		f.log.Infow("filtered duplicate request; no more duplicates will be shown (enable debug to show all duplicates)",
			"method", r.Method, "url", r.URL)
	}
}

func (f *Filter) Clear(ctx context.Context) error {
	ctx, span := otel.Tracer("spyder-dupefilter/observe").Start(ctx, "dupefilter.Clear")
	defer span.End()
	if err := f.next.Clear(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	f.purge()
	metrics.ClearsTotal.WithLabelValues(f.name).Inc()
	return nil
}

func (f *Filter) Close(ctx context.Context, reason string) error {
	err := f.next.Close(ctx, reason)
	f.purge()
	if err != nil {
		f.log.Warnw("dupefilter close failed", "filter", f.name, "reason", reason, "err", err)
		return err
	}
	f.log.Infow("dupefilter closed", "filter", f.name, "reason", reason)
	return nil
}

func (f *Filter) purge() {
	if f.cache != nil {
		f.cache.Purge()
	}
}
