package metrics

import (
	"net/http"

	"github.com/gustycube/spyder-dupefilter/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dupefilter_requests_total", Help: "requests checked, by verdict"}, []string{"filter", "result"})
	SeenDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "dupefilter_seen_duration_seconds", Help: "latency of a membership check", Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14)}, []string{"filter"})
	ClearsTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dupefilter_clears_total", Help: "namespace clears"}, []string{"filter"})
	CacheHits     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dupefilter_cache_hits_total", Help: "duplicates answered from the local cache"})
	BreakerOpen   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dupefilter_store_breaker_open", Help: "1 while the store circuit breaker is open"})
	EmittedTotal  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dupefilter_emitted_total", Help: "unique requests emitted"})
)

func init() {
	prometheus.MustRegister(RequestsTotal, SeenDuration, ClearsTotal, CacheHits, BreakerOpen, EmittedTotal)
}

func ServeWithHealth(addr string, healthHandler *health.Handler, log *zap.SugaredLogger) {
	if err := http.ListenAndServe(addr, Mux(healthHandler)); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}

// Mux routes /metrics and the health endpoints.
func Mux(healthHandler *health.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler.HealthHandler)
	mux.HandleFunc("/ready", healthHandler.ReadinessHandler)
	mux.HandleFunc("/live", healthHandler.LivenessHandler)
	return mux
}
