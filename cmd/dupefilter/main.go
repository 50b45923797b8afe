package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gustycube/spyder-dupefilter/internal/config"
	"github.com/gustycube/spyder-dupefilter/internal/dedup"
	"github.com/gustycube/spyder-dupefilter/internal/emit"
	"github.com/gustycube/spyder-dupefilter/internal/factory"
	"github.com/gustycube/spyder-dupefilter/internal/health"
	"github.com/gustycube/spyder-dupefilter/internal/logging"
	"github.com/gustycube/spyder-dupefilter/internal/metrics"
	"github.com/gustycube/spyder-dupefilter/internal/observe"
	"github.com/gustycube/spyder-dupefilter/internal/output"
	"github.com/gustycube/spyder-dupefilter/internal/queue"
	"github.com/gustycube/spyder-dupefilter/internal/store"
	"github.com/gustycube/spyder-dupefilter/internal/telemetry"
)

const version = "1.0.0"

// task is a request plus the queue acknowledgement, if any.
type task struct {
	req *dedup.Request
	ack func() error
}

func main() {
	os.Exit(run())
}

func run() int {
	var configFile string
	var requestsFile string
	var worker string
	var concurrency int
	var filterKind string
	var key string
	var capacity uint
	var fpRate float64
	var bloomMode string
	var fingerprint string
	var cacheSize int
	var debug bool
	var outputFormat string
	var ingest string
	var spoolDir string
	var batchMax int
	var batchFlushSec int
	var metricsAddr string
	var otelEndpoint string
	var otelInsecure bool
	var otelService string
	var redisAddr string
	var clearFirst bool
	var showVersion bool

	flag.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	flag.StringVar(&requestsFile, "requests", "", "path to requests, one URL or JSON request per line")
	flag.StringVar(&worker, "worker", "", "worker id")
	flag.IntVar(&concurrency, "concurrency", 0, "concurrent workers")
	flag.StringVar(&filterKind, "filter", "", "filter kind (set, bloom)")
	flag.StringVar(&key, "key", "", "namespace key (default derived from start time)")
	flag.UintVar(&capacity, "capacity", 0, "bloom filter expected item count")
	flag.Float64Var(&fpRate, "fp_rate", 0, "bloom filter false positive rate")
	flag.StringVar(&bloomMode, "bloom_mode", "", "bloom insert mode (atomic, two-step)")
	flag.StringVar(&fingerprint, "fingerprint", "", "fingerprint policy (request, url)")
	flag.IntVar(&cacheSize, "cache_size", 0, "local duplicate cache entries (0 disables)")
	flag.BoolVar(&debug, "debug", false, "log every filtered duplicate")
	flag.StringVar(&outputFormat, "output_format", "", "stdout format (json, jsonl, csv)")
	flag.StringVar(&ingest, "ingest", "", "ingest endpoint (optional). If empty, prints JSON batches to stdout")
	flag.StringVar(&spoolDir, "spool_dir", "", "spool dir for failed batches")
	flag.IntVar(&batchMax, "batch_max", 0, "max requests per batch before flush")
	flag.IntVar(&batchFlushSec, "batch_flush_sec", 0, "seconds timer to flush a batch")
	flag.StringVar(&metricsAddr, "metrics_addr", "", "metrics listen addr")
	flag.StringVar(&otelEndpoint, "otel_endpoint", "", "OTLP HTTP endpoint (host:port)")
	flag.BoolVar(&otelInsecure, "otel_insecure", true, "OTLP insecure (no TLS)")
	flag.StringVar(&otelService, "otel_service", "", "OTEL service.name")
	flag.StringVar(&redisAddr, "redis_addr", "", "redis server backing the filter")
	flag.BoolVar(&clearFirst, "clear", false, "clear the namespace before starting")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "spyder-dupefilter: distributed duplicate request filter\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -requests=urls.txt -redis_addr=127.0.0.1:6379 -key=crawl:1\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config=config.yaml -filter=bloom -capacity=1000000\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  REDIS_ADDR       Redis server backing the filter\n")
		fmt.Fprintf(os.Stderr, "  REDIS_QUEUE_ADDR Redis server for the work queue\n")
		fmt.Fprintf(os.Stderr, "  DUPEFILTER_KEY   Namespace key\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL        Log level (debug, info, warn, error)\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Println("spyder-dupefilter v" + version)
		fmt.Println("Built with Go", strings.TrimPrefix(runtime.Version(), "go"))
		return 0
	}

	log := logging.New()
	defer log.Sync()

	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			log.Fatalw("failed to load config file", "file", configFile, "err", err)
		}
		log.Infow("loaded config from file", "file", configFile)
	} else {
		cfg = &config.Config{}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalw("failed to load environment", "err", err)
	}

	flags := map[string]interface{}{
		"requests":            requestsFile,
		"worker":              worker,
		"concurrency":         concurrency,
		"filter":              filterKind,
		"key":                 key,
		"capacity":            capacity,
		"false_positive_rate": fpRate,
		"bloom_mode":          bloomMode,
		"fingerprint":         fingerprint,
		"cache_size":          cacheSize,
		"debug":               debug,
		"output_format":       outputFormat,
		"ingest":              ingest,
		"spool_dir":           spoolDir,
		"batch_max":           batchMax,
		"batch_flush_sec":     batchFlushSec,
		"metrics_addr":        metricsAddr,
		"otel_endpoint":       otelEndpoint,
		"otel_insecure":       otelInsecure,
		"otel_service":        otelService,
		"redis_addr":          redisAddr,
	}
	cfg.MergeWithFlags(flags)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		flag.Usage()
		log.Fatalw("invalid configuration", "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	// runCtx is also cancelled when the store fails
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint: cfg.OTELEndpoint,
		Service:  cfg.OTELService,
		Version:  version,
		Worker:   cfg.Worker,
		Insecure: cfg.OTELInsecure,
	})
	if err != nil {
		log.Warnw("otel init failed", "err", err)
	} else {
		defer shutdown(context.Background())
	}

	healthHandler := health.NewHandler(log)
	healthHandler.SetMetadata("worker", cfg.Worker)
	healthHandler.SetMetadata("key", cfg.Key)
	healthHandler.SetMetadata("filter", cfg.Filter)
	healthHandler.SetMetadata("version", version)

	if cfg.MetricsAddr != "" {
		go metrics.ServeWithHealth(cfg.MetricsAddr, healthHandler, log)
		log.Infow("metrics and health server started", "addr", cfg.MetricsAddr)
	}

	inner, conn, err := factory.New(ctx, cfg, log)
	if err != nil {
		log.Fatalw("filter init", "err", err)
	}
	defer conn.Close()
	healthHandler.RegisterChecker("store", health.NewStoreChecker("store", conn))
	if r, ok := conn.(*store.Redis); ok && r.Breaker() != nil {
		healthHandler.RegisterChecker("store_breaker", health.NewBreakerChecker(r.Breaker()))
	}

	filter := observe.Wrap(inner, observe.Options{
		Name:      cfg.Filter,
		Log:       log,
		Debug:     cfg.Debug,
		CacheSize: cfg.CacheSize,
		CacheTTL:  time.Duration(cfg.CacheTTLSec) * time.Second,
	})

	if clearFirst {
		if err := filter.Clear(ctx); err != nil {
			log.Fatalw("clear namespace", "key", cfg.Key, "err", err)
		}
		log.Infow("namespace cleared", "key", cfg.Key)
	}

	tasks := make(chan task, 8192)
	readErr := make(chan error, 1)
	if cfg.RedisQueueAddr != "" {
		log.Infow("redis queue enabled", "addr", cfg.RedisQueueAddr, "key", cfg.RedisQueueKey)
		q, err := queue.NewRedis(ctx, cfg.RedisQueueAddr, cfg.RedisQueueKey, 5*time.Second)
		if err != nil {
			log.Fatalw("redis queue init", "err", err)
		}
		defer q.Close()
		if n, err := q.Recover(ctx); err != nil {
			log.Warnw("recover processing list", "err", err)
		} else if n > 0 {
			log.Infow("requeued unacknowledged requests", "count", n)
		}
		go func() {
			defer close(tasks)
			queue.Consume(runCtx, q, queue.NewLeaseBackOff(), log, func(req *dedup.Request, ack func() error) bool {
				select {
				case tasks <- task{req: req, ack: ack}:
					return true
				case <-runCtx.Done():
					return false
				}
			})
		}()
	} else {
		f, err := os.Open(cfg.Requests)
		if err != nil {
			log.Fatalw("open requests", "err", err)
		}
		defer f.Close()
		go func() {
			defer close(tasks)
			readErr <- queue.ReadRequests(f, func(r *dedup.Request) error {
				select {
				case tasks <- task{req: r}:
					return nil
				case <-runCtx.Done():
					return runCtx.Err()
				}
			})
		}()
	}

	out, err := output.NewStdoutWriter(cfg.OutputFormat)
	if err != nil {
		log.Fatalw("output writer", "err", err)
	}
	defer out.Flush()

	unique := make(chan *dedup.Request, 1024)
	emitter := emit.NewEmitter(
		cfg.Ingest,
		cfg.Worker,
		cfg.Key,
		cfg.BatchMax,
		time.Duration(cfg.BatchFlushSec)*time.Second,
		cfg.SpoolDir,
		out,
	)
	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		emitter.Run(context.Background(), unique, log)
	}()

	log.Infow("starting dupefilter",
		"worker", cfg.Worker,
		"filter", cfg.Filter,
		"key", cfg.Key,
		"concurrency", cfg.Concurrency,
		"config_file", configFile,
	)
	healthHandler.SetReady(true)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		storeErr error
	)
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				if runCtx.Err() != nil {
					continue
				}
				seen, err := filter.Seen(runCtx, t.req)
				if err != nil {
					if runCtx.Err() != nil {
						continue
					}
					if errors.Is(err, dedup.ErrStoreUnavailable) {
						errOnce.Do(func() {
							storeErr = err
							stop()
						})
						continue
					}
					log.Warnw("skipping request", "url", t.req.URL, "err", err)
				} else if !seen {
					unique <- t.req
				}
				if t.ack != nil {
					if err := t.ack(); err != nil {
						log.Warnw("ack failed", "url", t.req.URL, "err", err)
					}
				}
			}
		}()
	}
	wg.Wait()
	close(unique)
	<-emitted
	healthHandler.SetReady(false)

	reason := "finished"
	switch {
	case storeErr != nil:
		reason = "store unavailable"
		log.Errorw("aborting run", "err", storeErr)
	case ctx.Err() != nil:
		reason = "shutdown"
	}
	if cfg.Requests != "" && cfg.RedisQueueAddr == "" {
		if err := <-readErr; err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("read requests", "err", err)
			if reason == "finished" {
				reason = "input error"
			}
		}
	}

	emitter.Drain(log)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := filter.Close(closeCtx, reason); err != nil {
		log.Errorw("close filter", "err", err)
	}
	log.Infow("shutdown complete", "reason", reason)
	if reason != "finished" && reason != "shutdown" {
		return 1
	}
	return 0
}
