package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gustycube/spyder-dupefilter/internal/dedup"
	"github.com/gustycube/spyder-dupefilter/internal/metrics"
	"github.com/gustycube/spyder-dupefilter/internal/output"
	"go.uber.org/zap"
)

// Batch is a group of unique requests from one worker.
type Batch struct {
	Worker   string          `json:"worker"`
	Key      string          `json:"key"`
	Requests []dedup.Request `json:"requests"`
}

type Emitter struct {
	ingest     string
	worker     string
	key        string
	batchMax   int
	flushEvery time.Duration
	spoolDir   string
	client     *http.Client
	out        *output.Writer
	maxRetry   time.Duration
	mu         sync.Mutex
	acc        Batch
}

// NewEmitter posts batches to ingest, or prints them to out when ingest is
// empty.
func NewEmitter(ingest, worker, key string, batchMax int, flushEvery time.Duration, spoolDir string, out *output.Writer) *Emitter {
	_ = os.MkdirAll(spoolDir, 0o755)
	return &Emitter{
		ingest: ingest, worker: worker, key: key,
		batchMax: batchMax, flushEvery: flushEvery, spoolDir: spoolDir,
		client:   &http.Client{Timeout: 20 * time.Second},
		out:      out,
		maxRetry: 30 * time.Second,
		acc:      Batch{Worker: worker, Key: key},
	}
}

// Run batches requests from in until it is closed or ctx ends. The pending
// batch is flushed on return.
func (e *Emitter) Run(ctx context.Context, in <-chan *dedup.Request, log *zap.SugaredLogger) {
	t := time.NewTimer(e.flushEvery)
	defer t.Stop()
	defer e.flush(log)
	for {
		select {
		case r, ok := <-in:
			if !ok {
				return
			}
			if e.append(r) >= e.batchMax {
				e.flush(log)
				if !t.Stop() {
					select {
					case <-t.C:
					default:
					}
				}
				t.Reset(e.flushEvery)
			}
		case <-t.C:
			e.flush(log)
			t.Reset(e.flushEvery)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Emitter) append(r *dedup.Request) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acc.Requests = append(e.acc.Requests, *r)
	return len(e.acc.Requests)
}

func (e *Emitter) flush(log *zap.SugaredLogger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.acc.Requests)
	if n == 0 {
		return
	}
	if err := e.resend(e.acc); err != nil {
		log.Warnw("emit failed, spooling", "err", err, "requests", n)
		e.spool(e.acc, log)
	}
	metrics.EmittedTotal.Add(float64(n))
	e.acc = Batch{Worker: e.worker, Key: e.key}
}

func (e *Emitter) post(b Batch) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(b); err != nil {
		return err
	}
	op := func() error {
		req, err := http.NewRequest(http.MethodPost, e.ingest, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("bad status: %d", resp.StatusCode)
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = e.maxRetry
	return backoff.Retry(op, bo)
}

func (e *Emitter) spool(b Batch, log *zap.SugaredLogger) {
	name := time.Now().UTC().Format("20060102T150405.000000000") + ".json"
	path := filepath.Join(e.spoolDir, name)
	f, err := os.Create(path)
	if err != nil {
		log.Errorw("spool create", "err", err)
		return
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(b); err != nil {
		log.Errorw("spool write", "err", err, "path", path)
	}
}

// Drain flushes the pending batch and resends spooled batches, to the
// ingest endpoint or, without one, to the output writer. Spool files that
// still cannot be delivered are kept.
func (e *Emitter) Drain(log *zap.SugaredLogger) {
	e.flush(log)
	entries, _ := os.ReadDir(e.spoolDir)
	for _, ent := range entries {
		p := filepath.Join(e.spoolDir, ent.Name())
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		var b Batch
		err = json.NewDecoder(f).Decode(&b)
		_ = f.Close()
		if err != nil {
			log.Warnw("skipping unreadable spool file", "path", p, "err", err)
			continue
		}
		if err := e.resend(b); err != nil {
			log.Warnw("spooled batch still undeliverable", "path", p, "err", err)
			continue
		}
		_ = os.Remove(p)
	}
}

// resend delivers b to the ingest endpoint, or to the output writer when
// there is none.
func (e *Emitter) resend(b Batch) error {
	if e.ingest != "" {
		return e.post(b)
	}
	if e.out == nil {
		return fmt.Errorf("no ingest endpoint or output writer")
	}
	return e.out.WriteRequests(b.Worker, b.Key, b.Requests)
}
