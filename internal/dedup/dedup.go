// Package dedup decides whether a crawl request has already been seen.
//
// Two filters share the Filter contract. SetFilter keeps exact fingerprints
// in a shared set and answers with a single atomic add. BloomFilter keeps a
// fixed-size bit array and trades a bounded false-positive rate for memory.
// Both are bound to a namespace key; processes that use the same store and
// key share one notion of "seen".
package dedup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gustycube/spyder-dupefilter/internal/store"
)

var (
	// ErrStoreUnavailable wraps every failure of the backing store. A filter
	// never reports "not seen" when the store cannot answer.
	ErrStoreUnavailable = store.ErrUnavailable

	// ErrInvalidConfiguration is returned by constructors only.
	ErrInvalidConfiguration = errors.New("invalid dupefilter configuration")
)

// Request is a unit of outbound crawl work.
type Request struct {
	Method  string      `json:"method,omitempty"`
	URL     string      `json:"url"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// Filter is implemented by SetFilter and BloomFilter.
type Filter interface {
	// Seen records r and reports whether it had been recorded before.
	Seen(ctx context.Context, r *Request) (bool, error)
	// Clear drops every recorded fingerprint in the namespace.
	Clear(ctx context.Context) error
	// Close is called once at the end of a run.
	Close(ctx context.Context, reason string) error
}

// Kind selects a Filter implementation.
type Kind string

const (
	KindSet   Kind = "set"
	KindBloom Kind = "bloom"
)

const (
	DefaultCapacity          uint    = 10_000_000
	DefaultFalsePositiveRate float64 = 0.00001
)

// DefaultSetKey returns the time-derived namespace used when no key is
// configured for a SetFilter. Processes started within the same second
// against the same store share it.
func DefaultSetKey(t time.Time) string {
	return fmt.Sprintf("dupefilter:%d", t.Unix())
}

// DefaultBloomKey is DefaultSetKey for BloomFilter.
func DefaultBloomKey(t time.Time) string {
	return fmt.Sprintf("dupefilter:bloom:%d", t.Unix())
}

// DefaultKey returns the default namespace for kind.
func DefaultKey(kind Kind, t time.Time) string {
	if kind == KindBloom {
		return DefaultBloomKey(t)
	}
	return DefaultSetKey(t)
}

// Config selects and parameterises a filter. Capacity, FalsePositiveRate
// and BloomMode apply to KindBloom only. A nil Fingerprint selects the
// kind's default: RequestFingerprint for sets, URLFingerprint for blooms.
type Config struct {
	Kind              Kind
	Connection        store.Store
	Key               string
	Capacity          uint
	FalsePositiveRate float64
	BloomMode         BloomMode
	Fingerprint       Fingerprinter
}

// New builds the filter selected by cfg.Kind.
func New(cfg Config) (Filter, error) {
	if cfg.Connection == nil {
		return nil, fmt.Errorf("%w: connection is required", ErrInvalidConfiguration)
	}
	switch cfg.Kind {
	case KindSet, "":
		return NewSetFilter(cfg.Connection, cfg.Key, cfg.Fingerprint)
	case KindBloom:
		capacity, rate := cfg.Capacity, cfg.FalsePositiveRate
		if capacity == 0 {
			capacity = DefaultCapacity
		}
		if rate == 0 {
			rate = DefaultFalsePositiveRate
		}
		return NewBloomFilter(cfg.Connection, cfg.Key, capacity, rate, cfg.Fingerprint, cfg.BloomMode)
	default:
		return nil, fmt.Errorf("%w: unknown filter kind %q", ErrInvalidConfiguration, cfg.Kind)
	}
}
