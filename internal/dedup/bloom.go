package dedup

import (
	"context"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/gustycube/spyder-dupefilter/internal/store"
)

// BloomMode controls how BloomFilter combines its membership test and insert.
type BloomMode string

const (
	// BloomAtomic tests and sets all bits in one store operation. Concurrent
	// first sightings of the same request yield exactly one "not seen".
	BloomAtomic BloomMode = "atomic"
	// BloomTwoStep reads the bits, then sets them if any was missing. Two
	// callers racing on the same request may both be told "not seen".
	BloomTwoStep BloomMode = "two-step"
)

// maxBits is the largest Redis bitmap (512MB).
const maxBits = 1 << 32

// BloomFilter records fingerprints in a bit array of Bits() bits using
// Hashes() hash locations each. Reported duplicates may be false positives;
// a recorded fingerprint is never reported as unseen.
type BloomFilter struct {
	conn        store.BitStore
	key         string
	bits        uint
	hashes      uint
	mode        BloomMode
	fingerprint Fingerprinter
}

// NewBloomFilter sizes a bit array so that up to capacity fingerprints keep
// the false-positive probability at or below fpRate. A nil fp selects
// URLFingerprint and an empty mode selects BloomAtomic.
func NewBloomFilter(conn store.BitStore, key string, capacity uint, fpRate float64, fp Fingerprinter, mode BloomMode) (*BloomFilter, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: connection is required", ErrInvalidConfiguration)
	}
	if key == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidConfiguration)
	}
	if capacity == 0 {
		return nil, fmt.Errorf("%w: capacity must be positive", ErrInvalidConfiguration)
	}
	if fpRate <= 0 || fpRate >= 1 {
		return nil, fmt.Errorf("%w: false positive rate must be in (0, 1), got %v", ErrInvalidConfiguration, fpRate)
	}
	switch mode {
	case "":
		mode = BloomAtomic
	case BloomAtomic, BloomTwoStep:
	default:
		return nil, fmt.Errorf("%w: unknown bloom mode %q", ErrInvalidConfiguration, mode)
	}
	m, k := bloom.EstimateParameters(capacity, fpRate)
	if uint64(m) > maxBits {
		return nil, fmt.Errorf("%w: %d bits exceeds bitmap limit", ErrInvalidConfiguration, m)
	}
	if fp == nil {
		fp = URLFingerprint
	}
	return &BloomFilter{conn: conn, key: key, bits: m, hashes: k, mode: mode, fingerprint: fp}, nil
}

func (f *BloomFilter) Key() string     { return f.key }
func (f *BloomFilter) Bits() uint      { return f.bits }
func (f *BloomFilter) Hashes() uint    { return f.hashes }
func (f *BloomFilter) Mode() BloomMode { return f.mode }

// Fingerprint returns the function Seen records requests by.
func (f *BloomFilter) Fingerprint() Fingerprinter { return f.fingerprint }

func (f *BloomFilter) offsets(fp string) []uint64 {
	locs := bloom.Locations([]byte(fp), f.hashes)
	for i := range locs {
		locs[i] %= uint64(f.bits)
	}
	return locs
}

// Seen reports true when every bit for the request is already set.
// Otherwise it sets them and reports false.
func (f *BloomFilter) Seen(ctx context.Context, r *Request) (bool, error) {
	fp, err := f.fingerprint(r)
	if err != nil {
		return false, err
	}
	offsets := f.offsets(fp)

	if f.mode == BloomAtomic {
		return f.conn.TestAndSetBits(ctx, f.key, offsets)
	}

	present, err := f.conn.GetBits(ctx, f.key, offsets)
	if err != nil {
		return false, err
	}
	if present {
		return true, nil
	}
	if err := f.conn.SetBits(ctx, f.key, offsets); err != nil {
		return false, err
	}
	return false, nil
}

// Clear deletes the bit array.
func (f *BloomFilter) Clear(ctx context.Context) error {
	return f.conn.Del(ctx, f.key)
}

// Close does nothing; the bit array outlives the filter and is reclaimed by
// the store's eviction policy or an explicit Clear.
func (f *BloomFilter) Close(context.Context, string) error {
	return nil
}
