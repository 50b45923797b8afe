package dedup

import (
	"context"
	"fmt"

	"github.com/gustycube/spyder-dupefilter/internal/store"
)

// SetFilter records exact fingerprints in a shared set. Membership test and
// insertion are one SADD, so concurrent callers racing on the same request
// get exactly one first sighting.
type SetFilter struct {
	conn        store.SetStore
	key         string
	fingerprint Fingerprinter
}

// NewSetFilter binds a filter to key on conn. A nil fp selects RequestFingerprint.
func NewSetFilter(conn store.SetStore, key string, fp Fingerprinter) (*SetFilter, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: connection is required", ErrInvalidConfiguration)
	}
	if key == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidConfiguration)
	}
	if fp == nil {
		fp = RequestFingerprint
	}
	return &SetFilter{conn: conn, key: key, fingerprint: fp}, nil
}

func (f *SetFilter) Key() string { return f.key }

// Fingerprint returns the function Seen records requests by.
func (f *SetFilter) Fingerprint() Fingerprinter { return f.fingerprint }

// Seen adds the request's fingerprint to the set and reports true when it
// was already a member.
func (f *SetFilter) Seen(ctx context.Context, r *Request) (bool, error) {
	fp, err := f.fingerprint(r)
	if err != nil {
		return false, err
	}
	added, err := f.conn.SAdd(ctx, f.key, fp)
	if err != nil {
		return false, err
	}
	return !added, nil
}

// Clear deletes the namespace. Clearing an empty namespace is not an error.
func (f *SetFilter) Clear(ctx context.Context) error {
	return f.conn.Del(ctx, f.key)
}

// Close clears the namespace whatever the reason: fingerprints are scoped
// to one run.
func (f *SetFilter) Close(ctx context.Context, _ string) error {
	return f.Clear(ctx)
}
