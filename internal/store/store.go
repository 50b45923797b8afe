// Package store defines the shared key-value operations the duplicate
// filters are built on, with a Redis implementation for multi-process runs
// and an in-process implementation for single-process runs and tests.
package store

import (
	"context"
	"errors"
)

// ErrUnavailable is returned (wrapped) whenever the backing store cannot
// service a request. Callers should test for it with errors.Is.
var ErrUnavailable = errors.New("store unavailable")

// SetStore is the set primitive used by exact membership filters.
type SetStore interface {
	// SAdd adds member to the set at key and reports whether it was newly added.
	SAdd(ctx context.Context, key, member string) (bool, error)
	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error
}

// BitStore is the bit array primitive used by bloom filters.
type BitStore interface {
	// GetBits reports whether every bit at offsets is set.
	GetBits(ctx context.Context, key string, offsets []uint64) (bool, error)
	// SetBits sets every bit at offsets.
	SetBits(ctx context.Context, key string, offsets []uint64) error
	// TestAndSetBits sets every bit at offsets in one atomic step and reports
	// whether all of them were already set.
	TestAndSetBits(ctx context.Context, key string, offsets []uint64) (bool, error)
	Del(ctx context.Context, key string) error
}

// Store is a connection usable by either filter variant.
type Store interface {
	SetStore
	BitStore
	Ping(ctx context.Context) error
	Close() error
}

func unavailable(op string, err error) error {
	return &opError{op: op, err: err}
}

type opError struct {
	op  string
	err error
}

func (e *opError) Error() string {
	return "store " + e.op + ": " + ErrUnavailable.Error() + ": " + e.err.Error()
}

func (e *opError) Unwrap() []error { return []error{ErrUnavailable, e.err} }
