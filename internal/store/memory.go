package store

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Memory is a process-local Store. Membership is shared by every filter that
// holds the same *Memory, which makes it suitable for single-process runs
// and for tests.
type Memory struct {
	sets sync.Map // key -> *sync.Map

	mu   sync.Mutex
	bits map[string]*bitset.BitSet
	err  error
}

func NewMemory() *Memory {
	return &Memory{bits: make(map[string]*bitset.BitSet)}
}

// SetError makes every subsequent operation fail with err wrapped as
// ErrUnavailable. Pass nil to recover.
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *Memory) fail(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return unavailable(op, m.err)
	}
	return nil
}

func (m *Memory) SAdd(_ context.Context, key, member string) (bool, error) {
	if err := m.fail("sadd"); err != nil {
		return false, err
	}
	v, _ := m.sets.LoadOrStore(key, &sync.Map{})
	_, loaded := v.(*sync.Map).LoadOrStore(member, struct{}{})
	return !loaded, nil
}

// SCard returns the number of members in the set at key.
func (m *Memory) SCard(key string) int {
	v, ok := m.sets.Load(key)
	if !ok {
		return 0
	}
	n := 0
	v.(*sync.Map).Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (m *Memory) Del(_ context.Context, key string) error {
	if err := m.fail("del"); err != nil {
		return err
	}
	m.sets.Delete(key)
	m.mu.Lock()
	delete(m.bits, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetBits(_ context.Context, key string, offsets []uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, unavailable("getbit", m.err)
	}
	return m.allSet(key, offsets), nil
}

func (m *Memory) SetBits(_ context.Context, key string, offsets []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return unavailable("setbit", m.err)
	}
	m.set(key, offsets)
	return nil
}

func (m *Memory) TestAndSetBits(_ context.Context, key string, offsets []uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, unavailable("testandset", m.err)
	}
	hit := m.allSet(key, offsets)
	m.set(key, offsets)
	return hit, nil
}

// caller holds m.mu
func (m *Memory) allSet(key string, offsets []uint64) bool {
	b, ok := m.bits[key]
	if !ok {
		return false
	}
	for _, off := range offsets {
		if !b.Test(uint(off)) {
			return false
		}
	}
	return true
}

// caller holds m.mu
func (m *Memory) set(key string, offsets []uint64) {
	b, ok := m.bits[key]
	if !ok {
		b = bitset.New(0)
		m.bits[key] = b
	}
	for _, off := range offsets {
		b.Set(uint(off))
	}
}

func (m *Memory) Ping(context.Context) error { return m.fail("ping") }

func (m *Memory) Close() error { return nil }
