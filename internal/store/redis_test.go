package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/gustycube/spyder-dupefilter/internal/circuitbreaker"
	"github.com/redis/go-redis/v9"
)

// newTestRedis connects to REDIS_ADDR or skips the test.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := NewRedis(ctx, RedisConfig{Addr: addr}, nil)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRedis_SAddAndDel(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	key := fmt.Sprintf("test:store:set:%d", time.Now().UnixNano())
	defer r.Del(ctx, key)

	added, err := r.SAdd(ctx, key, "a")
	if err != nil || !added {
		t.Fatalf("expected first add, got %v %v", added, err)
	}
	added, err = r.SAdd(ctx, key, "a")
	if err != nil || added {
		t.Fatalf("expected existing member, got %v %v", added, err)
	}
	if err := r.Del(ctx, key); err != nil {
		t.Fatal(err)
	}
	if err := r.Del(ctx, key); err != nil {
		t.Errorf("expected idempotent delete, got %v", err)
	}
	added, _ = r.SAdd(ctx, key, "a")
	if !added {
		t.Error("expected member to be new after delete")
	}
}

func TestRedis_Bits(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	key := fmt.Sprintf("test:store:bits:%d", time.Now().UnixNano())
	defer r.Del(ctx, key)
	offsets := []uint64{1, 100, 4096}

	if ok, err := r.GetBits(ctx, key, offsets); err != nil || ok {
		t.Fatalf("expected unset bits, got %v %v", ok, err)
	}
	if err := r.SetBits(ctx, key, offsets); err != nil {
		t.Fatal(err)
	}
	if ok, _ := r.GetBits(ctx, key, offsets); !ok {
		t.Error("expected bits set")
	}

	other := key + ":atomic"
	defer r.Del(ctx, other)
	if hit, err := r.TestAndSetBits(ctx, other, offsets); err != nil || hit {
		t.Fatalf("expected miss, got %v %v", hit, err)
	}
	if hit, _ := r.TestAndSetBits(ctx, other, offsets); !hit {
		t.Error("expected hit")
	}
}

func TestNewRedis_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedis(ctx, RedisConfig{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond}, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestNewRedis_MissingAddr(t *testing.T) {
	_, err := NewRedis(context.Background(), RedisConfig{}, nil)
	if err == nil {
		t.Error("expected error for empty config")
	}
}

func TestRedis_UnreachableWithBreaker(t *testing.T) {
	cli := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	cb := circuitbreaker.New(&circuitbreaker.Config{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, Threshold: 2, FailureRatio: 0.5})
	r := NewRedisFromClient(cli, cb)
	defer r.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.SAdd(ctx, "k", "a")
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d: expected ErrUnavailable, got %v", i, err)
		}
	}
	if cb.State() != circuitbreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", cb.State())
	}

	_, err := r.SAdd(ctx, "k", "a")
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, circuitbreaker.ErrOpenState) {
		t.Errorf("expected open-breaker error wrapped as ErrUnavailable, got %v", err)
	}
	if r.Breaker() != cb {
		t.Error("expected Breaker to return the guard")
	}
}

func TestRedis_CallerCancellation(t *testing.T) {
	cli := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	cb := circuitbreaker.New(&circuitbreaker.Config{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, Threshold: 1, FailureRatio: 0.5})
	r := NewRedisFromClient(cli, cb)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.SAdd(ctx, "k", "a")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Errorf("cancellation must not be reported as ErrUnavailable: %v", err)
	}
	if cb.State() != circuitbreaker.StateClosed {
		t.Errorf("expected breaker to stay closed, got %s", cb.State())
	}
}
