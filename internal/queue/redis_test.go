package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/gustycube/spyder-dupefilter/internal/dedup"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	key := "dupefilter:test:queue:" + t.Name()
	q, err := NewRedis(context.Background(), addr, key, time.Second)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() {
		q.cli.Del(context.Background(), q.queueKey, q.procKey)
		q.Close()
	})
	return q
}

func TestRedisQueue_SeedLeaseAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	want := &dedup.Request{Method: "POST", URL: "http://example.com/a", Body: []byte("x=1")}
	if err := q.Seed(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, ack, err := q.Lease(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.URL != want.URL || got.Method != want.Method || string(got.Body) != "x=1" {
		t.Fatalf("unexpected leased request: %+v", got)
	}
	if n, _ := q.cli.LLen(ctx, q.procKey).Result(); n != 1 {
		t.Errorf("expected 1 item processing, got %d", n)
	}
	if err := ack(); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.cli.LLen(ctx, q.procKey).Result(); n != 0 {
		t.Errorf("expected processing list empty after ack, got %d", n)
	}

	empty, _, err := q.Lease(ctx)
	if err != nil || empty != nil {
		t.Errorf("expected empty lease, got %+v, %v", empty, err)
	}
}

func TestRedisQueue_Recover(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, u := range []string{"http://a", "http://b"} {
		if err := q.Seed(ctx, &dedup.Request{URL: u}); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := q.Lease(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := q.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 recovered, got %d", n)
	}
	if l, _ := q.Len(ctx); l != 2 {
		t.Errorf("expected 2 queued, got %d", l)
	}
}
