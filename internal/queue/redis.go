package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gustycube/spyder-dupefilter/internal/dedup"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is a work queue of requests on a Redis list. Leased items move
// to a processing list until acknowledged.
type RedisQueue struct {
	cli      redis.UniversalClient
	queueKey string
	procKey  string
	wait     time.Duration
}

type item struct {
	Request dedup.Request `json:"request"`
	TS      int64         `json:"ts"`
	Attempt int           `json:"attempt"`
}

func NewRedis(ctx context.Context, addr, key string, wait time.Duration) (*RedisQueue, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("redis queue ping: %w", err)
	}
	return NewRedisFromClient(cli, key, wait), nil
}

// NewRedisFromClient builds a queue on an existing connection, e.g. the one
// backing the filter store.
func NewRedisFromClient(cli redis.UniversalClient, key string, wait time.Duration) *RedisQueue {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{cli: cli, queueKey: key, procKey: key + ":processing", wait: wait}
}

// Lease blocks up to the queue's wait time for the next request. A nil
// request with a nil error means the queue stayed empty.
func (q *RedisQueue) Lease(ctx context.Context) (*dedup.Request, func() error, error) {
	res, err := q.cli.BRPopLPush(ctx, q.queueKey, q.procKey, q.wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, func() error { return nil }, nil
	}
	if err != nil {
		return nil, nil, err
	}
	ack := func() error {
		return q.cli.LRem(ctx, q.procKey, 1, res).Err()
	}
	var it item
	if err := json.Unmarshal([]byte(res), &it); err != nil {
		// undecodable items are dropped so they do not block the queue
		_ = ack()
		return nil, nil, fmt.Errorf("decode queue item: %w", err)
	}
	return &it.Request, ack, nil
}

// Seed pushes a request onto the queue.
func (q *RedisQueue) Seed(ctx context.Context, r *dedup.Request) error {
	b, err := json.Marshal(item{Request: *r, TS: time.Now().UTC().Unix()})
	if err != nil {
		return err
	}
	return q.cli.LPush(ctx, q.queueKey, string(b)).Err()
}

// Recover moves items left on the processing list by a crashed worker back
// onto the queue and returns how many were moved.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.cli.RPopLPush(ctx, q.procKey, q.queueKey).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Len returns the number of queued requests.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.cli.LLen(ctx, q.queueKey).Result()
}

func (q *RedisQueue) Close() error { return q.cli.Close() }
