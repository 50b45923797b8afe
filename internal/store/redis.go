package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gustycube/spyder-dupefilter/internal/circuitbreaker"
	"github.com/redis/go-redis/v9"
)

// testAndSet sets every offset in ARGV on KEYS[1] and returns 1 when all of
// them were already set.
var testAndSet = redis.NewScript(`
local hits = 0
for i = 1, #ARGV do
	if redis.call('SETBIT', KEYS[1], ARGV[i], 1) == 1 then
		hits = hits + 1
	end
end
if hits == #ARGV then
	return 1
end
return 0
`)

// RedisConfig holds Redis connection settings. URL takes precedence over Addr.
type RedisConfig struct {
	Addr        string
	URL         string
	Password    string
	DB          int
	DialTimeout time.Duration
}

func (c RedisConfig) options() (*redis.Options, error) {
	if c.URL != "" {
		opts, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		if c.Password != "" {
			opts.Password = c.Password
		}
		return opts, nil
	}
	if c.Addr == "" {
		return nil, errors.New("redis addr or url is required")
	}
	opts := &redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB}
	if c.DialTimeout > 0 {
		opts.DialTimeout = c.DialTimeout
	}
	return opts, nil
}

// Redis implements Store on a shared Redis connection. Sets map to Redis
// sets and bit arrays to Redis bitmaps, so every process using the same
// server and key sees the same state.
type Redis struct {
	cli     redis.UniversalClient
	breaker *circuitbreaker.CircuitBreaker
}

// NewRedis dials Redis and verifies the connection with PING. A nil breaker
// disables fail-fast behaviour.
func NewRedis(ctx context.Context, cfg RedisConfig, breaker *circuitbreaker.CircuitBreaker) (*Redis, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	cli := redis.NewClient(opts)
	r := NewRedisFromClient(cli, breaker)
	if err := r.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return r, nil
}

// NewRedisFromClient wraps an existing client, e.g. a cluster client shared
// with other components.
func NewRedisFromClient(cli redis.UniversalClient, breaker *circuitbreaker.CircuitBreaker) *Redis {
	return &Redis{cli: cli, breaker: breaker}
}

// do runs fn through the breaker. Cancellation by the caller is returned
// unchanged and does not count as a store failure.
func (r *Redis) do(op string, fn func() error) error {
	var ctxErr error
	call := func() error {
		err := fn()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			ctxErr = err
			return nil
		}
		return err
	}
	var err error
	if r.breaker != nil {
		err = r.breaker.Execute(call)
	} else {
		err = call()
	}
	if ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (r *Redis) SAdd(ctx context.Context, key, member string) (bool, error) {
	var n int64
	err := r.do("sadd", func() error {
		var err error
		n, err = r.cli.SAdd(ctx, key, member).Result()
		return err
	})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	return r.do("del", func() error {
		return r.cli.Del(ctx, key).Err()
	})
}

func (r *Redis) GetBits(ctx context.Context, key string, offsets []uint64) (bool, error) {
	var cmds []redis.Cmder
	err := r.do("getbit", func() error {
		var err error
		cmds, err = r.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, off := range offsets {
				p.GetBit(ctx, key, int64(off))
			}
			return nil
		})
		return err
	})
	if err != nil {
		return false, err
	}
	for _, c := range cmds {
		if c.(*redis.IntCmd).Val() == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (r *Redis) SetBits(ctx context.Context, key string, offsets []uint64) error {
	return r.do("setbit", func() error {
		_, err := r.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, off := range offsets {
				p.SetBit(ctx, key, int64(off), 1)
			}
			return nil
		})
		return err
	})
}

func (r *Redis) TestAndSetBits(ctx context.Context, key string, offsets []uint64) (bool, error) {
	args := make([]interface{}, len(offsets))
	for i, off := range offsets {
		args[i] = off
	}
	var hit int64
	err := r.do("testandset", func() error {
		var err error
		hit, err = testAndSet.Run(ctx, r.cli, []string{key}, args...).Int64()
		return err
	})
	if err != nil {
		return false, err
	}
	return hit == 1, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.do("ping", func() error {
		return r.cli.Ping(ctx).Err()
	})
}

func (r *Redis) Close() error { return r.cli.Close() }

// Client exposes the underlying connection so other components (the work
// queue) can share it.
func (r *Redis) Client() redis.UniversalClient { return r.cli }

// Breaker returns the circuit breaker guarding this connection, or nil.
func (r *Redis) Breaker() *circuitbreaker.CircuitBreaker { return r.breaker }
