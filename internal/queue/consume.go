package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gustycube/spyder-dupefilter/internal/dedup"
	"github.com/gustycube/spyder-dupefilter/internal/logging"
)

// Leaser is implemented by RedisQueue.
type Leaser interface {
	Lease(ctx context.Context) (*dedup.Request, func() error, error)
}

// NewLeaseBackOff returns the backoff Consume uses between failed leases.
func NewLeaseBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// Consume leases requests from q and passes them to handle until ctx ends
// or handle returns false. Failed leases wait for bo before the next try;
// a successful lease resets it.
func Consume(ctx context.Context, q Leaser, bo backoff.BackOff, log *logging.Logger, handle func(*dedup.Request, func() error) bool) {
	bo.Reset()
	for ctx.Err() == nil {
		req, ack, err := q.Lease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				log.Errorw("lease failed, giving up", "err", err)
				return
			}
			log.Warnw("lease failed", "err", err, "retry_in", wait)
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return
			}
			continue
		}
		bo.Reset()
		if req == nil {
			continue
		}
		if !handle(req, ack) {
			return
		}
	}
}
