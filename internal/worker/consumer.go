package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
	RequeueDelay = 2 * time.Second
	DrainTimeout = 5 * time.Second
)

// Options tunes a queue consumer. Zero fields take the package defaults.
// A negative RequeueDelay disables the pause after a requeue.
type Options struct {
	BatchSize    int
	BatchTimeout time.Duration
	PollTimeout  time.Duration
	RequeueDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = BatchSize
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = BatchTimeout
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = PollTimeout
	}
	if o.RequeueDelay < 0 {
		o.RequeueDelay = 0
	} else if o.RequeueDelay == 0 {
		o.RequeueDelay = RequeueDelay
	}
	return o
}

// consumer drains one Redis list into PostgreSQL in batches. A batch goes through bulk
// first; on failure each item is written alone and the ones that still fail are pushed back.
type consumer[T any] struct {
	rdb   *redis.Client
	queue string
	opts  Options
	log   zerolog.Logger

	bulk   func(ctx context.Context, batch []T) error
	single func(ctx context.Context, item T) error
	// key names an item in logs.
	key func(item T) string
}

func (c *consumer[T]) run(ctx context.Context) {
	c.log.Info().Str("queue", c.queue).Msg("Worker started")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	buffer := make([]T, 0, c.opts.BatchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= c.opts.BatchSize || time.Since(lastFlush) >= c.opts.BatchTimeout) {
			c.flush(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			c.shutdown(buffer)
			return
		default:
		}

		result, err := c.rdb.BLPop(ctx, c.opts.PollTimeout, c.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				c.shutdown(buffer)
				return
			}
			wait := bo.NextBackOff()
			c.log.Error().Err(err).Dur("retry_in", wait).Msg("Redis error")
			if !sleep(ctx, wait) {
				c.shutdown(buffer)
				return
			}
			continue
		}
		bo.Reset()

		if len(result) < 2 {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(result[1]), &item); err != nil {
			// Malformed JSON can never succeed.
			c.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed job")
			continue
		}
		buffer = append(buffer, item)
	}
}

func (c *consumer[T]) flush(ctx context.Context, batch []T) {
	err := c.bulk(ctx, batch)
	if err == nil {
		return
	}
	c.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk write failed, attempting row-by-row recovery")

	var failed []T
	for _, item := range batch {
		if err := c.single(ctx, item); err != nil {
			c.log.Error().Err(err).Str("item", c.key(item)).Msg("Write failed, requeueing")
			failed = append(failed, item)
		}
	}
	if len(failed) > 0 {
		c.requeue(ctx, failed)
	}
}

func (c *consumer[T]) requeue(ctx context.Context, items []T) {
	// ctx may already be done during shutdown; the push must still happen.
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DrainTimeout)
	defer cancel()

	pipe := c.rdb.Pipeline()
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		pipe.RPush(pushCtx, c.queue, data)
	}
	if _, err := pipe.Exec(pushCtx); err != nil {
		c.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	c.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the database is down.
	sleep(ctx, c.opts.RequeueDelay)
}

func (c *consumer[T]) shutdown(buffer []T) {
	c.log.Info().Int("buffered", len(buffer)).Msg("Worker stopping, flushing remaining buffer")
	if len(buffer) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()
	c.flush(ctx, buffer)
}

// sleep waits for d or ctx. It reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
