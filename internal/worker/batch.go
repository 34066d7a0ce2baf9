package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// batchConsumer pops JSON items off a Redis list and hands them to flush in
// batches of at most BatchSize, or whatever arrived within BatchTimeout.
type batchConsumer[T any] struct {
	rdb   *redis.Client
	queue string
	log   zerolog.Logger
	flush func(ctx context.Context, batch []*T)
}

func (c *batchConsumer[T]) run(ctx context.Context) {
	buffer := make([]*T, 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			c.flush(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			c.log.Info().Msg("Worker stopping, flushing remaining buffer...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if len(buffer) > 0 {
				c.flush(shutdownCtx, buffer)
			}
			cancel()
			c.log.Info().Msg("Worker stopped")
			return
		default:
		}

		result, err := c.rdb.BLPop(ctx, PollTimeout, c.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			c.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleepCtx(ctx, 3*time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		item, err := decodeItem[T](result[1])
		if err != nil {
			// Malformed JSON can never succeed, so it is not retried.
			c.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, item)
	}
}

// requeue pushes failed items back to the tail of the queue.
func (c *batchConsumer[T]) requeue(ctx context.Context, items []*T) {
	if len(items) == 0 {
		return
	}
	pipe := c.rdb.Pipeline()
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			continue
		}
		pipe.RPush(ctx, c.queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	c.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the database is down.
	sleepCtx(ctx, 2*time.Second)
}

func decodeItem[T any](raw string) (*T, error) {
	var item T
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
