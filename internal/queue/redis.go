package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a reliable list queue: BRPOPLPUSH moves a task into a processing list and a hash
// remembers when each task was handed out, so abandoned tasks can be returned by RecoverStale.
type RedisQueue struct {
	client      *redis.Client
	pending     string
	processing  string
	deliveries  string
	pollTimeout time.Duration
}

// NewRedisQueue builds a queue rooted at name.
func NewRedisQueue(client *redis.Client, name string, pollTimeout time.Duration) *RedisQueue {
	if pollTimeout <= 0 {
		pollTimeout = 2 * time.Second
	}
	return &RedisQueue{
		client:      client,
		pending:     name + ":pending",
		processing:  name + ":processing",
		deliveries:  name + ":deliveries",
		pollTimeout: pollTimeout,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	payload, err := encodeTask(&task)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.pending, payload).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	raw, err := q.client.BRPopLPush(ctx, q.pending, q.processing, q.pollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue task: %w", err)
	}

	task, err := decodeTask([]byte(raw))
	if err != nil {
		if remErr := q.client.LRem(ctx, q.processing, 1, raw).Err(); remErr != nil {
			return nil, fmt.Errorf("drop malformed task: %w", remErr)
		}
		return nil, err
	}

	if err := q.client.HSet(ctx, q.deliveries, task.ID, time.Now().UnixMilli()).Err(); err != nil {
		return nil, fmt.Errorf("record delivery: %w", err)
	}

	return &Delivery{Task: task, raw: raw}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, delivery *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, delivery.raw)
	pipe.HDel(ctx, q.deliveries, delivery.Task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

// Nack returns the task to the pending list with its redelivery counter bumped.
func (q *RedisQueue) Nack(ctx context.Context, delivery *Delivery) error {
	task := delivery.Task
	task.Redelivered++
	payload, err := encodeTask(&task)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, delivery.raw)
	pipe.HDel(ctx, q.deliveries, delivery.Task.ID)
	pipe.LPush(ctx, q.pending, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack task: %w", err)
	}
	return nil
}

// RecoverStale moves tasks that have sat in the processing list longer than olderThan back to the
// head of the pending list. Items without a delivery stamp are stamped and left for a later sweep.
func (q *RedisQueue) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	items, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list processing: %w", err)
	}

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	recovered := 0
	for _, raw := range items {
		task, err := decodeTask([]byte(raw))
		if err != nil {
			q.client.LRem(ctx, q.processing, 1, raw)
			continue
		}

		stamp, err := q.client.HGet(ctx, q.deliveries, task.ID).Result()
		if errors.Is(err, redis.Nil) {
			// Dequeue stamps after the move, so an unstamped item may be a live delivery. Start its
			// clock here; a later sweep recovers it if it is still unacknowledged.
			if err := q.client.HSetNX(ctx, q.deliveries, task.ID, time.Now().UnixMilli()).Err(); err != nil {
				return recovered, fmt.Errorf("stamp delivery: %w", err)
			}
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("read delivery stamp: %w", err)
		}
		if deliveredAt, convErr := strconv.ParseInt(stamp, 10, 64); convErr == nil && deliveredAt > cutoff {
			continue
		}

		removed, err := q.client.LRem(ctx, q.processing, 1, raw).Result()
		if err != nil {
			return recovered, fmt.Errorf("release task: %w", err)
		}
		if removed == 0 {
			continue
		}

		task.Redelivered++
		payload, err := encodeTask(&task)
		if err != nil {
			return recovered, err
		}
		pipe := q.client.TxPipeline()
		pipe.RPush(ctx, q.pending, payload)
		pipe.HDel(ctx, q.deliveries, task.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("requeue task: %w", err)
		}
		recovered++
	}

	return recovered, nil
}

// Depth reports pending and processing list lengths.
func (q *RedisQueue) Depth(ctx context.Context) (pending, processing int64, err error) {
	pending, err = q.client.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, 0, err
	}
	processing, err = q.client.LLen(ctx, q.processing).Result()
	if err != nil {
		return 0, 0, err
	}
	return pending, processing, nil
}

func (q *RedisQueue) Close() error {
	return nil
}
