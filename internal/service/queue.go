package service

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeliveryQueue hands due webhook-delivery ids from the monitor to the
// dispatch workers.
type DeliveryQueue interface {
	Enqueue(ctx context.Context, deliveryID string) error
	ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, deliveryID string) error
	RequeueStale(ctx context.Context, max int64) (int64, error)
}

// redisDeliveryQueue is a reliable Redis list queue.
// Claim: BRPOPLPUSH queue -> processing
// Ack:   LREM from processing
// A reaper moves stale processing entries back if a worker died mid-attempt;
// the database lease on the delivery record makes re-delivery of the same id
// harmless.
type redisDeliveryQueue struct {
	rdb           *redis.Client
	queueKey      string
	processingKey string
}

func NewRedisDeliveryQueue(rdb *redis.Client, queueKey, processingKey string) DeliveryQueue {
	return &redisDeliveryQueue{
		rdb:           rdb,
		queueKey:      queueKey,
		processingKey: processingKey,
	}
}

func (q *redisDeliveryQueue) Enqueue(ctx context.Context, deliveryID string) error {
	return q.rdb.LPush(ctx, q.queueKey, deliveryID).Err()
}

func (q *redisDeliveryQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	id, err := q.rdb.BRPopLPush(ctx, q.queueKey, q.processingKey, timeout).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

func (q *redisDeliveryQueue) Ack(ctx context.Context, deliveryID string) error {
	return q.rdb.LRem(ctx, q.processingKey, 1, deliveryID).Err()
}

// RequeueStale moves items from processing back to the queue. At-least-once
// delivery of the dispatch signal; the record-level lease enforces
// at-most-one attempt in flight.
func (q *redisDeliveryQueue) RequeueStale(ctx context.Context, max int64) (int64, error) {
	var moved int64
	for i := int64(0); i < max; i++ {
		_, err := q.rdb.RPopLPush(ctx, q.processingKey, q.queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return moved, err
		}
		moved++
	}
	return moved, nil
}
