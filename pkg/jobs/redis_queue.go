package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisQueue persists jobs on a Redis list so workers can run in a separate process.
type RedisQueue struct {
	client     *redis.Client
	key        string
	maxRetries int
	retryDelay time.Duration
	pollWait   time.Duration
	logger     *zap.Logger
}

// NewRedisQueue builds a producer/consumer for the given list key.
func NewRedisQueue(client *redis.Client, key string, cfg QueueConfig) *RedisQueue {
	cfg.normalize()
	if key == "" {
		key = "jobs"
	}
	return &RedisQueue{
		client:     client,
		key:        key,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		pollWait:   5 * time.Second,
		logger:     cfg.Logger,
	}
}

// Enqueue pushes a job onto the list.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now().UTC()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.Type, err)
	}
	if err := q.client.LPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("push job %s: %w", job.Type, err)
	}
	return nil
}

// Consume blocks, handing jobs to handler until ctx is cancelled.
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	q.logger.Sugar().Infow("redis queue consumer started", "key", q.key)
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := q.client.BRPop(ctx, q.pollWait, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Sugar().Warnw("redis queue pop failed", "key", q.key, "error", err)
			if !sleepCtx(ctx, q.retryDelay) {
				return nil
			}
			continue
		}
		if len(res) != 2 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.logger.Sugar().Errorw("dropping malformed job", "key", q.key, "error", err)
			continue
		}
		if err := handler(ctx, job); err != nil {
			q.retry(ctx, job, err)
		}
	}
}

func (q *RedisQueue) retry(ctx context.Context, job Job, cause error) {
	job.Attempt++
	if job.Attempt > q.maxRetries {
		q.logger.Sugar().Errorw("job exceeded retries", "key", q.key, "job_id", job.ID, "type", job.Type, "entity_id", job.EntityID, "error", cause)
		return
	}
	q.logger.Sugar().Warnw("job failed, retrying", "key", q.key, "job_id", job.ID, "type", job.Type, "attempt", job.Attempt, "error", cause)
	if !sleepCtx(ctx, q.retryDelay) {
		return
	}
	if err := q.Enqueue(ctx, job); err != nil {
		q.logger.Sugar().Errorw("failed to requeue job", "key", q.key, "job_id", job.ID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
