// Package queue is a Redis-backed, at-least-once dispatch queue decoupling
// broker intake from mapping work. Pending jobs live in a list consumed by a
// bounded worker pool; transiently failed jobs move to a delayed sorted set
// and are promoted back once their backoff elapses.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/craftedclimate/telemetry/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	pendingKey    = "dispatch:pending"
	processingKey = "dispatch:processing"
	delayedKey    = "dispatch:delayed"

	promoteInterval = 500 * time.Millisecond
	promoteLimit    = 128
)

// SkipRetry marks a handler error as terminal: the same payload can never
// succeed, so the job is dropped instead of rescheduled.
var SkipRetry = errors.New("skip retry")

// Handler processes one dispatch job. A nil return deletes the job; an error
// wrapping SkipRetry drops it; any other error reschedules it with backoff
// until MaxAttempts.
type Handler func(ctx context.Context, job *models.DispatchJob) error

type Queue struct {
	client      *redis.Client
	logger      *slog.Logger
	handler     Handler
	workers     int
	retryBase   time.Duration
	maxAttempts int
}

func New(client *redis.Client, logger *slog.Logger, handler Handler, workers int, retryBase time.Duration, maxAttempts int) *Queue {
	return &Queue{
		client:      client,
		logger:      logger,
		handler:     handler,
		workers:     workers,
		retryBase:   retryBase,
		maxAttempts: maxAttempts,
	}
}

// MaxAttempts is the attempt limit stamped onto new jobs.
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// Enqueue submits a job for processing. Constant-time: one LPUSH.
func (q *Queue) Enqueue(ctx context.Context, job *models.DispatchJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.client.LPush(ctx, pendingKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Run starts the worker pool and the delayed-job promoter, blocking until the
// context is cancelled and all workers have drained. Jobs a previous run left
// in the processing list are re-queued first.
func (q *Queue) Run(ctx context.Context) {
	q.recoverOrphans(ctx)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.promoteLoop(ctx)
	}()

	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.workerLoop(ctx)
		}()
	}

	wg.Wait()
}

// workerLoop moves jobs into the processing list before handling them, so a
// job in flight when the process dies is still in Redis and recoverable. The
// move is acknowledged only after the handler settled the job's fate.
func (q *Queue) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		raw, err := q.client.BLMove(ctx, pendingKey, processingKey, "RIGHT", "LEFT", time.Second).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("queue pop failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		var job models.DispatchJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Error("dropping undecodable job", "error", err)
			q.ack(raw)
			continue
		}

		q.process(ctx, &job)
		q.ack(raw)
	}
}

// ack removes a settled job from the processing list. Runs on its own context
// so jobs settled during shutdown are still acknowledged; if the ack itself
// fails, recoverOrphans re-runs the job on the next start, which the handler
// tolerates.
func (q *Queue) ack(raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.client.LRem(ctx, processingKey, 1, raw).Err(); err != nil {
		q.logger.Error("failed to acknowledge job", "error", err)
	}
}

// recoverOrphans drains the processing list back into the pending list. Only
// safe before the worker pool starts, when nothing is legitimately in flight.
func (q *Queue) recoverOrphans(ctx context.Context) {
	recovered := 0
	for {
		_, err := q.client.LMove(ctx, processingKey, pendingKey, "RIGHT", "LEFT").Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			q.logger.Error("failed to recover in-flight jobs", "error", err)
			return
		}
		recovered++
	}
	if recovered > 0 {
		q.logger.Warn("re-queued jobs left in flight by a previous run", "count", recovered)
	}
}

func (q *Queue) process(ctx context.Context, job *models.DispatchJob) {
	job.Attempts++

	err := q.handler(ctx, job)
	if err == nil {
		return
	}

	if errors.Is(err, SkipRetry) {
		q.logger.Warn("job rejected", "job_id", job.ID, "topic", job.Topic, "error", err)
		return
	}

	if job.Attempts >= job.MaxAttempts {
		q.logger.Error("job discarded after max attempts",
			"job_id", job.ID, "topic", job.Topic, "attempts", job.Attempts, "error", err)
		return
	}

	delay := Backoff(q.retryBase, job.Attempts)
	if rerr := q.reschedule(ctx, job, delay); rerr != nil {
		q.logger.Error("failed to reschedule job; job lost",
			"job_id", job.ID, "attempts", job.Attempts, "error", rerr)
		return
	}
	q.logger.Warn("job rescheduled", "job_id", job.ID, "attempt", job.Attempts, "delay", delay, "error", err)
}

func (q *Queue) reschedule(ctx context.Context, job *models.DispatchJob, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	score := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, delayedKey, redis.Z{Score: score, Member: data}).Err(); err != nil {
		return fmt.Errorf("failed to delay job: %w", err)
	}
	return nil
}

func (q *Queue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("failed to promote delayed jobs", "error", err)
			}
		}
	}
}

// promoteDue moves delayed jobs whose backoff has elapsed back to the pending
// list. ZRem guards against double promotion if two promoters ever run.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: promoteLimit,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range due {
		removed, err := q.client.ZRem(ctx, delayedKey, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, pendingKey, member).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Backoff returns the delay before the given attempt is retried: the base
// delay doubled for each attempt already made.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return base << (attempts - 1)
}
