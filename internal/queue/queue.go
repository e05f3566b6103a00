// Package queue runs migrations through a bounded worker pool, guarded by
// the advisory lock and retried on transient infrastructure failures only.
// Shaped after hypersdk's daemon/queue package (channel-fed workers, a
// result-collecting goroutine, a shutdown that drains in-flight work) and
// its daemon/scheduler retry policy, adapted from Celery's task-queue role
// in app/migration/tasks.py to a synchronous in-process worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/minicloud/controller/internal/lock"
)

// Runner executes a single migration by ID. Implemented by
// *orchestrator.Orchestrator in production; a function type here keeps the
// queue package free of an import cycle and easy to fake in tests.
type Runner func(ctx context.Context, migrationID string) error

// Config tunes the worker pool.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	RetryDelay  time.Duration
}

// DefaultConfig mirrors the spec's default tunables.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   256,
		MaxAttempts: 3,
		RetryDelay:  10 * time.Second,
	}
}

// Queue is a bounded-concurrency in-process migration worker pool.
type Queue struct {
	cfg    Config
	run    Runner
	jobs   chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts cfg.Workers goroutines consuming migration IDs and invoking
// run for each.
func New(cfg Config, run Runner) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:    cfg,
		run:    run,
		jobs:   make(chan string, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	return q
}

// Submit enqueues a migration for asynchronous execution. Returns an error
// if the queue is full so the caller (the scheduler or the API's
// synchronous fallback) can decide what to do instead of blocking forever.
func (q *Queue) Submit(migrationID string) error {
	if q.ctx.Err() != nil {
		return fmt.Errorf("queue: shut down, not accepting migration %s", migrationID)
	}
	select {
	case q.jobs <- migrationID:
		return nil
	default:
		return fmt.Errorf("queue: full (size %d), dropping migration %s", q.cfg.QueueSize, migrationID)
	}
}

// SubmitSync runs a migration inline, bypassing the pool. Used when
// QUEUE_SYNC_FALLBACK is set — e.g. when no broker is configured and the
// caller would rather block than lose the request.
func (q *Queue) SubmitSync(ctx context.Context, migrationID string) error {
	return q.runWithRetry(ctx, migrationID)
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case migrationID := <-q.jobs:
			if err := q.runWithRetry(q.ctx, migrationID); err != nil {
				log.Printf("queue: worker %d: migration %s failed permanently: %v", id, migrationID, err)
			}
		}
	}
}

// runWithRetry retries only on infrastructure errors (lock contention,
// context deadline) that a later attempt might succeed past. A migration
// that reached a terminal status is never retried — the orchestrator
// itself already recorded that outcome, and re-running it would just
// re-acquire the lock and no-op.
func (q *Queue) runWithRetry(ctx context.Context, migrationID string) error {
	var lastErr error
	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		err := q.run(ctx, migrationID)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == q.cfg.MaxAttempts {
			break
		}
		log.Printf("queue: migration %s attempt %d/%d failed (%v), retrying in %s", migrationID, attempt, q.cfg.MaxAttempts, err, q.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.cfg.RetryDelay):
		}
	}
	return fmt.Errorf("queue: migration %s exhausted %d attempts: %w", migrationID, q.cfg.MaxAttempts, lastErr)
}

// isRetryable reports whether err represents transient infrastructure
// trouble (lock timeout, context deadline) rather than a migration outcome
// the orchestrator already finalized.
func isRetryable(err error) bool {
	return errors.Is(err, lock.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Shutdown stops accepting new work and waits for in-flight jobs to finish
// or ctx to expire, whichever comes first.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
