// Package queue implements the durable FIFO judge queue and the
// bounded-concurrency worker pool that drains it.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"fuzoj/internal/common/cache"
	"fuzoj/internal/common/mq"
	"fuzoj/internal/judge/coremodel"
	pkgerrors "fuzoj/pkg/errors"
	"fuzoj/pkg/utils/logger"
)

const (
	defaultQueueKey   = "judge:queue"
	defaultPollWait   = 200 * time.Millisecond
	defaultConcurrency = 4
)

// Handler executes one task to completion. A returned error is logged but
// never requeues the task: retries are the caller's responsibility via
// enqueue_rejudge, not the queue's.
type Handler func(ctx context.Context, task coremodel.Task) error

// Queue is a Redis-list-backed FIFO of judge tasks, drained by a fixed pool
// of worker goroutines.
type Queue struct {
	cache       cache.Cache
	key         string
	concurrency int
	pollWait    time.Duration
	limiter     *mq.TokenLimiter
	handler     Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// Config controls queue key, worker concurrency, and poll cadence.
type Config struct {
	Key         string
	Concurrency int
	PollWait    time.Duration
}

// New creates a Queue backed by the given cache client. It does not start
// consuming until Start is called.
func New(cacheClient cache.Cache, cfg Config, handler Handler) *Queue {
	if cfg.Key == "" {
		cfg.Key = defaultQueueKey
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = defaultPollWait
	}
	return &Queue{
		cache:       cacheClient,
		key:         cfg.Key,
		concurrency: cfg.Concurrency,
		pollWait:    cfg.PollWait,
		limiter:     mq.NewTokenLimiter(cfg.Concurrency),
		handler:     handler,
	}
}

// EnqueueJudge appends a fresh judge task to the tail of the queue.
func (q *Queue) EnqueueJudge(ctx context.Context, submissionID, problemID, userID, language, code string) error {
	return q.enqueue(ctx, coremodel.Task{
		Type:         coremodel.TaskJudge,
		SubmissionID: submissionID,
		ProblemID:    problemID,
		UserID:       userID,
		Language:     language,
		Code:         code,
	})
}

// EnqueueRejudge appends a rejudge task for an existing submission.
func (q *Queue) EnqueueRejudge(ctx context.Context, submissionID, problemID, userID, language, code string) error {
	return q.enqueue(ctx, coremodel.Task{
		Type:         coremodel.TaskRejudge,
		SubmissionID: submissionID,
		ProblemID:    problemID,
		UserID:       userID,
		Language:     language,
		Code:         code,
	})
}

func (q *Queue) enqueue(ctx context.Context, task coremodel.Task) error {
	if q.cache == nil {
		return pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("judge queue store is unavailable")
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.JudgeSystemError, "encode judge task failed")
	}
	if err := q.cache.RPush(ctx, q.key, string(payload)); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.JudgeQueueFull, "enqueue judge task failed")
	}
	return nil
}

// Depth reports the current number of pending tasks.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	if q.cache == nil {
		return 0, pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("judge queue store is unavailable")
	}
	return q.cache.LLen(ctx, q.key)
}

// Start launches the worker pool. It returns immediately; call Stop to
// drain in-flight tasks and halt consumption.
func (q *Queue) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(runCtx)
}

// Stop signals the worker pool to stop polling and waits for in-flight
// tasks to finish.
func (q *Queue) Stop() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := q.limiter.Acquire(ctx); err != nil {
			return
		}
		raw, err := q.cache.LPop(ctx, q.key)
		if err != nil {
			logger.Errorf(ctx, "judge queue pop failed: %v", err)
			q.limiter.Release()
			q.sleep(ctx)
			continue
		}
		if raw == "" {
			q.limiter.Release()
			q.sleep(ctx)
			continue
		}
		var task coremodel.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			logger.Errorf(ctx, "judge queue decode task failed: %v", err)
			q.limiter.Release()
			continue
		}
		go func() {
			defer q.limiter.Release()
			q.dispatch(ctx, task)
		}()
	}
}

func (q *Queue) dispatch(ctx context.Context, task coremodel.Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf(ctx, "judge worker panic recovered: submission=%s panic=%v", task.SubmissionID, r)
		}
	}()
	if err := q.handler(ctx, task); err != nil {
		logger.Errorf(ctx, "judge task failed: submission=%s err=%v", task.SubmissionID, err)
	}
}

func (q *Queue) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(q.pollWait):
	}
}
