// Package worker implements the job consumption loop: dequeue, run the
// pipeline with retries, then release the job's resources.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
	"github.com/JakeFAU/bookmark-pipeline/internal/inflight"
	"github.com/JakeFAU/bookmark-pipeline/internal/metrics"
	"github.com/JakeFAU/bookmark-pipeline/internal/pipeline"
)

// Runner executes a job. pipeline.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, job bookmark.Job) (pipeline.Result, error)
	Fail(ctx context.Context, job bookmark.Job, msg string) (pipeline.Result, error)
}

// DeadLetterer is implemented by queues that keep jobs that exhausted their
// retries.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, job bookmark.Job, reason string) error
}

// Config controls Worker retry behavior.
type Config struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// IdleBackoff is how long to wait after a failed dequeue.
	IdleBackoff time.Duration
}

// Worker consumes queue items and executes the processing pipeline.
type Worker struct {
	queue  bookmark.Queue
	runner Runner
	guard  bookmark.InFlight
	memo   bookmark.StepMemo
	cfg    Config
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// New constructs a Worker. guard and memo may be nil.
func New(
	queue bookmark.Queue,
	runner Runner,
	guard bookmark.InFlight,
	memo bookmark.StepMemo,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = 500 * time.Millisecond
	}
	return &Worker{
		queue:  queue,
		runner: runner,
		guard:  guard,
		memo:   memo,
		cfg:    cfg,
		logger: logger.Named("worker"),
		sleep:  sleepCtx,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if w.sleep(ctx, w.cfg.IdleBackoff) != nil {
				return
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("item_id", job.ID), zap.Int("attempt", job.Attempt))
		w.Process(ctx, job)
	}
}

// Process runs job to completion, retrying store failures with exponential
// backoff. Once the job is finished, or given up on, its guard and memoized
// stage outputs are released and the queue entry acknowledged. Nothing is
// released when ctx ends first so the queue can deliver the job again.
func (w *Worker) Process(ctx context.Context, job bookmark.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("user_id", job.UserID), zap.String("item_id", job.ID))
	run := job
	if run.Attempt <= 0 {
		run.Attempt = 1
	}

	res, err := w.attempt(ctx, run, logger)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("shutdown interrupted job, leaving it for redelivery")
			return
		}
		reason := fmt.Sprintf("processing failed after %d attempts: %v", w.cfg.MaxAttempts, err)
		logger.Error("giving up on job", zap.Error(err))
		if res, err = w.runner.Fail(ctx, run, reason); err != nil {
			logger.Error("record job failure", zap.Error(err))
		}
		if dl, ok := w.queue.(DeadLetterer); ok {
			if err := dl.DeadLetter(ctx, job, reason); err != nil {
				logger.Error("dead letter job", zap.Error(err))
			}
		}
	}
	logger.Debug("job finished", zap.String("status", string(res.Status)), zap.Bool("skipped", res.Skipped))
	w.release(ctx, job, logger)
}

func (w *Worker) attempt(ctx context.Context, job bookmark.Job, logger *zap.Logger) (pipeline.Result, error) {
	var lastErr error
	for attempt := job.Attempt; attempt <= w.cfg.MaxAttempts; attempt++ {
		job.Attempt = attempt
		res, err := w.runner.Run(ctx, job)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == w.cfg.MaxAttempts {
			break
		}
		metrics.ObserveRetry()
		delay := w.backoff(attempt)
		logger.Warn("pipeline run failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := w.sleep(ctx, delay); err != nil {
			return pipeline.Result{}, errors.Join(lastErr, err)
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("attempt %d exceeds max attempts %d", job.Attempt, w.cfg.MaxAttempts)
	}
	return pipeline.Result{}, lastErr
}

// backoff returns the delay after the given failed attempt.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.cfg.BackoffInitial
	for i := 1; i < attempt && delay < w.cfg.BackoffMax; i++ {
		delay *= 2
	}
	if w.cfg.BackoffMax > 0 && delay > w.cfg.BackoffMax {
		delay = w.cfg.BackoffMax
	}
	return delay
}

func (w *Worker) release(ctx context.Context, job bookmark.Job, logger *zap.Logger) {
	if w.guard != nil {
		if err := w.guard.Release(ctx, inflight.Key(job.UserID, job.URL)); err != nil {
			logger.Warn("release in-flight guard", zap.Error(err))
		}
	}
	if w.memo != nil {
		if err := w.memo.Forget(ctx, job.ID); err != nil {
			logger.Warn("forget memoized steps", zap.Error(err))
		}
	}
	if acker, ok := w.queue.(bookmark.Acker); ok {
		if err := acker.Ack(ctx, job); err != nil {
			logger.Warn("ack job", zap.Error(err))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
