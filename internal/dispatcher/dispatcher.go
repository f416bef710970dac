// Package dispatcher accepts bookmark submissions, turns them into queued
// jobs, and fans queue work out to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
	"github.com/JakeFAU/bookmark-pipeline/internal/inflight"
	"github.com/JakeFAU/bookmark-pipeline/internal/metrics"
	"github.com/JakeFAU/bookmark-pipeline/internal/store"
)

// Config bounds per-user usage.
type Config struct {
	// MaxActive caps non-terminal items per user. Zero disables the check.
	MaxActive int
	// MaxItems caps stored items per user. Zero disables the check.
	MaxItems int
	// InFlightTTL is how long a duplicate-submission guard may be held.
	InFlightTTL time.Duration
}

// Submission is one accepted request to process a URL.
type Submission struct {
	UserID string
	URL    string
	// ID is optional; one is generated when empty.
	ID string
}

// Runner is a long-running consumer such as worker.Worker.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher validates submissions and enqueues them for workers.
type Dispatcher struct {
	queue  bookmark.Queue
	items  *store.ProcessingRepository
	guard  bookmark.InFlight
	ids    bookmark.IDGenerator
	clock  bookmark.Clock
	cfg    Config
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(
	queue bookmark.Queue,
	items *store.ProcessingRepository,
	guard bookmark.InFlight,
	ids bookmark.IDGenerator,
	clock bookmark.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InFlightTTL <= 0 {
		cfg.InFlightTTL = 15 * time.Minute
	}
	return &Dispatcher{
		queue:  queue,
		items:  items,
		guard:  guard,
		ids:    ids,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("dispatcher"),
	}
}

// Submit records a queued item and enqueues its job. It returns the item as
// first persisted. The checks run in order: URL validity, quota, then the
// duplicate guard for (user, url).
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (bookmark.Item, error) {
	url, err := bookmark.ValidateURL(sub.URL)
	if err != nil {
		metrics.ObserveSubmission("invalid")
		return bookmark.Item{}, err
	}
	if err := d.checkQuota(ctx, sub.UserID); err != nil {
		metrics.ObserveSubmission("quota")
		return bookmark.Item{}, err
	}

	key := inflight.Key(sub.UserID, url)
	acquired, err := d.guard.Acquire(ctx, key, d.cfg.InFlightTTL)
	if err != nil {
		metrics.ObserveSubmission("error")
		return bookmark.Item{}, fmt.Errorf("acquire in-flight guard: %w", err)
	}
	if !acquired {
		metrics.ObserveSubmission("duplicate")
		return bookmark.Item{}, fmt.Errorf("%s is already being processed: %w", url, bookmark.ErrConflict)
	}

	item, err := d.enqueue(ctx, sub, url)
	if err != nil {
		metrics.ObserveSubmission("error")
		if releaseErr := d.guard.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
			d.logger.Warn("release in-flight guard", zap.String("key", key), zap.Error(releaseErr))
		}
		return bookmark.Item{}, err
	}
	metrics.ObserveSubmission("accepted")
	d.logger.Info("submission accepted",
		zap.String("user_id", sub.UserID),
		zap.String("item_id", item.ID),
		zap.String("url", url),
	)
	return item, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, sub Submission, url string) (bookmark.Item, error) {
	id := sub.ID
	if id == "" {
		var err error
		if id, err = d.ids.NewID(); err != nil {
			return bookmark.Item{}, fmt.Errorf("generate item id: %w", err)
		}
	}
	now := d.clock.Now()
	item := bookmark.Item{
		ID:             id,
		URL:            url,
		Status:         bookmark.StatusLoading,
		ProcessingStep: bookmark.StepQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.items.Upsert(ctx, sub.UserID, item); err != nil {
		return bookmark.Item{}, err
	}
	job := bookmark.Job{
		ID:        id,
		UserID:    sub.UserID,
		URL:       url,
		Attempt:   1,
		Submitted: now.UnixMilli(),
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		msg := "could not queue item for processing"
		if patchErr := d.items.Patch(context.WithoutCancel(ctx), sub.UserID, id, bookmark.ErrorPatch(msg, d.clock.Now())); patchErr != nil {
			d.logger.Warn("mark unqueued item as errored", zap.String("item_id", id), zap.Error(patchErr))
		}
		return bookmark.Item{}, fmt.Errorf("queue enqueue: %w", err)
	}
	return item, nil
}

func (d *Dispatcher) checkQuota(ctx context.Context, userID string) error {
	if d.cfg.MaxActive <= 0 && d.cfg.MaxItems <= 0 {
		return nil
	}
	items := d.items.List(ctx, userID)
	if d.cfg.MaxItems > 0 && len(items) >= d.cfg.MaxItems {
		return fmt.Errorf("%d stored items: %w", len(items), bookmark.ErrQuotaExceeded)
	}
	active := 0
	for _, item := range items {
		if !item.Status.Terminal() {
			active++
		}
	}
	if d.cfg.MaxActive > 0 && active >= d.cfg.MaxActive {
		return fmt.Errorf("%d items in flight: %w", active, bookmark.ErrQuotaExceeded)
	}
	return nil
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func Run(ctx context.Context, workers ...Runner) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// IsClientError reports whether err was caused by the submission itself
// rather than a backend failure.
func IsClientError(err error) bool {
	return errors.Is(err, bookmark.ErrInvalidInput) ||
		errors.Is(err, bookmark.ErrConflict) ||
		errors.Is(err, bookmark.ErrQuotaExceeded)
}
