// Package pipeline runs one processing item through scraping, extraction and
// persistence, recording progress on the item after every stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-pipeline/internal/blob"
	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
	"github.com/JakeFAU/bookmark-pipeline/internal/metrics"
	"github.com/JakeFAU/bookmark-pipeline/internal/store"
)

// Config controls stage timeouts and tagging.
type Config struct {
	FetchTimeout       time.Duration
	EnrichTimeout      time.Duration
	ScreenshotTimeout  time.Duration
	MaxTags            int
	SparseTagThreshold int
	Screenshots        bool
}

// Deps groups the collaborators an Orchestrator drives.
type Deps struct {
	Items         *store.ProcessingRepository
	Bookmarks     *store.BookmarkRepository
	Blobs         *blob.Store
	Extractor     bookmark.Extractor
	Enricher      bookmark.Enricher
	Screenshotter bookmark.Screenshotter
	Publisher     bookmark.Publisher
	Memo          bookmark.StepMemo
	Clock         bookmark.Clock
}

// Result describes how a run ended.
type Result struct {
	Status bookmark.Status
	Error  string
	// Skipped is set when the item was already terminal and nothing ran.
	Skipped bool
}

// Orchestrator executes the processing state machine for one job at a time.
// It is safe for concurrent use; all state lives in the stores.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Items == nil || deps.Bookmarks == nil || deps.Extractor == nil || deps.Clock == nil {
		return nil, fmt.Errorf("pipeline requires items, bookmarks, extractor and clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTags <= 0 {
		cfg.MaxTags = 10
	}
	if cfg.ScreenshotTimeout <= 0 {
		cfg.ScreenshotTimeout = 30 * time.Second
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger.Named("pipeline")}, nil
}

// errCancelled stops a run at a checkpoint.
var errCancelled = errors.New("item cancelled")

// Run drives job to a terminal state. A nil error means the item reached a
// terminal state (complete, error or cancelled) or was already there. A
// non-nil error means a store write failed or ctx ended mid-stage, and the
// job should be retried; every stage is safe to run again.
func (o *Orchestrator) Run(ctx context.Context, job bookmark.Job) (Result, error) {
	logger := o.logger.With(zap.String("user_id", job.UserID), zap.String("item_id", job.ID))

	item, ok := o.deps.Items.Get(ctx, job.UserID, job.ID)
	switch {
	case !ok || item.Cancelled:
		return o.cancelled(ctx, job, logger)
	case item.Status.Terminal():
		logger.Debug("item already terminal", zap.String("status", string(item.Status)))
		return Result{Status: item.Status, Skipped: true}, nil
	}

	res, err := o.run(ctx, job, logger)
	switch {
	case errors.Is(err, errCancelled):
		return o.cancelled(ctx, job, logger)
	case err != nil:
		return Result{}, err
	}
	return o.finish(ctx, job, res, logger), nil
}

func (o *Orchestrator) run(ctx context.Context, job bookmark.Job, logger *zap.Logger) (Result, error) {
	if err := o.checkpoint(ctx, job, bookmark.StepScraping); err != nil {
		return Result{}, err
	}
	ext, err := o.scrape(ctx, job)
	if err != nil {
		// ctx ended, not the fetch; the item stays loading for redelivery.
		if ctx.Err() != nil {
			return Result{}, &bookmark.StageError{Stage: bookmark.StepScraping, Err: err}
		}
		logger.Warn("extraction failed", zap.String("url", job.URL), zap.Error(err))
		return o.fail(ctx, job, err.Error())
	}
	thumbnail := ext.OGImage
	if shot := o.screenshot(ctx, job, logger); thumbnail == "" {
		thumbnail = shot
	}

	if err := o.checkpoint(ctx, job, bookmark.StepExtracting); err != nil {
		return Result{}, err
	}
	domain := bookmark.Domain(firstNonEmpty(ext.FinalURL, job.URL))
	tags := o.tags(ctx, job, ext, domain, logger)

	if err := o.checkpoint(ctx, job, bookmark.StepPersisting); err != nil {
		return Result{}, err
	}
	start := time.Now()
	now := o.deps.Clock.Now()
	record := bookmark.Bookmark{
		ID:          job.ID,
		URL:         job.URL,
		Title:       firstNonEmpty(ext.Title, domain, job.URL),
		Description: ext.Description,
		Thumbnail:   thumbnail,
		Favicon:     ext.Favicon,
		Tags:        tags,
		Domain:      domain,
		CreatedAt:   now,
	}
	if err := o.deps.Bookmarks.Save(ctx, job.UserID, record); err != nil {
		return Result{}, &bookmark.StageError{Stage: bookmark.StepPersisting, Err: err}
	}
	status := bookmark.StatusComplete
	step := bookmark.StepComplete
	final := bookmark.Patch{
		Status:         &status,
		ProcessingStep: &step,
		Title:          &record.Title,
		Description:    &record.Description,
		Thumbnail:      &record.Thumbnail,
		Favicon:        &record.Favicon,
		Tags:           tags,
		Domain:         &record.Domain,
		UpdatedAt:      &now,
	}
	if err := o.deps.Items.Patch(ctx, job.UserID, job.ID, final); err != nil {
		return Result{}, &bookmark.StageError{Stage: bookmark.StepPersisting, Err: err}
	}
	metrics.ObserveStage(string(bookmark.StepPersisting), time.Since(start))
	if o.deps.Items.IsCancelled(ctx, job.UserID, job.ID) {
		return Result{}, errCancelled
	}
	return Result{Status: bookmark.StatusComplete}, nil
}

// checkpoint stops the run when the item was cancelled and otherwise moves it
// to step.
func (o *Orchestrator) checkpoint(ctx context.Context, job bookmark.Job, step bookmark.Step) error {
	if o.deps.Items.IsCancelled(ctx, job.UserID, job.ID) {
		return errCancelled
	}
	if err := o.deps.Items.Patch(ctx, job.UserID, job.ID, bookmark.ProgressPatch(step, o.deps.Clock.Now())); err != nil {
		return &bookmark.StageError{Stage: step, Err: err}
	}
	return nil
}

func (o *Orchestrator) scrape(ctx context.Context, job bookmark.Job) (bookmark.Extraction, error) {
	var ext bookmark.Extraction
	if o.loadMemo(ctx, job, bookmark.StepScraping, &ext) {
		return ext, nil
	}
	start := time.Now()
	fetchCtx, cancel := withTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()
	ext, err := o.deps.Extractor.Extract(fetchCtx, job.URL)
	metrics.ObserveStage(string(bookmark.StepScraping), time.Since(start))
	if err != nil {
		return bookmark.Extraction{}, err
	}
	o.saveMemo(ctx, job, bookmark.StepScraping, ext)
	return ext, nil
}

// screenshot stores a PNG of the page and returns its object key, or "" when
// screenshots are off or capture failed.
func (o *Orchestrator) screenshot(ctx context.Context, job bookmark.Job, logger *zap.Logger) string {
	if !o.cfg.Screenshots || o.deps.Screenshotter == nil || o.deps.Blobs == nil {
		return ""
	}
	shotCtx, cancel := withTimeout(ctx, o.cfg.ScreenshotTimeout)
	defer cancel()
	png, err := o.deps.Screenshotter.Capture(shotCtx, job.URL)
	if err != nil {
		logger.Warn("screenshot failed", zap.Error(err))
		return ""
	}
	key := store.ScreenshotKey(job.UserID, job.ID)
	if err := o.deps.Blobs.PutRaw(ctx, key, "image/png", png); err != nil {
		logger.Warn("screenshot upload failed", zap.Error(err))
		return ""
	}
	return key
}

// tags normalizes the extracted tags and asks the enricher for more when the
// page metadata is sparse. Enrichment never fails the run: without it the
// extracted keywords are used, and without those the domain.
func (o *Orchestrator) tags(
	ctx context.Context,
	job bookmark.Job,
	ext bookmark.Extraction,
	domain string,
	logger *zap.Logger,
) []string {
	tags := bookmark.NormalizeTags(ext.Tags, o.cfg.MaxTags)
	sparse := len(tags) < o.cfg.SparseTagThreshold || ext.Description == ""
	if !sparse || o.deps.Enricher == nil {
		metrics.ObserveEnrichment("skipped")
		return withDomainFallback(tags, domain)
	}

	var enriched []string
	if o.loadMemo(ctx, job, bookmark.StepExtracting, &enriched) {
		metrics.ObserveEnrichment("memoized")
	} else {
		start := time.Now()
		enrichCtx, cancel := withTimeout(ctx, o.cfg.EnrichTimeout)
		var err error
		enriched, err = o.deps.Enricher.Tag(enrichCtx, bookmark.EnrichInput{
			URL:         job.URL,
			Title:       ext.Title,
			Description: ext.Description,
			Text:        ext.Text,
		})
		cancel()
		metrics.ObserveStage(string(bookmark.StepExtracting), time.Since(start))
		if err != nil {
			metrics.ObserveEnrichment("failed")
			logger.Warn("enrichment failed, using extracted tags", zap.Error(err))
			return withDomainFallback(tags, domain)
		}
		metrics.ObserveEnrichment("ok")
		o.saveMemo(ctx, job, bookmark.StepExtracting, enriched)
	}
	merged := make([]string, 0, len(tags)+len(enriched))
	merged = append(merged, tags...)
	merged = append(merged, enriched...)
	return withDomainFallback(bookmark.NormalizeTags(merged, o.cfg.MaxTags), domain)
}

// cancelled settles a run stopped by a cancellation. An item that still exists
// gets the cancelled status, and a bookmark saved before the cancellation
// landed is removed. A missing item was deleted by the user and its bookmark,
// if any, is left alone.
func (o *Orchestrator) cancelled(ctx context.Context, job bookmark.Job, logger *zap.Logger) (Result, error) {
	if _, ok := o.deps.Items.Get(ctx, job.UserID, job.ID); ok {
		if err := o.deps.Items.Patch(ctx, job.UserID, job.ID, bookmark.CancelPatch(o.deps.Clock.Now())); err != nil {
			return Result{}, &bookmark.StageError{Stage: bookmark.StepCancelled, Err: err}
		}
		removed, err := o.deps.Bookmarks.Remove(ctx, job.UserID, job.ID)
		if err != nil {
			return Result{}, &bookmark.StageError{Stage: bookmark.StepCancelled, Err: err}
		}
		if removed {
			logger.Info("removed bookmark saved before cancellation")
		}
	}
	return o.finish(ctx, job, Result{Status: bookmark.StatusCancelled}, logger), nil
}

// fail records a terminal error on the item.
func (o *Orchestrator) fail(ctx context.Context, job bookmark.Job, msg string) (Result, error) {
	if err := o.deps.Items.Patch(ctx, job.UserID, job.ID, bookmark.ErrorPatch(msg, o.deps.Clock.Now())); err != nil {
		return Result{}, &bookmark.StageError{Stage: bookmark.StepError, Err: err}
	}
	if o.deps.Items.IsCancelled(ctx, job.UserID, job.ID) {
		return Result{}, errCancelled
	}
	return Result{Status: bookmark.StatusError, Error: msg}, nil
}

// Fail marks the job's item as errored after the caller gave up retrying it.
func (o *Orchestrator) Fail(ctx context.Context, job bookmark.Job, msg string) (Result, error) {
	logger := o.logger.With(zap.String("user_id", job.UserID), zap.String("item_id", job.ID))
	res, err := o.fail(ctx, job, msg)
	if errors.Is(err, errCancelled) {
		return o.cancelled(ctx, job, logger)
	}
	if err != nil {
		return Result{}, err
	}
	return o.finish(ctx, job, res, logger), nil
}

// finish publishes the terminal event, records metrics and prunes old items.
// None of these affect the result.
func (o *Orchestrator) finish(ctx context.Context, job bookmark.Job, res Result, logger *zap.Logger) Result {
	metrics.ObservePipelineRun(string(res.Status))
	logger.Info("pipeline finished", zap.String("status", string(res.Status)), zap.String("error", res.Error))
	now := o.deps.Clock.Now()
	if o.deps.Publisher != nil {
		event := bookmark.Event{
			UserID:    job.UserID,
			ID:        job.ID,
			URL:       job.URL,
			Status:    res.Status,
			Error:     res.Error,
			Timestamp: now,
		}
		if err := o.deps.Publisher.Publish(ctx, event); err != nil {
			logger.Warn("publish event failed", zap.Error(err))
		}
	}
	if removed, err := o.deps.Items.Prune(ctx, job.UserID, now); err != nil {
		logger.Warn("prune failed", zap.Error(err))
	} else if removed > 0 {
		logger.Debug("pruned items", zap.Int("removed", removed))
	}
	return res
}

func (o *Orchestrator) loadMemo(ctx context.Context, job bookmark.Job, step bookmark.Step, dest any) bool {
	if o.deps.Memo == nil {
		return false
	}
	ok, err := o.deps.Memo.Load(ctx, job.ID, step, dest)
	if err != nil {
		o.logger.Warn("memo load failed", zap.String("item_id", job.ID), zap.String("step", string(step)), zap.Error(err))
		return false
	}
	return ok
}

func (o *Orchestrator) saveMemo(ctx context.Context, job bookmark.Job, step bookmark.Step, value any) {
	if o.deps.Memo == nil {
		return
	}
	if err := o.deps.Memo.Save(ctx, job.ID, step, value); err != nil {
		o.logger.Warn("memo save failed", zap.String("item_id", job.ID), zap.String("step", string(step)), zap.Error(err))
	}
}

func withDomainFallback(tags []string, domain string) []string {
	if len(tags) == 0 && domain != "" {
		return []string{domain}
	}
	return tags
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
