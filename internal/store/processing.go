package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-pipeline/internal/blob"
	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
)

// ProcessingKey is the object key holding a user's processing items.
func ProcessingKey(userID string) string {
	return "processing/" + userID + ".json"
}

// Retention bounds how many terminal items a user's collection keeps.
type Retention struct {
	// TerminalTTL drops terminal items last updated longer ago than this.
	// Zero disables age-based pruning.
	TerminalTTL time.Duration
	// MaxItems caps the collection length. Only terminal items are dropped to
	// meet the cap. Zero disables the cap.
	MaxItems int
}

// ProcessingRepository exposes per-item CRUD over the single JSON document
// stored for each user. Every mutation is a read-modify-write of that whole
// document; backends with compare-and-swap make it conflict-safe, others are
// last-writer-wins.
type ProcessingRepository struct {
	blobs     *blob.Store
	clock     bookmark.Clock
	retention Retention
	logger    *zap.Logger
}

// NewProcessingRepository builds a repository over blobs.
func NewProcessingRepository(
	blobs *blob.Store,
	clock bookmark.Clock,
	retention Retention,
	logger *zap.Logger,
) *ProcessingRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessingRepository{
		blobs:     blobs,
		clock:     clock,
		retention: retention,
		logger:    logger.Named("processing_repo"),
	}
}

// List returns the user's items newest-first. Unknown users and unreadable
// documents yield an empty list.
func (r *ProcessingRepository) List(ctx context.Context, userID string) []bookmark.Item {
	if !validUserID(userID) {
		return []bookmark.Item{}
	}
	var items []bookmark.Item
	if !r.blobs.GetJSON(ctx, ProcessingKey(userID), &items) || items == nil {
		return []bookmark.Item{}
	}
	return items
}

// Get returns the item with id, if present.
func (r *ProcessingRepository) Get(ctx context.Context, userID, id string) (bookmark.Item, bool) {
	for _, item := range r.List(ctx, userID) {
		if item.ID == id {
			return item, true
		}
	}
	return bookmark.Item{}, false
}

// Upsert merges item onto any existing entry with the same id and moves the
// result to the head of the list. Empty fields of item leave the existing
// values in place. A previously recorded cancellation always survives.
func (r *ProcessingRepository) Upsert(ctx context.Context, userID string, item bookmark.Item) error {
	if err := checkKey(userID, item.ID); err != nil {
		return err
	}
	now := r.clock.Now()
	err := blob.Update(ctx, r.blobs, ProcessingKey(userID), func(items []bookmark.Item) ([]bookmark.Item, error) {
		merged := item
		rest := make([]bookmark.Item, 0, len(items)+1)
		for _, existing := range items {
			if existing.ID == item.ID {
				merged = mergeItem(existing, item)
				continue
			}
			rest = append(rest, existing)
		}
		merged = applyDefaults(merged, now)
		return append([]bookmark.Item{merged}, rest...), nil
	})
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", item.ID, err)
	}
	return nil
}

// Patch applies p to the item with id in place. Missing ids are a no-op.
func (r *ProcessingRepository) Patch(ctx context.Context, userID, id string, p bookmark.Patch) error {
	_, err := r.patch(ctx, userID, id, p)
	return err
}

func (r *ProcessingRepository) patch(ctx context.Context, userID, id string, p bookmark.Patch) (bool, error) {
	if err := checkKey(userID, id); err != nil {
		return false, err
	}
	now := r.clock.Now()
	if p.UpdatedAt == nil {
		p.UpdatedAt = &now
	}
	found := false
	err := blob.Update(ctx, r.blobs, ProcessingKey(userID), func(items []bookmark.Item) ([]bookmark.Item, error) {
		found = false
		out := make([]bookmark.Item, len(items))
		for i, existing := range items {
			if existing.ID != id {
				out[i] = existing
				continue
			}
			found = true
			out[i] = keepCancellation(existing, p.Apply(existing))
		}
		if !found {
			return nil, blob.ErrNoChange
		}
		return out, nil
	})
	if err != nil {
		return false, fmt.Errorf("patch item %s: %w", id, err)
	}
	return found, nil
}

// IsCancelled reports whether the item is cancelled. An item that no longer
// exists counts as cancelled.
func (r *ProcessingRepository) IsCancelled(ctx context.Context, userID, id string) bool {
	item, ok := r.Get(ctx, userID, id)
	return !ok || item.Cancelled
}

// Remove deletes the item with id. Missing ids are a no-op.
func (r *ProcessingRepository) Remove(ctx context.Context, userID, id string) error {
	if err := checkKey(userID, id); err != nil {
		return err
	}
	err := blob.Update(ctx, r.blobs, ProcessingKey(userID), func(items []bookmark.Item) ([]bookmark.Item, error) {
		out := make([]bookmark.Item, 0, len(items))
		for _, existing := range items {
			if existing.ID != id {
				out = append(out, existing)
			}
		}
		if len(out) == len(items) {
			return nil, blob.ErrNoChange
		}
		return out, nil
	})
	if err != nil {
		return fmt.Errorf("remove item %s: %w", id, err)
	}
	return nil
}

// Cancel records a cancellation for id. It writes the cancellation both as an
// upsert, covering an item that has not been created yet, and as a patch,
// covering one that already exists. It fails only when neither write landed.
// An item that already completed or errored is left as it is.
func (r *ProcessingRepository) Cancel(ctx context.Context, userID, id string, at time.Time) error {
	if err := checkKey(userID, id); err != nil {
		return err
	}
	if item, ok := r.Get(ctx, userID, id); ok && item.Status.Terminal() && !item.Cancelled {
		r.logger.Debug("cancel ignored for finished item", zap.String("item_id", id), zap.String("status", string(item.Status)))
		return nil
	}
	at = at.UTC()
	stub := bookmark.CancelPatch(at).Apply(bookmark.Item{ID: id, CreatedAt: at})
	upsertErr := r.Upsert(ctx, userID, stub)
	patched, patchErr := r.patch(ctx, userID, id, bookmark.CancelPatch(at))
	switch {
	case upsertErr != nil && !patched:
		return errors.Join(upsertErr, patchErr)
	case upsertErr != nil:
		r.logger.Warn("cancel upsert failed, patch succeeded", zap.String("item_id", id), zap.Error(upsertErr))
	case patchErr != nil:
		r.logger.Warn("cancel patch failed, upsert succeeded", zap.String("item_id", id), zap.Error(patchErr))
	}
	return nil
}

// Prune drops expired terminal items and enforces the retention cap. It
// returns the number of items removed. In-flight items are never pruned.
func (r *ProcessingRepository) Prune(ctx context.Context, userID string, now time.Time) (int, error) {
	if !validUserID(userID) {
		return 0, fmt.Errorf("user id %q: %w", userID, bookmark.ErrInvalidInput)
	}
	if r.retention.TerminalTTL <= 0 && r.retention.MaxItems <= 0 {
		return 0, nil
	}
	removed := 0
	err := blob.Update(ctx, r.blobs, ProcessingKey(userID), func(items []bookmark.Item) ([]bookmark.Item, error) {
		kept := pruneItems(items, now, r.retention)
		removed = len(items) - len(kept)
		if removed == 0 {
			return nil, blob.ErrNoChange
		}
		return kept, nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", userID, err)
	}
	return removed, nil
}

func pruneItems(items []bookmark.Item, now time.Time, retention Retention) []bookmark.Item {
	kept := make([]bookmark.Item, 0, len(items))
	for _, item := range items {
		if retention.TerminalTTL > 0 && item.Status.Terminal() && now.Sub(lastTouched(item)) > retention.TerminalTTL {
			continue
		}
		kept = append(kept, item)
	}
	if retention.MaxItems <= 0 {
		return kept
	}
	// Oldest entries sit at the tail.
	for i := len(kept) - 1; i >= 0 && len(kept) > retention.MaxItems; i-- {
		if kept[i].Status.Terminal() {
			kept = append(kept[:i], kept[i+1:]...)
		}
	}
	return kept
}

func lastTouched(item bookmark.Item) time.Time {
	if !item.UpdatedAt.IsZero() {
		return item.UpdatedAt
	}
	return item.CreatedAt
}

// mergeItem overlays the non-empty fields of incoming onto existing.
func mergeItem(existing, incoming bookmark.Item) bookmark.Item {
	out := existing
	if incoming.URL != "" {
		out.URL = incoming.URL
	}
	if incoming.Status != "" {
		out.Status = incoming.Status
	}
	if incoming.ProcessingStep != "" {
		out.ProcessingStep = incoming.ProcessingStep
	}
	if incoming.Cancelled {
		out.Cancelled = true
	}
	if incoming.CancelledAt != nil {
		out.CancelledAt = incoming.CancelledAt
	}
	if incoming.Title != "" {
		out.Title = incoming.Title
	}
	if incoming.Description != "" {
		out.Description = incoming.Description
	}
	if incoming.Thumbnail != "" {
		out.Thumbnail = incoming.Thumbnail
	}
	if incoming.Favicon != "" {
		out.Favicon = incoming.Favicon
	}
	if incoming.Tags != nil {
		out.Tags = append([]string(nil), incoming.Tags...)
	}
	if incoming.Domain != "" {
		out.Domain = incoming.Domain
	}
	if incoming.Error != "" {
		out.Error = incoming.Error
	}
	if !incoming.UpdatedAt.IsZero() {
		out.UpdatedAt = incoming.UpdatedAt
	}
	// created_at is immutable once set.
	if out.CreatedAt.IsZero() {
		out.CreatedAt = incoming.CreatedAt
	}
	return keepCancellation(existing, out)
}

// keepCancellation restores the sticky cancellation fields of before onto
// after. The first recorded cancelled_at wins.
func keepCancellation(before, after bookmark.Item) bookmark.Item {
	if !before.Cancelled {
		return after
	}
	after.Cancelled = true
	after.Status = bookmark.StatusCancelled
	after.ProcessingStep = bookmark.StepCancelled
	if before.CancelledAt != nil {
		ts := *before.CancelledAt
		after.CancelledAt = &ts
	}
	return after
}

func applyDefaults(item bookmark.Item, now time.Time) bookmark.Item {
	if item.Status == "" {
		item.Status = bookmark.StatusLoading
	}
	if item.ProcessingStep == "" {
		item.ProcessingStep = bookmark.StepQueued
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}
	if item.Cancelled && item.CancelledAt == nil {
		ts := now
		item.CancelledAt = &ts
	}
	return item
}

func checkKey(userID, id string) error {
	if !validUserID(userID) {
		return fmt.Errorf("user id %q: %w", userID, bookmark.ErrInvalidInput)
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("item id is required: %w", bookmark.ErrInvalidInput)
	}
	return nil
}

func validUserID(userID string) bool {
	return strings.TrimSpace(userID) != "" && !strings.ContainsAny(userID, "/\\") && userID != ".."
}
