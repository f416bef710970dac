package store

import (
	"context"
	"fmt"

	"github.com/JakeFAU/bookmark-pipeline/internal/blob"
	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
)

// BookmarksKey is the object key holding a user's saved bookmarks.
func BookmarksKey(userID string) string {
	return "bookmarks/" + userID + ".json"
}

// ScreenshotKey is the object key for an item's screenshot.
func ScreenshotKey(userID, id string) string {
	return "screenshots/" + userID + "/" + id + ".png"
}

// BookmarkRepository stores completed bookmarks, newest-first, one document
// per user.
type BookmarkRepository struct {
	blobs *blob.Store
}

// NewBookmarkRepository builds a repository over blobs.
func NewBookmarkRepository(blobs *blob.Store) *BookmarkRepository {
	return &BookmarkRepository{blobs: blobs}
}

// List returns the user's bookmarks newest-first.
func (r *BookmarkRepository) List(ctx context.Context, userID string) []bookmark.Bookmark {
	if !validUserID(userID) {
		return []bookmark.Bookmark{}
	}
	var out []bookmark.Bookmark
	if !r.blobs.GetJSON(ctx, BookmarksKey(userID), &out) || out == nil {
		return []bookmark.Bookmark{}
	}
	return out
}

// Save replaces any bookmark with the same id and puts b at the head.
func (r *BookmarkRepository) Save(ctx context.Context, userID string, b bookmark.Bookmark) error {
	if err := checkKey(userID, b.ID); err != nil {
		return err
	}
	err := blob.Update(ctx, r.blobs, BookmarksKey(userID), func(list []bookmark.Bookmark) ([]bookmark.Bookmark, error) {
		out := make([]bookmark.Bookmark, 0, len(list)+1)
		out = append(out, b)
		for _, existing := range list {
			if existing.ID == b.ID {
				if !existing.CreatedAt.IsZero() {
					out[0].CreatedAt = existing.CreatedAt
				}
				continue
			}
			out = append(out, existing)
		}
		return out, nil
	})
	if err != nil {
		return fmt.Errorf("save bookmark %s: %w", b.ID, err)
	}
	return nil
}

// Remove deletes the bookmark with id and reports whether it existed.
func (r *BookmarkRepository) Remove(ctx context.Context, userID, id string) (bool, error) {
	if err := checkKey(userID, id); err != nil {
		return false, err
	}
	found := false
	err := blob.Update(ctx, r.blobs, BookmarksKey(userID), func(list []bookmark.Bookmark) ([]bookmark.Bookmark, error) {
		out := make([]bookmark.Bookmark, 0, len(list))
		for _, existing := range list {
			if existing.ID == id {
				continue
			}
			out = append(out, existing)
		}
		found = len(out) != len(list)
		if !found {
			return nil, blob.ErrNoChange
		}
		return out, nil
	})
	if err != nil {
		return false, fmt.Errorf("remove bookmark %s: %w", id, err)
	}
	return found, nil
}
