// Package blob turns a raw ObjectStore into a JSON document store.
//
// Reads never fail: a missing key, an unreachable backend or a corrupt
// document all read as "absent" so callers can treat a cold key as an empty
// collection. Writes propagate their errors wrapped in bookmark.ErrStoreFailure.
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
)

const (
	contentTypeJSON = "application/json"

	// DefaultUpdateAttempts bounds compare-and-swap retries in Update.
	DefaultUpdateAttempts = 5
)

// ErrNoChange may be returned by an Update callback to skip the write.
var ErrNoChange = errors.New("no change")

// Store reads and writes JSON documents through an ObjectStore.
type Store struct {
	objects  bookmark.ObjectStore
	logger   *zap.Logger
	attempts int
}

// New wraps objects. A nil logger disables logging.
func New(objects bookmark.ObjectStore, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		objects:  objects,
		logger:   logger.Named("blob"),
		attempts: DefaultUpdateAttempts,
	}
}

// Versioned reports whether the backend supports compare-and-swap updates.
func (s *Store) Versioned() bool {
	_, ok := s.objects.(bookmark.VersionedStore)
	return ok
}

// GetJSON decodes the document at key into dest and reports whether it was found.
func (s *Store) GetJSON(ctx context.Context, key string, dest any) bool {
	data, err := s.objects.Read(ctx, key)
	if err != nil {
		if !errors.Is(err, bookmark.ErrNotFound) {
			s.logger.Warn("read failed, treating document as absent", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if len(data) == 0 {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		s.logger.Warn("corrupt document, treating as absent", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// PutJSON replaces the document at key with value.
func (s *Store) PutJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.PutRaw(ctx, key, contentTypeJSON, data)
}

// PutRaw stores data at key unchanged.
func (s *Store) PutRaw(ctx context.Context, key, contentType string, data []byte) error {
	if err := s.objects.Write(ctx, key, contentType, data); err != nil {
		return fmt.Errorf("write %s: %w: %w", key, bookmark.ErrStoreFailure, err)
	}
	return nil
}

// Update performs a read-modify-write of the document at key. fn receives the
// decoded document (the zero value when absent) and returns the replacement.
//
// When the backend implements bookmark.VersionedStore the write is
// conditional and retried on conflict; otherwise the last writer wins.
func Update[T any](ctx context.Context, s *Store, key string, fn func(T) (T, error)) error {
	versioned, ok := s.objects.(bookmark.VersionedStore)
	if !ok {
		var current T
		if !s.GetJSON(ctx, key, &current) {
			var zero T
			current = zero
		}
		next, err := fn(current)
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.PutJSON(ctx, key, next)
	}

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		err := versioned.Update(ctx, key, contentTypeJSON, func(raw []byte) ([]byte, error) {
			var current T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &current); err != nil {
					s.logger.Warn("corrupt document, treating as absent", zap.String("key", key), zap.Error(err))
					var zero T
					current = zero
				}
			}
			next, err := fn(current)
			if err != nil {
				return nil, callbackError{err: err}
			}
			return json.Marshal(next)
		})
		switch {
		case err == nil, errors.Is(err, ErrNoChange):
			return nil
		case isCallbackErr(err):
			return err
		case !errors.Is(err, bookmark.ErrVersionConflict):
			return fmt.Errorf("update %s: %w: %w", key, bookmark.ErrStoreFailure, err)
		}
		lastErr = err
		s.logger.Debug("version conflict, retrying", zap.String("key", key), zap.Int("attempt", attempt))
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("update %s after %d attempts: %w: %w", key, s.attempts, bookmark.ErrStoreFailure, lastErr)
}

// callbackError marks errors raised by the caller's update function so they
// pass through without being reclassified as store failures.
type callbackError struct{ err error }

func (e callbackError) Error() string { return e.err.Error() }
func (e callbackError) Unwrap() error { return e.err }

func isCallbackErr(err error) bool {
	var cb callbackError
	return errors.As(err, &cb)
}
