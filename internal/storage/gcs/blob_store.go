// Package gcs provides an object store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every key, e.g. "bookmarkd".
	Prefix string
}

// BlobStore reads and writes objects in a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Read downloads the object stored at key.
func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, _, err := s.read(ctx, key)
	return data, err
}

// Write uploads data to key, replacing any existing object.
func (s *BlobStore) Write(ctx context.Context, key string, contentType string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("path is required")
	}
	return s.write(ctx, s.object(key), contentType, data)
}

// Update performs a read-modify-write guarded by the object's generation so a
// concurrent writer causes bookmark.ErrVersionConflict instead of a lost update.
func (s *BlobStore) Update(
	ctx context.Context,
	key string,
	contentType string,
	fn func([]byte) ([]byte, error),
) error {
	current, generation, err := s.read(ctx, key)
	if err != nil && !errors.Is(err, bookmark.ErrNotFound) {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	obj := s.object(key)
	if generation == 0 {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	} else {
		obj = obj.If(storage.Conditions{GenerationMatch: generation})
	}
	return s.write(ctx, obj, contentType, next)
}

func (s *BlobStore) read(ctx context.Context, key string) ([]byte, int64, error) {
	if strings.TrimSpace(key) == "" {
		return nil, 0, fmt.Errorf("path is required")
	}
	reader, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, 0, fmt.Errorf("read %s: %w", key, bookmark.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("open reader: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, 0, fmt.Errorf("read object: %w", err)
	}
	return data, reader.Attrs.Generation, nil
}

func (s *BlobStore) write(ctx context.Context, obj *storage.ObjectHandle, contentType string, data []byte) error {
	writer := obj.NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("close writer: %w", bookmark.ErrVersionConflict)
		}
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

func (s *BlobStore) object(key string) *storage.ObjectHandle {
	name := key
	if s.prefix != "" {
		name = s.prefix + "/" + key
	}
	return s.client.Bucket(s.bucket).Object(name)
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
