package bookmark

import (
	"context"
	"time"
)

// ObjectStore reads and writes whole objects by key.
// Read returns ErrNotFound when the key does not exist.
type ObjectStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, contentType string, data []byte) error
}

// VersionedStore is implemented by backends that support compare-and-swap.
// Update calls fn with the current contents (nil when absent) and writes the
// returned bytes only if the object was not modified in between, otherwise it
// returns ErrVersionConflict.
type VersionedStore interface {
	Update(ctx context.Context, key string, contentType string, fn func(current []byte) ([]byte, error)) error
}

// Extractor fetches a page and pulls out its metadata.
type Extractor interface {
	Extract(ctx context.Context, url string) (Extraction, error)
}

// Enricher suggests tags for page content.
type Enricher interface {
	Tag(ctx context.Context, content EnrichInput) ([]string, error)
}

// EnrichInput is the content handed to an Enricher.
type EnrichInput struct {
	URL         string
	Title       string
	Description string
	Text        string
}

// Screenshotter renders a page to PNG bytes.
type Screenshotter interface {
	Capture(ctx context.Context, url string) ([]byte, error)
}

// Publisher pushes terminal pipeline events downstream.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces item IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Queue provides enqueue/dequeue semantics for processing jobs.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
}

// Acker is implemented by queues that need explicit acknowledgement once a
// job has been handled (successfully or by giving up on it).
type Acker interface {
	Ack(ctx context.Context, job Job) error
}

// InFlight guards against two concurrent pipeline runs for the same resource.
type InFlight interface {
	// Acquire returns false when key is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// StepMemo stores completed stage outputs so retries can skip them.
type StepMemo interface {
	Load(ctx context.Context, jobID string, step Step, dest any) (bool, error)
	Save(ctx context.Context, jobID string, step Step, value any) error
	Forget(ctx context.Context, jobID string) error
}
