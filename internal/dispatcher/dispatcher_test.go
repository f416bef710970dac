package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bookmark-pipeline/internal/blob"
	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
	"github.com/JakeFAU/bookmark-pipeline/internal/clock/manual"
	"github.com/JakeFAU/bookmark-pipeline/internal/inflight"
	"github.com/JakeFAU/bookmark-pipeline/internal/queue/memory"
	storemem "github.com/JakeFAU/bookmark-pipeline/internal/storage/memory"
	"github.com/JakeFAU/bookmark-pipeline/internal/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, bookmark.Job) error {
	return errors.New("broker unavailable")
}

func (failingQueue) Dequeue(ctx context.Context) (bookmark.Job, error) {
	<-ctx.Done()
	return bookmark.Job{}, ctx.Err()
}

func newDispatcher(t *testing.T, q bookmark.Queue, cfg Config) (*Dispatcher, *store.ProcessingRepository, *inflight.Memory) {
	t.Helper()
	items := store.NewProcessingRepository(blob.New(storemem.NewBlobStore(), nil), manual.New(t0), store.Retention{}, nil)
	guard := inflight.NewMemory()
	return New(q, items, guard, &seqIDs{}, manual.New(t0), cfg, nil), items, guard
}

func TestSubmitQueuesItemAndJob(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	d, items, _ := newDispatcher(t, q, Config{})

	item, err := d.Submit(context.Background(), Submission{UserID: "u1", URL: "  https://example.com  "})
	require.NoError(t, err)
	assert.Equal(t, "id-1", item.ID)
	assert.Equal(t, "https://example.com", item.URL)

	stored, ok := items.Get(context.Background(), "u1", "id-1")
	require.True(t, ok)
	assert.Equal(t, bookmark.StatusLoading, stored.Status)
	assert.Equal(t, bookmark.StepQueued, stored.ProcessingStep)

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bookmark.Job{ID: "id-1", UserID: "u1", URL: "https://example.com", Attempt: 1, Submitted: t0.UnixMilli()}, job)
}

func TestSubmitKeepsCallerID(t *testing.T) {
	t.Parallel()

	d, _, _ := newDispatcher(t, memory.NewQueue(1), Config{})
	item, err := d.Submit(context.Background(), Submission{UserID: "u1", URL: "https://example.com", ID: "client-id"})
	require.NoError(t, err)
	assert.Equal(t, "client-id", item.ID)
}

func TestSubmitRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	d, items, _ := newDispatcher(t, memory.NewQueue(1), Config{})
	_, err := d.Submit(context.Background(), Submission{UserID: "u1", URL: "not-a-url"})
	require.ErrorIs(t, err, bookmark.ErrInvalidInput)
	assert.True(t, IsClientError(err))
	assert.Empty(t, items.List(context.Background(), "u1"))
}

func TestSubmitRejectsDuplicateInFlight(t *testing.T) {
	t.Parallel()

	d, _, guard := newDispatcher(t, memory.NewQueue(4), Config{})
	ctx := context.Background()

	_, err := d.Submit(ctx, Submission{UserID: "u1", URL: "https://example.com"})
	require.NoError(t, err)
	_, err = d.Submit(ctx, Submission{UserID: "u1", URL: "https://example.com"})
	require.ErrorIs(t, err, bookmark.ErrConflict)

	// Other users and other URLs are independent.
	_, err = d.Submit(ctx, Submission{UserID: "u2", URL: "https://example.com"})
	require.NoError(t, err)
	_, err = d.Submit(ctx, Submission{UserID: "u1", URL: "https://example.com/"})
	require.NoError(t, err)

	require.NoError(t, guard.Release(ctx, inflight.Key("u1", "https://example.com")))
	_, err = d.Submit(ctx, Submission{UserID: "u1", URL: "https://example.com"})
	require.NoError(t, err)
}

func TestSubmitEnforcesQuota(t *testing.T) {
	t.Parallel()

	d, _, _ := newDispatcher(t, memory.NewQueue(8), Config{MaxActive: 2})
	ctx := context.Background()

	_, err := d.Submit(ctx, Submission{UserID: "u1", URL: "https://a.example"})
	require.NoError(t, err)
	_, err = d.Submit(ctx, Submission{UserID: "u1", URL: "https://b.example"})
	require.NoError(t, err)
	_, err = d.Submit(ctx, Submission{UserID: "u1", URL: "https://c.example"})
	require.ErrorIs(t, err, bookmark.ErrQuotaExceeded)
}

func TestSubmitQuotaIgnoresTerminalItems(t *testing.T) {
	t.Parallel()

	d, items, _ := newDispatcher(t, memory.NewQueue(8), Config{MaxActive: 1})
	ctx := context.Background()

	first, err := d.Submit(ctx, Submission{UserID: "u1", URL: "https://a.example"})
	require.NoError(t, err)
	require.NoError(t, items.Cancel(ctx, "u1", first.ID, t0))

	_, err = d.Submit(ctx, Submission{UserID: "u1", URL: "https://b.example"})
	require.NoError(t, err)
}

func TestSubmitMaxItemsQuota(t *testing.T) {
	t.Parallel()

	d, _, _ := newDispatcher(t, memory.NewQueue(8), Config{MaxItems: 1})
	ctx := context.Background()

	_, err := d.Submit(ctx, Submission{UserID: "u1", URL: "https://a.example"})
	require.NoError(t, err)
	_, err = d.Submit(ctx, Submission{UserID: "u1", URL: "https://b.example"})
	require.ErrorIs(t, err, bookmark.ErrQuotaExceeded)
}

func TestSubmitEnqueueFailureReleasesGuard(t *testing.T) {
	t.Parallel()

	d, items, guard := newDispatcher(t, failingQueue{}, Config{})
	ctx := context.Background()

	_, err := d.Submit(ctx, Submission{UserID: "u1", URL: "https://example.com"})
	require.Error(t, err)
	assert.False(t, IsClientError(err))

	ok, err := guard.Acquire(ctx, inflight.Key("u1", "https://example.com"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "guard should be free after a failed enqueue")

	item, found := items.Get(ctx, "u1", "id-1")
	require.True(t, found)
	assert.Equal(t, bookmark.StatusError, item.Status)
}

type countingRunner struct{ runs atomic.Int32 }

func (c *countingRunner) Run(ctx context.Context) {
	c.runs.Add(1)
	<-ctx.Done()
}

func TestRunStartsWorkersAndWaits(t *testing.T) {
	t.Parallel()

	a, b := &countingRunner{}, &countingRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, a, b)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return a.runs.Load() == 1 && b.runs.Load() == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}
