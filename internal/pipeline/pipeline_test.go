package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bookmark-pipeline/internal/blob"
	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
	"github.com/JakeFAU/bookmark-pipeline/internal/clock/manual"
	"github.com/JakeFAU/bookmark-pipeline/internal/memo"
	pubmemory "github.com/JakeFAU/bookmark-pipeline/internal/publisher/memory"
	"github.com/JakeFAU/bookmark-pipeline/internal/storage/memory"
	"github.com/JakeFAU/bookmark-pipeline/internal/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeExtractor struct {
	mu     sync.Mutex
	calls  int
	result bookmark.Extraction
	err    error
	onCall func()
	// block makes Extract wait for its context to end.
	block bool
}

func (f *fakeExtractor) Extract(ctx context.Context, _ string) (bookmark.Extraction, error) {
	f.mu.Lock()
	f.calls++
	hook := f.onCall
	block := f.block
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if block {
		<-ctx.Done()
		return bookmark.Extraction{}, fmt.Errorf("fetch: %w", ctx.Err())
	}
	return f.result, f.err
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEnricher struct {
	mu    sync.Mutex
	calls int
	tags  []string
	err   error
}

func (f *fakeEnricher) Tag(_ context.Context, _ bookmark.EnrichInput) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.tags, f.err
}

type fakeScreenshotter struct {
	png []byte
	err error
}

func (f fakeScreenshotter) Capture(context.Context, string) ([]byte, error) {
	return f.png, f.err
}

// flakyStore fails compare-and-swap updates of bookmark documents while
// failBookmarks is set. afterBookmarkWrite runs once after the next
// successful bookmark update.
type flakyStore struct {
	*memory.BlobStore
	mu                 sync.Mutex
	failBookmarks      bool
	afterBookmarkWrite func()
}

func (f *flakyStore) Update(
	ctx context.Context,
	key, contentType string,
	fn func([]byte) ([]byte, error),
) error {
	f.mu.Lock()
	isBookmarks := strings.HasPrefix(key, "bookmarks/")
	fail := f.failBookmarks && isBookmarks
	var after func()
	if isBookmarks && !fail {
		after, f.afterBookmarkWrite = f.afterBookmarkWrite, nil
	}
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	if err := f.BlobStore.Update(ctx, key, contentType, fn); err != nil {
		return err
	}
	if after != nil {
		after()
	}
	return nil
}

func (f *flakyStore) onBookmarkWrite(fn func()) {
	f.mu.Lock()
	f.afterBookmarkWrite = fn
	f.mu.Unlock()
}

func (f *flakyStore) setFail(v bool) {
	f.mu.Lock()
	f.failBookmarks = v
	f.mu.Unlock()
}

type harness struct {
	orch      *Orchestrator
	items     *store.ProcessingRepository
	bookmarks *store.BookmarkRepository
	objects   *flakyStore
	extractor *fakeExtractor
	enricher  *fakeEnricher
	publisher *pubmemory.Publisher
}

func newHarness(t *testing.T, cfg Config, mutate func(*Deps)) *harness {
	t.Helper()
	clk := manual.New(t0)
	objects := &flakyStore{BlobStore: memory.NewBlobStore()}
	blobs := blob.New(objects, nil)
	h := &harness{
		items:     store.NewProcessingRepository(blobs, clk, store.Retention{}, nil),
		bookmarks: store.NewBookmarkRepository(blobs),
		objects:   objects,
		extractor: &fakeExtractor{result: bookmark.Extraction{
			Title:       "Example Domain",
			Description: "An example page",
			Tags:        []string{"Go", "Testing", "go", "Pipelines"},
			OGImage:     "https://example.com/og.png",
			Favicon:     "https://example.com/favicon.ico",
			FinalURL:    "https://www.example.com/",
		}},
		enricher:  &fakeEnricher{tags: []string{"examples", "docs"}},
		publisher: pubmemory.New(),
	}
	deps := Deps{
		Items:     h.items,
		Bookmarks: h.bookmarks,
		Blobs:     blobs,
		Extractor: h.extractor,
		Enricher:  h.enricher,
		Publisher: h.publisher,
		Memo:      memo.NewMemory(time.Hour),
		Clock:     clk,
	}
	if mutate != nil {
		mutate(&deps)
	}
	if cfg.MaxTags == 0 {
		cfg.MaxTags = 5
	}
	if cfg.SparseTagThreshold == 0 {
		cfg.SparseTagThreshold = 3
	}
	orch, err := New(deps, cfg, nil)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) submit(t *testing.T, id, url string) bookmark.Job {
	t.Helper()
	require.NoError(t, h.items.Upsert(context.Background(), "user-1", bookmark.Item{ID: id, URL: url}))
	return bookmark.Job{ID: id, UserID: "user-1", URL: url}
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)
}

func TestRunCompletesItem(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	job := h.submit(t, "a", "https://www.example.com/")

	res, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, bookmark.StatusComplete, res.Status)

	item, ok := h.items.Get(context.Background(), "user-1", "a")
	require.True(t, ok)
	assert.Equal(t, bookmark.StatusComplete, item.Status)
	assert.Equal(t, bookmark.StepComplete, item.ProcessingStep)
	assert.Equal(t, "Example Domain", item.Title)
	assert.Equal(t, "example.com", item.Domain)
	assert.Equal(t, []string{"go", "testing", "pipelines"}, item.Tags)
	assert.Equal(t, "https://example.com/og.png", item.Thumbnail)

	saved := h.bookmarks.List(context.Background(), "user-1")
	require.Len(t, saved, 1)
	assert.Equal(t, "a", saved[0].ID)
	assert.Equal(t, item.Tags, saved[0].Tags)

	assert.Zero(t, h.enricher.calls, "metadata was not sparse")
	events := h.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, bookmark.StatusComplete, events[0].Status)
}

func TestRunRecordsExtractionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.extractor.err = errors.New("fetch https://bad.example: status 503: upstream fetch failed")
	job := h.submit(t, "a", "https://bad.example")

	res, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, bookmark.StatusError, res.Status)

	item, ok := h.items.Get(context.Background(), "user-1", "a")
	require.True(t, ok)
	assert.Equal(t, bookmark.StatusError, item.Status)
	assert.Equal(t, bookmark.StepError, item.ProcessingStep)
	assert.Contains(t, item.Error, "status 503")
	assert.Empty(t, h.bookmarks.List(context.Background(), "user-1"))
}

func TestRunStopsWhenCancelledMidFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	job := h.submit(t, "a", "https://example.com")
	h.extractor.onCall = func() {
		require.NoError(t, h.items.Cancel(context.Background(), "user-1", "a", t0))
	}

	res, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, bookmark.StatusCancelled, res.Status)

	item, ok := h.items.Get(context.Background(), "user-1", "a")
	require.True(t, ok)
	assert.True(t, item.Cancelled)
	assert.Equal(t, bookmark.StatusCancelled, item.Status)
	assert.Equal(t, bookmark.StepCancelled, item.ProcessingStep)
	assert.Empty(t, h.bookmarks.List(context.Background(), "user-1"))
}

func TestRunRecordsCancelledStatusOnItem(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	job := h.submit(t, "a", "https://example.com")
	h.extractor.onCall = func() {
		cancelled := true
		require.NoError(t, h.items.Patch(context.Background(), "user-1", "a", bookmark.Patch{Cancelled: &cancelled}))
	}

	res, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, bookmark.StatusCancelled, res.Status)

	item, ok := h.items.Get(context.Background(), "user-1", "a")
	require.True(t, ok)
	assert.True(t, item.Cancelled)
	assert.Equal(t, bookmark.StatusCancelled, item.Status)
	assert.Equal(t, bookmark.StepCancelled, item.ProcessingStep)
	require.NotNil(t, item.CancelledAt)
	assert.True(t, t0.Equal(*item.CancelledAt))
}

func TestRunDropsBookmarkWhenCancelledWhilePersisting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	job := h.submit(t, "a", "https://example.com")
	h.objects.onBookmarkWrite(func() {
		require.NoError(t, h.items.Cancel(context.Background(), "user-1", "a", t0))
	})

	res, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, bookmark.StatusCancelled, res.Status)

	item, ok := h.items.Get(context.Background(), "user-1", "a")
	require.True(t, ok)
	assert.Equal(t, bookmark.StatusCancelled, item.Status)
	assert.Empty(t, h.bookmarks.List(context.Background(), "user-1"))
	events := h.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, bookmark.StatusCancelled, events[0].Status)
}

func TestRunLeavesItemLoadingWhenContextEnds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{FetchTimeout: time.Minute}, nil)
	job := h.submit(t, "a", "https://example.com")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.extractor.block = true
	h.extractor.onCall = cancel

	_, err := h.orch.Run(ctx, job)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	var stageErr *bookmark.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, bookmark.StepScraping, stageErr.Stage)

	item, ok := h.items.Get(context.Background(), "user-1", "a")
	require.True(t, ok)
	assert.Equal(t, bookmark.StatusLoading, item.Status)
	assert.Equal(t, bookmark.StepScraping, item.ProcessingStep)
	assert.Empty(t, item.Error)
	assert.Empty(t, h.publisher.Events())
}

func TestRunMarksErrorWhenFetchTimesOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{FetchTimeout: 20 * time.Millisecond}, nil)
	job := h.submit(t, "a", "https://slow.example")
	h.extractor.block = true

	res, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, bookmark.StatusError, res.Status)
	assert.NotEmpty(t, res.Error)

	item, ok := h.items.Get(context.Background(), "user-1", "a")
	require.True(t, ok)
	assert.Equal(t, bookmark.StatusError, item.Status)
	assert.Equal(t, bookmark.StepError, item.ProcessingStep)
	assert.Contains(t, item.Error, context.DeadlineExceeded.Error())
	assert.Empty(t, h.bookmarks.List(context.Background(), "user-1"))
}

func TestRunTreatsMissingItemAsCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	res, err := h.orch.Run(context.Background(), bookmark.Job{ID: "gone", UserID: "user-1", URL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, bookmark.StatusCancelled, res.Status)
	assert.Zero(t, h.extractor.callCount())
}

func TestRunIsNoopForTerminalItems(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	job := h.submit(t, "a", "https://example.com")

	_, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)
	res, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	assert.Equal(t, bookmark.StatusComplete, res.Status)
	assert.Equal(t, 1, h.extractor.callCount())
	assert.Len(t, h.bookmarks.List(context.Background(), "user-1"), 1)
	assert.Len(t, h.publisher.Events(), 1)
}

func TestRunRetryReusesMemoizedStages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.extractor.result.Tags = nil
	job := h.submit(t, "a", "https://example.com")

	h.objects.setFail(true)
	_, err := h.orch.Run(context.Background(), job)
	require.Error(t, err)
	require.ErrorIs(t, err, bookmark.ErrStoreFailure)
	var stageErr *bookmark.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, bookmark.StepPersisting, stageErr.Stage)

	item, _ := h.items.Get(context.Background(), "user-1", "a")
	assert.Equal(t, bookmark.StatusLoading, item.Status)

	h.objects.setFail(false)
	res, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, bookmark.StatusComplete, res.Status)
	assert.Equal(t, 1, h.extractor.callCount())
	assert.Equal(t, 1, h.enricher.calls)
}

func TestRunEnrichesSparseMetadata(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.extractor.result.Tags = []string{"Go"}
	job := h.submit(t, "a", "https://example.com")

	_, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)

	item, _ := h.items.Get(context.Background(), "user-1", "a")
	assert.Equal(t, []string{"go", "examples", "docs"}, item.Tags)
	assert.Equal(t, 1, h.enricher.calls)
}

func TestRunEnrichmentFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.extractor.result.Tags = []string{"Go"}
	h.enricher.err = bookmark.ErrEnrichmentFailed
	job := h.submit(t, "a", "https://example.com")

	res, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, bookmark.StatusComplete, res.Status)

	item, _ := h.items.Get(context.Background(), "user-1", "a")
	assert.Equal(t, []string{"go"}, item.Tags)
}

func TestRunFallsBackToDomainTag(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, func(d *Deps) { d.Enricher = nil })
	h.extractor.result.Tags = nil
	h.extractor.result.Title = ""
	job := h.submit(t, "a", "https://www.example.com/post")

	_, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)

	item, _ := h.items.Get(context.Background(), "user-1", "a")
	assert.Equal(t, []string{"example.com"}, item.Tags)
	assert.Equal(t, "example.com", item.Title)
}

func TestRunStoresScreenshotAsThumbnailFallback(t *testing.T) {
	t.Parallel()

	png := []byte{0x89, 'P', 'N', 'G'}
	h := newHarness(t, Config{Screenshots: true}, func(d *Deps) {
		d.Screenshotter = fakeScreenshotter{png: png}
	})
	h.extractor.result.OGImage = ""
	job := h.submit(t, "a", "https://example.com")

	_, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)

	key := store.ScreenshotKey("user-1", "a")
	item, _ := h.items.Get(context.Background(), "user-1", "a")
	assert.Equal(t, key, item.Thumbnail)
	stored, err := h.objects.Read(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, png, stored)
}

func TestRunScreenshotFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Screenshots: true}, func(d *Deps) {
		d.Screenshotter = fakeScreenshotter{err: errors.New("chrome crashed")}
	})
	job := h.submit(t, "a", "https://example.com")

	res, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, bookmark.StatusComplete, res.Status)
}

func TestFailMarksItemErrored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	job := h.submit(t, "a", "https://example.com")

	res, err := h.orch.Fail(context.Background(), job, "gave up after 3 attempts")
	require.NoError(t, err)
	assert.Equal(t, bookmark.StatusError, res.Status)

	item, _ := h.items.Get(context.Background(), "user-1", "a")
	assert.Equal(t, "gave up after 3 attempts", item.Error)
	require.Len(t, h.publisher.Events(), 1)
	assert.Equal(t, bookmark.StatusError, h.publisher.Events()[0].Status)
}
