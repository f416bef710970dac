package blob

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
	"github.com/JakeFAU/bookmark-pipeline/internal/storage/memory"
)

// plainStore is an ObjectStore without compare-and-swap.
type plainStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	readErr  error
	writeErr error
}

func newPlainStore() *plainStore {
	return &plainStore{data: map[string][]byte{}}
}

func (p *plainStore) Read(_ context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return nil, p.readErr
	}
	data, ok := p.data[key]
	if !ok {
		return nil, bookmark.ErrNotFound
	}
	return data, nil
}

func (p *plainStore) Write(_ context.Context, key string, _ string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return p.writeErr
	}
	p.data[key] = data
	return nil
}

// conflictingStore fails the first n updates with a version conflict.
type conflictingStore struct {
	*memory.BlobStore
	conflicts int
	calls     int
}

func (c *conflictingStore) Update(
	ctx context.Context,
	key, contentType string,
	fn func([]byte) ([]byte, error),
) error {
	c.calls++
	if c.calls <= c.conflicts {
		return bookmark.ErrVersionConflict
	}
	return c.BlobStore.Update(ctx, key, contentType, fn)
}

func TestGetJSONAbsentOnErrors(t *testing.T) {
	t.Parallel()

	objects := newPlainStore()
	store := New(objects, zap.NewNop())
	ctx := context.Background()

	var got []string
	require.False(t, store.GetJSON(ctx, "missing", &got))

	objects.data["corrupt"] = []byte("{not json")
	require.False(t, store.GetJSON(ctx, "corrupt", &got))

	objects.readErr = errors.New("backend unreachable")
	require.False(t, store.GetJSON(ctx, "corrupt", &got))
}

func TestPutJSONWrapsStoreFailure(t *testing.T) {
	t.Parallel()

	objects := newPlainStore()
	objects.writeErr = errors.New("disk full")
	store := New(objects, nil)

	err := store.PutJSON(context.Background(), "k", []string{"a"})
	require.ErrorIs(t, err, bookmark.ErrStoreFailure)
	require.ErrorContains(t, err, "disk full")
}

func TestPutThenGet(t *testing.T) {
	t.Parallel()

	store := New(memory.NewBlobStore(), nil)
	ctx := context.Background()
	require.NoError(t, store.PutJSON(ctx, "k", []string{"a", "b"}))

	var got []string
	require.True(t, store.GetJSON(ctx, "k", &got))
	require.Equal(t, []string{"a", "b"}, got)
	require.True(t, store.Versioned())
}

func TestUpdateWithoutVersioning(t *testing.T) {
	t.Parallel()

	store := New(newPlainStore(), nil)
	ctx := context.Background()
	require.False(t, store.Versioned())

	for i := 0; i < 3; i++ {
		err := Update(ctx, store, "k", func(cur []int) ([]int, error) {
			return append(cur, len(cur)), nil
		})
		require.NoError(t, err)
	}
	var got []int
	require.True(t, store.GetJSON(ctx, "k", &got))
	require.Equal(t, []int{0, 1, 2}, got)
}

func TestUpdateRetriesOnConflict(t *testing.T) {
	t.Parallel()

	objects := &conflictingStore{BlobStore: memory.NewBlobStore(), conflicts: 2}
	store := New(objects, nil)

	err := Update(context.Background(), store, "k", func(cur []int) ([]int, error) {
		return append(cur, 1), nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, objects.calls)
}

func TestUpdateGivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	objects := &conflictingStore{BlobStore: memory.NewBlobStore(), conflicts: 100}
	store := New(objects, nil)

	err := Update(context.Background(), store, "k", func(cur []int) ([]int, error) {
		return cur, nil
	})
	require.ErrorIs(t, err, bookmark.ErrStoreFailure)
	require.ErrorIs(t, err, bookmark.ErrVersionConflict)
	require.Equal(t, DefaultUpdateAttempts, objects.calls)
}

func TestUpdateNoChangeSkipsWrite(t *testing.T) {
	t.Parallel()

	objects := memory.NewBlobStore()
	store := New(objects, nil)

	err := Update(context.Background(), store, "k", func(cur []int) ([]int, error) {
		return nil, ErrNoChange
	})
	require.NoError(t, err)
	require.Equal(t, 0, objects.Len())
}

func TestUpdateCallbackErrorPassesThrough(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	store := New(memory.NewBlobStore(), nil)
	err := Update(context.Background(), store, "k", func(cur []int) ([]int, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, bookmark.ErrStoreFailure)
}
