package inflight

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
	platformredis "github.com/JakeFAU/bookmark-pipeline/internal/platform/redis"
)

func exerciseGuard(t *testing.T, g bookmark.InFlight) {
	t.Helper()
	ctx := context.Background()
	key := Key("u1", "https://example.com")

	ok, err := g.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second acquire must be rejected")

	ok, err = g.Acquire(ctx, Key("u2", "https://example.com"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "other users are independent")

	require.NoError(t, g.Release(ctx, key))
	ok, err = g.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemory(t *testing.T) {
	t.Parallel()
	exerciseGuard(t, NewMemory())
}

func TestMemoryExpires(t *testing.T) {
	t.Parallel()

	g := NewMemory()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	ok, _ := g.Acquire(context.Background(), "k", time.Second)
	require.True(t, ok)
	now = now.Add(2 * time.Second)
	ok, _ = g.Acquire(context.Background(), "k", time.Second)
	require.True(t, ok)
}

func TestMemoryConcurrentAcquire(t *testing.T) {
	t.Parallel()

	g := NewMemory()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := g.Acquire(context.Background(), "k", time.Minute); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func TestRedis(t *testing.T) {
	client := platformredis.NewTestClient(t)
	exerciseGuard(t, NewRedis(client, "test"))
}
