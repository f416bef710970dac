package redisstream

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
	platformredis "github.com/JakeFAU/bookmark-pipeline/internal/platform/redis"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	job := bookmark.Job{ID: "id-1", UserID: "u1", URL: "https://example.com", Attempt: 2, Submitted: 1700000000}
	values := map[string]any{}
	for k, v := range encode(job) {
		// Redis hands every field back as a string.
		values[k] = fmt.Sprint(v)
	}
	got, err := decode(goredis.XMessage{ID: "1-0", Values: values})
	require.NoError(t, err)
	require.Equal(t, job, got)

	delete(values, "user_id")
	_, err = decode(goredis.XMessage{ID: "1-0", Values: values})
	require.ErrorContains(t, err, "missing field user_id")

	values["user_id"] = "u1"
	values["attempt"] = "two"
	_, err = decode(goredis.XMessage{ID: "1-0", Values: values})
	require.ErrorContains(t, err, "invalid attempt")
}

func TestQueueRoundTrip(t *testing.T) {
	client := platformredis.NewTestClient(t)
	ctx := context.Background()
	q, err := New(ctx, client, Config{Stream: "test:jobs", Block: 100 * time.Millisecond}, nil)
	require.NoError(t, err)

	job := bookmark.Job{ID: "id-1", UserID: "u1", URL: "https://example.com", Submitted: 1}
	require.NoError(t, q.Enqueue(ctx, job))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, job, got)
	require.NoError(t, q.Ack(ctx, got))

	pending, err := client.XPending(ctx, "test:jobs", "bookmarkd-workers").Result()
	require.NoError(t, err)
	require.Zero(t, pending.Count)

	dctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(dctx)
	require.Error(t, err)
}

func TestQueueReclaimsIdleEntries(t *testing.T) {
	client := platformredis.NewTestClient(t)
	ctx := context.Background()
	cfg := Config{Stream: "test:reclaim", Block: 100 * time.Millisecond, ClaimIdle: 50 * time.Millisecond}

	crashed, err := New(ctx, client, Config{Stream: cfg.Stream, Consumer: "crashed", Block: cfg.Block}, nil)
	require.NoError(t, err)
	require.NoError(t, crashed.Enqueue(ctx, bookmark.Job{ID: "id-2", UserID: "u1", URL: "https://example.com"}))
	_, err = crashed.Dequeue(ctx)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	cfg.Consumer = "survivor"
	survivor, err := New(ctx, client, cfg, nil)
	require.NoError(t, err)
	got, err := survivor.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "id-2", got.ID)
	require.NoError(t, survivor.Ack(ctx, got))
}
