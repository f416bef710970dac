// Package redis opens the shared go-redis client used by the Redis-backed
// object store, queue, in-flight guard and step memo.
package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"
)

// TestAddrEnv names the variable that enables Redis-backed tests.
const TestAddrEnv = "BOOKMARKD_TEST_REDIS_ADDR"

// Options holds connection settings.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, opts Options) (*goredis.Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewTestClient returns a client for the Redis named by TestAddrEnv, skipping
// the test when it is unset. The selected DB is flushed on cleanup.
func NewTestClient(t testing.TB) *goredis.Client {
	t.Helper()
	addr := os.Getenv(TestAddrEnv)
	if addr == "" {
		t.Skipf("%s not set", TestAddrEnv)
	}
	client, err := New(context.Background(), Options{Addr: addr, DB: 15})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}
