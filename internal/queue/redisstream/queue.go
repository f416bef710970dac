// Package redisstream implements the job queue on a Redis Stream consumer
// group. Messages stay pending until acknowledged, and entries idle longer
// than ClaimIdle are reclaimed by another consumer, so a crashed worker's job
// is delivered again.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
)

// Config names the stream, group and consumer.
type Config struct {
	Stream    string
	DLQStream string
	Group     string
	Consumer  string
	// Block is how long one XREADGROUP call waits for new entries.
	Block time.Duration
	// ClaimIdle is how long an entry may stay unacknowledged before it is
	// reclaimed. Zero disables reclaiming.
	ClaimIdle time.Duration
}

// Queue implements bookmark.Queue and bookmark.Acker.
type Queue struct {
	client *goredis.Client
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]string
}

// New creates the consumer group if needed.
func New(ctx context.Context, client *goredis.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "bookmarkd:jobs"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = cfg.Stream + ":dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "bookmarkd-workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		client:  client,
		cfg:     cfg,
		logger:  logger.Named("redis_queue"),
		pending: make(map[string]string),
	}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue appends job to the stream.
func (q *Queue) Enqueue(ctx context.Context, job bookmark.Job) error {
	_, err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: encode(job),
	}).Result()
	if err != nil {
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	return nil
}

// Dequeue blocks until a job is available or ctx ends. The job stays pending
// in the group until Ack is called for it.
func (q *Queue) Dequeue(ctx context.Context) (bookmark.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return bookmark.Job{}, fmt.Errorf("dequeue canceled: %w", err)
		}

		msgs, err := q.reclaim(ctx)
		if err != nil {
			return bookmark.Job{}, err
		}
		if len(msgs) == 0 {
			msgs, err = q.read(ctx)
			if err != nil {
				return bookmark.Job{}, err
			}
		}
		for _, msg := range msgs {
			job, parseErr := decode(msg)
			if parseErr != nil {
				q.logger.Warn("dropping malformed stream entry", zap.String("stream_id", msg.ID), zap.Error(parseErr))
				_ = q.deadLetter(ctx, msg.ID, msg.Values, parseErr.Error())
				_ = q.ackID(ctx, msg.ID)
				continue
			}
			q.mu.Lock()
			q.pending[pendingKey(job)] = msg.ID
			q.mu.Unlock()
			return job, nil
		}
	}
}

// Ack acknowledges and deletes the stream entry job was read from.
func (q *Queue) Ack(ctx context.Context, job bookmark.Job) error {
	q.mu.Lock()
	id, ok := q.pending[pendingKey(job)]
	delete(q.pending, pendingKey(job))
	q.mu.Unlock()
	if !ok {
		return nil
	}
	return q.ackID(ctx, id)
}

// DeadLetter records job on the dead-letter stream with reason.
func (q *Queue) DeadLetter(ctx context.Context, job bookmark.Job, reason string) error {
	q.mu.Lock()
	id := q.pending[pendingKey(job)]
	q.mu.Unlock()
	return q.deadLetter(ctx, id, encode(job), reason)
}

func (q *Queue) read(ctx context.Context) ([]goredis.XMessage, error) {
	streams, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    1,
		Block:    q.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []goredis.XMessage
	for _, stream := range streams {
		out = append(out, stream.Messages...)
	}
	return out, nil
}

func (q *Queue) reclaim(ctx context.Context) ([]goredis.XMessage, error) {
	if q.cfg.ClaimIdle <= 0 {
		return nil, nil
	}
	msgs, _, err := q.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	return msgs, nil
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *Queue) ackID(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, q.cfg.Stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *Queue) deadLetter(ctx context.Context, streamID string, values map[string]any, reason string) error {
	entry := make(map[string]any, len(values)+3)
	for k, v := range values {
		entry[k] = v
	}
	entry["stream_id"] = streamID
	entry["error"] = reason
	entry["moved_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if err := q.client.XAdd(ctx, &goredis.XAddArgs{Stream: q.cfg.DLQStream, Values: entry}).Err(); err != nil {
		return fmt.Errorf("send to dlq: %w", err)
	}
	return nil
}

func pendingKey(job bookmark.Job) string {
	return job.ID + "#" + strconv.Itoa(job.Attempt)
}

func encode(job bookmark.Job) map[string]any {
	return map[string]any{
		"job_id":    job.ID,
		"user_id":   job.UserID,
		"url":       job.URL,
		"attempt":   job.Attempt,
		"submitted": job.Submitted,
	}
}

func decode(msg goredis.XMessage) (bookmark.Job, error) {
	get := func(key string) (string, error) {
		value, ok := msg.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch v := value.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		default:
			return fmt.Sprintf("%v", v), nil
		}
	}

	var job bookmark.Job
	var err error
	if job.ID, err = get("job_id"); err != nil {
		return bookmark.Job{}, err
	}
	if job.UserID, err = get("user_id"); err != nil {
		return bookmark.Job{}, err
	}
	if job.URL, err = get("url"); err != nil {
		return bookmark.Job{}, err
	}
	attempt, err := get("attempt")
	if err != nil {
		return bookmark.Job{}, err
	}
	if job.Attempt, err = strconv.Atoi(attempt); err != nil {
		return bookmark.Job{}, fmt.Errorf("invalid attempt: %w", err)
	}
	submitted, err := get("submitted")
	if err != nil {
		return bookmark.Job{}, err
	}
	if job.Submitted, err = strconv.ParseInt(submitted, 10, 64); err != nil {
		return bookmark.Job{}, fmt.Errorf("invalid submitted: %w", err)
	}
	return job, nil
}
