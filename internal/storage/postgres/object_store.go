// Package postgres provides a Postgres-backed object store with per-key
// optimistic concurrency control.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for object rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ObjectStore keeps one row per key: (key, body, version, updated_at).
type ObjectStore struct {
	pool  pool
	table string
}

// New creates a Postgres-backed ObjectStore and ensures its table exists.
func New(ctx context.Context, cfg Config) (*ObjectStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*ObjectStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "objects"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ObjectStore{pool: p, table: table}, nil
}

// Migrate creates the backing table if needed.
func (s *ObjectStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	content_type TEXT NOT NULL DEFAULT '',
	body BYTEA NOT NULL,
	version BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ObjectStore) Close() {
	s.pool.Close()
}

// Read returns the body stored at key.
func (s *ObjectStore) Read(ctx context.Context, key string) ([]byte, error) {
	body, _, err := s.read(ctx, key)
	return body, err
}

// Write upserts the body at key and bumps its version.
func (s *ObjectStore) Write(ctx context.Context, key string, contentType string, data []byte) error {
	query := fmt.Sprintf(`INSERT INTO %s (key, content_type, body, version, updated_at)
VALUES ($1, $2, $3, 1, now())
ON CONFLICT (key) DO UPDATE SET content_type = EXCLUDED.content_type, body = EXCLUDED.body,
	version = %s.version + 1, updated_at = now()`, s.table, s.table)
	if _, err := s.pool.Exec(ctx, query, key, contentType, data); err != nil {
		return fmt.Errorf("upsert object %s: %w", key, err)
	}
	return nil
}

// Update applies fn and writes the result only if the row version is unchanged.
func (s *ObjectStore) Update(
	ctx context.Context,
	key string,
	contentType string,
	fn func([]byte) ([]byte, error),
) error {
	current, version, err := s.read(ctx, key)
	if err != nil && !errors.Is(err, bookmark.ErrNotFound) {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}

	var tag pgconn.CommandTag
	if version == 0 {
		query := fmt.Sprintf(`INSERT INTO %s (key, content_type, body, version, updated_at)
VALUES ($1, $2, $3, 1, now()) ON CONFLICT (key) DO NOTHING`, s.table)
		tag, err = s.pool.Exec(ctx, query, key, contentType, next)
	} else {
		query := fmt.Sprintf(`UPDATE %s SET body = $3, content_type = $2, version = version + 1, updated_at = now()
WHERE key = $1 AND version = $4`, s.table)
		tag, err = s.pool.Exec(ctx, query, key, contentType, next, version)
	}
	if err != nil {
		return fmt.Errorf("update object %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update object %s: %w", key, bookmark.ErrVersionConflict)
	}
	return nil
}

func (s *ObjectStore) read(ctx context.Context, key string) ([]byte, int64, error) {
	query := fmt.Sprintf(`SELECT body, version FROM %s WHERE key = $1`, s.table)
	var (
		body    []byte
		version int64
	)
	if err := s.pool.QueryRow(ctx, query, key).Scan(&body, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, fmt.Errorf("read %s: %w", key, bookmark.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("select object %s: %w", key, err)
	}
	return body, version, nil
}
