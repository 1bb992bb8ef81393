// Package postgres is a BlobStore backed by a single Postgres table. Each
// write is one upsert statement, so a blob is always replaced atomically.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snehjoshi/courier/internal/storage"
)

// DefaultTable is used when no table name is given.
const DefaultTable = "courier_blobs"

// Store is a storage.BlobStore on a pgx pool.
type Store struct {
	pool  *pgxpool.Pool
	table string
	owned bool
}

// New wraps an existing pool. The caller keeps ownership of the pool.
func New(pool *pgxpool.Pool, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{pool: pool, table: table}
}

// Open connects to url and returns a Store that owns the pool.
func Open(ctx context.Context, url, table string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := New(pool, table)
	s.owned = true
	return s, nil
}

// Migrate creates the blob table when it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key        TEXT PRIMARY KEY,
		data       BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, pgx.Identifier{s.table}.Sanitize())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// WriteBlob implements storage.BlobStore.
func (s *Store) WriteBlob(ctx context.Context, key string, data []byte) error {
	q := fmt.Sprintf(`
		INSERT INTO %s (key, data, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`, pgx.Identifier{s.table}.Sanitize())
	if _, err := s.pool.Exec(ctx, q, key, data); err != nil {
		return fmt.Errorf("postgres: write %s: %w", key, err)
	}
	return nil
}

// ReadBlob implements storage.BlobStore.
func (s *Store) ReadBlob(ctx context.Context, key string) ([]byte, error) {
	q := fmt.Sprintf(`SELECT data FROM %s WHERE key = $1`, pgx.Identifier{s.table}.Sanitize())
	var data []byte
	err := s.pool.QueryRow(ctx, q, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: read %s: %w", key, err)
	}
	return data, nil
}

// DeleteBlob implements storage.BlobStore.
func (s *Store) DeleteBlob(ctx context.Context, key string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, pgx.Identifier{s.table}.Sanitize())
	if _, err := s.pool.Exec(ctx, q, key); err != nil {
		return fmt.Errorf("postgres: delete %s: %w", key, err)
	}
	return nil
}

// Close closes the pool when the store opened it.
func (s *Store) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

var _ storage.BlobStore = (*Store)(nil)
