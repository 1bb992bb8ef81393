// Package redisstore is a BlobStore backed by Redis string keys. SET replaces
// a value atomically, which is all the BlobStore contract asks for.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/snehjoshi/courier/internal/storage"
)

// Store is a storage.BlobStore on top of a go-redis client.
type Store struct {
	client *redis.Client
	prefix string
	owned  bool
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key, e.g. "courier:".
func WithPrefix(p string) Option { return func(s *Store) { s.prefix = p } }

// New wraps an existing client. The caller keeps ownership; Close does not
// close it.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: "courier:"}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open parses a redis:// URL, pings the server and returns a Store that owns
// the connection.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	client := redis.NewClient(o)

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", o.Addr, err)
	}

	s := New(client, opts...)
	s.owned = true
	return s, nil
}

func (s *Store) key(k string) string { return s.prefix + k }

// WriteBlob implements storage.BlobStore.
func (s *Store) WriteBlob(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", key, mapErr(err))
	}
	return nil
}

// ReadBlob implements storage.BlobStore.
func (s *Store) ReadBlob(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get %s: %w", key, mapErr(err))
	}
	return b, nil
}

// DeleteBlob implements storage.BlobStore.
func (s *Store) DeleteBlob(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redisstore: del %s: %w", key, mapErr(err))
	}
	return nil
}

// Close closes the client when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func mapErr(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return storage.ErrClosed
	}
	return err
}

var _ storage.BlobStore = (*Store)(nil)
