// Package local is the single-node BlobStore backed by a bbolt file.
//
// Each WriteBlob is one bbolt read-write transaction, so a blob is replaced
// atomically: a crash mid-write leaves the previously committed value in
// place.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/courier/internal/storage"
)

// FileName is the default database file inside the data directory.
const FileName = "courier.db"

var bucketBlobs = []byte("blobs")

// Options tune the bbolt handle.
type Options struct {
	// OpenTimeout bounds how long Open waits for the file lock held by another
	// process. Zero waits forever.
	OpenTimeout time.Duration

	// NoSync skips fsync after each commit. Only for tests.
	NoSync bool
}

// Store is a bbolt-backed storage.BlobStore.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the database at path.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("local: create dir: %w", err)
	}

	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: opts.OpenTimeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, fmt.Errorf("local: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("local: init bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// WriteBlob implements storage.BlobStore.
func (s *Store) WriteBlob(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("local: write %s: %w", key, mapErr(err))
	}
	return nil
}

// ReadBlob implements storage.BlobStore.
func (s *Store) ReadBlob(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(key))
		if v == nil {
			return storage.ErrNotFound
		}
		// v is only valid for the life of the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("local: read %s: %w", key, mapErr(err))
	}
	return out, nil
}

// DeleteBlob implements storage.BlobStore.
func (s *Store) DeleteBlob(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("local: delete %s: %w", key, mapErr(err))
	}
	return nil
}

// Keys lists every stored key in byte order.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, mapErr(err)
}

// Close closes the bbolt file.
func (s *Store) Close() error { return s.db.Close() }

func mapErr(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	return err
}

var _ storage.BlobStore = (*Store)(nil)
