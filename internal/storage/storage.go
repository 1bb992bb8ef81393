// Package storage defines the BlobStore abstraction used for queue snapshots
// and the dead-letter log.
//
// The queue and every layer above it interact with durable state only through
// this interface; the drivers live in subpackages (local, redisstore,
// postgres). Every driver must make WriteBlob an atomic overwrite: a crash
// during a write leaves either the previous blob or the new one, never a mix.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned by ReadBlob when no blob exists under the key.
var ErrNotFound = errors.New("storage: not found")

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("storage: closed")

// BlobStore persists opaque byte blobs under string keys.
// All methods must be safe for concurrent use.
type BlobStore interface {
	// WriteBlob replaces the blob stored under key.
	WriteBlob(ctx context.Context, key string, data []byte) error

	// ReadBlob returns the blob stored under key or ErrNotFound.
	ReadBlob(ctx context.Context, key string) ([]byte, error)

	// DeleteBlob removes key. Deleting a missing key is not an error.
	DeleteBlob(ctx context.Context, key string) error

	// Close releases the underlying handle.
	Close() error
}

// Memory is an in-process BlobStore. Nothing survives the process; it backs
// tests and the "memory" driver.
type Memory struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	closed bool
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// WriteBlob implements BlobStore.
func (m *Memory) WriteBlob(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.blobs[key] = append([]byte(nil), data...)
	return nil
}

// ReadBlob implements BlobStore.
func (m *Memory) ReadBlob(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	b, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// DeleteBlob implements BlobStore.
func (m *Memory) DeleteBlob(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.blobs, key)
	return nil
}

// Keys returns the stored keys in lexical order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.blobs))
	for k := range m.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close implements BlobStore.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ BlobStore = (*Memory)(nil)
