// Package blobstore provides the durable key/value storage the action queue
// and entity cache serialize their full state into.
package blobstore

import (
	"context"
	"errors"
	"sync"
)

// Store is a durable string blob store keyed by name.
type Store interface {
	// ReadBlob returns the stored value and whether the key exists.
	ReadBlob(ctx context.Context, key string) (string, bool, error)
	WriteBlob(ctx context.Context, key, value string) error
	RemoveBlob(ctx context.Context, key string) error
	RemoveBlobs(ctx context.Context, keys []string) error
}

// ErrClosed is returned by a store that has been closed.
var ErrClosed = errors.New("blob store closed")

// Memory is an in-process Store. Writes can be made to fail for testing the
// storage-failure paths of callers.
type Memory struct {
	mu       sync.Mutex
	blobs    map[string]string
	writeErr error
	writes   int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string]string)}
}

// FailWrites makes every subsequent write and remove return err.
// Pass nil to restore normal behavior.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// Writes returns the number of successful writes.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) ReadBlob(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.blobs[key]
	return v, ok, nil
}

func (m *Memory) WriteBlob(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.blobs[key] = value
	m.writes++
	return nil
}

func (m *Memory) RemoveBlob(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	delete(m.blobs, key)
	return nil
}

func (m *Memory) RemoveBlobs(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	for _, k := range keys {
		delete(m.blobs, k)
	}
	return nil
}
