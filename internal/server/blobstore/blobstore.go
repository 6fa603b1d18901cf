// Package blobstore keeps large encrypted message bodies out of the
// database. Callers encrypt before Put; the store never sees plaintext.
package blobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/google/uuid"
)

// Store is an object store for ciphertext blobs.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// NewStorageKey returns a fresh object key for a body of accountID.
func NewStorageKey(accountID string) string {
	d := time.Now()
	return fmt.Sprintf("bodies/%s/%d/%02d/%v", accountID, d.Year(), d.Month(), uuid.New())
}

// Memory is a map-backed Store.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
