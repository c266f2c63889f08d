package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore implements Store in process memory with an optional byte quota.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]string
	used  int64
	quota int64
}

// NewMemoryStore creates an in-memory store. A quota of zero or less means unlimited.
func NewMemoryStore(quota int64) *MemoryStore {
	return &MemoryStore{
		items: make(map[string]string),
		quota: quota,
	}
}

// GetItem implements Store.GetItem.
func (m *MemoryStore) GetItem(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// SetItem implements Store.SetItem.
func (m *MemoryStore) SetItem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	used := m.used + entrySize(key, value)
	if old, ok := m.items[key]; ok {
		used -= entrySize(key, old)
	}
	if m.quota > 0 && used > m.quota {
		return fmt.Errorf("set %q (%d of %d bytes): %w", key, used, m.quota, ErrQuotaExceeded)
	}

	m.items[key] = value
	m.used = used
	return nil
}

// RemoveItem implements Store.RemoveItem.
func (m *MemoryStore) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.items[key]; ok {
		m.used -= entrySize(key, old)
		delete(m.items, key)
	}
	return nil
}

// Keys implements Store.Keys.
func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Used returns the number of bytes currently counted against the quota.
func (m *MemoryStore) Used() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// GetStoragePath implements Describer.
func (m *MemoryStore) GetStoragePath() string {
	return "memory"
}
