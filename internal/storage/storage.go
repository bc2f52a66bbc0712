// Package storage provides the synchronous key-value string store the
// repository persists into.
package storage

import "sync"

type Storage interface {
	// GetItem returns the stored value and whether the key exists.
	GetItem(key string) (string, bool)
	SetItem(key, value string) error
}

// Memory is a map-backed Storage.
type Memory struct {
	mu    sync.Mutex
	items map[string]string
}

func NewMemory(items map[string]string) *Memory {
	m := &Memory{items: make(map[string]string, len(items))}
	for k, v := range items {
		m.items[k] = v
	}
	return m
}

func (m *Memory) GetItem(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok
}

func (m *Memory) SetItem(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	return nil
}
