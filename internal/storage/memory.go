package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process store used for tests and ephemeral deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string]map[string]interface{}
	backends    map[string]map[string]interface{}
	cache       map[string]cacheEntry
	now         func() time.Time
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]map[string]interface{}),
		backends:    make(map[string]map[string]interface{}),
		cache:       make(map[string]cacheEntry),
		now:         time.Now,
	}
}

// WithNowFunc overrides the clock used for cache expiry (testing).
func (m *MemoryStore) WithNowFunc(now func() time.Time) *MemoryStore {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *MemoryStore) Initialize(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                         { return nil }
func (m *MemoryStore) Health(ctx context.Context) error     { return nil }

func (m *MemoryStore) GetCredential(ctx context.Context, name string) (map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.credentials[name]
	if !ok {
		return nil, &ErrNotFound{Key: name}
	}
	return copyMap(data), nil
}

func (m *MemoryStore) SetCredential(ctx context.Context, name string, data map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[name] = copyMap(data)
	return nil
}

func (m *MemoryStore) DeleteCredential(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.credentials, name)
	return nil
}

func (m *MemoryStore) ListCredentials(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.credentials))
	for name := range m.credentials {
		names = append(names, name)
	}
	return names, nil
}

func (m *MemoryStore) GetBackend(ctx context.Context, name string) (map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.backends[name]
	if !ok {
		return nil, &ErrNotFound{Key: name}
	}
	return copyMap(data), nil
}

func (m *MemoryStore) SetBackend(ctx context.Context, name string, data map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[name] = copyMap(data)
	return nil
}

func (m *MemoryStore) DeleteBackend(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backends, name)
	return nil
}

func (m *MemoryStore) ListBackends(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.backends))
	for name := range m.backends {
		names = append(names, name)
	}
	return names, nil
}

func (m *MemoryStore) GetCache(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[key]
	if !ok {
		return nil, &ErrNotFound{Key: key}
	}
	if m.now().After(entry.expiresAt) {
		delete(m.cache, key)
		return nil, &ErrNotFound{Key: key}
	}
	return append([]byte(nil), entry.value...), nil
}

func (m *MemoryStore) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[key] = cacheEntry{
		value:     append([]byte(nil), value...),
		expiresAt: m.now().Add(ttl),
	}
	return nil
}

func (m *MemoryStore) DeleteCache(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, key)
	return nil
}
