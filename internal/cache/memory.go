package cache

import "sync"

// Memory is a thread-safe in-memory map. It has no eviction policy and no
// expiry: only keys that were successfully produced upstream are ever
// inserted, so its size is bounded by the distinct questions a process serves.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemory creates an empty process-local cache.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

// Get returns the cached value for key.
func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (m *Memory) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
}

// Delete removes an entry from the cache.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

// Len returns the number of entries currently in the cache.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Clear removes all entries from the cache.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]string)
}
