package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage implements Storage in process memory.
type MemoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryCache
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{stores: make(map[string]*memoryCache)}
}

// Open returns the named store, creating it if needed.
func (s *MemoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.stores[name]
	if !ok {
		c = &memoryCache{name: name, entries: make(map[Key]*Entry)}
		s.stores[name] = c
	}
	return c, nil
}

// Has reports whether the named store exists.
func (s *MemoryStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stores[name]
	return ok, nil
}

// Keys returns the store names, sorted.
func (s *MemoryStorage) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the named store. Handles to it are emptied and reject writes.
func (s *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.stores[name]
	if !ok {
		return false, nil
	}
	delete(s.stores, name)

	c.mu.Lock()
	c.deleted = true
	c.entries = make(map[Key]*Entry)
	c.mu.Unlock()
	return true, nil
}

type memoryCache struct {
	name    string
	mu      sync.RWMutex
	entries map[Key]*Entry
	deleted bool
}

// Name returns the store name.
func (c *memoryCache) Name() string { return c.name }

// Match returns a copy of the entry stored under key, or nil.
func (c *memoryCache) Match(ctx context.Context, key Key) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[key].Clone(), nil
}

// Put stores a copy of entry.
func (c *memoryCache) Put(ctx context.Context, entry *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return ErrStoreDeleted
	}
	c.entries[entry.Key] = entry.Clone()
	return nil
}

// PutAll stores copies of entries under one lock.
func (c *memoryCache) PutAll(ctx context.Context, entries []*Entry) error {
	cloned := make([]*Entry, len(entries))
	for i, e := range entries {
		cloned[i] = e.Clone()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return ErrStoreDeleted
	}
	for _, e := range cloned {
		c.entries[e.Key] = e
	}
	return nil
}

// Delete removes the entry stored under key.
func (c *memoryCache) Delete(ctx context.Context, key Key) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

// Keys returns the stored keys, sorted.
func (c *memoryCache) Keys(ctx context.Context) ([]Key, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys, nil
}
