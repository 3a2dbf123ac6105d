package storage

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// MemoryStore is an in-process Store, suitable for tests and for
// single-instance deployments that do not need tokens to survive restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	record *TokenRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context) (*TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.record == nil {
		return nil, trace.NotFound("no token record stored")
	}
	record := *s.record
	return &record, nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, record *TokenRecord) error {
	if err := record.Check(); err != nil {
		return trace.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	s.record = &copied
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = nil
	return nil
}

var _ Store = (*MemoryStore)(nil)

type cacheEntry struct {
	record    TokenRecord
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache for token records.
type MemoryCache struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewMemoryCache creates a cache using the given clock.
func NewMemoryCache(clock clockwork.Clock) *MemoryCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryCache{
		clock:   clock,
		entries: make(map[string]cacheEntry),
	}
}

// Put implements Cache.
func (c *MemoryCache) Put(ctx context.Context, key string, record *TokenRecord, ttl time.Duration) error {
	if err := record.Check(); err != nil {
		return trace.Wrap(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{
		record:    *record,
		expiresAt: c.clock.Now().Add(ttl),
	}
	return nil
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, key string) (*TokenRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, trace.NotFound("cache entry %q not found", key)
	}
	if !entry.expiresAt.After(c.clock.Now()) {
		delete(c.entries, key)
		return nil, trace.NotFound("cache entry %q expired", key)
	}
	record := entry.record
	return &record, nil
}

// Forget implements Cache.
func (c *MemoryCache) Forget(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

var _ Cache = (*MemoryCache)(nil)
