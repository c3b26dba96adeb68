package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is the Tier-1 cache: a process-lifetime map with no I/O.
//
// Entries are handed to go-cache with their remaining TTL, so its janitor
// drops them proactively; Manager additionally checks liveness on every read
// against its own clock.
type MemoryStore struct {
	items *gocache.Cache
}

// NewMemoryStore creates a MemoryStore whose janitor sweeps expired entries
// every cleanupInterval. A non-positive interval disables the janitor.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{items: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

// Get returns the stored entry for key.
func (s *MemoryStore) Get(key string) (Entry[any], bool) {
	v, ok := s.items.Get(key)
	if !ok {
		return Entry[any]{}, false
	}
	e, ok := v.(Entry[any])
	return e, ok
}

// Set stores e under key for at most remaining, replacing any previous entry.
func (s *MemoryStore) Set(key string, e Entry[any], remaining time.Duration) {
	if remaining <= 0 {
		s.items.Delete(key)
		return
	}
	s.items.Set(key, e, remaining)
}

// Delete removes key.
func (s *MemoryStore) Delete(key string) {
	s.items.Delete(key)
}

// Flush removes every entry.
func (s *MemoryStore) Flush() {
	s.items.Flush()
}

// Len returns the number of entries, including ones not yet swept.
func (s *MemoryStore) Len() int {
	return s.items.ItemCount()
}
