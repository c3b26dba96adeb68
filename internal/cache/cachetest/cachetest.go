// Package cachetest builds cache managers backed by in-memory leveldb
// databases for tests.
package cachetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"go.uber.org/zap"

	"github.com/xenking/pricecompare/internal/cache"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Storage holds the databases behind the durable tiers. Managers created
// from the same Storage share durable data but not Tier-1, which is how a
// process restart looks to the cache.
type Storage struct {
	keys    *leveldb.DB
	objects *leveldb.DB
}

// NewStorage opens empty in-memory databases, closed when the test ends.
func NewStorage(t testing.TB) *Storage {
	t.Helper()

	keys, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	objects, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = keys.Close()
		_ = objects.Close()
	})
	return &Storage{keys: keys, objects: objects}
}

// Manager creates a Manager over s. A nil clock uses time.Now. The Manager
// must not be disposed while other Managers still use s.
func (s *Storage) Manager(t testing.TB, clock *Clock) *cache.Manager {
	t.Helper()

	objects, err := cache.NewObjectStore(context.Background(), cache.NewLevelDBBackend(s.objects), 64, zap.NewNop())
	require.NoError(t, err)

	cfg := cache.Config{}
	if clock != nil {
		cfg.Now = clock.Now
	}
	m, err := cache.NewManager(cfg, cache.NewMemoryStore(0), cache.NewKeyStore(s.keys), objects, zap.NewNop(), nil)
	require.NoError(t, err)
	return m
}

// New returns a Manager over fresh in-memory storage.
func New(t testing.TB, clock *Clock) *cache.Manager {
	t.Helper()
	return NewStorage(t).Manager(t, clock)
}
