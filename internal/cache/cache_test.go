package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingBackend records how often the object backend is read.
type countingBackend struct {
	Backend
	mu   sync.Mutex
	gets int
}

func (b *countingBackend) Get(ctx context.Context, key string) (Record, error) {
	b.mu.Lock()
	b.gets++
	b.mu.Unlock()
	return b.Backend.Get(ctx, key)
}

func memDB(t *testing.T) *leveldb.DB {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	return db
}

type testTiers struct {
	keysDB    *leveldb.DB
	objectsDB *leveldb.DB
	backend   *countingBackend
}

func newTestTiers(t *testing.T) *testTiers {
	t.Helper()
	tiers := &testTiers{keysDB: memDB(t), objectsDB: memDB(t)}
	tiers.backend = &countingBackend{Backend: NewLevelDBBackend(tiers.objectsDB)}
	t.Cleanup(func() {
		_ = tiers.keysDB.Close()
		_ = tiers.objectsDB.Close()
	})
	return tiers
}

func (tt *testTiers) manager(t *testing.T, clock *fakeClock, maxObjects int) *Manager {
	t.Helper()
	objects, err := NewObjectStore(context.Background(), tt.backend, maxObjects, zap.NewNop())
	require.NoError(t, err)

	routes := DefaultRoutes()
	routes["session"] = Route{Tier: TierMemory, TTL: time.Minute}
	m, err := NewManager(Config{Routes: routes, Now: clock.Now},
		NewMemoryStore(0), NewKeyStore(tt.keysDB), objects, zap.NewNop(), nil)
	require.NoError(t, err)
	return m
}

func TestManager_TTLPerTier(t *testing.T) {
	tests := []struct {
		name string
		key  string
		ttl  time.Duration
	}{
		{name: "memory tier", key: "session", ttl: time.Minute},
		{name: "key tier", key: KeyLastCatalogUpdate, ttl: 12 * time.Hour},
		{name: "object tier", key: KeyComparisonState, ttl: time.Hour},
		{name: "unrouted key", key: "flag", ttl: 10 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			m := newTestTiers(t).manager(t, clock, 0)

			require.NoError(t, Set(ctx, m, tt.key, "value", 0))

			got, ok := Get[string](ctx, m, tt.key)
			require.True(t, ok)
			assert.Equal(t, "value", got)

			clock.Advance(tt.ttl - time.Nanosecond)
			got, ok = Get[string](ctx, m, tt.key)
			require.True(t, ok, "entry must be live just before its TTL")
			assert.Equal(t, "value", got)

			clock.Advance(time.Nanosecond)
			_, ok = Get[string](ctx, m, tt.key)
			assert.False(t, ok, "entry must be gone once now >= storedAt+ttl")
		})
	}
}

func TestManager_ExplicitTTLOverridesRoute(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestTiers(t).manager(t, clock, 0)

	require.NoError(t, Set(ctx, m, KeyComparisonState, 42, 5*time.Second))
	clock.Advance(5 * time.Second)

	_, ok := Get[int](ctx, m, KeyComparisonState)
	assert.False(t, ok)
}

func TestManager_PromotesDurableHit(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestTiers(t).manager(t, clock, 0)

	require.NoError(t, Set(ctx, m, KeyCatalog, []string{"a", "b"}, 0))
	m.memory.Flush()

	got, ok := Get[[]string](ctx, m, KeyCatalog)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, got)

	_, ok = Get[[]string](ctx, m, KeyCatalog)
	require.True(t, ok)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.ObjectHits)
	assert.Equal(t, uint64(1), stats.MemoryHits)
	assert.Equal(t, uint64(1), stats.Promotions)
}

func TestManager_PromotedEntryKeepsOriginalExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestTiers(t).manager(t, clock, 0)

	require.NoError(t, Set(ctx, m, KeyComparisonState, "snap", 0))
	m.memory.Flush()

	clock.Advance(30 * time.Minute)
	_, ok := Get[string](ctx, m, KeyComparisonState)
	require.True(t, ok)

	clock.Advance(30 * time.Minute)
	_, ok = Get[string](ctx, m, KeyComparisonState)
	assert.False(t, ok, "promotion must not extend the entry's lifetime")
}

func TestManager_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tiers := newTestTiers(t)

	first := tiers.manager(t, clock, 0)
	require.NoError(t, Set(ctx, first, KeyLastCatalogUpdate, clock.Now(), 0))
	require.NoError(t, Set(ctx, first, KeyCatalog, map[string]int{"x": 1}, 0))
	require.NoError(t, Set(ctx, first, "session", "gone", 0))

	second := tiers.manager(t, clock, 0)

	ts, ok := Get[time.Time](ctx, second, KeyLastCatalogUpdate)
	require.True(t, ok)
	assert.True(t, ts.Equal(clock.Now()))

	cat, ok := Get[map[string]int](ctx, second, KeyCatalog)
	require.True(t, ok)
	assert.Equal(t, map[string]int{"x": 1}, cat)

	_, ok = Get[string](ctx, second, "session")
	assert.False(t, ok, "memory-only keys do not survive a restart")
}

func TestManager_ExpiredDurableEntryIsRemoved(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tiers := newTestTiers(t)
	m := tiers.manager(t, clock, 0)

	require.NoError(t, Set(ctx, m, KeyComparisonState, "snap", 0))
	require.NoError(t, Set(ctx, m, KeyLastBackendCheck, true, 0))
	clock.Advance(2 * time.Hour)

	_, ok := Get[string](ctx, m, KeyComparisonState)
	assert.False(t, ok)
	_, ok = Get[bool](ctx, m, KeyLastBackendCheck)
	assert.False(t, ok)

	_, err := tiers.backend.Backend.Get(ctx, KeyComparisonState)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.keys.Get(KeyLastBackendCheck)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, uint64(2), m.Stats().Expired)
}

func TestManager_NoMemoryRoute(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestTiers(t).manager(t, clock, 0)

	require.NoError(t, Set(ctx, m, KeyCatalogBackup, []int{1, 2, 3}, 0))
	assert.Equal(t, 0, m.memory.Len())

	got, ok := Get[[]int](ctx, m, KeyCatalogBackup)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 0, m.memory.Len(), "reads must not promote no-memory keys")
}

func TestManager_TypeMismatchIsAMiss(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestTiers(t).manager(t, clock, 0)

	require.NoError(t, Set(ctx, m, KeyComparisonState, "not a number", 0))

	_, ok := Get[int](ctx, m, KeyComparisonState)
	assert.False(t, ok)
}

func TestManager_RemoveAndClear(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestTiers(t).manager(t, clock, 0)

	require.NoError(t, Set(ctx, m, KeyCatalog, "c", 0))
	require.NoError(t, Set(ctx, m, KeyLastCatalogUpdate, "t", 0))

	m.Remove(ctx, KeyCatalog)
	_, ok := Get[string](ctx, m, KeyCatalog)
	assert.False(t, ok)
	_, ok = Get[string](ctx, m, KeyLastCatalogUpdate)
	assert.True(t, ok)

	m.Clear(ctx)
	_, ok = Get[string](ctx, m, KeyLastCatalogUpdate)
	assert.False(t, ok)
}

func TestManager_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestTiers(t).manager(t, clock, 0)

	require.NoError(t, Set(ctx, m, KeyCatalog, "first", 0))
	require.NoError(t, Set(ctx, m, KeyCatalog, "second", 0))
	m.memory.Flush()

	got, ok := Get[string](ctx, m, KeyCatalog)
	require.True(t, ok)
	assert.Equal(t, "second", got)
}

func TestManager_Cleanup(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tiers := newTestTiers(t)
	m := tiers.manager(t, clock, 0)

	require.NoError(t, Set(ctx, m, KeyComparisonState, "snap", 0))
	require.NoError(t, Set(ctx, m, KeyCatalog, "cat", 0))
	require.NoError(t, Set(ctx, m, KeyLastBackendCheck, true, 0))
	require.NoError(t, Set(ctx, m, KeyLastCatalogUpdate, "t", 0))

	clock.Advance(2 * time.Hour)
	m.Cleanup(ctx)

	n, err := m.objects.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the 24h catalog should remain")

	_, err = m.keys.Get(KeyLastBackendCheck)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.keys.Get(KeyLastCatalogUpdate)
	assert.NoError(t, err)
}

func TestManager_InitDispose(t *testing.T) {
	clock := newFakeClock()
	m := newTestTiers(t).manager(t, clock, 0)

	m.Init(context.Background())
	m.Init(context.Background())
	require.NoError(t, m.Dispose())
}

func TestManager_Ping(t *testing.T) {
	tiers := newTestTiers(t)
	m := tiers.manager(t, newFakeClock(), 0)

	require.NoError(t, m.Ping(context.Background()))
	require.NoError(t, tiers.objectsDB.Close())
	assert.Error(t, m.Ping(context.Background()))
}

func TestObjectStore_EvictsLeastRecentlyAccessed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tiers := newTestTiers(t)
	m := tiers.manager(t, clock, 2)
	for _, key := range []string{"a", "b", "c"} {
		m.routes[key] = Route{Tier: TierObject, TTL: time.Hour}
	}

	require.NoError(t, Set(ctx, m, "a", 1, 0))
	clock.Advance(time.Second)
	require.NoError(t, Set(ctx, m, "b", 2, 0))
	clock.Advance(time.Second)

	// Reading "a" from the object tier refreshes its access time.
	m.memory.Flush()
	_, ok := Get[int](ctx, m, "a")
	require.True(t, ok)
	clock.Advance(time.Second)

	require.NoError(t, Set(ctx, m, "c", 3, 0))

	_, err := tiers.backend.Backend.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound, "b was least recently accessed")
	_, err = tiers.backend.Backend.Get(ctx, "a")
	assert.NoError(t, err)
	_, err = tiers.backend.Backend.Get(ctx, "c")
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), m.Stats().Evictions)
}

func TestObjectStore_FilterSkipsUnknownKeys(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tiers := newTestTiers(t)
	m := tiers.manager(t, clock, 0)

	_, ok := Get[string](ctx, m, KeyComparisonState)
	assert.False(t, ok)
	assert.Equal(t, 0, tiers.backend.gets)

	require.NoError(t, Set(ctx, m, KeyComparisonState, "snap", 0))
	m.memory.Flush()
	_, ok = Get[string](ctx, m, KeyComparisonState)
	assert.True(t, ok)
	assert.Equal(t, 1, tiers.backend.gets)
}

func TestObjectStore_CompressesPayload(t *testing.T) {
	ctx := context.Background()
	tiers := newTestTiers(t)
	s, err := NewObjectStore(ctx, tiers.backend, 0, zap.NewNop())
	require.NoError(t, err)

	payload := []byte(`{"items":["aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"]}`)
	now := time.Now()
	require.NoError(t, s.Put(ctx, Record{Key: "k", Data: payload, StoredAt: now, TTL: time.Hour}))

	raw, err := tiers.backend.Backend.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotEqual(t, payload, raw.Data)

	rec, err := s.Get(ctx, "k", now)
	require.NoError(t, err)
	assert.Equal(t, payload, rec.Data)
}

func TestLevelDBBackend_TouchKeepsLatestPut(t *testing.T) {
	ctx := context.Background()
	b := NewLevelDBBackend(memDB(t))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	put := func(i int) Record {
		rec := Record{
			Key:      "k",
			Type:     "catalog",
			Data:     []byte{byte(i)},
			StoredAt: base.Add(time.Duration(i) * time.Second),
			TTL:      time.Duration(i+1) * time.Minute,
		}
		require.NoError(t, b.Put(ctx, rec))
		return rec
	}
	put(0)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				_ = b.Touch(ctx, "k", base.Add(time.Hour))
				if rec, err := b.Get(ctx, "k"); err == nil {
					// Metadata and payload always come from the same Put.
					assert.True(t, base.Add(time.Duration(rec.Data[0])*time.Second).Equal(rec.StoredAt))
				}
			}
		}()
	}

	var last Record
	for i := 1; i < 200; i++ {
		last = put(i)
	}
	close(done)
	wg.Wait()

	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, last.Data, got.Data)
	assert.True(t, last.StoredAt.Equal(got.StoredAt))
	assert.Equal(t, last.TTL, got.TTL)

	require.NoError(t, b.Delete(ctx, "k"))
	require.ErrorIs(t, b.Touch(ctx, "k", base), ErrNotFound)
	_, err = b.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}
