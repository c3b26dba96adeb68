package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// Config holds Manager settings.
type Config struct {
	// Routes maps keys to their owning tier and default TTL. Keys without a
	// route are kept in the key tier with DefaultTTL.
	Routes     map[string]Route
	DefaultTTL time.Duration
	// CleanupInterval is the period of the background sweep started by Init.
	CleanupInterval time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Stats is a snapshot of Manager counters.
type Stats struct {
	MemoryHits uint64 `json:"memoryHits"`
	KeyHits    uint64 `json:"keyHits"`
	ObjectHits uint64 `json:"objectHits"`
	Misses     uint64 `json:"misses"`
	Expired    uint64 `json:"expired"`
	Promotions uint64 `json:"promotions"`
	Evictions  uint64 `json:"evictions"`
}

type counters struct {
	memoryHits atomic.Uint64
	keyHits    atomic.Uint64
	objectHits atomic.Uint64
	misses     atomic.Uint64
	expired    atomic.Uint64
	promotions atomic.Uint64
	evictions  atomic.Uint64
}

// Manager is the single entry point to the cache tiers. Reads check Tier-1
// first and promote durable hits back into it; writes go through Tier-1 and
// then the owning durable tier, always in that order.
type Manager struct {
	memory  *MemoryStore
	keys    *KeyStore
	objects *ObjectStore
	routes  map[string]Route
	cfg     Config
	now     func() time.Time
	lg      *zap.Logger

	stats    counters
	hits     metric.Int64Counter
	misses   metric.Int64Counter
	removals metric.Int64Counter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager over the given tiers. mp may be nil.
func NewManager(
	cfg Config,
	memory *MemoryStore,
	keys *KeyStore,
	objects *ObjectStore,
	lg *zap.Logger,
	mp metric.MeterProvider,
) (*Manager, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	if cfg.Routes == nil {
		cfg.Routes = DefaultRoutes()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 10 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	meter := mp.Meter("github.com/xenking/pricecompare/internal/cache")
	hits, err := meter.Int64Counter("cache.hits", metric.WithDescription("Cache reads served, by tier"))
	if err != nil {
		return nil, errors.Wrap(err, "create hits counter")
	}
	misses, err := meter.Int64Counter("cache.misses", metric.WithDescription("Cache reads that found no live entry"))
	if err != nil {
		return nil, errors.Wrap(err, "create misses counter")
	}
	removals, err := meter.Int64Counter("cache.removals", metric.WithDescription("Entries removed by expiry or eviction"))
	if err != nil {
		return nil, errors.Wrap(err, "create removals counter")
	}

	m := &Manager{
		memory:   memory,
		keys:     keys,
		objects:  objects,
		routes:   cfg.Routes,
		cfg:      cfg,
		now:      now,
		lg:       lg,
		hits:     hits,
		misses:   misses,
		removals: removals,
	}
	objects.onEvict = func(ctx context.Context, n int) {
		m.recordRemovals(ctx, TierObject, "evicted", n)
	}
	return m, nil
}

// Route returns the routing for key.
func (m *Manager) Route(key string) Route {
	if r, ok := m.routes[key]; ok {
		return r
	}
	return Route{Tier: TierKey, TTL: m.cfg.DefaultTTL}
}

// Now returns the Manager clock's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// Get returns the live value stored under key. A missing, expired, or
// unreadable entry reports false.
func Get[T any](ctx context.Context, m *Manager, key string) (T, bool) {
	var zero T
	now := m.now()
	route := m.Route(key)

	if e, ok := m.memory.Get(key); ok {
		if !e.Live(now) {
			m.memory.Delete(key)
		} else if v, ok := e.Data.(T); ok {
			m.recordHit(ctx, TierMemory)
			return v, true
		}
	}
	if route.Tier == TierMemory {
		m.recordMiss(ctx, key)
		return zero, false
	}

	rec, ok := m.readDurable(ctx, route.Tier, key, now)
	if !ok {
		m.recordMiss(ctx, key)
		return zero, false
	}

	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		m.lg.Warn("Dropping undecodable cache entry",
			zap.String("key", key),
			zap.Stringer("tier", route.Tier),
			zap.Error(err),
		)
		m.removeDurable(ctx, route.Tier, key)
		m.recordMiss(ctx, key)
		return zero, false
	}
	m.recordHit(ctx, route.Tier)

	if !route.NoMemory {
		m.memory.Set(key, Entry[any]{
			Data:     v,
			StoredAt: rec.StoredAt,
			TTL:      rec.TTL,
			Type:     rec.Type,
		}, rec.StoredAt.Add(rec.TTL).Sub(now))
		m.stats.promotions.Add(1)
	}
	return v, true
}

// Set stores v under key in Tier-1 and the key's durable tier. A
// non-positive ttl selects the route default. Durable write failures are
// logged and not returned: Tier-1 stays authoritative for the process.
// The returned error reports only values that cannot be encoded.
func Set[T any](ctx context.Context, m *Manager, key string, v T, ttl time.Duration) error {
	route := m.Route(key)
	if ttl <= 0 {
		ttl = route.TTL
	}
	now := m.now()

	var data []byte
	if route.Tier != TierMemory {
		var err error
		if data, err = json.Marshal(v); err != nil {
			return errors.Wrapf(err, "encode %q", key)
		}
	}

	if route.NoMemory {
		m.memory.Delete(key)
	} else {
		m.memory.Set(key, Entry[any]{Data: v, StoredAt: now, TTL: ttl, Type: route.Type}, ttl)
	}

	rec := Record{
		Key:          key,
		Type:         route.Type,
		Data:         data,
		StoredAt:     now,
		TTL:          ttl,
		LastAccessed: now,
	}
	var err error
	switch route.Tier {
	case TierKey:
		err = m.keys.Put(rec)
	case TierObject:
		err = m.objects.Put(ctx, rec)
	}
	if err != nil {
		m.lg.Error("Durable cache write failed",
			zap.String("key", key),
			zap.Stringer("tier", route.Tier),
			zap.Error(err),
		)
	}
	return nil
}

// Remove deletes key from every tier that may hold it.
func (m *Manager) Remove(ctx context.Context, key string) {
	m.memory.Delete(key)
	m.removeDurable(ctx, m.Route(key).Tier, key)
}

// Clear empties all tiers.
func (m *Manager) Clear(ctx context.Context) {
	m.memory.Flush()
	if err := m.keys.Clear(); err != nil {
		m.lg.Error("Failed to clear key tier", zap.Error(err))
	}
	if err := m.objects.Clear(ctx); err != nil {
		m.lg.Error("Failed to clear object tier", zap.Error(err))
	}
}

// Cleanup removes expired entries from the durable tiers and enforces the
// object tier population limit. Tier-1 is swept by its own janitor.
func (m *Manager) Cleanup(ctx context.Context) {
	now := m.now()

	n, err := m.keys.Cleanup(now)
	if err != nil {
		m.lg.Warn("Key tier cleanup failed", zap.Error(err))
	}
	m.recordRemovals(ctx, TierKey, "expired", n)

	n, err = m.objects.Cleanup(ctx, now)
	if err != nil {
		m.lg.Warn("Object tier cleanup failed", zap.Error(err))
	}
	m.recordRemovals(ctx, TierObject, "expired", n)

	if _, err := m.objects.Evict(ctx); err != nil {
		m.lg.Warn("Object tier eviction failed", zap.Error(err))
	}
}

// Init starts the periodic cleanup loop. It stops on Dispose or when ctx is
// cancelled. Calling Init twice is a no-op.
func (m *Manager) Init(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	go func() {
		defer close(m.done)
		m.Cleanup(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Cleanup(ctx)
			}
		}
	}()
}

// Dispose stops the cleanup loop and closes the durable tiers.
func (m *Manager) Dispose() error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}
	m.mu.Unlock()

	m.memory.Flush()
	err := m.keys.Close()
	if cerr := m.objects.Close(); err == nil {
		err = cerr
	}
	return err
}

// Ping checks that the object tier backend answers.
func (m *Manager) Ping(ctx context.Context) error {
	if _, err := m.objects.Len(ctx); err != nil {
		return errors.Wrap(err, "ping object tier")
	}
	return nil
}

// Stats returns a snapshot of the read and removal counters.
func (m *Manager) Stats() Stats {
	return Stats{
		MemoryHits: m.stats.memoryHits.Load(),
		KeyHits:    m.stats.keyHits.Load(),
		ObjectHits: m.stats.objectHits.Load(),
		Misses:     m.stats.misses.Load(),
		Expired:    m.stats.expired.Load(),
		Promotions: m.stats.promotions.Load(),
		Evictions:  m.stats.evictions.Load(),
	}
}

// readDurable reads key from tier and drops it when it is no longer live.
// Read errors are logged and reported as a miss.
func (m *Manager) readDurable(ctx context.Context, tier Tier, key string, now time.Time) (Record, bool) {
	var (
		rec Record
		err error
	)
	switch tier {
	case TierKey:
		rec, err = m.keys.Get(key)
	case TierObject:
		rec, err = m.objects.Get(ctx, key, now)
	default:
		return Record{}, false
	}
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.lg.Warn("Durable cache read failed",
				zap.String("key", key),
				zap.Stringer("tier", tier),
				zap.Error(err),
			)
		}
		return Record{}, false
	}
	if !rec.Live(now) {
		m.removeDurable(ctx, tier, key)
		m.recordRemovals(ctx, tier, "expired", 1)
		return Record{}, false
	}
	return rec, true
}

func (m *Manager) removeDurable(ctx context.Context, tier Tier, key string) {
	var err error
	switch tier {
	case TierKey:
		err = m.keys.Delete(key)
	case TierObject:
		err = m.objects.Delete(ctx, key)
	}
	if err != nil {
		m.lg.Warn("Durable cache delete failed",
			zap.String("key", key),
			zap.Stringer("tier", tier),
			zap.Error(err),
		)
	}
}

func (m *Manager) recordHit(ctx context.Context, tier Tier) {
	switch tier {
	case TierMemory:
		m.stats.memoryHits.Add(1)
	case TierKey:
		m.stats.keyHits.Add(1)
	case TierObject:
		m.stats.objectHits.Add(1)
	}
	m.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier.String())))
}

func (m *Manager) recordMiss(ctx context.Context, key string) {
	m.stats.misses.Add(1)
	m.misses.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", m.Route(key).Tier.String())))
}

func (m *Manager) recordRemovals(ctx context.Context, tier Tier, reason string, n int) {
	if n <= 0 {
		return
	}
	switch reason {
	case "expired":
		m.stats.expired.Add(uint64(n))
	case "evicted":
		m.stats.evictions.Add(uint64(n))
	}
	m.removals.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("tier", tier.String()),
		attribute.String("reason", reason),
	))
}
