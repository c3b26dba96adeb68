package catalogsync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/pricecompare/internal/cache"
	"github.com/xenking/pricecompare/internal/cache/cachetest"
	"github.com/xenking/pricecompare/internal/domain/catalog"
	"github.com/xenking/pricecompare/internal/remote"
	"github.com/xenking/pricecompare/internal/status"
)

type fakeSource struct {
	mu       sync.Mutex
	products []catalog.Product
	err      error
	release  chan struct{}

	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (s *fakeSource) FetchCatalog(ctx context.Context) ([]catalog.Product, error) {
	s.calls.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	if n > s.maxSeen.Load() {
		s.maxSeen.Store(n)
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products, s.err
}

func (s *fakeSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type staticGate bool

func (g staticGate) ResyncAllowed() bool { return bool(g) }

var testConfig = Config{
	TTL:             24 * time.Hour,
	BackupTTL:       168 * time.Hour,
	FreshnessWindow: 12 * time.Hour,
	ResyncInterval:  6 * time.Hour,
}

func products(codes ...string) []catalog.Product {
	out := make([]catalog.Product, 0, len(codes))
	for _, c := range codes {
		out = append(out, catalog.Product{Code: c, Name: "Product " + c})
	}
	return out
}

func newOrchestrator(t *testing.T, m *cache.Manager, src Source, opts Options) *Orchestrator {
	t.Helper()
	o, err := New(testConfig, m, src, zap.NewNop(), opts)
	require.NoError(t, err)
	return o
}

// seed runs a successful sync so that the durable tiers hold a catalog
// stored at the clock's current time.
func seed(t *testing.T, store *cachetest.Storage, clock *cachetest.Clock) {
	t.Helper()
	src := &fakeSource{products: products("A", "B", "C")}
	o := newOrchestrator(t, store.Manager(t, clock), src, Options{})

	u, err := o.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateApplied, u.Outcome)
	require.Equal(t, OriginRemote, u.Origin)
	require.Equal(t, 3, u.Products)
}

func TestOrchestrator_FreshCacheSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	clock := cachetest.NewClock()
	store := cachetest.NewStorage(t)
	seed(t, store, clock)

	clock.Advance(2 * time.Hour)
	src := &fakeSource{products: products("Z")}
	o := newOrchestrator(t, store.Manager(t, clock), src, Options{})

	u, err := o.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUpToDate, u.Outcome)
	assert.Equal(t, OriginCache, u.Origin)
	assert.Equal(t, 3, o.Catalog().Len())
	assert.Zero(t, src.calls.Load())

	// Second call is answered from memory.
	u, err = o.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUpToDate, u.Outcome)
	assert.Empty(t, u.Origin)
	assert.Zero(t, src.calls.Load())
}

func TestOrchestrator_StaleCacheFallback(t *testing.T) {
	clock := cachetest.NewClock()
	store := cachetest.NewStorage(t)
	seed(t, store, clock)

	clock.Advance(25 * time.Hour)
	src := &fakeSource{err: errors.New("connection refused")}
	o := newOrchestrator(t, store.Manager(t, clock), src, Options{})

	u, err := o.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, StateFallbackToCache, u.Outcome)
	assert.Equal(t, OriginCache, u.Origin)
	assert.True(t, u.Degraded)
	assert.Equal(t, 3, o.Catalog().Len())

	_, ok := o.Catalog().Lookup("B")
	assert.True(t, ok)
}

func TestOrchestrator_FailureKeepsLoadedCatalog(t *testing.T) {
	ctx := context.Background()
	clock := cachetest.NewClock()
	m := cachetest.New(t, clock)
	src := &fakeSource{products: products("A", "B")}
	o := newOrchestrator(t, m, src, Options{})

	_, err := o.Sync(ctx)
	require.NoError(t, err)

	m.Clear(ctx)
	clock.Advance(13 * time.Hour)
	src.fail(errors.New("timeout"))

	u, err := o.Sync(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSyncFailed))
	assert.Equal(t, StateFailed, u.Outcome)
	assert.Equal(t, 2, o.Catalog().Len(), "a failed refresh never clears a good catalog")

	st := o.Status()
	assert.Equal(t, StateIdle, st.State)
	require.NotNil(t, st.Error)
	require.NotNil(t, st.Last)
	assert.Equal(t, StateFailed, st.Last.Outcome)
}

func TestOrchestrator_InvalidPayloadFallsBack(t *testing.T) {
	tests := []struct {
		name     string
		products []catalog.Product
		err      error
	}{
		{name: "empty payload", products: []catalog.Product{}},
		{name: "only records without code", products: []catalog.Product{{Name: "x"}}},
		{name: "malformed", err: catalog.ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := cachetest.NewClock()
			store := cachetest.NewStorage(t)
			seed(t, store, clock)
			clock.Advance(13 * time.Hour)

			src := &fakeSource{products: tt.products, err: tt.err}
			o := newOrchestrator(t, store.Manager(t, clock), src, Options{})

			u, err := o.Sync(context.Background())
			require.NoError(t, err)
			assert.Equal(t, StateFallbackToCache, u.Outcome)
			assert.Equal(t, 3, u.Products)
		})
	}
}

func TestOrchestrator_NothingCachedFails(t *testing.T) {
	src := &fakeSource{err: errors.New("offline")}
	o := newOrchestrator(t, cachetest.New(t, cachetest.NewClock()), src, Options{})

	u, err := o.Sync(context.Background())
	require.ErrorIs(t, err, ErrSyncFailed)
	assert.Equal(t, StateFailed, u.Outcome)
	assert.Zero(t, o.Catalog().Len())
	assert.Nil(t, o.Status().LastSync)
}

func TestOrchestrator_SingleFlight(t *testing.T) {
	clock := cachetest.NewClock()
	src := &fakeSource{products: products("A"), release: make(chan struct{})}
	o := newOrchestrator(t, cachetest.New(t, clock), src, Options{})

	const callers = 8
	var wg sync.WaitGroup
	updates := make([]Update, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			updates[i], errs[i] = o.Sync(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load(), "overlapping syncs collapse into one fetch")
	assert.Equal(t, int32(1), src.maxSeen.Load())
	for i := range updates {
		require.NoError(t, errs[i])
		assert.Contains(t, []State{StateApplied, StateUpToDate}, updates[i].Outcome)
	}
	assert.Equal(t, 1, o.Catalog().Len())
}

func TestOrchestrator_CancelledCallerDoesNotAbortSharedSync(t *testing.T) {
	clock := cachetest.NewClock()
	src := &fakeSource{products: products("A", "B"), release: make(chan struct{})}
	o := newOrchestrator(t, cachetest.New(t, clock), src, Options{})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := o.Sync(first)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	type outcome struct {
		u   Update
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		u, err := o.Sync(context.Background())
		second <- outcome{u: u, err: err}
	}()

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(src.release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, StateApplied, got.u.Outcome)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, 2, o.Catalog().Len())

	st := o.Status()
	assert.Equal(t, StateApplied, st.State)
	assert.Nil(t, st.Error)
}

func TestOrchestrator_Refresh(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{products: products("A")}
	o := newOrchestrator(t, cachetest.New(t, cachetest.NewClock()), src, Options{})

	_, err := o.Sync(ctx)
	require.NoError(t, err)

	src.mu.Lock()
	src.products = products("A", "B")
	src.mu.Unlock()

	u, err := o.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateApplied, u.Outcome)
	assert.Equal(t, int32(2), src.calls.Load())
	assert.Equal(t, 2, o.Catalog().Len())
}

func TestOrchestrator_Resync(t *testing.T) {
	ctx := context.Background()

	t.Run("live catalog", func(t *testing.T) {
		clock := cachetest.NewClock()
		src := &fakeSource{products: products("A")}
		o := newOrchestrator(t, cachetest.New(t, clock), src, Options{})
		_, err := o.Sync(ctx)
		require.NoError(t, err)

		clock.Advance(13 * time.Hour)
		u, err := o.Resync(ctx)
		require.NoError(t, err)
		assert.True(t, u.Skipped)
		assert.Equal(t, int32(1), src.calls.Load())
	})
	t.Run("expired catalog", func(t *testing.T) {
		clock := cachetest.NewClock()
		src := &fakeSource{products: products("A")}
		o := newOrchestrator(t, cachetest.New(t, clock), src, Options{Gate: staticGate(true)})
		_, err := o.Sync(ctx)
		require.NoError(t, err)

		clock.Advance(25 * time.Hour)
		u, err := o.Resync(ctx)
		require.NoError(t, err)
		assert.False(t, u.Skipped)
		assert.Equal(t, StateApplied, u.Outcome)
		assert.Equal(t, int32(2), src.calls.Load())
	})
	t.Run("backend disabled", func(t *testing.T) {
		clock := cachetest.NewClock()
		m := cachetest.New(t, clock)
		client := remote.NewClient(remote.Config{BackendEnabled: false}, zap.NewNop(), nil, nil)
		monitor := status.NewMonitor(status.Config{CheckCacheTTL: time.Minute}, m, client, zap.NewNop())
		monitor.Check(ctx)

		src := &fakeSource{products: products("A")}
		o := newOrchestrator(t, m, src, Options{Gate: monitor})

		u, err := o.Resync(ctx)
		require.NoError(t, err)
		assert.False(t, u.Skipped)
		assert.Equal(t, StateApplied, u.Outcome)
		assert.Equal(t, int32(1), src.calls.Load())
	})
	t.Run("inactive gate", func(t *testing.T) {
		clock := cachetest.NewClock()
		src := &fakeSource{products: products("A")}
		o := newOrchestrator(t, cachetest.New(t, clock), src, Options{Gate: staticGate(false)})

		u, err := o.Resync(ctx)
		require.NoError(t, err)
		assert.True(t, u.Skipped)
		assert.Zero(t, src.calls.Load())
	})
}

func TestOrchestrator_Subscribe(t *testing.T) {
	ctx := context.Background()
	clock := cachetest.NewClock()
	src := &fakeSource{products: products("A", "B")}
	o := newOrchestrator(t, cachetest.New(t, clock), src, Options{})

	var got []Update
	unsubscribe := o.Subscribe(func(u Update) { got = append(got, u) })

	_, err := o.Sync(ctx)
	require.NoError(t, err)
	_, err = o.Sync(ctx)
	require.NoError(t, err)

	require.Len(t, got, 1, "only catalog replacements are published")
	assert.Equal(t, StateApplied, got[0].Outcome)
	assert.Equal(t, 2, got[0].Products)

	unsubscribe()
	_, err = o.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	clock := cachetest.NewClock()
	store := cachetest.NewStorage(t)

	n, err := Import(ctx, store.Manager(t, clock), testConfig, append(products("A", "B"), products("A")...))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = Import(ctx, store.Manager(t, clock), testConfig, nil)
	assert.ErrorIs(t, err, ErrEmptyCatalog)

	// An imported catalog starts the agent offline.
	clock.Advance(time.Hour)
	src := &fakeSource{products: products("Z")}
	o := newOrchestrator(t, store.Manager(t, clock), src, Options{})
	u, err := o.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUpToDate, u.Outcome)
	assert.Equal(t, 2, o.Catalog().Len())
	assert.Zero(t, src.calls.Load())
}
