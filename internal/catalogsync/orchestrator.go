// Package catalogsync keeps the in-memory catalog in step with the remote
// source and the object tier.
//
// A sync moves through Checking, then UpToDate or Fetching, and ends in
// Applied, FallbackToCache or Failed before returning to Idle. Only one sync
// runs at a time; overlapping callers share the in-flight result.
package catalogsync

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/pricecompare/internal/cache"
	"github.com/xenking/pricecompare/internal/domain/catalog"
)

// Sentinel errors.
var (
	ErrSyncFailed   = errors.New("catalog sync failed")
	ErrEmptyCatalog = errors.New("catalog payload is empty")
)

// State is a phase of the sync state machine.
type State string

// Sync states.
const (
	StateIdle            State = "idle"
	StateChecking        State = "checking"
	StateUpToDate        State = "up_to_date"
	StateFetching        State = "fetching"
	StateApplied         State = "applied"
	StateFallbackToCache State = "fallback_to_cache"
	StateFailed          State = "failed"
)

// Origin tells where an applied catalog came from.
type Origin string

// Catalog origins.
const (
	OriginRemote Origin = "remote"
	OriginCache  Origin = "cache"
)

// Source fetches the full catalog.
type Source interface {
	FetchCatalog(ctx context.Context) ([]catalog.Product, error)
}

// Gate reports whether periodic resync attempts should be made.
type Gate interface {
	ResyncAllowed() bool
}

// Config holds catalog timings.
type Config struct {
	TTL             time.Duration `default:"24h" usage:"Lifetime of the cached catalog"`
	BackupTTL       time.Duration `default:"168h" usage:"Lifetime of the last-good catalog backup"`
	FreshnessWindow time.Duration `default:"12h" usage:"Age after which the catalog is refreshed"`
	ResyncInterval  time.Duration `default:"6h" usage:"Period of background resync attempts"`
}

// Update is the outcome of a completed sync.
type Update struct {
	Outcome  State     `json:"outcome"`
	Origin   Origin    `json:"origin,omitempty"`
	Products int       `json:"products"`
	Degraded bool      `json:"degraded"`
	At       time.Time `json:"at"`
	// Skipped is set when Resync decided no sync was needed.
	Skipped bool `json:"skipped,omitempty"`
}

// Status is a snapshot of the orchestrator.
type Status struct {
	State    State      `json:"state"`
	Last     *Update    `json:"last,omitempty"`
	LastSync *time.Time `json:"lastSync,omitempty"`
	Products int        `json:"products"`
	Error    *string    `json:"error,omitempty"`
}

// Orchestrator decides between cached and remote catalog data.
type Orchestrator struct {
	cfg    Config
	cache  *cache.Manager
	source Source
	gate   Gate
	lg     *zap.Logger

	group    singleflight.Group
	tracer   trace.Tracer
	outcomes metric.Int64Counter

	mu       sync.RWMutex
	state    State
	current  *catalog.Catalog
	last     *Update
	lastSync *time.Time
	lastErr  error
	nextSub  int
	subs     map[int]func(Update)
}

// Options configures optional Orchestrator collaborators.
type Options struct {
	// Gate suppresses background resync while inactive. Nil means always
	// active.
	Gate           Gate
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// New creates an Orchestrator with an empty in-memory catalog.
func New(cfg Config, m *cache.Manager, source Source, lg *zap.Logger, opts Options) (*Orchestrator, error) {
	if opts.MeterProvider == nil {
		opts.MeterProvider = noop.NewMeterProvider()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = tracenoop.NewTracerProvider()
	}
	outcomes, err := opts.MeterProvider.Meter("github.com/xenking/pricecompare/internal/catalogsync").
		Int64Counter("catalog.sync", metric.WithDescription("Completed catalog syncs, by outcome"))
	if err != nil {
		return nil, errors.Wrap(err, "create sync counter")
	}
	return &Orchestrator{
		cfg:      cfg,
		cache:    m,
		source:   source,
		gate:     opts.Gate,
		lg:       lg,
		tracer:   opts.TracerProvider.Tracer("github.com/xenking/pricecompare/internal/catalogsync"),
		outcomes: outcomes,
		state:    StateIdle,
		subs:     make(map[int]func(Update)),
	}, nil
}

// Catalog returns the current in-memory catalog. It is never nil.
func (o *Orchestrator) Catalog() *catalog.Catalog {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current == nil {
		return catalog.New(nil)
	}
	return o.current
}

// Status returns the current state and the last completed outcome.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := Status{
		State:    o.state,
		Last:     o.last,
		LastSync: o.lastSync,
		Products: o.current.Len(),
	}
	if o.lastErr != nil {
		msg := o.lastErr.Error()
		s.Error = &msg
	}
	return s
}

// Subscribe registers fn to receive every update that replaced the
// in-memory catalog. The returned function unsubscribes.
func (o *Orchestrator) Subscribe(fn func(Update)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// Sync brings the catalog up to date. A fresh freshness timestamp together
// with a loaded catalog needs no network access. The returned error wraps
// ErrSyncFailed when neither the source nor the cache produced a catalog; the
// in-memory catalog is left untouched in that case.
func (o *Orchestrator) Sync(ctx context.Context) (Update, error) {
	return o.do(ctx, false)
}

// Refresh fetches from the source regardless of freshness, falling back to
// the cache like Sync.
func (o *Orchestrator) Refresh(ctx context.Context) (Update, error) {
	return o.do(ctx, true)
}

// Resync is the periodic entry point. It does nothing while the gate is
// inactive or while the object tier holds a live, non-empty catalog.
func (o *Orchestrator) Resync(ctx context.Context) (Update, error) {
	now := o.cache.Now()
	if o.gate != nil && !o.gate.ResyncAllowed() {
		o.lg.Debug("Resync skipped: backend inactive")
		return Update{Outcome: StateIdle, Skipped: true, At: now}, nil
	}
	if products, ok := cache.Get[[]catalog.Product](ctx, o.cache, cache.KeyCatalog); ok && len(products) > 0 {
		o.lg.Debug("Resync skipped: cached catalog is live", zap.Int("products", len(products)))
		return Update{Outcome: StateIdle, Skipped: true, At: now}, nil
	}
	return o.Sync(ctx)
}

// Run performs an initial Sync, then calls Resync every ResyncInterval until
// ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	if _, err := o.Sync(ctx); err != nil {
		o.lg.Warn("Initial catalog sync failed", zap.Error(err))
	}

	interval := o.cfg.ResyncInterval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := o.Resync(ctx); err != nil {
				o.lg.Warn("Catalog resync failed", zap.Error(err))
			}
		}
	}
}

type result struct {
	update Update
	err    error
}

// do runs or joins the in-flight sync. The shared attempt is detached from
// the caller's cancellation, so every joined caller gets the same result; a
// caller whose ctx ends stops waiting without affecting the others. The
// fetch itself is bounded by the source's own timeout.
func (o *Orchestrator) do(ctx context.Context, force bool) (Update, error) {
	ch := o.group.DoChan("sync", func() (any, error) {
		u, err := o.sync(context.WithoutCancel(ctx), force)
		return result{update: u, err: err}, nil
	})
	select {
	case <-ctx.Done():
		return Update{Outcome: o.Status().State, At: o.cache.Now()}, errors.Wrap(ctx.Err(), "wait for catalog sync")
	case res := <-ch:
		if res.Shared {
			o.lg.Debug("Joined in-flight catalog sync")
		}
		r := res.Val.(result)
		return r.update, r.err
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) sync(ctx context.Context, force bool) (u Update, rerr error) {
	ctx, span := o.tracer.Start(ctx, "catalogsync.Sync",
		trace.WithAttributes(attribute.Bool("force", force)),
	)
	defer func() {
		span.SetAttributes(
			attribute.String("outcome", string(u.Outcome)),
			attribute.Int("products", u.Products),
		)
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
		o.finish(ctx, u, rerr)
	}()

	o.setState(StateChecking)
	now := o.cache.Now()

	if !force {
		if u, ok := o.checkFresh(ctx, now); ok {
			return u, nil
		}
	}

	o.setState(StateFetching)
	products, err := o.fetch(ctx)
	if err == nil {
		o.store(ctx, products, now)
		return o.apply(products, StateApplied, OriginRemote, false, now), nil
	}
	o.lg.Warn("Catalog fetch failed, falling back to cache", zap.Error(err))

	o.setState(StateFallbackToCache)
	if cached, ok := o.loadCached(ctx); ok {
		return o.apply(cached, StateFallbackToCache, OriginCache, true, now), nil
	}

	return Update{Outcome: StateFailed, Products: o.Catalog().Len(), Degraded: true, At: now},
		errors.Wrapf(ErrSyncFailed, "no cached catalog after fetch error: %v", err)
}

// checkFresh reports whether the catalog is still within the freshness
// window. An empty in-memory catalog is hydrated from the live object tier
// entry when there is one.
func (o *Orchestrator) checkFresh(ctx context.Context, now time.Time) (Update, bool) {
	updated, ok := cache.Get[time.Time](ctx, o.cache, cache.KeyLastCatalogUpdate)
	if !ok || now.Sub(updated) >= o.cfg.FreshnessWindow {
		return Update{}, false
	}
	if n := o.Catalog().Len(); n > 0 {
		return Update{Outcome: StateUpToDate, Products: n, At: now}, true
	}
	products, ok := cache.Get[[]catalog.Product](ctx, o.cache, cache.KeyCatalog)
	if !ok || len(products) == 0 {
		return Update{}, false
	}
	o.lg.Info("Catalog hydrated from cache", zap.Int("products", len(products)))
	return o.apply(products, StateUpToDate, OriginCache, false, now), true
}

func (o *Orchestrator) fetch(ctx context.Context) ([]catalog.Product, error) {
	products, err := o.source.FetchCatalog(ctx)
	if err != nil {
		return nil, err
	}
	c := catalog.New(products)
	if c.Len() == 0 {
		return nil, ErrEmptyCatalog
	}
	return c.Products(), nil
}

// store writes the whole catalog, its backup and the freshness timestamp.
func (o *Orchestrator) store(ctx context.Context, products []catalog.Product, now time.Time) {
	if err := writeCatalog(ctx, o.cache, o.cfg, products, now); err != nil {
		o.lg.Error("Failed to cache catalog", zap.Error(err))
	}
}

// writeCatalog replaces the cached catalog and its backup, each as a single
// record, then stamps the update time.
func writeCatalog(ctx context.Context, m *cache.Manager, cfg Config, products []catalog.Product, now time.Time) error {
	if err := cache.Set(ctx, m, cache.KeyCatalog, products, cfg.TTL); err != nil {
		return errors.Wrap(err, "write catalog")
	}
	if err := cache.Set(ctx, m, cache.KeyCatalogBackup, products, cfg.BackupTTL); err != nil {
		return errors.Wrap(err, "write catalog backup")
	}
	if err := cache.Set(ctx, m, cache.KeyLastCatalogUpdate, now, cfg.FreshnessWindow); err != nil {
		return errors.Wrap(err, "write catalog update time")
	}
	return nil
}

// Import normalizes products and stores them as a freshly synchronized
// catalog. A later Sync within the freshness window starts from it without
// touching the network. It returns the number of stored products.
func Import(ctx context.Context, m *cache.Manager, cfg Config, products []catalog.Product) (int, error) {
	c := catalog.New(products)
	if c.Len() == 0 {
		return 0, ErrEmptyCatalog
	}
	if err := writeCatalog(ctx, m, cfg, c.Products(), m.Now()); err != nil {
		return 0, err
	}
	return c.Len(), nil
}

// loadCached returns the last good catalog: the live entry first, then the
// long-lived backup.
func (o *Orchestrator) loadCached(ctx context.Context) ([]catalog.Product, bool) {
	for _, key := range []string{cache.KeyCatalog, cache.KeyCatalogBackup} {
		if products, ok := cache.Get[[]catalog.Product](ctx, o.cache, key); ok && len(products) > 0 {
			o.lg.Info("Using cached catalog", zap.String("key", key), zap.Int("products", len(products)))
			return products, true
		}
	}
	return nil, false
}

// apply atomically replaces the in-memory catalog and notifies subscribers.
func (o *Orchestrator) apply(products []catalog.Product, outcome State, origin Origin, degraded bool, now time.Time) Update {
	c := catalog.New(products)
	u := Update{
		Outcome:  outcome,
		Origin:   origin,
		Products: c.Len(),
		Degraded: degraded,
		At:       now,
	}

	o.mu.Lock()
	o.current = c
	subs := make([]func(Update), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()

	for _, fn := range subs {
		fn(u)
	}
	return u
}

func (o *Orchestrator) finish(ctx context.Context, u Update, err error) {
	o.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(u.Outcome))))

	o.mu.Lock()
	o.state = StateIdle
	o.last = &u
	o.lastErr = err
	if err == nil {
		at := u.At
		o.lastSync = &at
	}
	o.mu.Unlock()

	fields := []zap.Field{
		zap.String("outcome", string(u.Outcome)),
		zap.String("origin", string(u.Origin)),
		zap.Int("products", u.Products),
		zap.Bool("degraded", u.Degraded),
	}
	if err != nil {
		o.lg.Error("Catalog sync failed", append(fields, zap.Error(err))...)
		return
	}
	o.lg.Info("Catalog sync finished", fields...)
}
