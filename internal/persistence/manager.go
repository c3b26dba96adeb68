// Package persistence saves the comparison workspace to the object tier and
// restores it on startup.
package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/pricecompare/internal/cache"
	"github.com/xenking/pricecompare/internal/domain/workspace"
)

// Config holds persistence timings.
type Config struct {
	SaveDelay    time.Duration `default:"2s" usage:"Quiet period before a workspace save"`
	RestoreDelay time.Duration `default:"500ms" usage:"Delay before the startup restore"`
	TTL          time.Duration `default:"1h" usage:"Lifetime of the saved workspace"`
}

// Manager debounces workspace saves and restores the workspace at most once
// per process.
type Manager struct {
	cfg    Config
	cache  *cache.Manager
	ws     *workspace.Workspace
	lg     *zap.Logger
	tracer trace.Tracer

	debounce *Debouncer
	saveMu   sync.Mutex

	restoring atomic.Bool
	restored  atomic.Bool
}

// New creates a Manager and subscribes it to workspace mutations. tp may be
// nil.
func New(cfg Config, m *cache.Manager, ws *workspace.Workspace, lg *zap.Logger, tp trace.TracerProvider) *Manager {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	p := &Manager{
		cfg:    cfg,
		cache:  m,
		ws:     ws,
		lg:     lg,
		tracer: tp.Tracer("github.com/xenking/pricecompare/internal/persistence"),
	}
	p.debounce = NewDebouncer(cfg.SaveDelay, func() {
		if err := p.save(context.Background()); err != nil {
			p.lg.Error("Debounced workspace save failed", zap.Error(err))
		}
	})
	ws.OnChange(func(c workspace.Change) {
		if p.restoring.Load() {
			return
		}
		p.ScheduleSave()
	})
	return p
}

// Capture builds a snapshot of the workspace. It reports false when there is
// nothing to save.
func (p *Manager) Capture() (Snapshot, bool) {
	items := p.ws.Items()
	form := p.ws.Form()
	if len(items) == 0 && form.IsZero() {
		return Snapshot{}, false
	}
	return Snapshot{
		Version:         SnapshotVersion,
		SavedAt:         p.cache.Now(),
		Items:           items,
		CompetitorNames: form.CompetitorNames(),
		Form:            form,
	}, true
}

// ScheduleSave saves SaveDelay after the latest call.
func (p *Manager) ScheduleSave() {
	p.debounce.Schedule()
}

// CancelPending drops a scheduled save and reports whether one was pending.
func (p *Manager) CancelPending() bool {
	return p.debounce.Cancel()
}

// ForceSave cancels any scheduled save and saves now.
func (p *Manager) ForceSave(ctx context.Context) error {
	p.debounce.Cancel()
	return p.save(ctx)
}

// SaveOnExit force-saves the workspace during shutdown. Before the startup
// restore has run the stored snapshot is left untouched, so a quick exit
// does not overwrite it with an empty workspace.
func (p *Manager) SaveOnExit(ctx context.Context) error {
	if !p.restored.Load() {
		p.debounce.Cancel()
		return nil
	}
	return p.ForceSave(ctx)
}

// save writes the current snapshot, or deletes the stored one when the
// workspace is empty. Saves never overlap.
func (p *Manager) save(ctx context.Context) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	ctx, span := p.tracer.Start(ctx, "persistence.Save")
	defer span.End()

	snap, ok := p.Capture()
	if !ok {
		p.cache.Remove(ctx, cache.KeyComparisonState)
		span.SetAttributes(attribute.Bool("empty", true))
		p.lg.Debug("Workspace empty, snapshot removed")
		return nil
	}
	span.SetAttributes(attribute.Int("items", len(snap.Items)))
	if err := cache.Set(ctx, p.cache, cache.KeyComparisonState, snap, p.cfg.TTL); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errors.Wrap(err, "save snapshot")
	}
	p.lg.Debug("Workspace saved", zap.Int("items", len(snap.Items)))
	return nil
}

// Restore replays the stored snapshot into the workspace. Only the first
// call in a process reads the snapshot; later calls report false. A snapshot
// that fails validation is deleted and the workspace is left as it was.
// When the workspace already holds items or form fields the snapshot is not
// read and nothing is replayed; the next save replaces it with the current
// workspace.
func (p *Manager) Restore(ctx context.Context) (restored bool, rerr error) {
	if !p.restored.CompareAndSwap(false, true) {
		return false, nil
	}
	if p.ws.Len() > 0 || !p.ws.Form().IsZero() {
		p.lg.Info("Workspace already edited, skipping restore", zap.Int("items", p.ws.Len()))
		return false, nil
	}

	ctx, span := p.tracer.Start(ctx, "persistence.Restore")
	defer func() {
		span.SetAttributes(attribute.Bool("restored", restored))
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	snap, ok := cache.Get[Snapshot](ctx, p.cache, cache.KeyComparisonState)
	if !ok {
		return false, nil
	}
	if err := snap.Validate(); err != nil {
		p.cache.Remove(ctx, cache.KeyComparisonState)
		return false, err
	}
	// Replay into a scratch workspace first so a failure leaves ours untouched.
	if err := replay(workspace.New(), snap); err != nil {
		p.cache.Remove(ctx, cache.KeyComparisonState)
		return false, errors.Wrap(err, "replay snapshot")
	}

	p.restoring.Store(true)
	err := replay(p.ws, snap)
	p.restoring.Store(false)
	if err != nil {
		return false, errors.Wrap(err, "replay snapshot")
	}

	p.lg.Info("Workspace restored",
		zap.Int("items", len(snap.Items)),
		zap.Time("saved_at", snap.SavedAt),
	)
	p.ScheduleSave()
	return true, nil
}

func replay(ws *workspace.Workspace, snap Snapshot) error {
	for _, it := range snap.Items {
		ws.Add(it.Product)
		if err := ws.SetQuantity(it.Code, it.Quantity); err != nil {
			return err
		}
		for name, price := range it.Prices {
			if err := ws.SetPrice(it.Code, name, price); err != nil {
				return errors.Wrapf(err, "price %q", name)
			}
		}
		if it.SuggestedPrice != nil {
			if err := ws.SetSuggestedPrice(it.Code, it.SuggestedPrice); err != nil {
				return err
			}
		}
		if it.Notes != "" {
			if err := ws.SetNotes(it.Code, it.Notes); err != nil {
				return err
			}
		}
	}

	form := snap.Form
	if len(form.Competitors) == 0 {
		form.Competitors = snap.CompetitorNames
	}
	if !form.IsZero() {
		ws.SetForm(form)
	}
	return nil
}

// Clear cancels any pending save and deletes the stored snapshot.
func (p *Manager) Clear(ctx context.Context) {
	p.debounce.Cancel()
	p.cache.Remove(ctx, cache.KeyComparisonState)
}

// Run restores the workspace after RestoreDelay and then waits for ctx.
// Restore failures are logged; they never stop the process.
func (p *Manager) Run(ctx context.Context) error {
	timer := time.NewTimer(p.cfg.RestoreDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}

	if _, err := p.Restore(ctx); err != nil {
		p.lg.Warn("Workspace restore failed", zap.Error(err))
	}
	<-ctx.Done()
	return nil
}
