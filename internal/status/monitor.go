// Package status tracks remote backend availability.
package status

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xenking/pricecompare/internal/cache"
	"github.com/xenking/pricecompare/internal/remote"
)

// SessionSource is sent with every session sync.
const SessionSource = "pricecompare"

// Config holds probe timings.
type Config struct {
	CheckInterval       time.Duration `default:"5m" usage:"Period of backend health probes"`
	CheckCacheTTL       time.Duration `default:"5m" usage:"How long a probe result is reused"`
	SessionSyncInterval time.Duration `default:"10m" usage:"Minimum time between session syncs"`
}

// Backend is the remote side probed by Monitor.
type Backend interface {
	BackendEnabled() bool
	Health(ctx context.Context) error
	SyncSession(ctx context.Context, p remote.SessionPayload) error
}

// SyncStatus is the process-lifetime view of the backend. It is re-derived
// by every probe and never persisted.
type SyncStatus struct {
	IsActive bool       `json:"isActive"`
	LastSync *time.Time `json:"lastSync"`
	Error    *string    `json:"error"`
}

// Monitor owns SyncStatus. Probe failures only mark the backend inactive;
// they never block anything else.
type Monitor struct {
	cfg     Config
	cache   *cache.Manager
	backend Backend
	lg      *zap.Logger

	mu           sync.RWMutex
	status       SyncStatus
	checked      bool
	started      time.Time
	lastActivity time.Time
}

// NewMonitor creates a Monitor. The session starts now.
func NewMonitor(cfg Config, m *cache.Manager, backend Backend, lg *zap.Logger) *Monitor {
	now := m.Now()
	return &Monitor{
		cfg:          cfg,
		cache:        m,
		backend:      backend,
		lg:           lg,
		started:      now,
		lastActivity: now,
	}
}

// Active reports whether the last probe succeeded.
func (m *Monitor) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.IsActive
}

// ResyncAllowed gates periodic catalog resync. With the backend disabled
// there is no probe to fail, so resync is always allowed; otherwise it
// follows the last probe.
func (m *Monitor) ResyncAllowed() bool {
	if !m.backend.BackendEnabled() {
		return true
	}
	return m.Active()
}

// Status returns a copy of the current SyncStatus.
func (m *Monitor) Status() SyncStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.status
	if s.LastSync != nil {
		t := *s.LastSync
		s.LastSync = &t
	}
	if s.Error != nil {
		e := *s.Error
		s.Error = &e
	}
	return s
}

// Touch records user activity, reported as lastActivity on session sync.
func (m *Monitor) Touch() {
	now := m.cache.Now()
	m.mu.Lock()
	m.lastActivity = now
	m.mu.Unlock()
}

// Check probes the backend unless a probe ran within CheckCacheTTL, then
// syncs the session when the backend is active and the last session sync is
// older than SessionSyncInterval.
func (m *Monitor) Check(ctx context.Context) SyncStatus {
	if !m.backend.BackendEnabled() {
		m.mu.Lock()
		m.status = SyncStatus{}
		m.mu.Unlock()
		return m.Status()
	}

	m.mu.RLock()
	checked := m.checked
	m.mu.RUnlock()
	if _, ok := cache.Get[time.Time](ctx, m.cache, cache.KeyLastBackendCheck); ok && checked {
		return m.Status()
	}

	m.probe(ctx)
	if m.Active() {
		m.syncSession(ctx)
	}
	return m.Status()
}

func (m *Monitor) probe(ctx context.Context) {
	err := m.backend.Health(ctx)
	now := m.cache.Now()
	if serr := cache.Set(ctx, m.cache, cache.KeyLastBackendCheck, now, m.cfg.CheckCacheTTL); serr != nil {
		m.lg.Warn("Failed to record backend check", zap.Error(serr))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.checked = true
	if err != nil {
		if m.status.IsActive {
			m.lg.Warn("Backend became unavailable", zap.Error(err))
		}
		msg := err.Error()
		m.status.IsActive = false
		m.status.Error = &msg
		return
	}
	if !m.status.IsActive {
		m.lg.Info("Backend is available")
	}
	m.status.IsActive = true
	m.status.Error = nil
	m.status.LastSync = &now
}

func (m *Monitor) syncSession(ctx context.Context) {
	if _, ok := cache.Get[time.Time](ctx, m.cache, cache.KeyLastSessionSync); ok {
		return
	}

	now := m.cache.Now()
	m.mu.RLock()
	p := remote.SessionPayload{
		SessionTime:  now.Sub(m.started),
		LastActivity: m.lastActivity,
		Timestamp:    now,
		Source:       SessionSource,
	}
	m.mu.RUnlock()

	if err := m.backend.SyncSession(ctx, p); err != nil {
		m.lg.Warn("Session sync failed", zap.Error(err))
		return
	}
	if err := cache.Set(ctx, m.cache, cache.KeyLastSessionSync, now, m.cfg.SessionSyncInterval); err != nil {
		m.lg.Warn("Failed to record session sync", zap.Error(err))
	}

	m.mu.Lock()
	m.status.LastSync = &now
	m.mu.Unlock()
}

// Run checks immediately and then every CheckInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)

	interval := m.cfg.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
