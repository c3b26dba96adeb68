package cache

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
)

const (
	filterCapacity = 10_000
	filterFPR      = 0.01
)

// Backend is the persistence layer behind the object tier.
//
// List returns metadata only: Data is left nil. Put must write data and
// metadata atomically so a reader never observes half of a record.
type Backend interface {
	Get(ctx context.Context, key string) (Record, error)
	Put(ctx context.Context, rec Record) error
	Touch(ctx context.Context, key string, at time.Time) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]Record, error)
	Clear(ctx context.Context) error
	Close() error
}

// ObjectStore is the Tier-3 cache: structured, compressed entries with a
// bounded population. When more than maxEntries records are stored the least
// recently accessed ones are dropped first.
type ObjectStore struct {
	backend    Backend
	maxEntries int
	lg         *zap.Logger
	onEvict    func(ctx context.Context, n int)

	// filter holds every key written since open. A negative answer skips the
	// backend round-trip; deleted keys stay in the filter until Clear.
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// NewObjectStore wraps backend and seeds the key filter from its contents.
// A non-positive maxEntries disables eviction.
func NewObjectStore(ctx context.Context, backend Backend, maxEntries int, lg *zap.Logger) (*ObjectStore, error) {
	s := &ObjectStore{
		backend:    backend,
		maxEntries: maxEntries,
		lg:         lg,
		filter:     bloom.NewWithEstimates(filterCapacity, filterFPR),
	}
	metas, err := backend.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list objects")
	}
	for _, m := range metas {
		s.filter.AddString(m.Key)
	}
	return s, nil
}

func (s *ObjectStore) mayContain(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.TestString(key)
}

// Get returns the decompressed record stored under key and marks it as
// accessed at now. It returns ErrNotFound for unknown keys.
func (s *ObjectStore) Get(ctx context.Context, key string, now time.Time) (Record, error) {
	if !s.mayContain(key) {
		return Record{}, ErrNotFound
	}
	rec, err := s.backend.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	data, err := decompress(rec.Data)
	if err != nil {
		return Record{}, errors.Wrapf(err, "decompress %q", key)
	}
	rec.Data = data

	if err := s.backend.Touch(ctx, key, now); err != nil {
		s.lg.Warn("Failed to update last access", zap.String("key", key), zap.Error(err))
	}
	rec.LastAccessed = now
	return rec, nil
}

// Put compresses and stores rec, then enforces the population limit.
func (s *ObjectStore) Put(ctx context.Context, rec Record) error {
	data, err := compress(rec.Data)
	if err != nil {
		return errors.Wrapf(err, "compress %q", rec.Key)
	}
	rec.Data = data
	if rec.LastAccessed.IsZero() {
		rec.LastAccessed = rec.StoredAt
	}

	s.mu.Lock()
	s.filter.AddString(rec.Key)
	s.mu.Unlock()

	if err := s.backend.Put(ctx, rec); err != nil {
		return errors.Wrapf(err, "put %q", rec.Key)
	}
	if _, err := s.Evict(ctx); err != nil {
		s.lg.Warn("Object eviction failed", zap.Error(err))
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return errors.Wrapf(err, "delete %q", key)
	}
	return nil
}

// Clear removes every record and resets the key filter.
func (s *ObjectStore) Clear(ctx context.Context) error {
	if err := s.backend.Clear(ctx); err != nil {
		return errors.Wrap(err, "clear objects")
	}
	s.mu.Lock()
	s.filter.ClearAll()
	s.mu.Unlock()
	return nil
}

// Evict drops least recently accessed records until at most maxEntries
// remain. It returns the number of records removed.
func (s *ObjectStore) Evict(ctx context.Context) (int, error) {
	if s.maxEntries <= 0 {
		return 0, nil
	}
	metas, err := s.backend.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list objects")
	}
	excess := len(metas) - s.maxEntries
	if excess <= 0 {
		return 0, nil
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].LastAccessed.Before(metas[j].LastAccessed)
	})
	removed := 0
	defer func() {
		if removed > 0 && s.onEvict != nil {
			s.onEvict(ctx, removed)
		}
	}()
	for _, m := range metas[:excess] {
		if err := s.backend.Delete(ctx, m.Key); err != nil {
			return removed, errors.Wrapf(err, "evict %q", m.Key)
		}
		s.lg.Debug("Evicted object", zap.String("key", m.Key), zap.Time("last_accessed", m.LastAccessed))
		removed++
	}
	return removed, nil
}

// Cleanup removes every record that is no longer live at now.
func (s *ObjectStore) Cleanup(ctx context.Context, now time.Time) (int, error) {
	metas, err := s.backend.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list objects")
	}
	removed := 0
	for _, m := range metas {
		if m.Live(now) {
			continue
		}
		if err := s.backend.Delete(ctx, m.Key); err != nil {
			return removed, errors.Wrapf(err, "delete expired %q", m.Key)
		}
		removed++
	}
	return removed, nil
}

// Len returns the number of stored records.
func (s *ObjectStore) Len(ctx context.Context) (int, error) {
	metas, err := s.backend.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(metas), nil
}

// Close closes the backend.
func (s *ObjectStore) Close() error {
	return s.backend.Close()
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := pgzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := pgzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
