package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/syndtr/goleveldb/leveldb"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"
)

var (
	metaPrefix = []byte("m:")
	dataPrefix = []byte("d:")
)

var _ Backend = (*LevelDBBackend)(nil)

// LevelDBBackend stores object records in leveldb. Metadata and payload are
// kept under separate prefixes so listing never reads payloads.
//
// Touch is a read-modify-write of the metadata; mu keeps it from writing
// back metadata that a concurrent Put or Delete already replaced, and keeps
// Get from pairing one record's metadata with another's payload.
type LevelDBBackend struct {
	mu sync.RWMutex
	db *leveldb.DB
}

type objectMeta struct {
	Type         string        `json:"type"`
	StoredAt     time.Time     `json:"storedAt"`
	TTL          time.Duration `json:"ttl"`
	LastAccessed time.Time     `json:"lastAccessed"`
}

// NewLevelDBBackend returns a Backend on top of an open leveldb database.
func NewLevelDBBackend(db *leveldb.DB) *LevelDBBackend {
	return &LevelDBBackend{db: db}
}

func prefixed(prefix []byte, key string) []byte {
	return append(append([]byte(nil), prefix...), key...)
}

func (b *LevelDBBackend) getMeta(key string) (objectMeta, error) {
	raw, err := b.db.Get(prefixed(metaPrefix, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return objectMeta{}, ErrNotFound
	}
	if err != nil {
		return objectMeta{}, errors.Wrapf(err, "get meta %q", key)
	}
	var m objectMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return objectMeta{}, errors.Wrapf(err, "decode meta %q", key)
	}
	return m, nil
}

// Get implements Backend.
func (b *LevelDBBackend) Get(_ context.Context, key string) (Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m, err := b.getMeta(key)
	if err != nil {
		return Record{}, err
	}
	data, err := b.db.Get(prefixed(dataPrefix, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errors.Wrapf(err, "get data %q", key)
	}
	return Record{
		Key:          key,
		Type:         m.Type,
		Data:         data,
		StoredAt:     m.StoredAt,
		TTL:          m.TTL,
		LastAccessed: m.LastAccessed,
	}, nil
}

// Put implements Backend. Metadata and payload are written in one batch.
func (b *LevelDBBackend) Put(_ context.Context, rec Record) error {
	meta, err := json.Marshal(objectMeta{
		Type:         rec.Type,
		StoredAt:     rec.StoredAt,
		TTL:          rec.TTL,
		LastAccessed: rec.LastAccessed,
	})
	if err != nil {
		return errors.Wrapf(err, "encode meta %q", rec.Key)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Put(prefixed(metaPrefix, rec.Key), meta)
	batch.Put(prefixed(dataPrefix, rec.Key), rec.Data)
	return b.db.Write(batch, nil)
}

// Touch implements Backend.
func (b *LevelDBBackend) Touch(_ context.Context, key string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := b.getMeta(key)
	if err != nil {
		return err
	}
	m.LastAccessed = at
	raw, err := json.Marshal(m)
	if err != nil {
		return errors.Wrapf(err, "encode meta %q", key)
	}
	return b.db.Put(prefixed(metaPrefix, key), raw, nil)
}

// Delete implements Backend.
func (b *LevelDBBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete(prefixed(metaPrefix, key))
	batch.Delete(prefixed(dataPrefix, key))
	return b.db.Write(batch, nil)
}

// List implements Backend.
func (b *LevelDBBackend) List(_ context.Context) ([]Record, error) {
	var out []Record
	iter := b.db.NewIterator(ldbutil.BytesPrefix(metaPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		var m objectMeta
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, errors.Wrapf(err, "decode meta %q", iter.Key())
		}
		out = append(out, Record{
			Key:          string(iter.Key()[len(metaPrefix):]),
			Type:         m.Type,
			StoredAt:     m.StoredAt,
			TTL:          m.TTL,
			LastAccessed: m.LastAccessed,
		})
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "iterate meta")
	}
	return out, nil
}

// Clear implements Backend.
func (b *LevelDBBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return deletePrefix(b.db, metaPrefix, dataPrefix)
}

// Close implements Backend.
func (b *LevelDBBackend) Close() error {
	return b.db.Close()
}
