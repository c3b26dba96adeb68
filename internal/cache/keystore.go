package cache

import (
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/syndtr/goleveldb/leveldb"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"
)

var keyPrefix = []byte("k:")

// KeyStore is the Tier-2 cache: a durable store for small values that
// survives restarts. Values are kept as JSON next to their metadata.
type KeyStore struct {
	db *leveldb.DB
}

type keyValue struct {
	Type     string          `json:"type"`
	StoredAt time.Time       `json:"storedAt"`
	TTL      time.Duration   `json:"ttl"`
	Data     json.RawMessage `json:"data"`
}

// NewKeyStore returns a KeyStore on top of an open leveldb database.
func NewKeyStore(db *leveldb.DB) *KeyStore {
	return &KeyStore{db: db}
}

// OpenKeyStore opens the leveldb database at path as a KeyStore.
func OpenKeyStore(path string) (*KeyStore, error) {
	db, err := OpenLevelDB(path)
	if err != nil {
		return nil, err
	}
	return NewKeyStore(db), nil
}

func keyOf(key string) []byte {
	return append(append([]byte(nil), keyPrefix...), key...)
}

// Get returns the record stored under key or ErrNotFound.
func (s *KeyStore) Get(key string) (Record, error) {
	raw, err := s.db.Get(keyOf(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errors.Wrapf(err, "get %q", key)
	}
	var v keyValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return Record{}, errors.Wrapf(err, "decode %q", key)
	}
	return Record{
		Key:      key,
		Type:     v.Type,
		Data:     v.Data,
		StoredAt: v.StoredAt,
		TTL:      v.TTL,
	}, nil
}

// Put stores rec, replacing any previous value. rec.Data must be valid JSON.
func (s *KeyStore) Put(rec Record) error {
	raw, err := json.Marshal(keyValue{
		Type:     rec.Type,
		StoredAt: rec.StoredAt,
		TTL:      rec.TTL,
		Data:     rec.Data,
	})
	if err != nil {
		return errors.Wrapf(err, "encode %q", rec.Key)
	}
	if err := s.db.Put(keyOf(rec.Key), raw, nil); err != nil {
		return errors.Wrapf(err, "put %q", rec.Key)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *KeyStore) Delete(key string) error {
	if err := s.db.Delete(keyOf(key), nil); err != nil {
		return errors.Wrapf(err, "delete %q", key)
	}
	return nil
}

// Clear removes every stored value.
func (s *KeyStore) Clear() error {
	return deletePrefix(s.db, keyPrefix)
}

// Cleanup removes every record that is no longer live at now and returns
// how many were removed. Undecodable records are removed as well.
func (s *KeyStore) Cleanup(now time.Time) (int, error) {
	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(ldbutil.BytesPrefix(keyPrefix), nil)
	for iter.Next() {
		var v keyValue
		if err := json.Unmarshal(iter.Value(), &v); err == nil && now.Sub(v.StoredAt) < v.TTL {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, errors.Wrap(err, "iterate keys")
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, errors.Wrap(err, "delete expired keys")
	}
	return batch.Len(), nil
}

// Close closes the underlying database.
func (s *KeyStore) Close() error {
	return s.db.Close()
}
