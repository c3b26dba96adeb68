package cache

import (
	"encoding/binary"

	"github.com/go-faster/errors"
	"github.com/syndtr/goleveldb/leveldb"
	ldbopt "github.com/syndtr/goleveldb/leveldb/opt"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"
)

// storeVersion is written under versionKey in every leveldb database opened
// by this package. Bump it when the on-disk record layout changes.
const storeVersion = 1

var versionKey = []byte{0x00, 'V', 'E', 'R', 'S', 'I', 'O', 'N'}

// OpenLevelDB opens (creating if needed) the leveldb database at path and
// checks its layout version. A database written by a newer layout is refused.
func OpenLevelDB(path string) (*leveldb.DB, error) {
	db, err := leveldb.OpenFile(path, &ldbopt.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %s", path)
	}
	if err := checkVersion(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "leveldb %s", path)
	}
	return db, nil
}

func checkVersion(db *leveldb.DB) error {
	v, err := db.Get(versionKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, storeVersion)
		return db.Put(versionKey, buf, nil)
	}
	if err != nil {
		return errors.Wrap(err, "read version")
	}
	if len(v) != 4 {
		return errors.Errorf("incompatible version length: expected 4, got %d", len(v))
	}
	if got := binary.BigEndian.Uint32(v); got > storeVersion {
		return errors.Errorf("store version %d is newer than supported version %d", got, storeVersion)
	}
	return nil
}

// deletePrefix removes every key starting with one of prefixes in a single batch.
func deletePrefix(db *leveldb.DB, prefixes ...[]byte) error {
	batch := new(leveldb.Batch)
	for _, p := range prefixes {
		iter := db.NewIterator(ldbutil.BytesPrefix(p), nil)
		for iter.Next() {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return errors.Wrap(err, "iterate")
		}
	}
	return db.Write(batch, nil)
}
