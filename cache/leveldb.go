package cache

import (
	"bytes"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.trai.ch/zerr"
)

// entryPrefix namespaces entry values, leaving room for other record kinds.
var entryPrefix = []byte("e:")

// LevelDBCache stores entries in a LevelDB database.
// goleveldb is safe for concurrent use, so no extra locking is needed.
type LevelDBCache struct {
	db *leveldb.DB
}

func NewLevelDBCache(path string) (LevelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return LevelDBCache{}, zerr.With(zerr.Wrap(err, "open leveldb cache"), "path", path)
	}
	return LevelDBCache{db: db}, nil
}

func entryKey(key string) []byte {
	return append(append([]byte{}, entryPrefix...), key...)
}

func (l LevelDBCache) Get(key string) (Entry, bool, error) {
	b, err := l.db.Get(entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, zerr.With(zerr.Wrap(err, "read leveldb cache"), "key", key)
	}
	entry, err := decodeEntry(b)
	if err != nil {
		return Entry{}, false, zerr.With(err, "key", key)
	}
	return entry, true, nil
}

func (l LevelDBCache) Put(key string, entry Entry) error {
	return zerr.Wrap(l.db.Put(entryKey(key), encodeEntry(entry), nil), "write leveldb cache")
}

func (l LevelDBCache) Purge(key string) error {
	return zerr.Wrap(l.db.Delete(entryKey(key), nil), "purge leveldb cache")
}

// Keys iterates over a snapshot of the database, so cb may call back into the cache.
func (l LevelDBCache) Keys(cb func(string)) error {
	it := l.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	defer it.Release()
	for it.Next() {
		cb(string(bytes.TrimPrefix(it.Key(), entryPrefix)))
	}
	return zerr.Wrap(it.Error(), "list leveldb cache")
}

func (l LevelDBCache) Close() error {
	return l.db.Close()
}
