package cache

import (
	"database/sql"
	"errors"
	"sync"

	serializer "github.com/always-cache/fresh-proxy/pkg/entry-serializer"
	_ "github.com/glebarez/go-sqlite"
	"go.trai.ch/zerr"
)

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache opens (or creates) the SQLite database at filename.
// Use "file::memory:?cache=shared" for an in-memory database.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, zerr.With(zerr.Wrap(err, "open sqlite cache"), "file", filename)
	}
	for _, stmt := range []string{
		"CREATE TABLE IF NOT EXISTS cache (key TEXT PRIMARY KEY, stored_at INTEGER, bytes BLOB)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, zerr.With(zerr.Wrap(err, "init sqlite cache"), "file", filename)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Get(key string) (Entry, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM cache WHERE key = ?", key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, zerr.With(zerr.Wrap(err, "read sqlite cache"), "key", key)
	}
	entry, err := decodeEntry(bytes)
	if err != nil {
		return Entry{}, false, zerr.With(err, "key", key)
	}
	return entry, true, nil
}

func (s SQLiteCache) Put(key string, entry Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO cache (key, stored_at, bytes) VALUES (?, ?, ?)",
		key, entry.StoredAt.UnixNano(), encodeEntry(entry))
	return zerr.Wrap(err, "write sqlite cache")
}

func (s SQLiteCache) Purge(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE key = ?", key)
	return zerr.Wrap(err, "purge sqlite cache")
}

// Keys collects all keys before calling cb, so cb may call back into the cache.
func (s SQLiteCache) Keys(cb func(string)) error {
	rows, err := s.db.Query("SELECT key FROM cache ORDER BY key")
	if err != nil {
		return zerr.Wrap(err, "list sqlite cache")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return zerr.Wrap(err, "list sqlite cache")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return zerr.Wrap(err, "list sqlite cache")
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}

func encodeEntry(entry Entry) []byte {
	return serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: entry.Response,
		StoredAt: entry.StoredAt,
		MaxAge:   entry.MaxAge,
	})
}

func decodeEntry(b []byte) (Entry, error) {
	sRes, err := serializer.BytesToStoredResponse(b)
	if err != nil {
		return Entry{}, zerr.Wrap(ErrCorruptEntry, err.Error())
	}
	return NewEntry(sRes.Response, sRes.StoredAt, sRes.MaxAge), nil
}
