package cache

import (
	"sort"
	"sync"
	"time"

	framer "github.com/always-cache/fresh-proxy/pkg/response-framer"
	"github.com/always-cache/fresh-proxy/rfc9111"
	"github.com/cespare/xxhash/v2"
	"go.trai.ch/zerr"
)

// ErrCorruptEntry means a stored value could not be decoded into an Entry.
var ErrCorruptEntry = zerr.New("corrupt cache entry")

// CacheProvider is an interface for a cache provider.
// It stores and retrieves entries keyed by request target (path and query, verbatim).
//
// Implementations must be thread-safe!
// Every call is atomic on its own, but callers must not assume an entry is
// unchanged between a Get and a later Put: concurrent writers are last-write-wins.
type CacheProvider interface {
	// Get returns the entry stored under key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(key string) (Entry, bool, error)
	// Put stores the entry under the given key, replacing any previous entry.
	Put(key string, entry Entry) error
	// Purge removes the entry for the given key.
	// It is not used on the request path, except to drop an entry the origin
	// has since marked as no-store.
	Purge(key string) error
	// Keys calls the given callback for each key, in no particular order.
	Keys(cb func(string)) error
	// Close releases any resources held by the provider.
	Close() error
}

// Entry is one stored origin response.
type Entry struct {
	// Status line, ordered header fields and body as received from origin.
	Response *framer.Response
	// Value of the Last-Modified header, empty if the origin omitted it.
	// It is the validator for If-Modified-Since revalidation.
	LastModified string
	// When the entry was created, replaced or last confirmed by a 304.
	StoredAt time.Time
	// Effective freshness lifetime.
	MaxAge time.Duration
	// xxhash of the body.
	Digest uint64
}

// NewEntry creates an entry for an origin response, extracting the validator.
func NewEntry(res *framer.Response, storedAt time.Time, maxAge time.Duration) Entry {
	lastModified, _ := res.Header.Get("Last-Modified")
	return Entry{
		Response:     res,
		LastModified: lastModified,
		StoredAt:     storedAt,
		MaxAge:       maxAge,
		Digest:       xxhash.Sum64(res.Body),
	}
}

// Age returns how long ago the entry was stored, relative to now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// IsFresh reports whether the entry may be served without contacting the origin.
// An entry exactly at its expiry is stale.
func (e Entry) IsFresh(now time.Time) bool {
	return rfc9111.IsFresh(e.MaxAge, e.Age(now))
}

// Validated returns a copy of the entry with the same content and a new StoredAt.
func (e Entry) Validated(now time.Time) Entry {
	e.StoredAt = now
	return e
}

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]Entry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
}

func (m MemCache) Get(key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[key]
	return entry, ok, nil
}

func (m MemCache) Put(key string, entry Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = entry
	return nil
}

func (m MemCache) Purge(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

// Keys calls cb for a snapshot of the keys, so cb may call back into the cache.
func (m MemCache) Keys(cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db))
	for key := range m.db {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemCache) Close() error {
	return nil
}
