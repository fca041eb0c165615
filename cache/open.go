package cache

import "go.trai.ch/zerr"

// ErrUnknownProvider is returned by Open for an unsupported provider name.
var ErrUnknownProvider = zerr.New("unknown cache provider")

// Providers lists the names accepted by Open.
var Providers = []string{"memory", "sqlite", "leveldb"}

// Open creates the named cache provider. path is the database file (sqlite)
// or directory (leveldb), with a default used when empty. It is ignored for memory.
func Open(provider, path string) (CacheProvider, error) {
	switch provider {
	case "", "memory":
		return NewMemCache(), nil
	case "sqlite":
		if path == "" {
			path = "cache.db"
		}
		return NewSQLiteCache(path)
	case "leveldb":
		if path == "" {
			path = "./data/leveldb"
		}
		return NewLevelDBCache(path)
	default:
		return nil, zerr.With(zerr.Wrap(ErrUnknownProvider, "open cache"), "provider", provider)
	}
}
