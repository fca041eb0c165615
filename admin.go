package freshproxy

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/always-cache/fresh-proxy/cache"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// EntryInfo describes one cache entry in the admin API.
type EntryInfo struct {
	Target       string    `json:"target"`
	Status       int       `json:"status"`
	StoredAt     time.Time `json:"storedAt"`
	MaxAge       int64     `json:"maxAge"`
	Fresh        bool      `json:"fresh"`
	LastModified string    `json:"lastModified,omitempty"`
	Size         int       `json:"size"`
	Digest       string    `json:"digest"`
}

// AdminHandler returns the admin API router:
//
//	GET    /stats                 outcome counters
//	GET    /entries               all cached entries
//	GET    /entry?target=<target> one cached entry
//	DELETE /entry?target=<target> purge one cached entry
func (p *Proxy) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(p.log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Admin request")
	}))

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, p.engine.stats.Snapshot())
	})
	r.Get("/entries", p.listEntries)
	r.Get("/entry", p.getEntry)
	r.Delete("/entry", p.purgeEntry)
	return r
}

func (p *Proxy) listEntries(w http.ResponseWriter, r *http.Request) {
	store := p.engine.cache
	now := p.engine.clock.Now()
	entries := []EntryInfo{}
	err := store.Keys(func(key string) {
		entry, ok, err := store.Get(key)
		if err != nil {
			getLogger(r).Warn().Err(err).Str("target", key).Msg("Skipping unreadable entry")
			return
		}
		if ok {
			entries = append(entries, entryInfo(key, entry, now))
		}
	})
	if err != nil {
		getLogger(r).Error().Err(err).Msg("Could not list cache entries")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, http.StatusOK, entries)
}

func (p *Proxy) getEntry(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		http.Error(w, "target is required", http.StatusBadRequest)
		return
	}
	entry, ok, err := p.engine.cache.Get(target)
	if err != nil {
		getLogger(r).Error().Err(err).Str("target", target).Msg("Could not read cache entry")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, r, http.StatusOK, entryInfo(target, entry, p.engine.clock.Now()))
}

func (p *Proxy) purgeEntry(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		http.Error(w, "target is required", http.StatusBadRequest)
		return
	}
	if err := p.engine.cache.Purge(target); err != nil {
		getLogger(r).Error().Err(err).Str("target", target).Msg("Could not purge cache entry")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	getLogger(r).Info().Str("target", target).Msg("Purged cache entry")
	w.WriteHeader(http.StatusNoContent)
}

func entryInfo(target string, entry cache.Entry, now time.Time) EntryInfo {
	return EntryInfo{
		Target:       target,
		Status:       entry.Response.StatusCode,
		StoredAt:     entry.StoredAt.UTC(),
		MaxAge:       int64(entry.MaxAge / time.Second),
		Fresh:        entry.IsFresh(now),
		LastModified: entry.LastModified,
		Size:         len(entry.Response.Body),
		Digest:       strconv.FormatUint(entry.Digest, 16),
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLogger(r).Debug().Err(err).Msg("Could not write admin response")
	}
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the default logger.
func getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}
	return logger
}
