package freshproxy

import (
	"github.com/always-cache/fresh-proxy/cache"
	framer "github.com/always-cache/fresh-proxy/pkg/response-framer"
	"github.com/always-cache/fresh-proxy/rfc9211"
)

// Outcome is the result of resolving one request against the cache and origin.
//
// The concrete types are Miss, FreshHit, Revalidated, Replaced, Refetched,
// Passthrough and Failure. Each one knows the single cache side effect it
// requires, which the engine performs through commit.
type Outcome interface {
	// Kind names the outcome, e.g. for logs and stats.
	Kind() string
	// Response to send to the client. Nil only for Failure.
	Response() *framer.Response
	// CacheStatus to report in the Cache-Status header.
	CacheStatus() rfc9211.CacheStatus
	// commit applies the outcome's side effect to the cache.
	commit(store cache.CacheProvider, key string) error
}

// Miss: the key was not cached, the fetched response was stored.
type Miss struct {
	Entry cache.Entry
}

func (o Miss) Kind() string               { return "miss" }
func (o Miss) Response() *framer.Response { return o.Entry.Response }
func (o Miss) CacheStatus() rfc9211.CacheStatus {
	return rfc9211.CacheStatus{Status: rfc9211.StatusFwd, FwdReason: rfc9211.FwdReasonUriMiss, Stored: true}
}
func (o Miss) commit(store cache.CacheProvider, key string) error {
	return store.Put(key, o.Entry)
}

// FreshHit: the cached entry was fresh and served without contacting the origin.
type FreshHit struct {
	Entry cache.Entry
	// Remaining freshness lifetime, in seconds.
	TimeToLive int
}

func (o FreshHit) Kind() string               { return "fresh-hit" }
func (o FreshHit) Response() *framer.Response { return o.Entry.Response }
func (o FreshHit) CacheStatus() rfc9211.CacheStatus {
	return rfc9211.CacheStatus{Status: rfc9211.StatusHit, TimeToLive: o.TimeToLive}
}
func (o FreshHit) commit(cache.CacheProvider, string) error { return nil }

// Revalidated: the entry was stale, the origin answered 304 Not Modified.
// Entry holds the unchanged content with a renewed StoredAt.
type Revalidated struct {
	Entry cache.Entry
}

func (o Revalidated) Kind() string               { return "revalidated" }
func (o Revalidated) Response() *framer.Response { return o.Entry.Response }
func (o Revalidated) CacheStatus() rfc9211.CacheStatus {
	return rfc9211.CacheStatus{Status: rfc9211.StatusFwd, FwdReason: rfc9211.FwdReasonStale, Stored: true, Detail: "not-modified"}
}
func (o Revalidated) commit(store cache.CacheProvider, key string) error {
	return store.Put(key, o.Entry)
}

// Replaced: the entry was stale, the origin answered the conditional request with 200.
type Replaced struct {
	Entry cache.Entry
	// Whether the new body differs from the previously cached one.
	Changed bool
}

func (o Replaced) Kind() string               { return "replaced" }
func (o Replaced) Response() *framer.Response { return o.Entry.Response }
func (o Replaced) CacheStatus() rfc9211.CacheStatus {
	return rfc9211.CacheStatus{Status: rfc9211.StatusFwd, FwdReason: rfc9211.FwdReasonStale, Stored: true}
}
func (o Replaced) commit(store cache.CacheProvider, key string) error {
	return store.Put(key, o.Entry)
}

// Refetched: the entry was stale and had no validator, so it was fetched unconditionally.
type Refetched struct {
	Entry cache.Entry
}

func (o Refetched) Kind() string               { return "refetched" }
func (o Refetched) Response() *framer.Response { return o.Entry.Response }
func (o Refetched) CacheStatus() rfc9211.CacheStatus {
	return rfc9211.CacheStatus{Status: rfc9211.StatusFwd, FwdReason: rfc9211.FwdReasonStale, Stored: true}
}
func (o Refetched) commit(store cache.CacheProvider, key string) error {
	return store.Put(key, o.Entry)
}

// Passthrough: the origin response must not be stored (not a 200, or no-store).
// It is served once and discarded.
type Passthrough struct {
	Res *framer.Response
	// The response carried a no-store directive.
	NoStore bool
	// A stale entry existed for the key when the origin was contacted.
	HadEntry bool
}

func (o Passthrough) Kind() string               { return "passthrough" }
func (o Passthrough) Response() *framer.Response { return o.Res }
func (o Passthrough) CacheStatus() rfc9211.CacheStatus {
	reason := rfc9211.FwdReasonUriMiss
	if o.HadEntry {
		reason = rfc9211.FwdReasonStale
	}
	return rfc9211.CacheStatus{Status: rfc9211.StatusFwd, FwdReason: reason}
}

// commit drops a stale entry that a no-store 200 supersedes, so that
// the old content cannot be revalidated back to life.
func (o Passthrough) commit(store cache.CacheProvider, key string) error {
	if o.NoStore && o.HadEntry {
		return store.Purge(key)
	}
	return nil
}

// Failure: the origin could not be reached, timed out, or sent an unframeable response.
// The cache is left untouched and a stale entry is never served in its place.
type Failure struct {
	Err error
}

func (o Failure) Kind() string               { return "failure" }
func (o Failure) Response() *framer.Response { return nil }
func (o Failure) CacheStatus() rfc9211.CacheStatus {
	return rfc9211.CacheStatus{Status: rfc9211.StatusFwd, FwdReason: rfc9211.FwdReasonMiss, Detail: "error"}
}
func (o Failure) commit(cache.CacheProvider, string) error { return nil }
