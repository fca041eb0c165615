package freshproxy

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/always-cache/fresh-proxy/cache"
	framer "github.com/always-cache/fresh-proxy/pkg/response-framer"
	responsetransformer "github.com/always-cache/fresh-proxy/pkg/response-transformer"
	"github.com/always-cache/fresh-proxy/rfc9111"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Fetcher retrieves raw origin responses.
// validator, if not empty, is sent as If-Modified-Since.
type Fetcher interface {
	Fetch(ctx context.Context, target, validator string) ([]byte, error)
}

// Engine decides, per request target, whether to serve from cache,
// revalidate, or fetch, and applies the resulting cache update.
type Engine struct {
	cache         cache.CacheProvider
	origin        Fetcher
	rules         responsetransformer.Rules
	defaultMaxAge time.Duration
	clock         clockwork.Clock
	flight        singleflight.Group
	stats         *Stats
	log           zerolog.Logger
}

// NewEngine creates an engine. A nil clock means the real clock.
func NewEngine(store cache.CacheProvider, origin Fetcher, defaultMaxAge time.Duration, clock clockwork.Clock, logger zerolog.Logger) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		cache:         store,
		origin:        origin,
		defaultMaxAge: defaultMaxAge,
		clock:         clock,
		stats:         &Stats{},
		log:           logger,
	}
}

// WithRules sets the rules applied to origin responses before they are evaluated.
func (e *Engine) WithRules(rules responsetransformer.Rules) *Engine {
	e.rules = rules
	return e
}

// Stats returns the engine's outcome counters.
func (e *Engine) Stats() *Stats {
	return e.stats
}

// Resolve produces the outcome for target and commits its cache side effect.
//
// A fresh entry is served without contacting the origin. Otherwise the origin
// is consulted, conditionally if the stale entry has a validator. Concurrent
// refreshes of the same target share a single origin fetch.
func (e *Engine) Resolve(ctx context.Context, target string) Outcome {
	entry, ok := e.lookup(target)
	if now := e.clock.Now(); ok && entry.IsFresh(now) {
		o := FreshHit{Entry: entry, TimeToLive: ttlSeconds(entry, now)}
		e.stats.record(o)
		return o
	}

	v, _, _ := e.flight.Do(target, func() (interface{}, error) {
		// the entry may have been refreshed by a flight that just finished
		latest, found := e.lookup(target)
		if now := e.clock.Now(); found && latest.IsFresh(now) {
			return FreshHit{Entry: latest, TimeToLive: ttlSeconds(latest, now)}, nil
		}
		o := e.refresh(ctx, target, latest, found)
		if err := o.commit(e.cache, target); err != nil {
			e.log.Error().Err(err).Str("target", target).Str("outcome", o.Kind()).Msg("Could not update cache")
		}
		return o, nil
	})
	o := v.(Outcome)
	e.stats.record(o)
	return o
}

// lookup reads the cache. Store errors, including corrupt entries, count as a miss.
func (e *Engine) lookup(target string) (cache.Entry, bool) {
	entry, ok, err := e.cache.Get(target)
	if err != nil {
		e.log.Error().Err(err).Str("target", target).Msg("Could not read from cache")
		return cache.Entry{}, false
	}
	return entry, ok
}

// refresh contacts the origin for target. stale is the current entry, if cached.
func (e *Engine) refresh(ctx context.Context, target string, stale cache.Entry, cached bool) Outcome {
	validator := ""
	if cached {
		validator = stale.LastModified
	}
	log := e.log.With().Str("target", target).Bool("cached", cached).Str("validator", validator).Logger()
	log.Trace().Msg("Fetching from origin")

	raw, err := e.origin.Fetch(ctx, target, validator)
	if err != nil {
		log.Warn().Err(err).Msg("Origin fetch failed")
		return Failure{Err: err}
	}
	res, err := framer.Parse(raw)
	if err != nil {
		log.Warn().Err(err).Msg("Malformed origin response")
		return Failure{Err: err}
	}
	now := e.clock.Now()

	if res.StatusCode == http.StatusNotModified && validator != "" {
		log.Trace().Msg("Origin confirmed cached content")
		return Revalidated{Entry: stale.Validated(now)}
	}
	if res.StatusCode != http.StatusOK {
		log.Trace().Int("status", res.StatusCode).Msg("Passing through non-cacheable status")
		return Passthrough{Res: res, HadEntry: cached}
	}

	e.rules.Apply(target, res)
	cc := rfc9111.ParseCacheControl(res.Header.Values("Cache-Control"))
	if rfc9111.MustNotStore(res.StatusCode, cc) {
		log.Trace().Msg("Origin response is no-store")
		return Passthrough{Res: res, NoStore: true, HadEntry: cached}
	}
	fetched := cache.NewEntry(res, now, rfc9111.FreshnessLifetime(cc, e.defaultMaxAge))

	switch {
	case !cached:
		return Miss{Entry: fetched}
	case validator != "":
		changed := fetched.Digest != stale.Digest
		log.Debug().
			Bool("changed", changed).
			Str("digest", strconv.FormatUint(fetched.Digest, 16)).
			Msg("Origin replaced cached content")
		return Replaced{Entry: fetched, Changed: changed}
	default:
		return Refetched{Entry: fetched}
	}
}

func ttlSeconds(entry cache.Entry, now time.Time) int {
	return int((entry.MaxAge - entry.Age(now)) / time.Second)
}
