package freshproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/fresh-proxy/cache"
	origin "github.com/always-cache/fresh-proxy/pkg/origin-client"
	framer "github.com/always-cache/fresh-proxy/pkg/response-framer"
	responsetransformer "github.com/always-cache/fresh-proxy/pkg/response-transformer"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/zerr"
)

var ctx = context.Background()

func TestMissThenFreshHit(t *testing.T) {
	engine, upstream, clock, store := newTestEngine(t)
	upstream.always(indexOK)

	o := engine.Resolve(ctx, "/index.html")
	require.IsType(t, Miss{}, o)
	assert.Equal(t, []byte("<h1>hi</h1>"), o.Response().Body)
	assert.Equal(t, "fresh-proxy; fwd=uri-miss; stored", o.CacheStatus().String())

	entry, ok, err := store.Get("/index.html")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, entry.MaxAge)
	assert.Equal(t, lastModified, entry.LastModified)
	assert.True(t, epoch.Equal(entry.StoredAt))

	clock.Advance(59 * time.Second)
	o = engine.Resolve(ctx, "/index.html")
	require.IsType(t, FreshHit{}, o)
	assert.Equal(t, []byte("<h1>hi</h1>"), o.Response().Body)
	assert.Equal(t, 1, o.(FreshHit).TimeToLive)

	assert.Equal(t, []fetch{{"/index.html", ""}}, upstream.calls())
	snap := engine.Stats().Snapshot()
	assert.EqualValues(t, 1, snap.Miss)
	assert.EqualValues(t, 1, snap.FreshHit)
}

func TestRevalidateNotModified(t *testing.T) {
	engine, upstream, clock, store := newTestEngine(t)
	upstream.always(indexOK)
	engine.Resolve(ctx, "/index.html")

	upstream.always("HTTP/1.1 304 Not Modified\r\n\r\n")
	clock.Advance(61 * time.Second)
	o := engine.Resolve(ctx, "/index.html")
	require.IsType(t, Revalidated{}, o)
	assert.Equal(t, []byte("<h1>hi</h1>"), o.Response().Body)
	assert.Equal(t, 200, o.Response().StatusCode)

	assert.Equal(t, []fetch{{"/index.html", ""}, {"/index.html", lastModified}}, upstream.calls())

	entry, _, _ := store.Get("/index.html")
	assert.True(t, clock.Now().Equal(entry.StoredAt))
	assert.Equal(t, []byte("<h1>hi</h1>"), entry.Response.Body)

	// renewed entry is fresh again
	clock.Advance(30 * time.Second)
	require.IsType(t, FreshHit{}, engine.Resolve(ctx, "/index.html"))
	assert.Len(t, upstream.calls(), 2)
}

func TestRevalidateReplaced(t *testing.T) {
	engine, upstream, clock, store := newTestEngine(t)
	upstream.always(indexOK)
	engine.Resolve(ctx, "/index.html")

	upstream.always("HTTP/1.1 200 OK\r\nLast-Modified: Wed, 09 Oct 2024 10:00:00 GMT\r\nCache-Control: max-age=300\r\n\r\nnew")
	clock.Advance(2 * time.Minute)
	o := engine.Resolve(ctx, "/index.html")
	require.IsType(t, Replaced{}, o)
	assert.True(t, o.(Replaced).Changed)
	assert.Equal(t, []byte("new"), o.Response().Body)

	entry, _, _ := store.Get("/index.html")
	assert.Equal(t, []byte("new"), entry.Response.Body)
	assert.Equal(t, "Wed, 09 Oct 2024 10:00:00 GMT", entry.LastModified)
	assert.Equal(t, 5*time.Minute, entry.MaxAge)
	assert.True(t, clock.Now().Equal(entry.StoredAt))
}

func TestReplacedLogsContentChange(t *testing.T) {
	upstream := &scriptedOrigin{}
	upstream.always(indexOK)
	clock := clockwork.NewFakeClockAt(epoch)
	var logs bytes.Buffer
	engine := NewEngine(cache.NewMemCache(), upstream, time.Minute, clock, zerolog.New(&logs))
	engine.Resolve(ctx, "/index.html")

	// same body, new validator
	upstream.always("HTTP/1.1 200 OK\r\nLast-Modified: Wed, 09 Oct 2024 10:00:00 GMT\r\n\r\n<h1>hi</h1>")
	clock.Advance(2 * time.Minute)
	o := engine.Resolve(ctx, "/index.html")
	require.IsType(t, Replaced{}, o)
	assert.False(t, o.(Replaced).Changed)
	assert.Contains(t, logs.String(), `"changed":false`)

	logs.Reset()
	upstream.always("HTTP/1.1 200 OK\r\nLast-Modified: Thu, 10 Oct 2024 10:00:00 GMT\r\n\r\nnew")
	clock.Advance(2 * time.Minute)
	o = engine.Resolve(ctx, "/index.html")
	require.IsType(t, Replaced{}, o)
	assert.True(t, o.(Replaced).Changed)
	assert.Contains(t, logs.String(), `"changed":true`)
	assert.Contains(t, logs.String(), "Origin replaced cached content")
}

func TestForcedRefetchWithoutValidator(t *testing.T) {
	engine, upstream, clock, _ := newTestEngine(t)
	upstream.always("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\nv1")
	engine.Resolve(ctx, "/plain")

	clock.Advance(time.Minute)
	o := engine.Resolve(ctx, "/plain")
	require.IsType(t, Refetched{}, o)
	assert.Equal(t, []fetch{{"/plain", ""}, {"/plain", ""}}, upstream.calls())
}

func TestExpiryBoundaryIsStale(t *testing.T) {
	engine, upstream, clock, _ := newTestEngine(t)
	upstream.always(indexOK)
	engine.Resolve(ctx, "/index.html")

	upstream.always("HTTP/1.1 304 Not Modified\r\n\r\n")
	clock.Advance(time.Minute)
	require.IsType(t, Revalidated{}, engine.Resolve(ctx, "/index.html"))
}

func TestNotFoundIsNotCached(t *testing.T) {
	engine, upstream, _, store := newTestEngine(t)
	upstream.always("HTTP/1.1 404 Not Found\r\nContent-Length: 9\r\n\r\nnot found")

	for i := 0; i < 2; i++ {
		o := engine.Resolve(ctx, "/missing.png")
		require.IsType(t, Passthrough{}, o)
		assert.Equal(t, 404, o.Response().StatusCode)
		assert.Equal(t, []byte("not found"), o.Response().Body)
	}
	_, ok, _ := store.Get("/missing.png")
	assert.False(t, ok)
	assert.Equal(t, []fetch{{"/missing.png", ""}, {"/missing.png", ""}}, upstream.calls())
}

func TestNotFoundLeavesStaleEntry(t *testing.T) {
	engine, upstream, clock, store := newTestEngine(t)
	upstream.always(indexOK)
	engine.Resolve(ctx, "/index.html")

	upstream.always("HTTP/1.1 404 Not Found\r\n\r\n")
	clock.Advance(2 * time.Minute)
	o := engine.Resolve(ctx, "/index.html")
	require.IsType(t, Passthrough{}, o)
	assert.Equal(t, 404, o.Response().StatusCode)

	_, ok, _ := store.Get("/index.html")
	assert.True(t, ok)
}

func TestNoStoreIsNeverCached(t *testing.T) {
	engine, upstream, _, store := newTestEngine(t)
	upstream.always("HTTP/1.1 200 OK\r\nLast-Modified: " + lastModified + "\r\nCache-Control: max-age=600, no-store\r\n\r\nsecret")

	for i := 0; i < 2; i++ {
		o := engine.Resolve(ctx, "/secret")
		require.IsType(t, Passthrough{}, o)
		assert.True(t, o.(Passthrough).NoStore)
		assert.Equal(t, []byte("secret"), o.Response().Body)
	}
	_, ok, _ := store.Get("/secret")
	assert.False(t, ok)
	// both fetches are unconditional
	assert.Equal(t, []fetch{{"/secret", ""}, {"/secret", ""}}, upstream.calls())
}

func TestNoStorePurgesStaleEntry(t *testing.T) {
	engine, upstream, clock, store := newTestEngine(t)
	upstream.always(indexOK)
	engine.Resolve(ctx, "/index.html")

	upstream.always("HTTP/1.1 200 OK\r\nCache-Control: no-store\r\n\r\nprivate now")
	clock.Advance(2 * time.Minute)
	o := engine.Resolve(ctx, "/index.html")
	require.IsType(t, Passthrough{}, o)

	_, ok, _ := store.Get("/index.html")
	assert.False(t, ok)
}

func TestOriginFailureKeepsStaleEntry(t *testing.T) {
	engine, upstream, clock, store := newTestEngine(t)
	upstream.always(indexOK)
	engine.Resolve(ctx, "/index.html")
	before, _, _ := store.Get("/index.html")

	upstream.answer(func(string, string) (string, error) {
		return "", zerr.Wrap(origin.ErrOriginUnreachable, "connection refused")
	})
	clock.Advance(2 * time.Minute)
	o := engine.Resolve(ctx, "/index.html")
	require.IsType(t, Failure{}, o)
	assert.Nil(t, o.Response())
	assert.True(t, errors.Is(o.(Failure).Err, origin.ErrOriginUnreachable))

	after, ok, _ := store.Get("/index.html")
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.EqualValues(t, 1, engine.Stats().Snapshot().Failure)
}

func TestMalformedOriginResponse(t *testing.T) {
	engine, upstream, _, store := newTestEngine(t)
	upstream.always("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n")

	o := engine.Resolve(ctx, "/broken")
	require.IsType(t, Failure{}, o)
	assert.True(t, errors.Is(o.(Failure).Err, framer.ErrFraming))
	_, ok, _ := store.Get("/broken")
	assert.False(t, ok)

	upstream.always("HTTP/1.1 200 OK\r\nContent-Length: 50\r\n\r\ncut")
	o = engine.Resolve(ctx, "/broken")
	require.IsType(t, Failure{}, o)
	assert.True(t, errors.Is(o.(Failure).Err, framer.ErrTruncated))
}

func TestMaxAgeZeroRevalidatesEveryTime(t *testing.T) {
	engine, upstream, _, _ := newTestEngine(t)
	upstream.answer(func(_, validator string) (string, error) {
		if validator != "" {
			return "HTTP/1.1 304 Not Modified\r\n\r\n", nil
		}
		return "HTTP/1.1 200 OK\r\nLast-Modified: " + lastModified + "\r\nCache-Control: max-age=0\r\n\r\nbody", nil
	})

	require.IsType(t, Miss{}, engine.Resolve(ctx, "/zero"))
	require.IsType(t, Revalidated{}, engine.Resolve(ctx, "/zero"))
	require.IsType(t, Revalidated{}, engine.Resolve(ctx, "/zero"))
	assert.Len(t, upstream.calls(), 3)
}

func TestMaxAgeFromOrigin(t *testing.T) {
	engine, upstream, clock, _ := newTestEngine(t)
	upstream.always("HTTP/1.1 200 OK\r\nCache-Control: public, max-age=120\r\n\r\nbody")
	engine.Resolve(ctx, "/long")

	clock.Advance(90 * time.Second)
	o := engine.Resolve(ctx, "/long")
	require.IsType(t, FreshHit{}, o)
	assert.Equal(t, 30, o.(FreshHit).TimeToLive)
}

func TestMalformedMaxAgeUsesDefault(t *testing.T) {
	engine, upstream, _, store := newTestEngine(t)
	upstream.always("HTTP/1.1 200 OK\r\nCache-Control: max-age=soon\r\n\r\nbody")
	engine.Resolve(ctx, "/x")
	entry, _, _ := store.Get("/x")
	assert.Equal(t, time.Minute, entry.MaxAge)
}

func TestNotModifiedToUnconditionalFetch(t *testing.T) {
	engine, upstream, _, store := newTestEngine(t)
	upstream.always("HTTP/1.1 304 Not Modified\r\n\r\n")
	o := engine.Resolve(ctx, "/odd")
	require.IsType(t, Passthrough{}, o)
	_, ok, _ := store.Get("/odd")
	assert.False(t, ok)
}

func TestRulesAdjustFreshness(t *testing.T) {
	engine, upstream, clock, store := newTestEngine(t)
	engine.WithRules(responsetransformer.Rules{
		{Prefix: "/static/", Override: "max-age=3600"},
		{Path: "/live", Override: "no-store"},
	})
	upstream.always(indexOK)

	engine.Resolve(ctx, "/static/app.js")
	entry, _, _ := store.Get("/static/app.js")
	assert.Equal(t, time.Hour, entry.MaxAge)
	clock.Advance(30 * time.Minute)
	require.IsType(t, FreshHit{}, engine.Resolve(ctx, "/static/app.js"))

	require.IsType(t, Passthrough{}, engine.Resolve(ctx, "/live"))
	_, ok, _ := store.Get("/live")
	assert.False(t, ok)
}

func TestKeysAreVerbatim(t *testing.T) {
	engine, upstream, _, _ := newTestEngine(t)
	upstream.always(indexOK)
	engine.Resolve(ctx, "/page?a=1&b=2")
	engine.Resolve(ctx, "/page?b=2&a=1")
	engine.Resolve(ctx, "/page?a=1&b=2")
	assert.Len(t, upstream.calls(), 2)
}

// brokenStore fails every read.
type brokenStore struct {
	cache.MemCache
}

func (brokenStore) Get(key string) (cache.Entry, bool, error) {
	return cache.Entry{}, false, zerr.With(zerr.Wrap(cache.ErrCorruptEntry, "test"), "key", key)
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	upstream := &scriptedOrigin{}
	upstream.always(indexOK)
	engine := NewEngine(brokenStore{cache.NewMemCache()}, upstream, time.Minute, nil, zerolog.Nop())

	o := engine.Resolve(ctx, "/index.html")
	require.IsType(t, Miss{}, o)
	assert.Equal(t, []fetch{{"/index.html", ""}}, upstream.calls())
}

func TestConcurrentRefreshesAreCoalesced(t *testing.T) {
	engine, upstream, _, _ := newTestEngine(t)
	release := make(chan struct{})
	upstream.answer(func(string, string) (string, error) {
		<-release
		return indexOK, nil
	})

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 20)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = engine.Resolve(ctx, "/index.html")
		}()
	}
	// let the flight start before answering
	require.Eventually(t, func() bool { return len(upstream.calls()) == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Len(t, upstream.calls(), 1)
	for _, o := range outcomes {
		assert.Equal(t, []byte("<h1>hi</h1>"), o.Response().Body)
	}
}

func TestConcurrentDistinctKeys(t *testing.T) {
	engine, upstream, _, store := newTestEngine(t)
	upstream.answer(func(target, _ string) (string, error) {
		return fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\n%s", target), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			target := fmt.Sprintf("/item/%d", i%10)
			o := engine.Resolve(ctx, target)
			assert.Equal(t, target, string(o.Response().Body))
		}()
	}
	wg.Wait()

	count := 0
	require.NoError(t, store.Keys(func(string) { count++ }))
	assert.Equal(t, 10, count)
	for i := 0; i < 10; i++ {
		entry, ok, _ := store.Get(fmt.Sprintf("/item/%d", i))
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("/item/%d", i), string(entry.Response.Body))
	}
}

var _ Fetcher = (*origin.Client)(nil)
