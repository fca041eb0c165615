package freshproxy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/fresh-proxy/cache"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var epoch = time.Date(2024, 10, 9, 12, 0, 0, 0, time.UTC)

type fetch struct {
	target    string
	validator string
}

// scriptedOrigin is a Fetcher that answers with whatever respond returns
// and records every fetch.
type scriptedOrigin struct {
	mutex   sync.Mutex
	fetches []fetch
	respond func(target, validator string) (string, error)
}

func (o *scriptedOrigin) Fetch(_ context.Context, target, validator string) ([]byte, error) {
	o.mutex.Lock()
	o.fetches = append(o.fetches, fetch{target, validator})
	respond := o.respond
	o.mutex.Unlock()
	raw, err := respond(target, validator)
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

// answer replaces the origin's behavior.
func (o *scriptedOrigin) answer(respond func(target, validator string) (string, error)) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.respond = respond
}

// always makes the origin answer every request with raw.
func (o *scriptedOrigin) always(raw string) {
	o.answer(func(string, string) (string, error) { return raw, nil })
}

func (o *scriptedOrigin) calls() []fetch {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return append([]fetch(nil), o.fetches...)
}

func newTestEngine(t *testing.T) (*Engine, *scriptedOrigin, clockwork.FakeClock, cache.MemCache) {
	t.Helper()
	origin := &scriptedOrigin{}
	origin.always("HTTP/1.1 500 Internal Server Error\r\n\r\n")
	clock := clockwork.NewFakeClockAt(epoch)
	store := cache.NewMemCache()
	return NewEngine(store, origin, time.Minute, clock, zerolog.Nop()), origin, clock, store
}

const lastModified = "Tue, 08 Oct 2024 23:07:19 GMT"

const indexOK = "HTTP/1.1 200 OK\r\n" +
	"Last-Modified: " + lastModified + "\r\n" +
	"Content-Type: text/html\r\n" +
	"Content-Length: 11\r\n" +
	"\r\n" +
	"<h1>hi</h1>"
