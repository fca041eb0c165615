package freshproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/fresh-proxy/cache"
	origin "github.com/always-cache/fresh-proxy/pkg/origin-client"
	responsetransformer "github.com/always-cache/fresh-proxy/pkg/response-transformer"
	writer "github.com/always-cache/fresh-proxy/pkg/response-writer"
	"github.com/always-cache/fresh-proxy/rfc9111"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.trai.ch/zerr"
)

const (
	DefaultMaxAge        = 60 * time.Second
	DefaultClientTimeout = 10 * time.Second
)

// drainTimeout bounds consuming request header fields after the request line.
const drainTimeout = 200 * time.Millisecond

type Config struct {
	// Storage for cache entries.
	Cache cache.CacheProvider
	// Address (host:port) of the origin server.
	OriginAddr string
	// Host header to send to the origin. OriginAddr is used if empty.
	OriginHost string
	// Freshness lifetime for responses without max-age.
	// It is also the max-age advertised to clients. Defaults to DefaultMaxAge.
	DefaultMaxAge time.Duration
	// Deadline for one origin exchange. Defaults to origin.DefaultTimeout.
	FetchTimeout time.Duration
	// Deadline for reading the client request, and for writing the response.
	// Defaults to DefaultClientTimeout.
	ClientTimeout time.Duration
	// Rules applied to origin responses before they are evaluated.
	Rules responsetransformer.Rules
	// Clock for freshness decisions. The real clock is used if nil.
	Clock clockwork.Clock
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Origin fetcher. An origin.Client for OriginAddr is used if nil.
	Fetcher Fetcher
}

type Proxy struct {
	engine        *Engine
	log           zerolog.Logger
	defaultMaxAge time.Duration
	clientTimeout time.Duration
	conns         sync.WaitGroup
}

// CreateProxy initializes the proxy instance from the config.
func CreateProxy(config Config) *Proxy {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginAddr).
		Logger()

	if config.DefaultMaxAge <= 0 {
		config.DefaultMaxAge = DefaultMaxAge
	}
	if config.ClientTimeout <= 0 {
		config.ClientTimeout = DefaultClientTimeout
	}
	fetcher := config.Fetcher
	if fetcher == nil {
		fetcher = &origin.Client{
			Addr:    config.OriginAddr,
			Host:    config.OriginHost,
			Timeout: config.FetchTimeout,
		}
	}

	return &Proxy{
		engine:        NewEngine(config.Cache, fetcher, config.DefaultMaxAge, config.Clock, logger).WithRules(config.Rules),
		log:           logger,
		defaultMaxAge: config.DefaultMaxAge,
		clientTimeout: config.ClientTimeout,
	}
}

// Engine returns the proxy's freshness engine.
func (p *Proxy) Engine() *Engine {
	return p.engine
}

// ListenAndServe listens on the TCP address addr and serves until ctx is done.
func (p *Proxy) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "listen"), "addr", addr)
	}
	return p.Serve(ctx, ln)
}

// Serve accepts connections on ln, handling each in its own goroutine.
// When ctx is done the listener is closed, and Serve returns nil
// once in-flight connections have finished.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer p.conns.Wait()

	p.log.Info().Str("addr", ln.Addr().String()).Msg("Proxy listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				p.log.Warn().Err(err).Msg("Temporary accept error")
				continue
			}
			return zerr.Wrap(err, "accept")
		}
		p.conns.Add(1)
		go func() {
			defer p.conns.Done()
			p.handle(ctx, conn)
		}()
	}
}

// handle serves exactly one request on conn and closes it.
func (p *Proxy) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := p.log.With().Str("sourceIp", remoteIP(conn)).Logger()

	// escape hatch: never take down the process because of one connection
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered while handling connection")
			writer.WriteStatus(conn, http.StatusInternalServerError)
		}
	}()

	br := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(p.clientTimeout))
	req, err := ReadRequest(br)
	// a client that sends no header block must not hold up its response
	conn.SetReadDeadline(time.Now().Add(drainTimeout))
	DrainHeaders(br)
	if err != nil {
		log.Debug().Err(err).Msg("Rejecting bad request")
		p.engine.stats.recordBadRequest()
		writer.WriteStatus(conn, http.StatusBadRequest)
		return
	}
	conn.SetReadDeadline(time.Time{})
	log = log.With().Str("method", req.Method).Str("url", req.Target).Logger()

	o := p.engine.Resolve(ctx, req.Target)
	cs := o.CacheStatus()
	res := o.Response()
	conn.SetWriteDeadline(time.Now().Add(p.clientTimeout))
	if res == nil {
		if f, ok := o.(Failure); ok {
			log.Error().Err(f.Err).Msg("Could not get response from origin")
		}
		writer.WriteStatus(conn, http.StatusInternalServerError)
		return
	}

	n, err := writer.Write(conn, res, p.cacheControl(o), cs.String())
	if err != nil {
		log.Debug().Err(err).Msg("Could not write response to client")
		return
	}
	isHit := 0
	if cs.FwdReason == "" {
		isHit = 1
	}
	log.Debug().
		Str("outcome", o.Kind()).
		Int("code", res.StatusCode).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("ttl", cs.TimeToLive).
		Int("hit", isHit).
		Msg("Sending response to client")
	log.Trace().Msgf("Wrote body (%d bytes)", n)
}

// cacheControl is the Cache-Control value sent to the client.
// Responses other than 200 keep the origin's header fields.
func (p *Proxy) cacheControl(o Outcome) string {
	if pt, ok := o.(Passthrough); ok {
		if pt.NoStore {
			return "no-store"
		}
		return ""
	}
	if res := o.Response(); res == nil || res.StatusCode != http.StatusOK {
		return ""
	}
	return fmt.Sprintf("max-age=%s", rfc9111.ToDeltaSeconds(p.defaultMaxAge))
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
