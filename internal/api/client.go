// Package api talks to the SpaceTraders v2 REST API.
//
// Every call goes through Client.Do, which layers three behaviors over a
// plain request/response:
//
//   - reads (GET, HEAD) are cached per request signature; a fresh entry
//     is served without a network call, a stale entry holding an ETag is
//     revalidated with a conditional request, and a 304 restarts its TTL
//   - a 429 is retried after the wait the server asked for, up to
//     MaxRetries times
//   - every request, response, cache decision and retry is logged
//
// A missing or malformed token fails before anything reaches the
// network. A 401 and every other error status are returned unchanged as
// an *APIError; transport failures are returned wrapped and not retried.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/papaburgs/spacetraders-zero/internal/respcache"
	"github.com/papaburgs/spacetraders-zero/internal/types"
)

const tracerName = "github.com/papaburgs/spacetraders-zero/internal/api"

// Limiter paces outbound requests. *gate.Gate satisfies it.
type Limiter interface {
	Latch(ctx context.Context) error
	Lock(d time.Duration)
}

type Options struct {
	BaseURL string
	// Token is the agent bearer token, fixed for the client's lifetime.
	Token string

	HTTPClient *http.Client
	// Timeout applies when HTTPClient is nil.
	Timeout time.Duration

	// Cache, when nil, is created from CacheTTL and CacheSize unless
	// DisableCache is set.
	Cache        *respcache.Cache
	CacheTTL     time.Duration
	CacheSize    int
	DisableCache bool

	// MaxRetries is how many times a rate-limited request is retried.
	MaxRetries int
	// DefaultRetryAfter is used when a 429 carries no wait hint.
	DefaultRetryAfter time.Duration

	Gate   Limiter
	Logger *slog.Logger

	// Now and Sleep replace the time package in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Request describes one API call. Path is relative to the base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body is sent as JSON; []byte is sent as is.
	Body any
	// NoAuth marks endpoints that work without a token.
	NoAuth bool
	// NoCache sends a read straight to the server. Used for data that
	// goes stale by the second, like cooldowns and arrival.
	NoCache bool
}

type CacheStatus string

const (
	CacheBypass      CacheStatus = "bypass"
	CacheHit         CacheStatus = "hit"
	CacheMiss        CacheStatus = "miss"
	CacheRevalidated CacheStatus = "revalidated"
)

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Cache      CacheStatus
	Attempts   int
}

func (r *Response) clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	c.Body = append([]byte(nil), r.Body...)
	return &c
}

// Decode unmarshals the whole body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Data unmarshals the "data" member of the game's envelope into v.
func (r *Response) Data(v any) error {
	d := gjson.GetBytes(r.Body, "data")
	if !d.Exists() {
		return fmt.Errorf("response has no data member")
	}
	return json.Unmarshal([]byte(d.Raw), v)
}

// Meta returns the paging block of a list response.
func (r *Response) Meta() types.Meta {
	m := gjson.GetBytes(r.Body, "meta")
	return types.Meta{
		Limit: int(m.Get("limit").Int()),
		Page:  int(m.Get("page").Int()),
		Total: int(m.Get("total").Int()),
	}
}

// Stats are counters since the client was created.
type Stats struct {
	Requests    int64
	Hits        int64
	Misses      int64
	Revalidated int64
	RateLimited int64
	Retries     int64
	Errors      int64
}

type counters struct {
	requests, hits, misses, revalidated, rateLimited, retries, errors atomic.Int64
}

type Client struct {
	base              *url.URL
	token             string
	http              *http.Client
	cache             *respcache.Cache
	flights           singleflight.Group
	maxRetries        int
	defaultRetryAfter time.Duration
	gate              Limiter
	log               *slog.Logger
	now               func() time.Time
	sleep             func(context.Context, time.Duration) error
	tracer            trace.Tracer
	stats             counters
}

// New builds a client. Only a malformed base URL is an error; a missing
// token is reported by each authenticated call instead.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q is not absolute", opts.BaseURL)
	}
	if base.Path == "" {
		base.Path = "/"
	}

	c := &Client{
		base:              base,
		token:             strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(opts.Token), "Bearer ")),
		http:              opts.HTTPClient,
		cache:             opts.Cache,
		maxRetries:        opts.MaxRetries,
		defaultRetryAfter: opts.DefaultRetryAfter,
		gate:              opts.Gate,
		log:               opts.Logger,
		now:               opts.Now,
		sleep:             opts.Sleep,
		tracer:            otel.Tracer(tracerName),
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.cache == nil && !opts.DisableCache {
		c.cache = respcache.New(opts.CacheTTL, respcache.WithMaxEntries(opts.CacheSize), respcache.WithClock(c.clock))
	}
	if opts.DisableCache {
		c.cache = nil
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.defaultRetryAfter <= 0 {
		c.defaultRetryAfter = 2 * time.Second
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	return c, nil
}

func (c *Client) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// HasToken reports whether authenticated calls can be attempted.
func (c *Client) HasToken() bool {
	return c.checkToken() == nil
}

func (c *Client) checkToken() error {
	if c.token == "" {
		return ErrNoToken
	}
	if strings.ContainsAny(c.token, " \t\r\n") {
		return ErrInvalidToken
	}
	return nil
}

// Stats returns a snapshot of the request counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:    c.stats.requests.Load(),
		Hits:        c.stats.hits.Load(),
		Misses:      c.stats.misses.Load(),
		Revalidated: c.stats.revalidated.Load(),
		RateLimited: c.stats.rateLimited.Load(),
		Retries:     c.stats.retries.Load(),
		Errors:      c.stats.errors.Load(),
	}
}

// CacheLen is the number of stored responses, 0 when caching is off.
func (c *Client) CacheLen() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}

// ClearCache drops every cached response.
func (c *Client) ClearCache() {
	if c.cache != nil {
		c.cache.Clear()
	}
}

type call struct {
	method string
	url    *url.URL
	body   []byte
	auth   bool
	log    *slog.Logger
}

// Do performs req. On success the response is a private copy; on an
// error status the error is an *APIError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	u := c.base.JoinPath(req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	l := c.log.With("request_id", uuid.NewString(), "method", method, "path", u.Path)

	if !req.NoAuth {
		if err := c.checkToken(); err != nil {
			l.Error("refusing request", "error", err)
			return nil, err
		}
	}

	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", req.Path, err)
	}

	ctx, span := c.tracer.Start(ctx, "spacetraders "+method, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", u.Path),
		))
	defer span.End()

	cl := &call{method: method, url: u, body: body, auth: !req.NoAuth, log: l}
	var resp *Response
	if c.cache != nil && cacheable(method) && !req.NoCache {
		resp, err = c.cached(ctx, cl)
	} else {
		resp, err = c.send(ctx, cl, nil)
		if err == nil {
			resp.Cache = CacheBypass
			c.invalidate(cl)
		}
	}

	if err != nil {
		c.stats.errors.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := StatusCode(err); code != 0 {
			span.SetAttributes(attribute.Int("http.response.status_code", code))
		}
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("http.response.status_code", resp.StatusCode),
		attribute.String("cache.status", string(resp.Cache)),
		attribute.Int("attempts", resp.Attempts),
	)
	return resp, nil
}

func cacheable(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func encodeBody(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(v)
	}
}

// cached serves reads through the cache. Identical concurrent reads
// share one flight so the check-then-fetch for a signature never runs
// twice at once. The flight is detached from the caller that started
// it; every caller stops waiting when its own ctx is done.
func (c *Client) cached(ctx context.Context, cl *call) (*Response, error) {
	key := respcache.Key(cl.method, cl.url, cl.body)
	detached := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(key, func() (any, error) {
		return c.fetchCached(detached, cl, key)
	})

	select {
	case <-ctx.Done():
		cl.log.Debug("stopped waiting for request", "error", ctx.Err())
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			cl.log.Debug("joined in-flight request")
		}
		return res.Val.(*Response).clone(), nil
	}
}

func (c *Client) fetchCached(ctx context.Context, cl *call, key string) (*Response, error) {
	entry, fresh, ok := c.cache.Lookup(key)
	if ok && fresh {
		c.stats.hits.Add(1)
		cl.log.Debug("cache hit", "age", c.clock().Sub(entry.FetchedAt))
		return fromEntry(entry, CacheHit), nil
	}

	var cond http.Header
	if ok && entry.Revalidatable() {
		cond = http.Header{}
		if entry.ETag != "" {
			cond.Set("If-None-Match", entry.ETag)
		}
		if entry.LastModified != "" {
			cond.Set("If-Modified-Since", entry.LastModified)
		}
		cl.log.Debug("cache stale, revalidating", "etag", entry.ETag)
	} else {
		cl.log.Debug("cache miss", "stale", ok)
	}

	resp, err := c.send(ctx, cl, cond)
	if err != nil {
		if ok && gone(err) {
			c.cache.Delete(key)
			cl.log.Debug("cached resource gone, dropped")
		}
		return nil, err
	}

	if resp.StatusCode == http.StatusNotModified && cond != nil {
		if refreshed, ok := c.cache.Refresh(key, resp.Header); ok {
			c.stats.revalidated.Add(1)
			cl.log.Debug("cache revalidated")
			out := fromEntry(refreshed, CacheRevalidated)
			out.Attempts = resp.Attempts
			return out, nil
		}
		// evicted while we were asking, fetch it whole
		cl.log.Debug("revalidated entry gone, refetching")
		if resp, err = c.send(ctx, cl, nil); err != nil {
			return nil, err
		}
	}

	c.stats.misses.Add(1)
	resp.Cache = CacheMiss
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.cache.Store(key, respcache.FromResponse(cl.method, cl.url.EscapedPath(), resp.StatusCode, resp.Header, resp.Body, c.clock()))
	}
	return resp, nil
}

func gone(err error) bool {
	code := StatusCode(err)
	return code == http.StatusNotFound || code == http.StatusGone
}

func fromEntry(e *respcache.Entry, status CacheStatus) *Response {
	return &Response{
		StatusCode: e.StatusCode,
		Header:     e.Header,
		Body:       e.Body,
		Cache:      status,
	}
}

// invalidate drops cached agent-owned data after a successful change to
// it, so the next read sees the new ship or agent state.
func (c *Client) invalidate(cl *call) {
	if c.cache == nil || cacheable(cl.method) {
		return
	}
	prefix := respcache.NormalizePath(c.base.JoinPath("my").EscapedPath()) + "/"
	if !strings.HasPrefix(cl.url.EscapedPath(), prefix) {
		return
	}
	if n := c.cache.InvalidatePrefix(prefix); n > 0 {
		cl.log.Debug("cache invalidated", "entries", n)
	}
}

// send performs the request, retrying rate-limited attempts. A 304 is
// returned as a response, not an error, for the cache to handle.
func (c *Client) send(ctx context.Context, cl *call, extra http.Header) (*Response, error) {
	for attempt := 1; ; attempt++ {
		if c.gate != nil {
			if err := c.gate.Latch(ctx); err != nil {
				return nil, fmt.Errorf("wait for request slot: %w", err)
			}
		}

		req, err := http.NewRequestWithContext(ctx, cl.method, cl.url.String(), bodyReader(cl.body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if cl.body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if cl.auth {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		for k, v := range extra {
			req.Header[k] = v
		}

		c.stats.requests.Add(1)
		start := c.clock()
		cl.log.Debug("api request", "attempt", attempt, "conditional", extra != nil)
		httpResp, err := c.http.Do(req)
		if err != nil {
			cl.log.Error("api transport error", "attempt", attempt, "duration", c.clock().Sub(start), "error", err)
			return nil, fmt.Errorf("%s %s: %w", cl.method, cl.url.Path, err)
		}
		data, err := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s %s response: %w", cl.method, cl.url.Path, err)
		}

		resp := &Response{
			StatusCode: httpResp.StatusCode,
			Header:     httpResp.Header,
			Body:       data,
			Attempts:   attempt,
		}
		c.logResponse(cl.log, resp, c.clock().Sub(start))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusNotModified:
			return resp, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			c.stats.rateLimited.Add(1)
			if attempt > c.maxRetries {
				cl.log.Error("rate limit retries exhausted", "attempts", attempt)
				return nil, newAPIError(cl.method, cl.url.String(), resp)
			}
			wait := retryAfter(resp.Header, resp.Body, c.clock(), c.defaultRetryAfter)
			cl.log.Warn("rate limited, waiting before retry", "wait", wait, "attempt", attempt, "max_retries", c.maxRetries)
			if c.gate != nil {
				c.gate.Lock(wait)
			}
			c.stats.retries.Add(1)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("waiting out rate limit: %w", err)
			}
		default:
			return nil, newAPIError(cl.method, cl.url.String(), resp)
		}
	}
}

func bodyReader(b []byte) io.Reader {
	if b == nil {
		return nil
	}
	return bytes.NewReader(b)
}

func (c *Client) logResponse(l *slog.Logger, resp *Response, d time.Duration) {
	level := slog.LevelDebug
	args := []any{"status", resp.StatusCode, "duration", d, "bytes", len(resp.Body), "attempt", resp.Attempts}
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
		body := resp.Body
		if len(body) > 1000 {
			body = body[:1000]
		}
		args = append(args, "body", string(body))
	}
	l.Log(context.Background(), level, "api response", args...)
}
