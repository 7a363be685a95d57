// Package respcache holds HTTP responses keyed by request signature.
//
// Entries are fresh for a fixed TTL after they were fetched. A stale
// entry is not dropped: it keeps its ETag so the caller can revalidate it
// with a conditional request and Refresh it on "304 Not Modified". The
// cache is bounded and evicts the least recently used entry.
package respcache

import (
	"container/list"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultTTL matches the freshness window the game API data tolerates.
const DefaultTTL = 60 * time.Second

// DefaultMaxEntries bounds memory when no size is given.
const DefaultMaxEntries = 1000

// Entry is a cached response. Values handed out by the Cache are copies,
// callers may modify them freely.
type Entry struct {
	Method       string
	Path         string
	StatusCode   int
	Header       http.Header
	Body         []byte
	ETag         string
	LastModified string
	FetchedAt    time.Time
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Header = e.Header.Clone()
	c.Body = append([]byte(nil), e.Body...)
	return &c
}

// Revalidatable reports whether a conditional request can be made.
func (e *Entry) Revalidatable() bool {
	return e.ETag != "" || e.LastModified != ""
}

// FromResponse builds an entry from a response whose body has already
// been read. The validators are taken from header.
func FromResponse(method, path string, status int, header http.Header, body []byte, fetched time.Time) *Entry {
	return &Entry{
		Method:       method,
		Path:         NormalizePath(path),
		StatusCode:   status,
		Header:       header.Clone(),
		Body:         append([]byte(nil), body...),
		ETag:         header.Get("ETag"),
		LastModified: header.Get("Last-Modified"),
		FetchedAt:    fetched,
	}
}

type item struct {
	key   string
	entry *Entry
}

// Cache is safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	now   func() time.Time
	items map[string]*list.Element
	order *list.List
}

type Option func(*Cache)

// WithClock replaces time.Now, tests use it to move time forward.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMaxEntries sets the LRU bound. Values below 1 keep the default.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.max = n
		}
	}
}

// New returns an empty cache. A ttl <= 0 uses DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:   ttl,
		max:   DefaultMaxEntries,
		now:   time.Now,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Lookup returns a copy of the entry stored under key and whether it is
// still inside its TTL. ok is false when nothing is stored.
func (c *Cache) Lookup(key string) (e *Entry, fresh bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.items[key]
	if !found {
		return nil, false, false
	}
	c.order.MoveToFront(el)
	stored := el.Value.(*item).entry
	return stored.clone(), c.now().Sub(stored.FetchedAt) < c.ttl, true
}

// Store saves a copy of e under key, stamping FetchedAt when unset.
func (c *Cache) Store(key string, e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := e.clone()
	if stored.FetchedAt.IsZero() {
		stored.FetchedAt = c.now()
	}
	if el, found := c.items[key]; found {
		el.Value.(*item).entry = stored
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&item{key: key, entry: stored})
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*item).key)
	}
}

// Refresh restarts the TTL of an entry after a "304 Not Modified".
// Validators present in header replace the stored ones; the body is
// never touched. It returns the refreshed copy, or false when the entry
// has been evicted in the meantime.
func (c *Cache) Refresh(key string, header http.Header) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.items[key]
	if !found {
		return nil, false
	}
	stored := el.Value.(*item).entry
	stored.FetchedAt = c.now()
	if stored.Header == nil {
		stored.Header = http.Header{}
	}
	if etag := header.Get("ETag"); etag != "" {
		stored.ETag = etag
		stored.Header.Set("ETag", etag)
	}
	if lm := header.Get("Last-Modified"); lm != "" {
		stored.LastModified = lm
		stored.Header.Set("Last-Modified", lm)
	}
	c.order.MoveToFront(el)
	return stored.clone(), true
}

// Delete drops the entry stored under key, if any.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, found := c.items[key]; found {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// InvalidatePrefix drops every entry whose path starts with prefix and
// returns how many were removed.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, el := range c.items {
		if strings.HasPrefix(el.Value.(*item).entry.Path, prefix) {
			c.order.Remove(el)
			delete(c.items, key)
			n++
		}
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}
