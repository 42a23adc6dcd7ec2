package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"adsplice-proxy/work/metrics"

	"github.com/puzpuzpuz/xsync/v3"
)

// Entry is one cached response
type Entry struct {
	Key         string
	Content     []byte
	ContentType string
	// Tag is opaque caller data stored with the content, for instance the
	// ad spliced into a rendered playlist.
	Tag      string
	StoredAt time.Time
}

// Stats is a point-in-time view of a ResponseCache
type Stats struct {
	Name     string        `json:"name"`
	Entries  int           `json:"entries"`
	Capacity int           `json:"capacity"`
	TTL      time.Duration `json:"ttl"`
	Hits     int64         `json:"hits"`
	Misses   int64         `json:"misses"`
}

// ResponseCache is a process-local cache with a fixed TTL and a bounded
// number of entries. Once full, the oldest inserted entry goes first.
type ResponseCache struct {
	name     string
	ttl      time.Duration
	capacity int
	now      func() time.Time

	entries *xsync.MapOf[string, *Entry]

	mu    sync.Mutex // guards order
	order []*Entry

	hits   atomic.Int64
	misses atomic.Int64
}

// NewResponseCache creates a cache. name labels its metrics.
func NewResponseCache(name string, ttl time.Duration, capacity int) *ResponseCache {
	if capacity <= 0 {
		capacity = 500
	}
	return &ResponseCache{
		name:     name,
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		entries:  xsync.NewMapOf[string, *Entry](),
	}
}

// Get returns a live entry. Expired entries count as misses and are dropped.
func (c *ResponseCache) Get(key string) (*Entry, bool) {
	e, ok := c.entries.Load(key)
	if ok && c.now().Sub(e.StoredAt) > c.ttl {
		c.remove(e)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		metrics.CacheLookups.WithLabelValues(c.name, "miss").Inc()
		return nil, false
	}
	c.hits.Add(1)
	metrics.CacheLookups.WithLabelValues(c.name, "hit").Inc()
	return e, true
}

// Set stores content under key, then evicts the oldest entries while the
// cache is over capacity.
func (c *ResponseCache) Set(key string, content []byte, contentType string) {
	c.SetTagged(key, content, contentType, "")
}

// SetTagged is Set with a tag that Get hands back alongside the content.
func (c *ResponseCache) SetTagged(key string, content []byte, contentType, tag string) {
	e := &Entry{Key: key, Content: content, ContentType: contentType, Tag: tag, StoredAt: c.now()}
	c.entries.Store(key, e)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, e)

	for c.entries.Size() > c.capacity && len(c.order) > 0 {
		oldest := c.order[0]
		c.order[0] = nil
		c.order = c.order[1:]
		c.remove(oldest)
	}
	if len(c.order) > 2*c.capacity {
		c.compact()
	}
}

// remove deletes e only if it is still the entry stored under its key.
func (c *ResponseCache) remove(e *Entry) {
	c.entries.Compute(e.Key, func(cur *Entry, loaded bool) (*Entry, bool) {
		if !loaded {
			return nil, true
		}
		return cur, cur == e
	})
}

// compact drops order slots of overwritten entries. Callers hold mu.
func (c *ResponseCache) compact() {
	live := make([]*Entry, 0, c.capacity)
	for _, e := range c.order {
		if cur, ok := c.entries.Load(e.Key); ok && cur == e {
			live = append(live, e)
		}
	}
	c.order = live
}

// Sweep drops expired entries and returns how many went.
func (c *ResponseCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	live := c.order[:0]
	for _, e := range c.order {
		cur, ok := c.entries.Load(e.Key)
		if !ok || cur != e {
			continue
		}
		if now.Sub(e.StoredAt) > c.ttl {
			c.remove(e)
			removed++
			continue
		}
		live = append(live, e)
	}
	clear(c.order[len(live):])
	c.order = live
	return removed
}

// Flush empties the cache
func (c *ResponseCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Clear()
	c.order = nil
}

// Len returns the number of stored entries, expired ones included.
func (c *ResponseCache) Len() int {
	return c.entries.Size()
}

func (c *ResponseCache) Stats() Stats {
	return Stats{
		Name:     c.name,
		Entries:  c.entries.Size(),
		Capacity: c.capacity,
		TTL:      c.ttl,
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
	}
}
