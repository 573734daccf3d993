// CLAUDE:SUMMARY Per-session perception cache: exact identity match, TTL expiry, LRU eviction, generation pruning, hit/miss counters.
// Package cache stores perception results for one session, keyed by page
// identity and tier. A lookup only hits when URL, navigation generation and
// structural fingerprint all match and the entry has not expired.
package cache

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/dompilot/fault"
	"github.com/hazyhaar/dompilot/page"
	"github.com/hazyhaar/dompilot/perception"
)

// Config tunes a cache.
type Config struct {
	TTL      time.Duration // default: 30s
	Capacity int           // default: 32
	Now      func() time.Time
	Logger   *slog.Logger
}

func (c *Config) defaults() {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.Capacity <= 0 {
		c.Capacity = 32
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Entry is one cached perception.
type Entry struct {
	Identity   page.Identity
	Tier       perception.Tier
	Result     *perception.Result
	Inserted   time.Time
	LastAccess time.Time
	Hits       int
}

// Stats are cumulative counters plus the current size.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Errors      int64 `json:"errors"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Size        int   `json:"size"`
}

// HitRate returns Hits/(Hits+Misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type key struct {
	url   string
	gen   uint64
	print string
	tier  perception.Tier
}

func keyOf(id page.Identity, t perception.Tier) key {
	return key{url: id.URL, gen: id.Generation, print: id.Fingerprint, tier: t}
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg Config

	mu      sync.Mutex
	entries map[key]*list.Element // value: *Entry
	lru     *list.List            // front = most recent
	stats   Stats
	closed  bool
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	cfg.defaults()
	return &Cache{
		cfg:     cfg,
		entries: make(map[key]*list.Element),
		lru:     list.New(),
	}
}

// Get returns the cached result for id and tier, or nil on a miss. An entry
// whose stored result no longer matches its key is dropped and reported as
// CacheUnavailable.
func (c *Cache) Get(id page.Identity, t perception.Tier) (*perception.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.stats.Errors++
		return nil, fault.Errorf(fault.CacheUnavailable, "cache: get", "closed")
	}
	k := keyOf(id, t)
	el, ok := c.entries[k]
	if !ok {
		c.stats.Misses++
		return nil, nil
	}
	ent := el.Value.(*Entry)
	now := c.cfg.Now()

	if ent.Result == nil || ent.Result.Tier != t || !ent.Result.Identity.Equal(id) {
		c.removeLocked(el)
		c.stats.Errors++
		c.cfg.Logger.Warn("cache: corrupt entry dropped", "url", id.URL, "tier", t)
		return nil, fault.Errorf(fault.CacheUnavailable, "cache: get", "entry for %s/%s does not match its key", id, t)
	}
	if now.Sub(ent.Inserted) > c.cfg.TTL {
		c.removeLocked(el)
		c.stats.Expirations++
		c.stats.Misses++
		return nil, nil
	}

	ent.LastAccess = now
	ent.Hits++
	c.lru.MoveToFront(el)
	c.stats.Hits++
	return ent.Result, nil
}

// Put stores res under its own identity and tier, replacing any previous
// entry and evicting the least recently used one when full.
func (c *Cache) Put(res *perception.Result) error {
	if res == nil {
		return fault.Errorf(fault.InvalidRequest, "cache: put", "nil result")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.stats.Errors++
		return fault.Errorf(fault.CacheUnavailable, "cache: put", "closed")
	}
	now := c.cfg.Now()
	k := keyOf(res.Identity, res.Tier)
	if el, ok := c.entries[k]; ok {
		ent := el.Value.(*Entry)
		ent.Result, ent.Inserted, ent.LastAccess, ent.Hits = res, now, now, 0
		c.lru.MoveToFront(el)
		return nil
	}
	for c.lru.Len() >= c.cfg.Capacity {
		c.removeLocked(c.lru.Back())
		c.stats.Evictions++
	}
	ent := &Entry{
		Identity:   res.Identity,
		Tier:       res.Tier,
		Result:     res,
		Inserted:   now,
		LastAccess: now,
	}
	c.entries[k] = c.lru.PushFront(ent)
	return nil
}

// Invalidate removes every tier cached for id's URL and generation,
// whatever the fingerprint, and returns how many entries went.
func (c *Cache) Invalidate(id page.Identity) int {
	return c.drop(func(k key) bool { return k.url == id.URL && k.gen == id.Generation })
}

// Prune removes entries from generations older than gen.
func (c *Cache) Prune(gen uint64) int {
	return c.drop(func(k key) bool { return k.gen < gen })
}

// Purge empties the cache. Counters are kept.
func (c *Cache) Purge() int {
	return c.drop(func(key) bool { return true })
}

// Close purges the cache; every later Get or Put fails with
// CacheUnavailable.
func (c *Cache) Close() {
	c.Purge()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Entries returns copies of the live entries, most recent first.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Entry))
	}
	return out
}

// Stats returns a copy of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.lru.Len()
	return s
}

func (c *Cache) drop(match func(key) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, el := range c.entries {
		if match(k) {
			c.removeLocked(el)
			n++
		}
	}
	return n
}

func (c *Cache) removeLocked(el *list.Element) {
	ent := el.Value.(*Entry)
	delete(c.entries, keyOf(ent.Identity, ent.Tier))
	c.lru.Remove(el)
}
