// Package cache provides the in-memory TTL cache for scrape results, keyed
// by (platform, normalized URL) with a per-platform expiry policy.
package cache

import (
	"net/url"
	"strings"
	"sync"
	"time"
)

// TTLPolicy maps a platform name to its cache lifetime.
type TTLPolicy map[string]time.Duration

// DefaultTTL applies when a platform has no explicit entry.
const DefaultTTL = 72 * time.Hour

// DefaultPolicy mirrors how long each platform's CDN URLs stay valid:
// YouTube links expire within a day, Instagram and Facebook rotate much
// faster, the rest are stable for days.
func DefaultPolicy() TTLPolicy {
	return TTLPolicy{
		"youtube":   24 * time.Hour,
		"instagram": 2 * time.Hour,
		"facebook":  1 * time.Hour,
	}
}

func (p TTLPolicy) For(platform string) time.Duration {
	if d, ok := p[platform]; ok {
		return d
	}
	return DefaultTTL
}

type entry struct {
	data      any
	expires   time.Time
	createdAt time.Time
}

// Stats are process-lifetime counters.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// Cache is a mutex-guarded TTL map with an optional background sweeper.
// Construct isolated instances in tests; Start/Stop control the sweeper
// explicitly instead of tying it to process lifetime.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	policy  TTLPolicy
	hits    int64
	misses  int64

	now func() time.Time // injectable clock

	sweepEvery time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// New creates a cache with the given TTL policy. A nil policy falls back to
// DefaultPolicy.
func New(policy TTLPolicy) *Cache {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Cache{
		entries:    make(map[string]entry),
		policy:     policy,
		now:        time.Now,
		sweepEvery: 10 * time.Minute,
		stop:       make(chan struct{}),
	}
}

// Key normalizes a (platform, url) pair into the cache key: scheme dropped,
// host and path lowercased, query and fragment stripped, trailing slash
// stripped. Two URLs collide iff their normalized paths match.
func Key(platform, rawURL string) string {
	normalized := strings.ToLower(strings.TrimSpace(rawURL))
	if u, err := url.Parse(normalized); err == nil && u.Host != "" {
		u.RawQuery = ""
		u.Fragment = ""
		u.Host = strings.TrimPrefix(u.Host, "www.")
		normalized = u.Host + u.Path
	}
	normalized = strings.TrimSuffix(normalized, "/")
	return platform + ":" + normalized
}

// Get returns the cached value for (platform, url), expiring stale entries
// on read.
func (c *Cache) Get(platform, rawURL string) (any, bool) {
	key := Key(platform, rawURL)
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.data, true
}

// Set stores a value under (platform, url) with the platform's TTL.
func (c *Cache) Set(platform, rawURL string, data any) {
	key := Key(platform, rawURL)
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{
		data:      data,
		expires:   now.Add(c.policy.For(platform)),
		createdAt: now,
	}
}

// Delete removes one entry.
func (c *Cache) Delete(platform, rawURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, Key(platform, rawURL))
}

// Sweep reclaims all expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}

// Start launches the background sweeper.
func (c *Cache) Start() {
	go func() {
		ticker := time.NewTicker(c.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop terminates the background sweeper. Safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
