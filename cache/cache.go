// Package cache keeps successful extraction results in memory for a fixed
// time-to-live.
package cache

import (
	"sync"
	"time"

	"github.com/use-agent/streamprobe/models"
)

// entry holds a cached result with its insertion timestamp.
type entry struct {
	result    *models.ExtractionResult
	createdAt time.Time
}

// Options configures a Cache.
type Options struct {
	// TTL is the maximum age of an entry. Default: 30m.
	TTL time.Duration

	// SweepInterval is how often the background sweep runs. Zero disables
	// the background goroutine; Sweep can still be called directly.
	SweepInterval time.Duration

	// MaxEntries bounds the map. When full, a random entry is evicted.
	MaxEntries int

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Cache maps the raw requested URL to a previously computed extraction
// result. Keys are not canonicalized: "https://a/x" and "https://a/x/" are
// different entries. It is safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	store      map[string]*entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Cache and starts its sweep loop when SweepInterval > 0.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{
		store:      make(map[string]*entry),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		now:        opts.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	if opts.SweepInterval > 0 {
		go c.sweepLoop(opts.SweepInterval)
	} else {
		close(c.done)
	}
	return c
}

// Get returns the cached result for key. An entry older than the TTL is
// removed and reported as absent.
func (c *Cache) Get(key string) (*models.ExtractionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.store[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.createdAt) > c.ttl {
		delete(c.store, key)
		return nil, false
	}
	return e.result, true
}

// Set stores a successful result. Failed or nil results are ignored so a
// transient failure never poisons later requests. A fresh write supersedes
// any existing entry for the key.
func (c *Cache) Set(key string, result *models.ExtractionResult) {
	if result == nil || !result.Success {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.store[key]; !exists && len(c.store) >= c.maxEntries {
		// Map iteration order is random, so this evicts an arbitrary entry.
		for k := range c.store {
			delete(c.store, k)
			break
		}
	}

	c.store[key] = &entry{
		result:    result,
		createdAt: c.now(),
	}
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	cutoff := c.now().Add(-c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.store {
		if e.createdAt.Before(cutoff) {
			delete(c.store, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}

// MaxEntries returns the configured capacity.
func (c *Cache) MaxEntries() int {
	return c.maxEntries
}

// Stop ends the sweep loop. It is safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}
