// Package cache implements the TTL-bounded LRU cache shared by every
// resolver worker, keyed by question fingerprint.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// entry is one cache slot. entries live in Cache.byKey, the single arena
// that owns them; prev/next are pointers into that same map's values, so the
// recency list is an intrusive list over the arena rather than a second,
// separately-owned structure. There is exactly one owner per entry and no
// reference cycle a tracing collector would need to clean up.
type entry struct {
	key       string
	value     *dns.Msg
	expiresAt time.Time
	prev      *entry
	next      *entry
}

// Cache is a concurrency-safe, capacity-bounded, TTL-aware LRU cache of DNS
// responses keyed by question fingerprint. The zero value is not usable; use
// New.
type Cache struct {
	mu       sync.Mutex
	capacity int
	byKey    map[string]*entry
	head     *entry // most recently used
	tail     *entry // least recently used, eviction candidate

	sweepIndex int

	onHit      func()
	onMiss     func()
	onEvict    func()
	onScavenge func()
}

// Option configures optional instrumentation hooks on a Cache. These exist so
// callers (the metrics package) can observe cache behavior without the cache
// depending on any particular metrics library.
type Option func(*Cache)

// WithHitHook registers a callback invoked once per Get that finds a live
// entry.
func WithHitHook(f func()) Option { return func(c *Cache) { c.onHit = f } }

// WithMissHook registers a callback invoked once per Get that finds no live
// entry (absent or expired).
func WithMissHook(f func()) Option { return func(c *Cache) { c.onMiss = f } }

// WithEvictHook registers a callback invoked once per LRU eviction performed
// by Add.
func WithEvictHook(f func()) Option { return func(c *Cache) { c.onEvict = f } }

// WithScavengeHook registers a callback invoked once per entry removed by a
// scavenger sweep.
func WithScavengeHook(f func()) Option { return func(c *Cache) { c.onScavenge = f } }

// New returns an empty Cache bounded to capacity entries. A capacity of zero
// is valid; Add is then always a no-op.
func New(capacity int, opts ...Option) *Cache {
	c := &Cache{
		capacity: capacity,
		byKey:    make(map[string]*entry, capacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Capacity returns the fixed capacity this Cache was constructed with.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Len reports the number of entries currently tracked, including expired
// entries the scavenger has not yet removed. It does not prune them.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

// Get returns a copy of the cached response for fingerprint k, if present and
// not expired. The caller cannot distinguish "never cached" from "expired":
// both report ok == false.
func (c *Cache) Get(k string) (*dns.Msg, bool) {
	c.mu.Lock()
	e, ok := c.byKey[k]
	if !ok {
		c.mu.Unlock()
		c.hook(c.onMiss)
		return nil, false
	}

	if !e.expiresAt.After(time.Now()) {
		c.mu.Unlock()
		c.hook(c.onMiss)
		return nil, false
	}

	v := e.value.Copy()
	c.mu.Unlock()

	c.hook(c.onHit)
	return v, true
}

// Add inserts v under fingerprint k with the given absolute expiry, becoming
// the new most-recently-used entry. It returns true iff a new entry was
// inserted; if k is already present, Add is a no-op and returns false (the
// v1 policy documented in SPEC_FULL.md: re-adding a hot key does not refresh
// its TTL). If the cache is at capacity, the current LRU entry is evicted
// first. If capacity is zero, Add always returns false.
func (c *Cache) Add(k string, v *dns.Msg, expiresAt time.Time) bool {
	if c.capacity == 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byKey[k]; ok {
		return false
	}

	if len(c.byKey) >= c.capacity {
		c.evictLocked()
	}

	e := &entry{
		key:       k,
		value:     v.Copy(),
		expiresAt: expiresAt,
	}
	c.byKey[k] = e
	c.pushFrontLocked(e)

	return true
}

// evictLocked removes the current tail (LRU position). c.mu must be held.
func (c *Cache) evictLocked() {
	if c.tail == nil {
		return
	}

	c.unlinkLocked(c.tail)
	c.hook(c.onEvict)
}

// pushFrontLocked links e as the new head of the recency list. c.mu must be
// held and e must not already be linked.
func (c *Cache) pushFrontLocked(e *entry) {
	e.prev = nil
	e.next = c.head

	if c.head != nil {
		c.head.prev = e
	}
	c.head = e

	if c.tail == nil {
		c.tail = e
	}
}

// unlinkLocked removes e from both the map and the recency list. c.mu must
// be held.
func (c *Cache) unlinkLocked(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}

	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}

	e.prev, e.next = nil, nil
	delete(c.byKey, e.key)
}

func (c *Cache) hook(f func()) {
	if f != nil {
		f()
	}
}

// RunScavenger starts a background goroutine that periodically removes
// expired entries, returning a stop function. Each tick examines a
// capacity/10 slice of the map (a distinct tenth on each of ten consecutive
// ticks of the keys in sorted order, so the whole cache is covered roughly
// every ten ticks) and removes any entry whose expiresAt has passed. It exits
// once stop is called.
//
// The window boundaries are computed against the live map size on each tick,
// not against capacity, so a mostly-empty cache is swept in full every tick
// rather than spending nine ticks examining entries that don't exist yet.
func (c *Cache) RunScavenger(tickInterval time.Duration) (stop func()) {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.sweepOnce()
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (c *Cache) sweepOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.byKey)
	if n == 0 {
		return
	}

	windowSize := c.capacity / 10
	if windowSize < 1 {
		windowSize = 1
	}

	keys := make([]string, 0, n)
	for k := range c.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if windowSize < n {
		start = (c.sweepIndex * windowSize) % n
	}
	end := start + windowSize
	if end > n {
		end = n
	}

	now := time.Now()
	for _, k := range keys[start:end] {
		e, ok := c.byKey[k]
		if !ok {
			continue
		}
		// Correct rule: an entry whose expiry is at or before now is stale
		// and must go. (A naive expiresAt.After(now) check on the removal
		// side would keep stale entries around forever.)
		if !e.expiresAt.After(now) {
			c.unlinkLocked(e)
			c.hook(c.onScavenge)
		}
	}

	c.sweepIndex = (c.sweepIndex + 1) % 10
}
