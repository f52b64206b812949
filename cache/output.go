package cache

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Output cache errors.
var (
	// ErrEntryTooLarge is returned when a single entry exceeds the
	// cache's byte budget.
	ErrEntryTooLarge = errors.New("cache: output entry exceeds cache budget")
)

// DefaultOutputBudget is the default output cache budget (64 MiB).
const DefaultOutputBudget uint64 = 64 << 20

// OutputEntry is one cached computed output.
type OutputEntry struct {
	// Key is the instance cache key the output was computed under.
	Key uint64

	// Bytes is the payload size counted against the budget.
	Bytes uint64

	// Payload is the opaque cached output.
	Payload any

	// release frees the backing resource when the entry is evicted.
	release func()

	node *lruNode[uint64]
}

// OutputCache caches computed instance outputs, keyed by a content hash
// over process identity, input content identities, parameter values and
// the executing device.
//
// Eviction is least-recently-used, bounded by a byte budget. Evicting an
// entry releases its underlying backing resource.
type OutputCache struct {
	mu      sync.Mutex
	entries map[uint64]*OutputEntry
	lru     *lruList[uint64]
	bytes   uint64
	budget  uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewOutputCache creates an output cache with the given byte budget.
// A budget of 0 uses DefaultOutputBudget.
func NewOutputCache(budget uint64) *OutputCache {
	if budget == 0 {
		budget = DefaultOutputBudget
	}
	return &OutputCache{
		entries: make(map[uint64]*OutputEntry),
		lru:     newLRUList[uint64](),
		budget:  budget,
	}
}

// Get returns the cached payload for key, marking it most recently used.
func (c *OutputCache) Get(key uint64) (any, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		c.lru.MoveToFront(entry.node)
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry.Payload, true
}

// Contains reports whether key is cached without touching LRU order or
// statistics.
func (c *OutputCache) Contains(key uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Put stores a computed output. release, if non-nil, is invoked when the
// entry is later evicted or replaced, and must free the backing resource.
//
// If the payload alone exceeds the budget, Put returns ErrEntryTooLarge
// and invokes release immediately.
func (c *OutputCache) Put(key uint64, payload any, bytes uint64, release func()) error {
	if bytes > c.budget {
		if release != nil {
			release()
		}
		return ErrEntryTooLarge
	}

	c.mu.Lock()

	if old, ok := c.entries[key]; ok {
		c.lru.Remove(old.node)
		delete(c.entries, key)
		c.bytes -= old.Bytes
		if old.release != nil {
			old.release()
		}
	}

	// Evict oldest entries until the new payload fits.
	for c.bytes+bytes > c.budget {
		oldest, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		evicted := c.entries[oldest]
		delete(c.entries, oldest)
		c.bytes -= evicted.Bytes
		if evicted.release != nil {
			evicted.release()
		}
		c.evictions.Add(1)
	}

	entry := &OutputEntry{
		Key:     key,
		Bytes:   bytes,
		Payload: payload,
		release: release,
		node:    c.lru.PushFront(key),
	}
	c.entries[key] = entry
	c.bytes += bytes

	c.mu.Unlock()
	return nil
}

// Clear evicts every entry, releasing backing resources.
func (c *OutputCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.entries {
		if entry.release != nil {
			entry.release()
		}
	}
	c.evictions.Add(uint64(len(c.entries)))
	c.entries = make(map[uint64]*OutputEntry)
	c.lru.Clear()
	c.bytes = 0
}

// Len returns the number of cached outputs.
func (c *OutputCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// UsedBytes returns the bytes currently counted against the budget.
func (c *OutputCache) UsedBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Budget returns the configured byte budget.
func (c *OutputCache) Budget() uint64 { return c.budget }

// Stats returns hit/miss accounting.
func (c *OutputCache) Stats() Stats {
	c.mu.Lock()
	length := len(c.entries)
	bytes := c.bytes
	c.mu.Unlock()

	return Stats{
		Len:       length,
		Bytes:     bytes,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
