package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// BindSetKey computes the content hash of a bound resource set:
// the layout identity plus the ordered list of bound resource handles.
func BindSetKey(layout uint64, resources []uint64) uint64 {
	h := fnv.New64a()
	hashWriteUint64(h, layout)
	hashWriteUint32(h, uint32(len(resources)))
	for _, r := range resources {
		hashWriteUint64(h, r)
	}
	return h.Sum64()
}

// BindSet is a realized bound-resource-set (descriptor set) shared across
// instances that bind the same resources against the same layout.
type BindSet struct {
	// Key is the content hash this set was realized from.
	Key uint64

	// Layout is the layout identity.
	Layout uint64

	// Resources are the bound resource handles, in binding order.
	Resources []uint64

	// Raw is the backend descriptor object.
	Raw any
}

// BindSetCache caches bound resource sets.
//
// Invalidation is either wholesale (Clear, when the backing descriptor
// pool is reset) or selective (InvalidateResource, when one bound
// resource changes identity).
type BindSetCache struct {
	mu      sync.RWMutex
	entries map[uint64]*BindSet

	// byResource maps a resource handle to the keys of sets binding it,
	// for selective invalidation.
	byResource map[uint64]map[uint64]struct{}

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewBindSetCache creates an empty bind-set cache.
func NewBindSetCache() *BindSetCache {
	return &BindSetCache{
		entries:    make(map[uint64]*BindSet),
		byResource: make(map[uint64]map[uint64]struct{}),
	}
}

// GetOrCreate returns the cached set for (layout, resources), realizing
// it with create on a miss.
func (c *BindSetCache) GetOrCreate(layout uint64, resources []uint64, create func() (any, error)) (*BindSet, error) {
	key := BindSetKey(layout, resources)

	c.mu.RLock()
	if s, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		c.hits.Add(1)
		return s, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.entries[key]; ok {
		c.hits.Add(1)
		return s, nil
	}

	raw, err := create()
	if err != nil {
		return nil, err
	}

	s := &BindSet{
		Key:       key,
		Layout:    layout,
		Resources: append([]uint64(nil), resources...),
		Raw:       raw,
	}
	c.entries[key] = s
	for _, r := range s.Resources {
		m, ok := c.byResource[r]
		if !ok {
			m = make(map[uint64]struct{})
			c.byResource[r] = m
		}
		m[key] = struct{}{}
	}
	c.misses.Add(1)

	return s, nil
}

// InvalidateResource drops every set binding the given resource handle.
// Returns the number of sets removed.
func (c *BindSetCache) InvalidateResource(resource uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.byResource[resource]
	if !ok {
		return 0
	}

	n := 0
	for key := range keys {
		s, ok := c.entries[key]
		if !ok {
			continue
		}
		delete(c.entries, key)
		for _, r := range s.Resources {
			if m := c.byResource[r]; m != nil {
				delete(m, key)
				if len(m) == 0 {
					delete(c.byResource, r)
				}
			}
		}
		n++
	}
	c.evictions.Add(uint64(n))
	return n
}

// Clear removes every entry; used when the backing pool is reset.
// Statistics are preserved so hit-rate reporting spans pool resets.
func (c *BindSetCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictions.Add(uint64(len(c.entries)))
	c.entries = make(map[uint64]*BindSet)
	c.byResource = make(map[uint64]map[uint64]struct{})
}

// Len returns the number of cached sets.
func (c *BindSetCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns hit/miss accounting.
func (c *BindSetCache) Stats() Stats {
	return Stats{
		Len:       c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
