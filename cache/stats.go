package cache

import "fmt"

// Stats holds hit/miss accounting for one cache.
type Stats struct {
	// Len is the current number of entries.
	Len int

	// Bytes is the total payload size tracked by the cache, if it
	// accounts for payload size (output cache only).
	Bytes uint64

	// Hits is the number of lookups that found an entry.
	Hits uint64

	// Misses is the number of lookups that found nothing.
	Misses uint64

	// Evictions is the number of entries removed by eviction.
	Evictions uint64
}

// HitRate returns the hit rate in [0, 1], or 0 if no lookups occurred.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// String returns a one-line human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("%d entries, %d hits, %d misses (%.1f%% hit rate), %d evictions",
		s.Len, s.Hits, s.Misses, s.HitRate()*100, s.Evictions)
}
