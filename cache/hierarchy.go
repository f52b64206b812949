package cache

import (
	"fmt"
	"strings"
)

// Hierarchy bundles the three caches a graph compiles and executes
// against. Multiple graphs may share one hierarchy; each cache's own
// locking provides the reader/writer discipline.
type Hierarchy struct {
	// Pipelines caches compiled pipelines (persistent, serializable).
	Pipelines *PipelineCache

	// BindSets caches bound resource sets (pool-scoped invalidation).
	BindSets *BindSetCache

	// Outputs caches computed instance outputs (LRU, byte budget).
	Outputs *OutputCache
}

// NewHierarchy creates a hierarchy with an empty pipeline cache, an empty
// bind-set cache, and an output cache with the given byte budget
// (0 uses DefaultOutputBudget).
func NewHierarchy(outputBudget uint64) *Hierarchy {
	return &Hierarchy{
		Pipelines: NewPipelineCache(),
		BindSets:  NewBindSetCache(),
		Outputs:   NewOutputCache(outputBudget),
	}
}

// AggregateHitRate returns the combined hit rate across all three caches.
// The target operating point is >= 0.80, but this is diagnostic only.
func (h *Hierarchy) AggregateHitRate() float64 {
	p, b, o := h.Pipelines.Stats(), h.BindSets.Stats(), h.Outputs.Stats()
	hits := p.Hits + b.Hits + o.Hits
	total := hits + p.Misses + b.Misses + o.Misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Report returns a human-readable multi-line summary of all three caches.
func (h *Hierarchy) Report() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "pipeline cache:  %s\n", h.Pipelines.Stats())
	fmt.Fprintf(&sb, "bind-set cache:  %s\n", h.BindSets.Stats())
	fmt.Fprintf(&sb, "output cache:    %s\n", h.Outputs.Stats())
	fmt.Fprintf(&sb, "aggregate hit rate: %.1f%%\n", h.AggregateHitRate()*100)
	return sb.String()
}
