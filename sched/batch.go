// Package sched groups an execution order into batches whose combined
// working set fits a device's fast on-chip cache, then re-orders each
// batch to minimize pipeline and bind-set switches.
//
// Batching never violates dependency order: batch boundaries preserve the
// incoming topological order, and intra-batch re-sorting only permutes
// instances with no dependency path between them.
package sched

import (
	"sort"
)

// DefaultBudgetFraction is the conservative fraction of the device's fast
// cache treated as usable by a batch.
const DefaultBudgetFraction = 0.75

// ResourceUse names one resource touched by an instance and its size.
type ResourceUse struct {
	ID    uint64
	Bytes uint64
}

// Item is one instance in the execution order, reduced to what batching
// needs.
type Item struct {
	// Pipeline is the instance's pipeline cache key (0 if none).
	Pipeline uint64

	// BindSet is the instance's bound-resource-set key (0 if none).
	BindSet uint64

	// Resources are the distinct resources the instance touches.
	Resources []ResourceUse

	// Scratch is the instance's private working memory, counted per
	// instance even when resources are shared.
	Scratch uint64

	// Deps are indices (into the same order) of instances this one
	// depends on.
	Deps []int
}

// Batch is an ordered group of instances whose working set fits the
// budget.
type Batch struct {
	// Items are indices into the input order, in execution sequence.
	Items []int

	// WorkingSet is the batch's computed working set in bytes: the union
	// of distinct resources plus the sum of per-instance scratch.
	WorkingSet uint64

	// Oversized flags a batch whose single instance alone exceeds the
	// budget. Diagnostic, not fatal.
	Oversized bool
}

// CreateBatches splits the execution order into cache-fitting batches.
//
// cacheBytes is the device's fast cache size; fraction scales it to an
// effective budget (<=0 uses DefaultBudgetFraction). The greedy rule:
// extend the current batch with the next instance, recompute the working
// set, and roll the instance into a new batch if the set overflows.
func CreateBatches(items []Item, cacheBytes uint64, fraction float64) []Batch {
	if len(items) == 0 {
		return nil
	}
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultBudgetFraction
	}
	budget := uint64(float64(cacheBytes) * fraction)

	var batches []Batch
	var cur Batch
	seen := make(map[uint64]struct{})

	flush := func() {
		if len(cur.Items) == 0 {
			return
		}
		batches = append(batches, cur)
		cur = Batch{}
		seen = make(map[uint64]struct{})
	}

	for i := range items {
		ws := cur.WorkingSet + items[i].Scratch
		for _, r := range items[i].Resources {
			if _, ok := seen[r.ID]; !ok {
				ws += r.Bytes
			}
		}

		if len(cur.Items) > 0 && budget > 0 && ws > budget {
			// Roll back: the just-added instance starts a new batch.
			flush()
			ws = items[i].Scratch
			for _, r := range items[i].Resources {
				ws += r.Bytes
			}
		}

		cur.Items = append(cur.Items, i)
		cur.WorkingSet = ws
		for _, r := range items[i].Resources {
			seen[r.ID] = struct{}{}
		}

		if budget > 0 && len(cur.Items) == 1 && ws > budget {
			cur.Oversized = true
			flush()
		}
	}
	flush()

	for bi := range batches {
		sortBatch(&batches[bi], items)
	}
	return batches
}

// sortBatch stably reorders a batch to group instances by pipeline key,
// then bind-set key, without violating intra-batch dependencies.
//
// This is a constrained topological sort over the batch members: at each
// step the ready instances (all intra-batch dependencies emitted) are
// ranked by (matches current pipeline, matches current bind set, original
// position) and the best is emitted.
func sortBatch(b *Batch, items []Item) {
	if len(b.Items) < 2 {
		return
	}

	inBatch := make(map[int]int, len(b.Items)) // order index -> batch slot
	for slot, idx := range b.Items {
		inBatch[idx] = slot
	}

	// Remaining intra-batch dependency counts per batch slot.
	pending := make([]int, len(b.Items))
	dependents := make([][]int, len(b.Items))
	for slot, idx := range b.Items {
		for _, dep := range items[idx].Deps {
			if depSlot, ok := inBatch[dep]; ok {
				pending[slot]++
				dependents[depSlot] = append(dependents[depSlot], slot)
			}
		}
	}

	var ready []int
	for slot := range b.Items {
		if pending[slot] == 0 {
			ready = append(ready, slot)
		}
	}

	out := make([]int, 0, len(b.Items))
	var curPipeline, curBindSet uint64
	first := true

	for len(ready) > 0 {
		sort.SliceStable(ready, func(x, y int) bool {
			ix, iy := items[b.Items[ready[x]]], items[b.Items[ready[y]]]
			if !first {
				px := ix.Pipeline == curPipeline
				py := iy.Pipeline == curPipeline
				if px != py {
					return px
				}
				bx := px && ix.BindSet == curBindSet
				by := py && iy.BindSet == curBindSet
				if bx != by {
					return bx
				}
			}
			return ready[x] < ready[y]
		})

		slot := ready[0]
		ready = ready[1:]

		idx := b.Items[slot]
		out = append(out, idx)
		curPipeline = items[idx].Pipeline
		curBindSet = items[idx].BindSet
		first = false

		for _, dep := range dependents[slot] {
			pending[dep]--
			if pending[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	// A batch is a slice of a valid topological order, so every member
	// must have been emitted.
	if len(out) == len(b.Items) {
		b.Items = out
	}
}
