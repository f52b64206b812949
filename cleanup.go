// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import "fmt"

// GetCleanupScope previews the set of instances PartialCleanup would tear
// down for the given roots, without mutating the graph. The returned
// handles are in teardown order (roots first, then dependencies whose
// last consumer is in the set).
func (g *Graph) GetCleanupScope(roots []Handle) ([]Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cleanupScope(roots)
}

// PartialCleanup tears down the given root instances and, transitively,
// every dependency whose dependent count reaches zero. A dependency
// shared by a branch outside the cleanup set survives: its count stays
// positive until its last consumer is also torn down.
//
// Each torn-down instance's node Cleanup is invoked and the instance is
// removed from the graph. Returns the handles actually cleaned, in
// teardown order. The graph drops back to the uncompiled state.
func (g *Graph) PartialCleanup(roots []Handle) ([]Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	scope, err := g.cleanupScope(roots)
	if err != nil {
		return nil, err
	}

	// Transient backings are aliased across resources, so they are
	// released through the allocation record, not per resource.
	g.releaseTransientBackings()

	for _, h := range scope {
		inst := g.arena[h-1]
		if err := inst.node.Cleanup(); err != nil {
			Logger().Warn("node cleanup failed", "instance", inst.name, "err", err)
		}
		for _, res := range inst.outputs {
			if res.backing != nil {
				res.backing.Release()
				res.backing = nil
			}
		}
		inst.removed = true
		g.perProcess[inst.desc.ID]--
	}

	// Drop edges touching removed instances and unbind consumer inputs.
	kept := g.edges[:0]
	for _, e := range g.edges {
		srcGone := g.arena[e.Source-1].removed
		dstGone := g.arena[e.Target-1].removed
		if !srcGone && !dstGone {
			kept = append(kept, e)
			continue
		}
		if srcGone && !dstGone {
			dst := g.arena[e.Target-1]
			if e.InSlot < len(dst.inputs) && e.ArrayIndex < len(dst.inputs[e.InSlot]) {
				dst.inputs[e.InSlot][e.ArrayIndex] = nil
			}
		}
	}
	g.edges = kept
	g.refreshDependentCounts()

	// Any compiled plan is invalidated by a topology change.
	g.compileState = stateUncompiled
	g.plan = nil
	g.comp = nil

	return scope, nil
}

// cleanupScope computes the teardown set by breadth-first walk from the
// roots over simulated dependent counts.
func (g *Graph) cleanupScope(roots []Handle) ([]Handle, error) {
	counts := make(map[Handle]int, len(g.arena))
	for _, inst := range g.live() {
		n := 0
		for _, d := range inst.dependents {
			if !g.arena[d-1].removed {
				n++
			}
		}
		counts[inst.handle] = n
	}

	inScope := make(map[Handle]bool, len(roots))
	var scope []Handle
	var queue []Handle

	for _, h := range roots {
		if _, err := g.instance(h); err != nil {
			return nil, fmt.Errorf("rendergraph: cleanup root: %w", err)
		}
		if !inScope[h] {
			inScope[h] = true
			scope = append(scope, h)
			queue = append(queue, h)
		}
	}

	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]

		for _, dep := range g.arena[h-1].deps {
			if g.arena[dep-1].removed || inScope[dep] {
				continue
			}
			counts[dep]--
			if counts[dep] == 0 {
				inScope[dep] = true
				scope = append(scope, dep)
				queue = append(queue, dep)
			}
		}
	}

	return scope, nil
}
