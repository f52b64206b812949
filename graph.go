// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"fmt"
	"sync"

	"github.com/gogpu/rendergraph/cache"
	"github.com/gogpu/rendergraph/device"
)

// Edge connects a producer output slot to a consumer input slot.
type Edge struct {
	Source     Handle
	OutSlot    int
	Target     Handle
	InSlot     int
	ArrayIndex int
}

// GraphOptions configures a Graph.
type GraphOptions struct {
	// Registry supplies process descriptors. Required.
	Registry *Registry

	// Devices are the physical devices available to this graph, indexed
	// by position. If empty, a single NullDevice is used.
	Devices []device.Device

	// Caches is the cache hierarchy shared with other graphs. If nil, a
	// private hierarchy is created.
	Caches *cache.Hierarchy

	// AutoTransfer enables automatic insertion of transfer instances at
	// device boundaries. When false, conflicting input devices are a
	// compilation error.
	AutoTransfer bool

	// MemoryBudget bounds transient backing memory per device
	// (0 = unlimited).
	MemoryBudget uint64

	// BudgetFraction scales each device's fast-cache size to the batch
	// working-set budget. <= 0 uses sched.DefaultBudgetFraction.
	BudgetFraction float64
}

// Graph holds process instances and the edges between them, and compiles
// them into an execution plan.
//
// Compilation is single-threaded per graph; independent graphs may
// compile concurrently even when they share a cache hierarchy.
type Graph struct {
	mu sync.Mutex

	opts    GraphOptions
	devices []device.Device
	caches  *cache.Hierarchy

	// arena owns every instance; Handle h names arena[h-1].
	arena []*Instance
	edges []Edge

	// perProcess counts live instances per process for instancing policy.
	perProcess map[ProcessID]int

	compileState compileState
	plan         *CompiledPlan
	comp         *compilation
	epoch        uint64
}

// NewGraph creates an empty graph.
func NewGraph(opts GraphOptions) *Graph {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	devices := opts.Devices
	if len(devices) == 0 {
		devices = []device.Device{device.NewNullDevice(device.Capabilities{})}
	}
	caches := opts.Caches
	if caches == nil {
		caches = cache.NewHierarchy(0)
	}
	return &Graph{
		opts:       opts,
		devices:    devices,
		caches:     caches,
		perProcess: make(map[ProcessID]int),
	}
}

// Registry returns the graph's process registry.
func (g *Graph) Registry() *Registry { return g.opts.Registry }

// Caches returns the graph's cache hierarchy.
func (g *Graph) Caches() *cache.Hierarchy { return g.caches }

// Devices returns the configured devices.
func (g *Graph) Devices() []device.Device { return g.devices }

// AddInstance creates an instance of a registered process. An optional
// explicit device index pins the instance to that device during affinity
// resolution.
func (g *Graph) AddInstance(id ProcessID, name string, deviceIndex ...int) (Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.compileState == stateCompiled {
		return InvalidHandle, ErrGraphCompiled
	}

	desc, ok := g.opts.Registry.Lookup(id)
	if !ok {
		return InvalidHandle, fmt.Errorf("%w: %q", ErrUnknownProcess, id)
	}

	switch desc.Instancing {
	case InstancingSingle:
		if g.perProcess[id] >= 1 {
			return InvalidHandle, fmt.Errorf("%w: %q allows a single instance", ErrInstancingPolicy, id)
		}
	case InstancingBounded:
		if g.perProcess[id] >= desc.MaxInstances {
			return InvalidHandle, fmt.Errorf("%w: %q allows at most %d instances",
				ErrInstancingPolicy, id, desc.MaxInstances)
		}
	}

	inst := &Instance{
		id:          nextInstanceID(),
		name:        name,
		desc:        desc,
		node:        desc.New(),
		deviceIndex: -1,
		inputs:      make([][]*Resource, len(desc.Inputs)),
		outputs:     make([]*Resource, len(desc.Outputs)),
	}
	if len(deviceIndex) > 0 {
		di := deviceIndex[0]
		if di < 0 || di >= len(g.devices) {
			return InvalidHandle, fmt.Errorf("%w: %d", ErrDeviceRange, di)
		}
		inst.deviceIndex = di
		inst.explicitDevice = true
	}

	for i, slot := range desc.Outputs {
		inst.outputs[i] = &Resource{
			id:     nextResourceID(),
			name:   name + "." + slot.Name,
			Kind:   slot.Kind,
			Format: slot.Format,
			Bytes:  slot.Bytes,
			outSlot: i,
			Device: -1,
		}
	}

	g.arena = append(g.arena, inst)
	inst.handle = Handle(len(g.arena))
	for i := range inst.outputs {
		inst.outputs[i].producer = inst.handle
	}
	g.perProcess[id]++

	if err := inst.node.Setup(inst); err != nil {
		inst.removed = true
		g.arena[inst.handle-1] = inst
		g.perProcess[id]--
		return InvalidHandle, fmt.Errorf("rendergraph: setup of %q failed: %w", name, err)
	}

	return inst.handle, nil
}

// Connect wires a producer output slot to a consumer input slot. For
// array-capable input slots an optional array index addresses the
// position; connections to the same slot must use distinct indices.
func (g *Graph) Connect(source Handle, outSlot int, target Handle, inSlot int, arrayIndex ...int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.compileState == stateCompiled {
		return ErrGraphCompiled
	}

	src, err := g.instance(source)
	if err != nil {
		return err
	}
	dst, err := g.instance(target)
	if err != nil {
		return err
	}

	if outSlot < 0 || outSlot >= len(src.desc.Outputs) {
		return fmt.Errorf("%w: output %d of %q", ErrSlotRange, outSlot, src.name)
	}
	if inSlot < 0 || inSlot >= len(dst.desc.Inputs) {
		return fmt.Errorf("%w: input %d of %q", ErrSlotRange, inSlot, dst.name)
	}

	outSchema := src.desc.Outputs[outSlot]
	inSchema := dst.desc.Inputs[inSlot]
	if outSchema.Kind != KindOpaque && inSchema.Kind != KindOpaque && outSchema.Kind != inSchema.Kind {
		return fmt.Errorf("%w: %q output %q (%s) -> %q input %q (%s)",
			ErrSlotKindMismatch, src.name, outSchema.Name, outSchema.Kind,
			dst.name, inSchema.Name, inSchema.Kind)
	}

	idx := 0
	if len(arrayIndex) > 0 {
		idx = arrayIndex[0]
	}
	if idx != 0 && !inSchema.AllowArray {
		return fmt.Errorf("%w: input %q of %q is not an array slot", ErrSlotRange, inSchema.Name, dst.name)
	}

	// Grow the array slot as needed.
	for len(dst.inputs[inSlot]) <= idx {
		dst.inputs[inSlot] = append(dst.inputs[inSlot], nil)
	}
	if dst.inputs[inSlot][idx] != nil {
		return fmt.Errorf("%w: input %q[%d] of %q", ErrSlotOccupied, inSchema.Name, idx, dst.name)
	}

	dst.inputs[inSlot][idx] = src.outputs[outSlot]
	g.edges = append(g.edges, Edge{
		Source: source, OutSlot: outSlot,
		Target: target, InSlot: inSlot,
		ArrayIndex: idx,
	})
	dst.addDep(source)
	src.addDependent(target)

	return nil
}

// Instance returns the instance named by h.
func (g *Graph) Instance(h Handle) (*Instance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.instance(h)
}

func (g *Graph) instance(h Handle) (*Instance, error) {
	if h == InvalidHandle || int(h) > len(g.arena) {
		return nil, ErrInvalidHandle
	}
	inst := g.arena[h-1]
	if inst.removed {
		return nil, fmt.Errorf("%w: instance was removed", ErrInvalidHandle)
	}
	return inst, nil
}

// live returns all non-removed instances in insertion order.
func (g *Graph) live() []*Instance {
	out := make([]*Instance, 0, len(g.arena))
	for _, inst := range g.arena {
		if !inst.removed {
			out = append(out, inst)
		}
	}
	return out
}

// HasCycle reports whether the instance/edge set contains a dependency
// cycle.
func (g *Graph) HasCycle() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, cyclic := g.findCycle()
	return cyclic
}

// dfs colors for cycle detection.
const (
	colorWhite uint8 = iota // unvisited
	colorGray               // on the active recursion stack
	colorBlack              // finished
)

// findCycle runs a three-color DFS over dependency edges. On a back edge
// into the gray stack it returns the closed cycle path (first instance
// repeated at the end).
func (g *Graph) findCycle() ([]string, bool) {
	colors := make(map[Handle]uint8, len(g.arena))
	var stack []Handle

	var visit func(h Handle) ([]string, bool)
	visit = func(h Handle) ([]string, bool) {
		colors[h] = colorGray
		stack = append(stack, h)

		inst := g.arena[h-1]
		for _, dep := range inst.dependents {
			if g.arena[dep-1].removed {
				continue
			}
			switch colors[dep] {
			case colorWhite:
				if path, found := visit(dep); found {
					return path, true
				}
			case colorGray:
				// Back edge: slice the stack from the cycle entry.
				var path []string
				for i := len(stack) - 1; i >= 0; i-- {
					path = append([]string{g.arena[stack[i]-1].name}, path...)
					if stack[i] == dep {
						break
					}
				}
				path = append(path, g.arena[dep-1].name)
				return path, true
			}
		}

		stack = stack[:len(stack)-1]
		colors[h] = colorBlack
		return nil, false
	}

	for _, inst := range g.live() {
		if colors[inst.handle] == colorWhite {
			if path, found := visit(inst.handle); found {
				return path, true
			}
		}
	}
	return nil, false
}

// TopologicalOrder returns every live instance exactly once, with every
// edge pointing from an earlier to a later position. Ties are broken by
// insertion order, so repeated compilations of an unchanged graph are
// reproducible.
func (g *Graph) TopologicalOrder() ([]Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.topologicalOrder()
}

func (g *Graph) topologicalOrder() ([]Handle, error) {
	if path, cyclic := g.findCycle(); cyclic {
		return nil, &CycleError{Path: path}
	}

	live := g.live()
	indegree := make(map[Handle]int, len(live))
	for _, inst := range live {
		for _, dep := range inst.deps {
			if !g.arena[dep-1].removed {
				indegree[inst.handle]++
			}
		}
	}

	emitted := make(map[Handle]bool, len(live))
	order := make([]Handle, 0, len(live))

	for len(order) < len(live) {
		// Scan in insertion (arena) order for the first ready instance.
		advanced := false
		for _, inst := range live {
			if emitted[inst.handle] || indegree[inst.handle] > 0 {
				continue
			}
			emitted[inst.handle] = true
			order = append(order, inst.handle)
			for _, dep := range inst.dependents {
				if !g.arena[dep-1].removed {
					indegree[dep]--
				}
			}
			advanced = true
			break
		}
		if !advanced {
			// Unreachable when findCycle passed; kept as a guard.
			return nil, &CycleError{Path: nil}
		}
	}

	return order, nil
}

// DependentCount returns the number of distinct live consumers of the
// instance's outputs.
func (g *Graph) DependentCount(h Handle) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	inst, err := g.instance(h)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range inst.dependents {
		if !g.arena[d-1].removed {
			n++
		}
	}
	return n, nil
}

// refreshDependentCounts recomputes every instance's dependent count
// from the live dependent lists.
func (g *Graph) refreshDependentCounts() {
	for _, inst := range g.live() {
		n := 0
		for _, d := range inst.dependents {
			if !g.arena[d-1].removed {
				n++
			}
		}
		inst.dependentCount = n
	}
}
