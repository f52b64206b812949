// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/gogpu/rendergraph/alloc"
	"github.com/gogpu/rendergraph/cache"
	"github.com/gogpu/rendergraph/device"
	"github.com/gogpu/rendergraph/sched"
)

// compileState is the orchestrator's phase state machine.
type compileState uint8

const (
	stateUncompiled compileState = iota
	stateAffinityResolved
	stateDependencyAnalyzed
	stateResourcesAllocated
	statePipelinesRealized
	stateBatched
	stateCompiled
	stateError
)

// CompileContext is handed to each node's Compile callback. Nodes realize
// device objects through it so pipelines and bind sets are shared via the
// graph's cache hierarchy and their identities feed intra-batch sorting.
type CompileContext struct {
	// Instance is the instance being compiled.
	Instance *Instance

	// Device is the instance's assigned device.
	Device device.Device

	// Caches is the graph's cache hierarchy.
	Caches *cache.Hierarchy
}

// RealizePipeline returns the shared pipeline for state, creating it with
// create on a miss (a nil create stores a placeholder payload). The
// pipeline's key is recorded on the instance for batch sorting.
func (c *CompileContext) RealizePipeline(state *cache.PipelineState, create func() (*cache.Pipeline, error)) (*cache.Pipeline, error) {
	if create == nil {
		create = func() (*cache.Pipeline, error) {
			return &cache.Pipeline{Label: c.Instance.name}, nil
		}
	}
	p, err := c.Caches.Pipelines.GetOrCreate(state, create)
	if err != nil {
		return nil, err
	}
	c.Instance.pipelineKey = p.Key
	return p, nil
}

// BindResources returns the shared bound-resource set for (layout,
// resources), creating the backend object with create on a miss. The
// set's key is recorded on the instance for batch sorting.
func (c *CompileContext) BindResources(layout uint64, resources []uint64, create func() (any, error)) (*cache.BindSet, error) {
	if create == nil {
		create = func() (any, error) { return nil, nil }
	}
	s, err := c.Caches.BindSets.GetOrCreate(layout, resources, create)
	if err != nil {
		return nil, err
	}
	c.Instance.bindSetKey = s.Key
	return s, nil
}

// PlannedStep is one instance execution within a batch, with its
// synchronization instructions.
type PlannedStep struct {
	// Instance is the instance to execute.
	Instance Handle

	// Barriers are issued before execution to resolve pending hazards.
	Barriers []device.Barrier

	// Waits are cross-device semaphores to wait on before execution.
	Waits []device.Semaphore

	// Signals are cross-device semaphores to signal after execution.
	Signals []device.Semaphore
}

// PlannedBatch is an ordered group of steps whose working set fits the
// device's cache budget.
type PlannedBatch struct {
	Steps      []PlannedStep
	WorkingSet uint64

	// Oversized flags a batch whose minimum working set exceeds the
	// budget; diagnostic, not fatal.
	Oversized bool
}

// CompiledPlan is the immutable result of a successful compilation:
// per-device batch lists plus cross-device synchronization edges.
type CompiledPlan struct {
	graph *Graph
	epoch uint64

	// Batches holds each device's batch list, indexed by device.
	Batches [][]PlannedBatch
}

// compilation holds intermediate analysis shared across phases.
type compilation struct {
	order    []Handle
	devOrder [][]Handle
	hazards  map[Handle][]device.Barrier

	allocators []*alloc.Allocator
	backingMem [][]device.Memory

	batches   [][]sched.Batch
	oversized int
}

// Compile runs the phase sequence and produces an execution plan.
//
// Phases run synchronously: affinity resolution, dependency analysis,
// resource allocation, pipeline realization, batching, recording. The
// first failure aborts the remaining phases, leaves the graph in the
// error state, and returns a *CompileError naming the offending
// instances; no partial plan is ever returned. A failed graph must be
// reset or discarded before recompiling.
func (g *Graph) Compile() (*CompiledPlan, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.compileState == stateError {
		return nil, ErrGraphInErrorState
	}
	g.releaseTransientBackings()
	g.comp = &compilation{hazards: make(map[Handle][]device.Barrier)}
	g.compileState = stateUncompiled

	type phase struct {
		id  CompilePhase
		run func() error
		to  compileState
	}
	phases := []phase{
		{PhaseAffinity, g.resolveAffinity, stateAffinityResolved},
		{PhaseDependency, g.analyzeDependencies, stateDependencyAnalyzed},
		{PhaseAllocation, g.allocateResources, stateResourcesAllocated},
		{PhasePipelines, g.realizePipelines, statePipelinesRealized},
		{PhaseBatching, g.buildBatches, stateBatched},
	}

	for _, p := range phases {
		if err := p.run(); err != nil {
			g.compileState = stateError
			return nil, asCompileError(p.id, err)
		}
		g.compileState = p.to
	}

	plan, err := g.recordPlan()
	if err != nil {
		g.compileState = stateError
		return nil, asCompileError(PhaseRecording, err)
	}
	g.compileState = stateCompiled
	g.epoch++
	plan.epoch = g.epoch
	g.plan = plan

	Logger().Info("graph compiled",
		"instances", len(g.live()),
		"devices", len(g.devices),
		"oversizedBatches", g.comp.oversized)
	return plan, nil
}

// asCompileError wraps err in a CompileError, lifting instance names and
// cycle paths from the known structured error types.
func asCompileError(p CompilePhase, err error) *CompileError {
	ce := &CompileError{Phase: p, Err: err}
	switch e := err.(type) {
	case *CycleError:
		ce.Cycle = e.Path
	case *CapabilityError:
		ce.Instances = []string{e.Instance}
	case *DanglingInputError:
		ce.Instances = []string{e.Instance}
	}
	return ce
}

// Reset returns a graph from the error (or compiled) state to
// uncompiled, releasing transient backing memory. The topology is kept;
// the caller may fix it and recompile from scratch.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.releaseTransientBackings()
	g.compileState = stateUncompiled
	g.plan = nil
	g.comp = nil
}

// SetMemoryBudget replaces the per-device transient memory budget
// (0 = unlimited), so a caller hitting an allocation budget error can
// retry with a bigger budget without rebuilding the graph. Valid only in
// the uncompiled state; after a failed compile, Reset first.
func (g *Graph) SetMemoryBudget(bytes uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.compileState {
	case stateUncompiled:
		g.opts.MemoryBudget = bytes
		return nil
	case stateError:
		return ErrGraphInErrorState
	default:
		return ErrGraphCompiled
	}
}

func (g *Graph) releaseTransientBackings() {
	if g.comp == nil {
		return
	}
	for d, mems := range g.comp.backingMem {
		for _, m := range mems {
			if m != nil {
				m.Release()
			}
		}
		g.comp.backingMem[d] = nil
	}
	for _, inst := range g.live() {
		for _, res := range inst.outputs {
			if !res.Persistent {
				res.backing = nil
			}
		}
	}
}

// analyzeDependencies validates the topology, fixes the execution order,
// and derives cache keys.
func (g *Graph) analyzeDependencies() error {
	// Structural validation: every required input must have a producer.
	for _, inst := range g.live() {
		for si, schema := range inst.desc.Inputs {
			if schema.Optional {
				continue
			}
			bound := false
			for _, res := range inst.inputs[si] {
				if res != nil {
					bound = true
					break
				}
			}
			if !bound {
				return &DanglingInputError{Instance: inst.name, Slot: si, SlotName: schema.Name}
			}
		}
	}

	order, err := g.topologicalOrder()
	if err != nil {
		return err
	}
	g.comp.order = order

	// Per-device execution orders preserve the global topological order.
	g.comp.devOrder = make([][]Handle, len(g.devices))
	for _, h := range order {
		d := g.arena[h-1].deviceIndex
		g.comp.devOrder[d] = append(g.comp.devOrder[d], h)
	}

	g.deriveCacheKeys(order)

	for _, h := range order {
		g.arena[h-1].state = StateReady
	}
	return nil
}

// deriveCacheKeys computes each instance's computed-output cache key and
// each output resource's content identity, in topological order so
// producer hashes exist before consumers read them.
//
// The key covers process identity, input content identities, parameter
// values, and the executing device (conservative: results are never
// shared across devices).
func (g *Graph) deriveCacheKeys(order []Handle) {
	for _, h := range order {
		inst := g.arena[h-1]

		hash := fnv.New64a()
		_, _ = hash.Write([]byte(inst.desc.ID))
		for _, slot := range inst.inputs {
			for _, res := range slot {
				if res == nil {
					continue
				}
				var buf [8]byte
				putUint64(buf[:], res.contentHash)
				_, _ = hash.Write(buf[:])
			}
		}
		if len(inst.params) > 0 {
			keys := make([]string, 0, len(inst.params))
			for k := range inst.params {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				_, _ = hash.Write([]byte(k))
				fmt.Fprintf(hash, "%v", inst.params[k])
			}
		}
		var dev [8]byte
		putUint64(dev[:], uint64(inst.deviceIndex))
		_, _ = hash.Write(dev[:])

		inst.cacheKey = hash.Sum64()

		eligible := inst.node.IsCacheable()
		for _, slot := range inst.inputs {
			for _, res := range slot {
				if res == nil {
					continue
				}
				if !g.arena[res.producer-1].cacheEligible {
					eligible = false
				}
			}
		}
		inst.cacheEligible = eligible

		for si, res := range inst.outputs {
			oh := fnv.New64a()
			var buf [8]byte
			putUint64(buf[:], inst.cacheKey)
			_, _ = oh.Write(buf[:])
			putUint64(buf[:], uint64(si))
			_, _ = oh.Write(buf[:])
			res.contentHash = oh.Sum64()
		}
	}
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// recordHazards walks each device's execution order tracking the last
// access per backing memory and emits a barrier before any access with a
// pending read-after-write, write-after-read, write-after-write, or
// layout-transition requirement.
//
// Tracking is keyed on the backing rather than the resource so that
// aliased memory reuse is visible: the first write of a new resource into
// a backing another resource was just read from still needs a
// write-after-read barrier. Requires backing assignments, so it runs
// after resource allocation.
func (g *Graph) recordHazards() {
	type access struct {
		write bool
	}
	for _, devOrder := range g.comp.devOrder {
		last := make(map[device.Memory]access)
		for _, h := range devOrder {
			inst := g.arena[h-1]
			var barriers []device.Barrier

			for _, slot := range inst.inputs {
				for _, res := range slot {
					if res == nil || res.Device != inst.deviceIndex || res.backing == nil {
						continue
					}
					if a, ok := last[res.backing]; ok && a.write {
						barriers = append(barriers, device.Barrier{
							ResourceID: res.id, Kind: device.BarrierReadAfterWrite,
						})
					}
					last[res.backing] = access{write: false}
				}
			}
			for _, res := range inst.outputs {
				if res.backing == nil {
					continue
				}
				if a, ok := last[res.backing]; ok {
					kind := device.BarrierWriteAfterRead
					if a.write {
						kind = device.BarrierWriteAfterWrite
					}
					if res.Kind == KindTexture {
						kind = device.BarrierLayoutTransition
					}
					barriers = append(barriers, device.Barrier{ResourceID: res.id, Kind: kind})
				}
				last[res.backing] = access{write: true}
			}

			if len(barriers) > 0 {
				g.comp.hazards[h] = barriers
			}
		}
	}
}

// allocateResources computes lifetimes and assigns backing memory per
// device: transient resources go through the aliasing allocator,
// persistent resources are allocated directly, once.
func (g *Graph) allocateResources() error {
	g.comp.allocators = make([]*alloc.Allocator, len(g.devices))
	g.comp.backingMem = make([][]device.Memory, len(g.devices))

	for d := range g.devices {
		a := alloc.New(g.opts.MemoryBudget)
		g.comp.allocators[d] = a

		byID := make(map[uint64]*Resource)
		for _, h := range g.comp.devOrder[d] {
			inst := g.arena[h-1]
			for _, res := range inst.outputs {
				if res.Persistent {
					continue
				}
				a.AddResource(alloc.Request{
					ID:     res.id,
					Kind:   uint8(res.Kind),
					Format: uint32(res.Format),
					Bytes:  res.Bytes,
				})
				byID[res.id] = res
			}
		}

		var uses []alloc.Use
		for pos, h := range g.comp.devOrder[d] {
			inst := g.arena[h-1]
			for _, slot := range inst.inputs {
				for _, res := range slot {
					if res != nil && res.Device == d {
						uses = append(uses, alloc.Use{ResourceID: res.id, Position: pos})
					}
				}
			}
			for _, res := range inst.outputs {
				uses = append(uses, alloc.Use{ResourceID: res.id, Position: pos, Write: true})
			}
		}
		a.AnalyzeLifetimes(uses)

		assignments, err := a.Allocate()
		if err != nil {
			return fmt.Errorf("device %d: %w", d, err)
		}

		// Materialize one Memory per backing; aliased resources share it.
		backings := a.Backings()
		mems := make([]device.Memory, len(backings))
		for _, b := range backings {
			m, merr := g.devices[d].AllocateMemory(b.Bytes)
			if merr != nil {
				g.comp.backingMem[d] = mems
				return fmt.Errorf("device %d: committed %d bytes: %w", d, a.CommittedBytes(), merr)
			}
			mems[b.Index] = m
		}
		g.comp.backingMem[d] = mems

		for _, as := range assignments {
			res := byID[as.ResourceID]
			res.backing = mems[as.Backing]
			res.firstUse, res.lastUse, _ = a.Lifetime(as.ResourceID)
		}

		// Persistent resources bypass aliasing and allocate once.
		for _, h := range g.comp.devOrder[d] {
			for _, res := range g.arena[h-1].outputs {
				if !res.Persistent || res.backing != nil {
					continue
				}
				m, merr := g.devices[d].AllocateMemory(res.Bytes)
				if merr != nil {
					return fmt.Errorf("device %d: persistent resource %q: committed %d bytes: %w",
						d, res.name, a.CommittedBytes(), merr)
				}
				res.backing = m
			}
		}

		Logger().Debug("resources allocated",
			"device", d,
			"committed", a.CommittedBytes(),
			"aliased", a.AliasedBytes())
	}

	// Hazards depend on backing assignments, so they are recorded here
	// rather than during dependency analysis.
	g.recordHazards()
	return nil
}

// realizePipelines invokes each node's Compile callback with the shared
// cache hierarchy.
func (g *Graph) realizePipelines() error {
	for _, h := range g.comp.order {
		inst := g.arena[h-1]
		cctx := &CompileContext{
			Instance: inst,
			Device:   g.devices[inst.deviceIndex],
			Caches:   g.caches,
		}
		if err := inst.node.Compile(cctx); err != nil {
			inst.state = StateError
			return fmt.Errorf("instance %q: %w", inst.name, err)
		}
		inst.state = StateCompiled
	}
	return nil
}

// buildBatches groups each device's order into cache-fitting batches.
func (g *Graph) buildBatches() error {
	g.comp.batches = make([][]sched.Batch, len(g.devices))

	for d, devOrder := range g.comp.devOrder {
		if len(devOrder) == 0 {
			continue
		}
		indexOf := make(map[Handle]int, len(devOrder))
		for i, h := range devOrder {
			indexOf[h] = i
		}

		items := make([]sched.Item, len(devOrder))
		for i, h := range devOrder {
			inst := g.arena[h-1]
			item := sched.Item{
				Pipeline: inst.pipelineKey,
				BindSet:  inst.bindSetKey,
				Scratch:  inst.scratchBytes(),
			}
			seen := make(map[uint64]struct{})
			addRes := func(res *Resource) {
				if res == nil {
					return
				}
				if _, ok := seen[res.id]; ok {
					return
				}
				seen[res.id] = struct{}{}
				item.Resources = append(item.Resources, sched.ResourceUse{ID: res.id, Bytes: res.Bytes})
			}
			for _, slot := range inst.inputs {
				for _, res := range slot {
					addRes(res)
				}
			}
			for _, res := range inst.outputs {
				addRes(res)
			}
			for _, dep := range inst.deps {
				if di, ok := indexOf[dep]; ok {
					item.Deps = append(item.Deps, di)
				}
			}
			items[i] = item
		}

		budget := g.devices[d].Capabilities().FastCacheBytes
		batches := sched.CreateBatches(items, budget, g.opts.BudgetFraction)
		for _, b := range batches {
			if b.Oversized {
				g.comp.oversized++
				Logger().Warn("batch working set exceeds device cache budget",
					"device", d, "workingSet", b.WorkingSet, "cache", budget)
			}
		}
		g.comp.batches[d] = batches
	}
	return nil
}

// recordPlan assembles the immutable execution plan from the batch lists
// and the cross-device synchronization edges.
func (g *Graph) recordPlan() (*CompiledPlan, error) {
	plan := &CompiledPlan{
		graph:   g,
		Batches: make([][]PlannedBatch, len(g.devices)),
	}

	for d, batches := range g.comp.batches {
		devOrder := g.comp.devOrder[d]
		planned := make([]PlannedBatch, 0, len(batches))
		for _, b := range batches {
			pb := PlannedBatch{WorkingSet: b.WorkingSet, Oversized: b.Oversized}
			for _, idx := range b.Items {
				h := devOrder[idx]
				inst := g.arena[h-1]
				step := PlannedStep{
					Instance: h,
					Barriers: g.comp.hazards[h],
				}
				if inst.transfer && inst.semaphore != nil {
					step.Waits = append(step.Waits, inst.semaphore)
				}
				for _, dh := range inst.dependents {
					dep := g.arena[dh-1]
					if dep.removed || dep.deviceIndex == inst.deviceIndex {
						continue
					}
					if dep.transfer && dep.semaphore != nil {
						step.Signals = append(step.Signals, dep.semaphore)
					}
				}
				pb.Steps = append(pb.Steps, step)
			}
			planned = append(planned, pb)
		}
		plan.Batches[d] = planned
	}

	return plan, nil
}
