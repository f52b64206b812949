// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"errors"
	"testing"

	"github.com/gogpu/rendergraph/alloc"
	"github.com/gogpu/rendergraph/cache"
	"github.com/gogpu/rendergraph/device"
)

func TestCompileChain(t *testing.T) {
	g, handles, _ := chainGraph(t, GraphOptions{})
	plan, err := g.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if plan == nil {
		t.Fatal("Compile returned nil plan without error")
	}
	for _, h := range handles {
		inst, _ := g.Instance(h)
		if inst.State() != StateCompiled {
			t.Errorf("instance %q state = %v, want Compiled", inst.Name(), inst.State())
		}
	}

	steps := 0
	for _, batches := range plan.Batches {
		for _, b := range batches {
			steps += len(b.Steps)
		}
	}
	if steps != 3 {
		t.Errorf("plan holds %d steps, want 3", steps)
	}
}

func TestCompileIdempotent(t *testing.T) {
	g, _, _ := chainGraph(t, GraphOptions{})

	p1, err := g.Compile()
	if err != nil {
		t.Fatalf("first Compile: %v", err)
	}
	p2, err := g.Compile()
	if err != nil {
		t.Fatalf("second Compile: %v", err)
	}

	if len(p1.Batches) != len(p2.Batches) {
		t.Fatalf("device counts differ: %d vs %d", len(p1.Batches), len(p2.Batches))
	}
	for d := range p1.Batches {
		if len(p1.Batches[d]) != len(p2.Batches[d]) {
			t.Fatalf("device %d batch counts differ", d)
		}
		for bi := range p1.Batches[d] {
			b1, b2 := p1.Batches[d][bi], p2.Batches[d][bi]
			if len(b1.Steps) != len(b2.Steps) || b1.WorkingSet != b2.WorkingSet {
				t.Fatalf("device %d batch %d differs between compilations", d, bi)
			}
			for si := range b1.Steps {
				if b1.Steps[si].Instance != b2.Steps[si].Instance {
					t.Fatalf("device %d batch %d step %d ordering differs", d, bi, si)
				}
			}
		}
	}
}

func TestCompileCycleError(t *testing.T) {
	g := newTestGraph(t, GraphOptions{},
		proc("test.a", 1, 1, &testNode{}),
		proc("test.b", 1, 1, &testNode{}),
	)
	a := mustAdd(t, g, "test.a", "a")
	b := mustAdd(t, g, "test.b", "b")
	mustConnect(t, g, a, 0, b, 0)
	mustConnect(t, g, b, 0, a, 0)

	_, err := g.Compile()
	var ce *CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("Compile error = %v, want *CompileError", err)
	}
	if len(ce.Cycle) < 3 || ce.Cycle[0] != ce.Cycle[len(ce.Cycle)-1] {
		t.Errorf("CompileError.Cycle = %v, want closed walk", ce.Cycle)
	}

	// A failed graph refuses recompilation until reset.
	if _, err := g.Compile(); !errors.Is(err, ErrGraphInErrorState) {
		t.Errorf("recompile error = %v, want ErrGraphInErrorState", err)
	}
	g.Reset()
	if _, err := g.Compile(); errors.Is(err, ErrGraphInErrorState) {
		t.Error("Reset did not clear the error state")
	}
}

func TestCompileDanglingInput(t *testing.T) {
	g := newTestGraph(t, GraphOptions{}, proc("test.sink", 1, 0, &testNode{}))
	mustAdd(t, g, "test.sink", "lonely")

	_, err := g.Compile()
	var de *DanglingInputError
	if !errors.As(err, &de) {
		t.Fatalf("Compile error = %v, want *DanglingInputError", err)
	}
	if de.Instance != "lonely" || de.Slot != 0 {
		t.Errorf("DanglingInputError = %+v", de)
	}
}

func TestCompileOptionalInputMayDangle(t *testing.T) {
	opt := &Descriptor{
		ID:      "test.optional",
		Name:    "optional",
		Inputs:  []Slot{{Name: "extra", Kind: KindBuffer, Optional: true}},
		Outputs: bufferSlots("out", 1),
		New:     func() Node { return &testNode{} },
	}
	g := newTestGraph(t, GraphOptions{}, opt)
	mustAdd(t, g, "test.optional", "x")
	if _, err := g.Compile(); err != nil {
		t.Errorf("Compile with dangling optional input: %v", err)
	}
}

func TestCompileBudgetError(t *testing.T) {
	g, _, _ := chainGraph(t, GraphOptions{MemoryBudget: 32})

	_, err := g.Compile()
	var ce *CompileError
	if !errors.As(err, &ce) || ce.Phase != PhaseAllocation {
		t.Fatalf("Compile error = %v, want CompileError in allocation phase", err)
	}
	var be *alloc.BudgetError
	if !errors.As(err, &be) {
		t.Fatalf("cause = %v, want *alloc.BudgetError", ce.Err)
	}
	if be.Budget != 32 {
		t.Errorf("BudgetError.Budget = %d, want 32", be.Budget)
	}
}

func TestCompileNodeFailureMarksInstance(t *testing.T) {
	boom := errors.New("shader rejected")
	bad := &testNode{compileFn: func(*CompileContext) error { return boom }}
	g := newTestGraph(t, GraphOptions{}, proc("test.bad", 0, 1, bad))
	h := mustAdd(t, g, "test.bad", "bad")

	_, err := g.Compile()
	if !errors.Is(err, boom) {
		t.Fatalf("Compile error = %v, want wrapped %v", err, boom)
	}
	var ce *CompileError
	if !errors.As(err, &ce) || ce.Phase != PhasePipelines {
		t.Errorf("error phase = %v, want pipeline realization", err)
	}
	inst := g.arena[h-1]
	if inst.State() != StateError {
		t.Errorf("instance state = %v, want Error", inst.State())
	}
}

func TestMutationAfterCompile(t *testing.T) {
	g, handles, _ := chainGraph(t, GraphOptions{})
	if _, err := g.Compile(); err != nil {
		t.Fatal(err)
	}
	if _, err := g.AddInstance("test.source", "late"); !errors.Is(err, ErrGraphCompiled) {
		t.Errorf("AddInstance after compile: err = %v, want ErrGraphCompiled", err)
	}
	if err := g.Connect(handles[0], 0, handles[2], 0); !errors.Is(err, ErrGraphCompiled) {
		t.Errorf("Connect after compile: err = %v, want ErrGraphCompiled", err)
	}
}

func TestPipelinesSharedAcrossInstances(t *testing.T) {
	state := &cache.PipelineState{
		Stages:      []cache.ShaderStage{{CodeHash: 0xfeed, EntryPoint: "main"}},
		SampleCount: 1,
	}
	created := 0
	compile := func(ctx *CompileContext) error {
		_, err := ctx.RealizePipeline(state, func() (*cache.Pipeline, error) {
			created++
			return &cache.Pipeline{}, nil
		})
		return err
	}
	nodeA := &testNode{compileFn: compile}
	nodeB := &testNode{compileFn: compile}

	g := newTestGraph(t, GraphOptions{},
		proc("test.a", 0, 1, nodeA),
		proc("test.b", 0, 1, nodeB),
	)
	mustAdd(t, g, "test.a", "a")
	mustAdd(t, g, "test.b", "b")

	if _, err := g.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if created != 1 {
		t.Errorf("pipeline realized %d times, want 1 (shared across process types)", created)
	}
	if g.Caches().Pipelines.Len() != 1 {
		t.Errorf("pipeline cache holds %d entries, want 1", g.Caches().Pipelines.Len())
	}
}

func TestTransientAliasingReducesFootprint(t *testing.T) {
	// Chain of four 64-byte stages: intermediate results have disjoint
	// lifetimes, so committed memory must be below the 4*64 sum.
	nodes := [4]*testNode{{}, {}, {}, {}}
	g := newTestGraph(t, GraphOptions{},
		proc("test.s0", 0, 1, nodes[0]),
		proc("test.s1", 1, 1, nodes[1]),
		proc("test.s2", 1, 1, nodes[2]),
		proc("test.s3", 1, 1, nodes[3]),
	)
	prev := mustAdd(t, g, "test.s0", "s0")
	for i := 1; i < 4; i++ {
		h := mustAdd(t, g, ProcessID("test.s"+string(rune('0'+i))), "s"+string(rune('0'+i)))
		mustConnect(t, g, prev, 0, h, 0)
		prev = h
	}

	if _, err := g.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	a := g.comp.allocators[0]
	if a.CommittedBytes() >= 4*64 {
		t.Errorf("CommittedBytes = %d, want < 256 through aliasing", a.CommittedBytes())
	}
	if a.AliasedBytes() == 0 {
		t.Error("no aliasing on a pure chain")
	}
}

func TestAliasedBackingReuseEmitsBarrier(t *testing.T) {
	// Four-stage chain: the first and third outputs have disjoint
	// lifetimes and share one backing, so writing the third output into
	// memory the second stage just read needs a write-after-read barrier
	// even though the resource itself was never accessed before.
	nodes := [4]*testNode{{}, {}, {}, {}}
	g := newTestGraph(t, GraphOptions{},
		proc("test.s0", 0, 1, nodes[0]),
		proc("test.s1", 1, 1, nodes[1]),
		proc("test.s2", 1, 1, nodes[2]),
		proc("test.s3", 1, 1, nodes[3]),
	)
	hs := make([]Handle, 4)
	hs[0] = mustAdd(t, g, "test.s0", "s0")
	for i := 1; i < 4; i++ {
		hs[i] = mustAdd(t, g, ProcessID("test.s"+string(rune('0'+i))), "s"+string(rune('0'+i)))
		mustConnect(t, g, hs[i-1], 0, hs[i], 0)
	}

	plan, err := g.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	first, _ := g.Instance(hs[0])
	third, _ := g.Instance(hs[2])
	if first.Output(0).Backing() != third.Output(0).Backing() {
		t.Fatal("first and third outputs do not share a backing")
	}

	var step *PlannedStep
	for _, b := range plan.Batches[0] {
		for i := range b.Steps {
			if b.Steps[i].Instance == hs[2] {
				step = &b.Steps[i]
			}
		}
	}
	if step == nil {
		t.Fatal("third stage missing from plan")
	}
	found := false
	for _, bar := range step.Barriers {
		if bar.Kind == device.BarrierWriteAfterRead && bar.ResourceID == third.Output(0).ID() {
			found = true
		}
	}
	if !found {
		t.Errorf("barriers for reused backing = %v, want write-after-read on %d",
			step.Barriers, third.Output(0).ID())
	}
}

func TestBudgetRetryWithNewBudget(t *testing.T) {
	g, _, _ := chainGraph(t, GraphOptions{MemoryBudget: 32})

	_, err := g.Compile()
	var be *alloc.BudgetError
	if !errors.As(err, &be) {
		t.Fatalf("Compile error = %v, want *alloc.BudgetError", err)
	}
	if err := g.SetMemoryBudget(0); !errors.Is(err, ErrGraphInErrorState) {
		t.Errorf("SetMemoryBudget on failed graph: err = %v, want ErrGraphInErrorState", err)
	}

	g.Reset()
	if err := g.SetMemoryBudget(be.Committed + be.Requested + 64); err != nil {
		t.Fatalf("SetMemoryBudget after Reset: %v", err)
	}
	if _, err := g.Compile(); err != nil {
		t.Errorf("recompile with raised budget: %v", err)
	}
	if err := g.SetMemoryBudget(0); !errors.Is(err, ErrGraphCompiled) {
		t.Errorf("SetMemoryBudget on compiled graph: err = %v, want ErrGraphCompiled", err)
	}
}

func TestPersistentOutputsSkipAliasing(t *testing.T) {
	node := &testNode{}
	g := newTestGraph(t, GraphOptions{}, proc("test.p", 0, 1, node))
	h := mustAdd(t, g, "test.p", "persist")
	inst, _ := g.Instance(h)
	if err := inst.SetOutputPersistent(0); err != nil {
		t.Fatal(err)
	}

	if _, err := g.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	res := inst.Output(0)
	if res.Backing() == nil {
		t.Fatal("persistent output has no backing")
	}

	// Recompiling must not reallocate the persistent backing.
	backing := res.Backing()
	if _, err := g.Compile(); err != nil {
		t.Fatalf("recompile: %v", err)
	}
	if res.Backing() != backing {
		t.Error("persistent backing reallocated on recompile")
	}
}

func TestCacheKeysDifferByParameters(t *testing.T) {
	nd := device.NewNullDevice(device.Capabilities{})
	build := func(radius int) uint64 {
		node := &testNode{cacheable: true}
		g := newTestGraph(t, GraphOptions{Devices: []device.Device{nd}},
			proc("test.blur", 0, 1, node))
		h := mustAdd(t, g, "test.blur", "blur")
		inst, _ := g.Instance(h)
		inst.SetParameter("radius", radius)
		if _, err := g.Compile(); err != nil {
			t.Fatalf("Compile: %v", err)
		}
		return inst.CacheKey()
	}

	k1 := build(2)
	k2 := build(2)
	k3 := build(5)
	if k1 != k2 {
		t.Error("identical graphs derived different cache keys")
	}
	if k1 == k3 {
		t.Error("parameter change did not change the cache key")
	}
}

func TestBatchesRespectWorkingSetBudget(t *testing.T) {
	// Tiny cache forces multiple batches; none may exceed the budget
	// unless flagged oversized.
	small := device.NewNullDevice(device.Capabilities{FastCacheBytes: 128})
	nodes := [4]*testNode{{}, {}, {}, {}}
	g := newTestGraph(t, GraphOptions{Devices: []device.Device{small}, BudgetFraction: 1},
		proc("test.s0", 0, 1, nodes[0]),
		proc("test.s1", 1, 1, nodes[1]),
		proc("test.s2", 1, 1, nodes[2]),
		proc("test.s3", 1, 1, nodes[3]),
	)
	prev := mustAdd(t, g, "test.s0", "s0")
	for i := 1; i < 4; i++ {
		h := mustAdd(t, g, ProcessID("test.s"+string(rune('0'+i))), "x")
		mustConnect(t, g, prev, 0, h, 0)
		prev = h
	}

	plan, err := g.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(plan.Batches[0]) < 2 {
		t.Errorf("got %d batches, want several under a 128-byte cache", len(plan.Batches[0]))
	}
	for _, b := range plan.Batches[0] {
		if !b.Oversized && b.WorkingSet > 128 {
			t.Errorf("batch working set %d exceeds budget without oversized flag", b.WorkingSet)
		}
	}
}
