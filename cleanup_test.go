// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"context"
	"errors"
	"testing"
)

// diamondGraph builds the shared-dependency scenario:
//
//	source -> mid -> a
//	            \-> b
//
// mid is shared by both leaves, source feeds only mid.
func diamondGraph(t *testing.T) (*Graph, map[string]Handle, map[string]*testNode) {
	t.Helper()
	nodes := map[string]*testNode{
		"source": {}, "mid": {}, "a": {}, "b": {},
	}
	g := newTestGraph(t, GraphOptions{},
		proc("test.source", 0, 1, nodes["source"]),
		proc("test.mid", 1, 1, nodes["mid"]),
		proc("test.a", 1, 0, nodes["a"]),
		proc("test.b", 1, 0, nodes["b"]),
	)
	hs := map[string]Handle{
		"source": mustAdd(t, g, "test.source", "source"),
		"mid":    mustAdd(t, g, "test.mid", "mid"),
		"a":      mustAdd(t, g, "test.a", "a"),
		"b":      mustAdd(t, g, "test.b", "b"),
	}
	mustConnect(t, g, hs["source"], 0, hs["mid"], 0)
	mustConnect(t, g, hs["mid"], 0, hs["a"], 0)
	mustConnect(t, g, hs["mid"], 0, hs["b"], 0)
	return g, hs, nodes
}

func TestCleanupScopePreviewDoesNotMutate(t *testing.T) {
	g, hs, nodes := diamondGraph(t)

	scope, err := g.GetCleanupScope([]Handle{hs["a"]})
	if err != nil {
		t.Fatalf("GetCleanupScope: %v", err)
	}
	// mid survives: b still consumes it.
	if len(scope) != 1 || scope[0] != hs["a"] {
		t.Errorf("scope = %v, want [a] only", scope)
	}
	for name, n := range nodes {
		if n.cleanupCount() != 0 {
			t.Errorf("preview invoked Cleanup on %q", name)
		}
	}
	if _, err := g.Instance(hs["a"]); err != nil {
		t.Error("preview removed an instance")
	}
}

func TestPartialCleanupSharedDependencySurvives(t *testing.T) {
	g, hs, nodes := diamondGraph(t)

	cleaned, err := g.PartialCleanup([]Handle{hs["a"]})
	if err != nil {
		t.Fatalf("PartialCleanup: %v", err)
	}
	if len(cleaned) != 1 || cleaned[0] != hs["a"] {
		t.Fatalf("cleaned = %v, want [a]", cleaned)
	}
	if nodes["a"].cleanupCount() != 1 {
		t.Error("a's Cleanup not invoked")
	}
	if nodes["mid"].cleanupCount() != 0 || nodes["source"].cleanupCount() != 0 {
		t.Error("shared dependency torn down while still consumed")
	}
	if _, err := g.Instance(hs["a"]); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("removed instance still resolvable: %v", err)
	}
	if _, err := g.Instance(hs["mid"]); err != nil {
		t.Errorf("surviving instance not resolvable: %v", err)
	}
}

func TestPartialCleanupCascades(t *testing.T) {
	g, hs, nodes := diamondGraph(t)

	if _, err := g.PartialCleanup([]Handle{hs["a"]}); err != nil {
		t.Fatal(err)
	}
	// Removing the last consumer cascades through mid to source.
	cleaned, err := g.PartialCleanup([]Handle{hs["b"]})
	if err != nil {
		t.Fatalf("PartialCleanup: %v", err)
	}
	if len(cleaned) != 3 {
		t.Fatalf("cleaned %d instances, want 3 (b, mid, source)", len(cleaned))
	}
	// Teardown order: roots first, dependencies after their last
	// consumer.
	order := map[Handle]int{}
	for i, h := range cleaned {
		order[h] = i
	}
	if !(order[hs["b"]] < order[hs["mid"]] && order[hs["mid"]] < order[hs["source"]]) {
		t.Errorf("teardown order %v violates consumer-before-dependency", cleaned)
	}
	for name, n := range nodes {
		if n.cleanupCount() != 1 {
			t.Errorf("%q cleaned up %d times, want 1", name, n.cleanupCount())
		}
	}
}

func TestPartialCleanupInvalidRoot(t *testing.T) {
	g, _, _ := diamondGraph(t)
	if _, err := g.PartialCleanup([]Handle{InvalidHandle}); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("err = %v, want ErrInvalidHandle", err)
	}
}

func TestCleanupInvalidatesCompiledPlan(t *testing.T) {
	g, hs, _ := diamondGraph(t)
	plan, err := g.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if _, err := g.PartialCleanup([]Handle{hs["a"]}); err != nil {
		t.Fatalf("PartialCleanup: %v", err)
	}

	// The stale plan must be rejected and the graph must recompile.
	if err := g.Execute(context.Background(), plan); err == nil {
		t.Error("stale plan executed after cleanup")
	}
	if _, err := g.Compile(); err != nil {
		t.Errorf("recompile after cleanup: %v", err)
	}
}

func TestInstancingSlotFreedByCleanup(t *testing.T) {
	single := proc("test.single", 0, 1, &testNode{})
	single.Instancing = InstancingSingle
	g := newTestGraph(t, GraphOptions{}, single)

	h := mustAdd(t, g, "test.single", "first")
	if _, err := g.PartialCleanup([]Handle{h}); err != nil {
		t.Fatal(err)
	}
	if _, err := g.AddInstance("test.single", "second"); err != nil {
		t.Errorf("instancing slot not freed by cleanup: %v", err)
	}
}
