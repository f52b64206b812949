// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"sync"
	"testing"

	"github.com/gogpu/rendergraph/device"
)

// testNode is a Node implementation with observable callbacks.
type testNode struct {
	mu         sync.Mutex
	executions int
	cleanups   int

	cacheable bool
	compileFn func(*CompileContext) error
	executeFn func(*ExecuteContext) error
}

func (n *testNode) Setup(*Instance) error { return nil }

func (n *testNode) Compile(ctx *CompileContext) error {
	if n.compileFn != nil {
		return n.compileFn(ctx)
	}
	return nil
}

func (n *testNode) Execute(ctx *ExecuteContext) error {
	n.mu.Lock()
	n.executions++
	n.mu.Unlock()
	if n.executeFn != nil {
		return n.executeFn(ctx)
	}
	return nil
}

func (n *testNode) Cleanup() error {
	n.mu.Lock()
	n.cleanups++
	n.mu.Unlock()
	return nil
}

func (n *testNode) IsCacheable() bool { return n.cacheable }

func (n *testNode) execCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.executions
}

func (n *testNode) cleanupCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cleanups
}

// bufferSlots builds n buffer slots named s0..s(n-1) of 64 bytes each.
func bufferSlots(prefix string, n int) []Slot {
	slots := make([]Slot, n)
	for i := range slots {
		slots[i] = Slot{Name: prefix + string(rune('0'+i)), Kind: KindBuffer, Bytes: 64}
	}
	return slots
}

// proc builds a descriptor with the given slot counts whose factory
// always returns node, so tests can observe per-instance behavior by
// using one process per instance.
func proc(id ProcessID, inputs, outputs int, node Node) *Descriptor {
	if node == nil {
		node = &testNode{}
	}
	return &Descriptor{
		ID:      id,
		Name:    string(id),
		Inputs:  bufferSlots("in", inputs),
		Outputs: bufferSlots("out", outputs),
		New:     func() Node { return node },
	}
}

// newTestGraph registers the given processes into a fresh registry and
// builds a graph over them.
func newTestGraph(t *testing.T, opts GraphOptions, procs ...*Descriptor) *Graph {
	t.Helper()
	reg := NewRegistry()
	for _, d := range procs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register(%q): %v", d.ID, err)
		}
	}
	opts.Registry = reg
	return NewGraph(opts)
}

// mustAdd adds an instance or fails the test.
func mustAdd(t *testing.T, g *Graph, id ProcessID, name string, dev ...int) Handle {
	t.Helper()
	h, err := g.AddInstance(id, name, dev...)
	if err != nil {
		t.Fatalf("AddInstance(%q): %v", name, err)
	}
	return h
}

// mustConnect wires an edge or fails the test.
func mustConnect(t *testing.T, g *Graph, src Handle, out int, dst Handle, in int) {
	t.Helper()
	if err := g.Connect(src, out, dst, in); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

// chainGraph builds source -> filter -> sink on the given devices and
// returns the graph with the three handles and nodes.
func chainGraph(t *testing.T, opts GraphOptions) (*Graph, [3]Handle, [3]*testNode) {
	t.Helper()
	nodes := [3]*testNode{{}, {}, {}}
	g := newTestGraph(t, opts,
		proc("test.source", 0, 1, nodes[0]),
		proc("test.filter", 1, 1, nodes[1]),
		proc("test.sink", 1, 0, nodes[2]),
	)
	src := mustAdd(t, g, "test.source", "source")
	flt := mustAdd(t, g, "test.filter", "filter")
	snk := mustAdd(t, g, "test.sink", "sink")
	mustConnect(t, g, src, 0, flt, 0)
	mustConnect(t, g, flt, 0, snk, 0)
	return g, [3]Handle{src, flt, snk}, nodes
}

// twoNullDevices returns a pair of default null devices.
func twoNullDevices() []device.Device {
	return []device.Device{
		device.NewNullDevice(device.Capabilities{Name: "dev0"}),
		device.NewNullDevice(device.Capabilities{Name: "dev1"}),
	}
}
