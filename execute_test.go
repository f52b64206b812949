// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/gogpu/rendergraph/device"
)

func TestExecuteChain(t *testing.T) {
	nd := device.NewNullDevice(device.Capabilities{})
	g, handles, nodes := chainGraph(t, GraphOptions{Devices: []device.Device{nd}})
	plan, err := g.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if err := g.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for i, n := range nodes {
		if got := n.execCount(); got != 1 {
			t.Errorf("node %d executed %d times, want 1", i, got)
		}
	}
	for _, h := range handles {
		inst, _ := g.Instance(h)
		if inst.State() != StateComplete {
			t.Errorf("instance %q state = %v, want Complete", inst.Name(), inst.State())
		}
	}
	if got := nd.Submissions(); got != 3 {
		t.Errorf("Submissions = %d, want 3", got)
	}
	// Two read-after-write hazards: source->filter and filter->sink.
	if got := nd.Barriers(); got != 2 {
		t.Errorf("Barriers = %d, want 2", got)
	}
}

func TestExecuteNodeErrorPropagatesUnmodified(t *testing.T) {
	boom := errors.New("dispatch failed")
	g, handles, nodes := chainGraph(t, GraphOptions{})
	nodes[1].executeFn = func(*ExecuteContext) error { return boom }

	plan, err := g.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	err = g.Execute(context.Background(), plan)
	if !errors.Is(err, boom) {
		t.Fatalf("Execute error = %v, want %v", err, boom)
	}

	filter, _ := g.Instance(handles[1])
	if filter.State() != StateError {
		t.Errorf("failing instance state = %v, want Error", filter.State())
	}
	if got := nodes[2].execCount(); got != 0 {
		t.Errorf("downstream node executed %d times after failure, want 0", got)
	}
}

func TestExecuteCrossDeviceOrdering(t *testing.T) {
	var seq atomic.Int64
	var srcSeq, snkSeq int64

	src := &testNode{executeFn: func(*ExecuteContext) error {
		srcSeq = seq.Add(1)
		return nil
	}}
	snk := &testNode{executeFn: func(*ExecuteContext) error {
		snkSeq = seq.Add(1)
		return nil
	}}

	devs := twoNullDevices()
	g := newTestGraph(t, GraphOptions{Devices: devs, AutoTransfer: true},
		proc("test.source", 0, 1, src),
		proc("test.sink", 1, 0, snk),
	)
	hs := mustAdd(t, g, "test.source", "source", 0)
	hk := mustAdd(t, g, "test.sink", "sink", 1)
	mustConnect(t, g, hs, 0, hk, 0)

	plan, err := g.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := g.TransferCount(); got != 1 {
		t.Fatalf("TransferCount = %d, want 1", got)
	}
	if err := g.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if srcSeq == 0 || snkSeq == 0 || srcSeq >= snkSeq {
		t.Errorf("producer ran at %d, consumer at %d; want producer first", srcSeq, snkSeq)
	}
	// The copy is issued by the producing device.
	if got := devs[0].(*device.NullDevice).Transfers(); got != 1 {
		t.Errorf("source device Transfers = %d, want 1", got)
	}
}

func TestExecuteOutputCacheSkip(t *testing.T) {
	node := &testNode{cacheable: true}
	node.executeFn = func(ctx *ExecuteContext) error {
		ctx.CacheOutput("result", 32, nil)
		return nil
	}
	g := newTestGraph(t, GraphOptions{}, proc("test.gen", 0, 1, node))
	h := mustAdd(t, g, "test.gen", "gen")

	plan, err := g.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	for run := 0; run < 2; run++ {
		if err := g.Execute(context.Background(), plan); err != nil {
			t.Fatalf("Execute run %d: %v", run, err)
		}
	}

	if got := node.execCount(); got != 1 {
		t.Errorf("cacheable node executed %d times across two runs, want 1", got)
	}
	inst, _ := g.Instance(h)
	if inst.State() != StateComplete {
		t.Errorf("instance state = %v, want Complete", inst.State())
	}
	stats := g.Caches().Outputs.Stats()
	if stats.Hits == 0 {
		t.Errorf("output cache stats = %v, want at least one hit", stats)
	}
}

func TestExecuteUncacheableRunsEveryTime(t *testing.T) {
	g, _, nodes := chainGraph(t, GraphOptions{})
	plan, err := g.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	for run := 0; run < 3; run++ {
		if err := g.Execute(context.Background(), plan); err != nil {
			t.Fatalf("Execute run %d: %v", run, err)
		}
	}
	for i, n := range nodes {
		if got := n.execCount(); got != 3 {
			t.Errorf("node %d executed %d times, want 3", i, got)
		}
	}
}

func TestExecuteNotCompiled(t *testing.T) {
	g, _, _ := chainGraph(t, GraphOptions{})
	if err := g.Execute(context.Background(), nil); !errors.Is(err, ErrGraphNotCompiled) {
		t.Errorf("Execute on uncompiled graph: err = %v, want ErrGraphNotCompiled", err)
	}
}

func TestExecutePlanMismatch(t *testing.T) {
	g1, _, _ := chainGraph(t, GraphOptions{})
	g2, _, _ := chainGraph(t, GraphOptions{})
	p1, err := g1.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g2.Compile(); err != nil {
		t.Fatal(err)
	}
	if err := g2.Execute(context.Background(), p1); !errors.Is(err, ErrPlanGraphMismatch) {
		t.Errorf("foreign plan: err = %v, want ErrPlanGraphMismatch", err)
	}

	// A recompilation invalidates earlier plans of the same graph.
	if _, err := g1.Compile(); err != nil {
		t.Fatal(err)
	}
	if err := g1.Execute(context.Background(), p1); !errors.Is(err, ErrPlanGraphMismatch) {
		t.Errorf("stale plan: err = %v, want ErrPlanGraphMismatch", err)
	}
}

func TestExecuteCanceledContext(t *testing.T) {
	g, _, nodes := chainGraph(t, GraphOptions{})
	plan, err := g.Compile()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Execute(ctx, plan); !errors.Is(err, context.Canceled) {
		t.Errorf("Execute with canceled context: err = %v, want context.Canceled", err)
	}
	for i, n := range nodes {
		if got := n.execCount(); got != 0 {
			t.Errorf("node %d executed %d times under canceled context, want 0", i, got)
		}
	}
}
