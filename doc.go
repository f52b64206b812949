// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package rendergraph compiles declarative graphs of GPU processing
// nodes into synchronized, batched execution plans.
//
// A graph is a set of process instances connected by producer/consumer
// edges. Compile resolves device affinity (inserting cross-device
// transfer nodes where needed), validates the topology, computes resource
// lifetimes and aliases transient memory, realizes pipelines through a
// shared cache hierarchy, and groups instances into batches sized to the
// target device's fast cache. Execute then walks the plan, one goroutine
// per device, honoring cross-device semaphores and intra-device barriers.
//
// Typical use:
//
//	reg := rendergraph.NewRegistry()
//	reg.Register(&rendergraph.Descriptor{ID: "blur", ...})
//
//	g := rendergraph.NewGraph(rendergraph.GraphOptions{
//	    Registry: reg,
//	    Devices:  []device.Device{dev0, dev1},
//	})
//	src, _ := g.AddInstance("load", "load-scene")
//	blur, _ := g.AddInstance("blur", "blur-pass")
//	g.Connect(src, 0, blur, 0)
//
//	plan, err := g.Compile()
//	if err != nil { ... }
//	if err := g.Execute(ctx, plan); err != nil { ... }
//
// Concrete per-node GPU work is opaque to this package: node
// implementations satisfy the Node interface (Setup, Compile, Execute,
// Cleanup) and the core only reasons about their declared resource
// schemas, capabilities and cache keys.
package rendergraph
