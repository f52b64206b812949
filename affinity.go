// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"errors"
	"fmt"

	"github.com/gogpu/rendergraph/device"
)

// Affinity errors.
var (
	// ErrDeviceConflict is returned when an instance's inputs live on
	// different devices, no explicit assignment exists, and automatic
	// transfer insertion is disabled.
	ErrDeviceConflict = errors.New("rendergraph: inputs on conflicting devices")
)

// transferProcessID names the builtin cross-device transfer process.
const transferProcessID ProcessID = "rendergraph.transfer"

// transferDescriptor is the builtin process behind synthetic transfer
// instances. One opaque input, one opaque output, transfer capability.
var transferDescriptor = &Descriptor{
	ID:           transferProcessID,
	Name:         "device transfer",
	Inputs:       []Slot{{Name: "src", Kind: KindOpaque}},
	Outputs:      []Slot{{Name: "dst", Kind: KindOpaque}},
	Capabilities: device.CapTransfer,
	New:          func() Node { return &transferNode{} },
}

// transferNode moves one resource across a device boundary. The executor
// waits on the instance's semaphore before invoking it, and the producer
// signals that semaphore after completing on the source device.
type transferNode struct{}

func (t *transferNode) Setup(*Instance) error         { return nil }
func (t *transferNode) Compile(*CompileContext) error { return nil }
func (t *transferNode) Cleanup() error                { return nil }
func (t *transferNode) IsCacheable() bool             { return false }

func (t *transferNode) Execute(ctx *ExecuteContext) error {
	in := ctx.Instance.Input(0, 0)
	out := ctx.Instance.Output(0)
	if in == nil || out == nil {
		return errors.New("rendergraph: transfer instance is not wired")
	}
	if in.backing == nil || out.backing == nil {
		return errors.New("rendergraph: transfer resources have no backing")
	}
	src := ctx.Devices[in.Device]
	dst := ctx.Devices[out.Device]
	return src.Transfer(dst, in.backing, out.backing)
}

// resolveAffinity assigns a device to every instance and inserts
// transfer instances at device boundaries.
//
// Per instance, in priority order: an explicit assignment wins;
// otherwise the instance inherits the device of its first connected
// input when all inputs agree; conflicting input devices resolve to the
// majority device when AutoTransfer is enabled and fail otherwise.
// Source instances with no inputs default to device 0.
//
// After a device is chosen, every input arriving from another device
// gets a transfer instance spliced into its edge.
func (g *Graph) resolveAffinity() error {
	order, err := g.topologicalOrder()
	if err != nil {
		return err
	}

	for _, h := range order {
		inst := g.arena[h-1]

		dev := inst.deviceIndex
		if !inst.explicitDevice {
			dev, err = g.inheritDevice(inst)
			if err != nil {
				return err
			}
			inst.deviceIndex = dev
		}

		// Capability check against the assigned device.
		caps := g.devices[dev].Capabilities()
		if missing := caps.Flags.Missing(inst.desc.Capabilities); missing != 0 {
			return &CapabilityError{
				Instance: inst.name,
				Device:   caps.Name,
				Missing:  missing,
			}
		}

		for _, res := range inst.outputs {
			res.Device = dev
		}

		// Splice transfers onto inputs crossing a device boundary.
		if err := g.insertTransfers(inst); err != nil {
			return err
		}
	}

	g.rebuildAdjacency()
	return nil
}

// inheritDevice applies affinity rules 2 and 3 for an instance without
// an explicit assignment.
func (g *Graph) inheritDevice(inst *Instance) (int, error) {
	votes := make(map[int]int)
	first := -1
	for _, slot := range inst.inputs {
		for _, res := range slot {
			if res == nil || res.Device < 0 {
				continue
			}
			if first < 0 {
				first = res.Device
			}
			votes[res.Device]++
		}
	}

	if first < 0 {
		// Source instance: default device.
		return 0, nil
	}
	if len(votes) == 1 {
		return first, nil
	}

	if !g.opts.AutoTransfer {
		return 0, fmt.Errorf("%w: instance %q (no explicit assignment)", ErrDeviceConflict, inst.name)
	}

	// Majority wins; ties go to the first connected input's device.
	best, bestVotes := first, votes[first]
	for dev, n := range votes {
		if n > bestVotes {
			best, bestVotes = dev, n
		}
	}
	return best, nil
}

// insertTransfers splices a transfer instance into every input edge of
// inst whose producer lives on a different device.
func (g *Graph) insertTransfers(inst *Instance) error {
	// A transfer's input edge crosses devices by construction; splicing
	// again on recompilation would stack transfers indefinitely.
	if inst.transfer {
		return nil
	}
	for ei := range g.edges {
		e := g.edges[ei]
		if e.Target != inst.handle {
			continue
		}
		src := g.arena[e.Source-1]
		if src.removed || src.deviceIndex < 0 || src.deviceIndex == inst.deviceIndex {
			continue
		}
		if err := g.spliceTransfer(ei); err != nil {
			return err
		}
	}
	return nil
}

// spliceTransfer replaces edge ei (producer -> consumer) with
// producer -> transfer -> consumer. The transfer runs on the consumer's
// device and owns the semaphore ordering it after the producer.
func (g *Graph) spliceTransfer(ei int) error {
	e := g.edges[ei]
	src := g.arena[e.Source-1]
	dst := g.arena[e.Target-1]
	res := src.outputs[e.OutSlot]

	name := fmt.Sprintf("transfer:%s->%s", src.name, dst.name)

	// A transfer touches both sides of the boundary; each device must
	// support transfer queues.
	for _, di := range []int{src.deviceIndex, dst.deviceIndex} {
		caps := g.devices[di].Capabilities()
		if missing := caps.Flags.Missing(device.CapTransfer); missing != 0 {
			return &CapabilityError{
				Instance: name,
				Device:   caps.Name,
				Missing:  missing,
			}
		}
	}

	tr := &Instance{
		id:             nextInstanceID(),
		name:           name,
		desc:           transferDescriptor,
		node:           transferDescriptor.New(),
		deviceIndex:    dst.deviceIndex,
		explicitDevice: true,
		transfer:       true,
		semaphore:      g.devices[src.deviceIndex].NewSemaphore(),
		inputs:         [][]*Resource{{res}},
	}

	g.arena = append(g.arena, tr)
	tr.handle = Handle(len(g.arena))
	g.perProcess[transferProcessID]++

	out := &Resource{
		id:       nextResourceID(),
		name:     name + ".dst",
		Kind:     res.Kind,
		Format:   res.Format,
		Bytes:    res.Bytes,
		producer: tr.handle,
		Device:   dst.deviceIndex,
	}
	tr.outputs = []*Resource{out}

	// Rebind the consumer's input to the transferred copy.
	dst.inputs[e.InSlot][e.ArrayIndex] = out

	g.edges[ei] = Edge{Source: e.Source, OutSlot: e.OutSlot, Target: tr.handle}
	g.edges = append(g.edges, Edge{Source: tr.handle, Target: e.Target, InSlot: e.InSlot, ArrayIndex: e.ArrayIndex})

	Logger().Debug("inserted transfer instance",
		"producer", src.name, "consumer", dst.name,
		"from", src.deviceIndex, "to", dst.deviceIndex)
	return nil
}

// rebuildAdjacency recomputes dependency/dependent handle lists from the
// edge set. Required after transfer insertion rewires edges.
func (g *Graph) rebuildAdjacency() {
	for _, inst := range g.arena {
		inst.deps = inst.deps[:0]
		inst.dependents = inst.dependents[:0]
	}
	for _, e := range g.edges {
		src := g.arena[e.Source-1]
		dst := g.arena[e.Target-1]
		if src.removed || dst.removed {
			continue
		}
		dst.addDep(e.Source)
		src.addDependent(e.Target)
	}
	g.refreshDependentCounts()
}

// TransferCount returns the number of live synthetic transfer instances,
// for diagnostics and tests.
func (g *Graph) TransferCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, inst := range g.live() {
		if inst.transfer {
			n++
		}
	}
	return n
}
