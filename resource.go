// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rendergraph/device"
)

// resourceIDCounter generates process-wide unique resource IDs.
var resourceIDCounter atomic.Uint64

func nextResourceID() uint64 {
	return resourceIDCounter.Add(1)
}

// Resource is a handle to backing memory plus metadata. Each resource is
// produced by exactly one instance output slot and consumed by zero or
// more inputs.
//
// Transient resources are scoped to a single compiled execution and are
// eligible for aliasing; persistent resources outlive executions and are
// owned by the node that created them.
type Resource struct {
	id   uint64
	name string

	// Kind and Format describe the resource contents.
	Kind   ResourceKind
	Format gputypes.TextureFormat

	// Bytes is the backing size.
	Bytes uint64

	// Persistent resources bypass aliasing and survive executions.
	Persistent bool

	// producer is the instance output that writes this resource.
	producer Handle
	outSlot  int

	// Device is the index of the device holding the backing memory.
	// Set during affinity resolution (-1 before).
	Device int

	// contentHash identifies the resource's computed contents for the
	// output cache: a hash of the producer's cache key and slot.
	contentHash uint64

	// backing is assigned during resource allocation. Aliased transient
	// resources share one Memory.
	backing device.Memory

	// firstUse/lastUse are positions in the owning device's execution
	// order, set by lifetime analysis.
	firstUse, lastUse int
}

// ID returns the resource's unique identity.
func (r *Resource) ID() uint64 { return r.id }

// Name returns the diagnostic name (producer name plus slot name).
func (r *Resource) Name() string { return r.name }

// Producer returns the handle of the producing instance.
func (r *Resource) Producer() Handle { return r.producer }

// ContentHash returns the content identity used in output cache keys.
// Valid after dependency analysis.
func (r *Resource) ContentHash() uint64 { return r.contentHash }

// Backing returns the assigned backing memory, or nil before allocation.
func (r *Resource) Backing() device.Memory { return r.backing }

// Lifetime returns the resource's [first, last] use interval within its
// device's execution order. Valid after lifetime analysis.
func (r *Resource) Lifetime() (first, last int) {
	return r.firstUse, r.lastUse
}
