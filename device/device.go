// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package device defines the capability surface the render graph core
// needs from a physical GPU device.
//
// The core never talks to a concrete GPU API. It allocates backing memory,
// inserts barriers, submits recorded work, and synchronizes across devices
// exclusively through the Device interface. Real backends (see
// backend/wgpu) adapt a WebGPU HAL device; tests use NullDevice.
package device

import (
	"context"
	"fmt"
)

// Capability is a bit set of device features a process may require.
type Capability uint32

const (
	// CapGraphics indicates support for raster/render pipelines.
	CapGraphics Capability = 1 << iota

	// CapCompute indicates support for compute pipelines.
	CapCompute

	// CapTransfer indicates support for copy/transfer queues.
	CapTransfer

	// CapStorageTextures indicates support for storage texture bindings.
	CapStorageTextures

	// CapTimestampQueries indicates support for GPU timestamp queries.
	CapTimestampQueries
)

// Has reports whether c contains all capabilities in want.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// Missing returns the capabilities in want that c lacks.
func (c Capability) Missing(want Capability) Capability {
	return want &^ c
}

// String returns a human-readable capability list.
func (c Capability) String() string {
	names := []struct {
		bit  Capability
		name string
	}{
		{CapGraphics, "graphics"},
		{CapCompute, "compute"},
		{CapTransfer, "transfer"},
		{CapStorageTextures, "storage-textures"},
		{CapTimestampQueries, "timestamp-queries"},
	}
	s := ""
	for _, n := range names {
		if c&n.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += n.name
	}
	if s == "" {
		return "none"
	}
	return s
}

// Capabilities describes a device's features and limits.
// Used by affinity resolution (feature checks) and the batch scheduler
// (FastCacheBytes drives the working-set budget).
type Capabilities struct {
	// Name is the device name (e.g. "NVIDIA GeForce RTX 3080").
	Name string

	// Vendor is the device vendor name.
	Vendor string

	// Flags is the supported capability set.
	Flags Capability

	// MaxTextureSize is the maximum texture dimension supported.
	MaxTextureSize uint32

	// FastCacheBytes is the size of the fast on-chip cache (L2),
	// used as the working-set budget for instruction batching.
	FastCacheBytes uint64

	// MemoryBytes is the total device-local memory.
	MemoryBytes uint64
}

// Memory is an owning handle to device backing memory.
type Memory interface {
	// Size returns the allocation size in bytes.
	Size() uint64

	// Release frees the backing memory. Release is idempotent.
	Release()
}

// BarrierKind classifies the hazard a barrier resolves.
type BarrierKind uint8

const (
	// BarrierReadAfterWrite orders a read after a pending write.
	BarrierReadAfterWrite BarrierKind = iota

	// BarrierWriteAfterRead orders a write after pending reads.
	BarrierWriteAfterRead

	// BarrierWriteAfterWrite orders two writes to the same resource.
	BarrierWriteAfterWrite

	// BarrierLayoutTransition transitions an image layout between uses.
	BarrierLayoutTransition
)

// String returns the hazard name.
func (k BarrierKind) String() string {
	switch k {
	case BarrierReadAfterWrite:
		return "read-after-write"
	case BarrierWriteAfterRead:
		return "write-after-read"
	case BarrierWriteAfterWrite:
		return "write-after-write"
	case BarrierLayoutTransition:
		return "layout-transition"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Barrier describes one synchronization instruction within a device's
// command stream.
type Barrier struct {
	// ResourceID identifies the resource the barrier protects.
	ResourceID uint64

	// Kind is the hazard being resolved.
	Kind BarrierKind
}

// Semaphore is a device-level synchronization primitive used for
// cross-device ordering. The producer signals after its work completes;
// the consumer waits before touching the transferred resource.
//
// Wait honors context cancellation but imposes no default timeout;
// bounding the wait is the caller's responsibility.
type Semaphore interface {
	Signal()
	Wait(ctx context.Context) error
}

// Device is the opaque GPU back end contract.
//
// Implementations must be safe for concurrent use: the executor walks each
// device's batch list on its own goroutine, and transfers touch two
// devices at once.
type Device interface {
	// Capabilities returns the device's features and limits.
	Capabilities() Capabilities

	// AllocateMemory allocates backing memory of the given size.
	AllocateMemory(bytes uint64) (Memory, error)

	// NewSemaphore creates an unsignaled synchronization primitive.
	NewSemaphore() Semaphore

	// InsertBarrier records a synchronization instruction into the
	// device's command stream before the next submitted work.
	InsertBarrier(b Barrier) error

	// Submit flushes work recorded since the previous Submit.
	Submit() error

	// Transfer copies src (owned by this device) into dst memory on the
	// target device.
	Transfer(target Device, src, dst Memory) error
}
