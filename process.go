// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rendergraph/device"
)

// Registry errors.
var (
	// ErrProcessRegistered is returned when registering a duplicate ID.
	ErrProcessRegistered = errors.New("rendergraph: process already registered")

	// ErrInvalidDescriptor is returned when a descriptor is malformed.
	ErrInvalidDescriptor = errors.New("rendergraph: invalid process descriptor")
)

// ProcessID identifies a registered process type.
type ProcessID string

// ResourceKind classifies the resources flowing between slots.
type ResourceKind uint8

const (
	// KindOpaque matches any kind; used for pass-through slots.
	KindOpaque ResourceKind = iota

	// KindBuffer is linear GPU memory.
	KindBuffer

	// KindTexture is image memory with a format and layout.
	KindTexture

	// KindSampler is a sampler object (no backing memory).
	KindSampler
)

// String returns the kind name.
func (k ResourceKind) String() string {
	switch k {
	case KindOpaque:
		return "opaque"
	case KindBuffer:
		return "buffer"
	case KindTexture:
		return "texture"
	case KindSampler:
		return "sampler"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Slot describes one input or output position of a process schema.
type Slot struct {
	// Name is the slot's schema name, used in diagnostics.
	Name string

	// Kind is the resource kind the slot carries.
	Kind ResourceKind

	// Format is the texture format for KindTexture slots.
	Format gputypes.TextureFormat

	// Bytes is the default backing size estimate for resources produced
	// into this slot. Instances may override per output.
	Bytes uint64

	// Optional marks inputs that need not be connected.
	Optional bool

	// AllowArray permits multiple connections to this input slot,
	// addressed by array index.
	AllowArray bool
}

// InstancingPolicy bounds how many instances of a process one graph may
// hold.
type InstancingPolicy uint8

const (
	// InstancingUnbounded allows any number of instances.
	InstancingUnbounded InstancingPolicy = iota

	// InstancingSingle allows exactly one instance per graph.
	InstancingSingle

	// InstancingBounded allows up to Descriptor.MaxInstances.
	InstancingBounded
)

// CostEstimate is a process's space/time cost profile with confidence
// scores. Estimates start from registration values and are refined by
// measured execution feedback.
type CostEstimate struct {
	// MemoryBytes is the estimated private working memory per instance.
	MemoryBytes uint64

	// Time is the estimated execution time per instance.
	Time time.Duration

	// MemoryConfidence and TimeConfidence are in [0, 1]; 0 means a pure
	// guess, values near 1 mean the estimate tracks measurements.
	MemoryConfidence float64
	TimeConfidence   float64
}

// Node is the contract every process instance implementation satisfies.
// The core invokes these callbacks and never inspects what happens inside
// them beyond declared resources and capabilities.
type Node interface {
	// Setup is called once when the instance is added to a graph.
	Setup(inst *Instance) error

	// Compile realizes device objects (pipelines, bind sets) through the
	// compile context's caches.
	Compile(ctx *CompileContext) error

	// Execute records and submits the instance's GPU work.
	Execute(ctx *ExecuteContext) error

	// Cleanup releases device objects owned by the instance.
	Cleanup() error

	// IsCacheable reports whether the instance's outputs are a pure
	// function of its inputs (no side effects, deterministic), making
	// them eligible for the computed-output cache.
	IsCacheable() bool
}

// Descriptor is an immutable description of one process type, registered
// once. Only the cost estimate mutates after registration, through
// measured-performance feedback.
type Descriptor struct {
	// ID is the unique process identifier.
	ID ProcessID

	// Name is a human-readable process name.
	Name string

	// Inputs and Outputs are the ordered slot schemas.
	Inputs  []Slot
	Outputs []Slot

	// Capabilities are the device features instances require.
	Capabilities device.Capability

	// Instancing bounds per-graph instance counts.
	Instancing InstancingPolicy

	// MaxInstances applies when Instancing is InstancingBounded.
	MaxInstances int

	// Cost is the space/time estimate, refined by feedback.
	Cost CostEstimate

	// New constructs a node implementation for a new instance.
	New func() Node
}

// Registry maps process IDs to descriptors. Registries are explicitly
// passed to graphs rather than held in package state, so independent
// graphs and tests never share mutable registrations.
type Registry struct {
	mu    sync.RWMutex
	procs map[ProcessID]*Descriptor
}

// NewRegistry creates an empty process registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[ProcessID]*Descriptor)}
}

// Register validates and stores a descriptor. The descriptor must carry
// an ID, a factory, and names for every slot.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("%w: missing process ID", ErrInvalidDescriptor)
	}
	if d.New == nil {
		return fmt.Errorf("%w: process %q has no factory", ErrInvalidDescriptor, d.ID)
	}
	if d.Instancing == InstancingBounded && d.MaxInstances <= 0 {
		return fmt.Errorf("%w: process %q is bounded with MaxInstances=%d",
			ErrInvalidDescriptor, d.ID, d.MaxInstances)
	}
	for i, s := range d.Inputs {
		if s.Name == "" {
			return fmt.Errorf("%w: process %q input %d has no name", ErrInvalidDescriptor, d.ID, i)
		}
	}
	for i, s := range d.Outputs {
		if s.Name == "" {
			return fmt.Errorf("%w: process %q output %d has no name", ErrInvalidDescriptor, d.ID, i)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.procs[d.ID]; ok {
		return fmt.Errorf("%w: %q", ErrProcessRegistered, d.ID)
	}
	r.procs[d.ID] = d
	return nil
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id ProcessID) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.procs[id]
	return d, ok
}

// Len returns the number of registered processes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.procs)
}

// UpdateCostEstimate folds an externally measured execution time into a
// process's cost estimate. The executor feeds estimates automatically;
// this is for callers that measure out-of-band.
func (r *Registry) UpdateCostEstimate(id ProcessID, measured time.Duration) {
	r.observeTime(id, measured)
}

// observeTime folds a measured execution time back into the descriptor's
// cost estimate. The estimate converges toward the measured mean and the
// confidence rises toward 1 as samples accumulate.
func (r *Registry) observeTime(id ProcessID, measured time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.procs[id]
	if !ok {
		return
	}
	if d.Cost.Time == 0 {
		d.Cost.Time = measured
	} else {
		// Exponential moving average, weighted toward history.
		d.Cost.Time = (d.Cost.Time*7 + measured) / 8
	}
	d.Cost.TimeConfidence += (1 - d.Cost.TimeConfidence) * 0.1
}
