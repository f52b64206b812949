// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/rendergraph/device"
)

// Graph construction and compilation errors.
var (
	// ErrUnknownProcess is returned when adding an instance of an
	// unregistered process.
	ErrUnknownProcess = errors.New("rendergraph: unknown process")

	// ErrInvalidHandle is returned when a handle does not name a live
	// instance in the graph.
	ErrInvalidHandle = errors.New("rendergraph: invalid instance handle")

	// ErrSlotRange is returned when a slot index is out of range for the
	// process schema.
	ErrSlotRange = errors.New("rendergraph: slot index out of range")

	// ErrSlotKindMismatch is returned when connecting slots of
	// incompatible resource kinds.
	ErrSlotKindMismatch = errors.New("rendergraph: slot resource kinds do not match")

	// ErrSlotOccupied is returned when connecting to a non-array input
	// slot that already has a producer.
	ErrSlotOccupied = errors.New("rendergraph: input slot already connected")

	// ErrDeviceRange is returned when an explicit device index does not
	// name a configured device.
	ErrDeviceRange = errors.New("rendergraph: device index out of range")

	// ErrGraphCompiled is returned when mutating a graph after a
	// successful compilation.
	ErrGraphCompiled = errors.New("rendergraph: graph is already compiled")

	// ErrGraphNotCompiled is returned when executing without a plan.
	ErrGraphNotCompiled = errors.New("rendergraph: graph is not compiled")

	// ErrGraphInErrorState is returned when compiling a graph whose
	// previous compilation failed; recompilation starts from a fresh
	// graph, not a failed one.
	ErrGraphInErrorState = errors.New("rendergraph: graph is in error state")

	// ErrInstancingPolicy is returned when adding an instance would
	// exceed the process's supported instance count.
	ErrInstancingPolicy = errors.New("rendergraph: process instancing policy violated")

	// ErrPlanGraphMismatch is returned when a plan is executed against a
	// graph it was not compiled from.
	ErrPlanGraphMismatch = errors.New("rendergraph: plan was compiled from a different graph")
)

// CompilePhase identifies the orchestrator phase an error occurred in.
type CompilePhase uint8

const (
	// PhaseAffinity is device affinity resolution and transfer insertion.
	PhaseAffinity CompilePhase = iota

	// PhaseDependency is cycle detection, ordering and slot validation.
	PhaseDependency

	// PhaseAllocation is resource lifetime allocation.
	PhaseAllocation

	// PhasePipelines is pipeline and bind-set realization.
	PhasePipelines

	// PhaseBatching is cache-aware batch construction.
	PhaseBatching

	// PhaseRecording is final plan assembly.
	PhaseRecording
)

// String returns the phase name.
func (p CompilePhase) String() string {
	switch p {
	case PhaseAffinity:
		return "affinity"
	case PhaseDependency:
		return "dependency-analysis"
	case PhaseAllocation:
		return "resource-allocation"
	case PhasePipelines:
		return "pipeline-realization"
	case PhaseBatching:
		return "batching"
	case PhaseRecording:
		return "recording"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// CompileError is the discriminated failure result of Compile. It names
// the phase, the offending instances, and a cause; structural cycle
// errors additionally carry the cycle path.
type CompileError struct {
	// Phase is the orchestrator phase that failed.
	Phase CompilePhase

	// Instances are the names of the offending instances, if known.
	Instances []string

	// Cycle is the closed walk of instance names forming a dependency
	// cycle, for structural cycle errors.
	Cycle []string

	// Err is the underlying cause.
	Err error
}

func (e *CompileError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "rendergraph: compilation failed in %s phase", e.Phase)
	if len(e.Instances) > 0 {
		fmt.Fprintf(&sb, " (instances: %s)", strings.Join(e.Instances, ", "))
	}
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&sb, " (cycle: %s)", strings.Join(e.Cycle, " -> "))
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *CompileError) Unwrap() error { return e.Err }

// CycleError is the structural error carried by a CompileError when the
// instance/edge set is not a DAG.
type CycleError struct {
	// Path is the cycle as a closed walk of instance names: the first
	// name is repeated at the end.
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("rendergraph: dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// CapabilityError reports an instance assigned to a device lacking a
// required feature. Always fatal.
type CapabilityError struct {
	// Instance is the offending instance name.
	Instance string

	// Device is the assigned device name.
	Device string

	// Missing are the required capabilities the device lacks.
	Missing device.Capability
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("rendergraph: instance %q requires %s, not supported by device %q",
		e.Instance, e.Missing, e.Device)
}

// DanglingInputError reports a required input slot with no producer.
type DanglingInputError struct {
	// Instance is the consumer instance name.
	Instance string

	// Slot is the unconnected input slot index.
	Slot int

	// SlotName is the schema name of the slot.
	SlotName string
}

func (e *DanglingInputError) Error() string {
	return fmt.Sprintf("rendergraph: instance %q input %d (%s) is required but not connected",
		e.Instance, e.Slot, e.SlotName)
}
