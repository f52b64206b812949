// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gogpu/rendergraph/device"
)

// Handle is a stable reference to an instance within one graph. Handles
// are indices into the graph's instance arena; the arena is the sole
// owner of instances and all cross-references between instances are
// handles, never pointers.
type Handle uint32

// InvalidHandle is the zero Handle, naming no instance.
const InvalidHandle Handle = 0

// State is an instance's execution state.
type State uint8

const (
	// StateUnbound means inputs are not yet fully connected.
	StateUnbound State = iota

	// StateReady means the instance passed structural validation.
	StateReady

	// StateCompiled means device objects are realized.
	StateCompiled

	// StateExecuting means Execute is in flight.
	StateExecuting

	// StateComplete means the last execution succeeded.
	StateComplete

	// StateError means compilation or execution failed.
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnbound:
		return "Unbound"
	case StateReady:
		return "Ready"
	case StateCompiled:
		return "Compiled"
	case StateExecuting:
		return "Executing"
	case StateComplete:
		return "Complete"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// perfWindowSize bounds the measured-performance ring buffer.
const perfWindowSize = 120

// perfWindow is a bounded ring of execution time samples.
type perfWindow struct {
	samples [perfWindowSize]time.Duration
	n       int
	next    int
}

func (w *perfWindow) add(d time.Duration) {
	w.samples[w.next] = d
	w.next = (w.next + 1) % perfWindowSize
	if w.n < perfWindowSize {
		w.n++
	}
}

func (w *perfWindow) mean() time.Duration {
	if w.n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < w.n; i++ {
		sum += w.samples[i]
	}
	return sum / time.Duration(w.n)
}

func (w *perfWindow) count() int { return w.n }

// instanceIDCounter generates process-wide unique instance IDs.
var instanceIDCounter atomic.Uint64

func nextInstanceID() uint64 {
	return instanceIDCounter.Add(1)
}

// Instance is one concrete occurrence of a process within a graph. The
// graph's arena owns it exclusively; dependency and dependent lists hold
// handles used purely for traversal and reference counting.
type Instance struct {
	id     uint64
	handle Handle
	name   string
	desc   *Descriptor
	node   Node

	// deviceIndex is the assigned device (-1 until affinity resolution).
	deviceIndex    int
	explicitDevice bool

	// transfer marks synthetic cross-device transfer instances. Their
	// semaphore orders the consumer after the producer's device.
	transfer  bool
	semaphore device.Semaphore

	params map[string]any
	tags   map[string]struct{}

	// inputs[slot][arrayIndex] are bound input resources; outputs[slot]
	// are the resources this instance produces.
	inputs  [][]*Resource
	outputs []*Resource

	state State

	// deps/dependents hold distinct neighbor handles.
	deps       []Handle
	dependents []Handle

	// dependentCount is the number of distinct live consumers; partial
	// cleanup tears an instance down only when it reaches zero.
	dependentCount int

	// cacheKey is the derived computed-output cache key; cacheEligible
	// requires the node and all transitive inputs to be cacheable.
	cacheKey      uint64
	cacheEligible bool

	// pipelineKey and bindSetKey are recorded when the node realizes
	// objects through the compile context; they drive intra-batch
	// sorting.
	pipelineKey uint64
	bindSetKey  uint64

	perf perfWindow

	removed bool
}

// ID returns the instance's unique identity.
func (n *Instance) ID() uint64 { return n.id }

// Handle returns the instance's graph handle.
func (n *Instance) Handle() Handle { return n.handle }

// Name returns the human-readable instance name.
func (n *Instance) Name() string { return n.name }

// Process returns the instance's process descriptor (non-owning).
func (n *Instance) Process() *Descriptor { return n.desc }

// State returns the current execution state.
func (n *Instance) State() State { return n.state }

// DeviceIndex returns the assigned device index, or -1 before affinity
// resolution.
func (n *Instance) DeviceIndex() int { return n.deviceIndex }

// IsTransfer reports whether this is a synthetic transfer instance
// inserted at a device boundary.
func (n *Instance) IsTransfer() bool { return n.transfer }

// CacheKey returns the derived computed-output cache key. Valid after
// dependency analysis.
func (n *Instance) CacheKey() uint64 { return n.cacheKey }

// SetParameter stores an opaque parameter. Parameters contribute to the
// instance's cache key, so values must be stable and printable.
func (n *Instance) SetParameter(name string, value any) {
	if n.params == nil {
		n.params = make(map[string]any)
	}
	n.params[name] = value
}

// Parameter returns a parameter value.
func (n *Instance) Parameter(name string) (any, bool) {
	v, ok := n.params[name]
	return v, ok
}

// AddTag attaches a tag for bulk selection in reports.
func (n *Instance) AddTag(tag string) {
	if n.tags == nil {
		n.tags = make(map[string]struct{})
	}
	n.tags[tag] = struct{}{}
}

// HasTag reports whether the instance carries the tag.
func (n *Instance) HasTag(tag string) bool {
	_, ok := n.tags[tag]
	return ok
}

// Input returns the resource bound to an input slot at the given array
// index, or nil if unconnected.
func (n *Instance) Input(slot, arrayIndex int) *Resource {
	if slot >= len(n.inputs) || arrayIndex >= len(n.inputs[slot]) {
		return nil
	}
	return n.inputs[slot][arrayIndex]
}

// InputCount returns the number of resources bound to an input slot.
func (n *Instance) InputCount(slot int) int {
	if slot >= len(n.inputs) {
		return 0
	}
	return len(n.inputs[slot])
}

// Output returns the resource produced into an output slot.
func (n *Instance) Output(slot int) *Resource {
	if slot >= len(n.outputs) {
		return nil
	}
	return n.outputs[slot]
}

// SetOutputBytes overrides the schema's default size estimate for one
// output resource. Must be called before compilation.
func (n *Instance) SetOutputBytes(slot int, bytes uint64) error {
	if slot < 0 || slot >= len(n.outputs) {
		return ErrSlotRange
	}
	n.outputs[slot].Bytes = bytes
	return nil
}

// SetOutputPersistent marks an output resource as persistent: allocated
// once, owned by this node, surviving across executions and excluded
// from aliasing.
func (n *Instance) SetOutputPersistent(slot int) error {
	if slot < 0 || slot >= len(n.outputs) {
		return ErrSlotRange
	}
	n.outputs[slot].Persistent = true
	return nil
}

// MeanExecutionTime returns the mean of the measured-performance window.
func (n *Instance) MeanExecutionTime() time.Duration {
	return n.perf.mean()
}

// addDep records a dependency edge if not already present.
func (n *Instance) addDep(h Handle) {
	for _, d := range n.deps {
		if d == h {
			return
		}
	}
	n.deps = append(n.deps, h)
}

// addDependent records a dependent edge if not already present.
func (n *Instance) addDependent(h Handle) {
	for _, d := range n.dependents {
		if d == h {
			return
		}
	}
	n.dependents = append(n.dependents, h)
}

// scratchBytes is the instance's private working memory for batch
// working-set accounting, taken from the process cost estimate.
func (n *Instance) scratchBytes() uint64 {
	return n.desc.Cost.MemoryBytes
}
