// Package alloc implements lifetime analysis and memory aliasing for
// transient graph resources.
//
// Each transient resource is live over a [firstUse, lastUse] interval of
// positions in a device's execution order. Resources whose intervals do
// not overlap, and whose kind/format/size are compatible, share one
// backing allocation. This aliasing is the main source of the compiler's
// memory-footprint reduction.
//
// The core correctness invariant: two resources assigned to the same
// backing never have overlapping lifetime intervals. Aliasing guarantees
// mutual exclusion in time, not concurrent access.
package alloc

import (
	"fmt"
	"sort"
)

// Request describes one transient resource to allocate.
type Request struct {
	// ID is the resource identity.
	ID uint64

	// Kind distinguishes buffer-like from image-like resources;
	// resources of different kinds never alias.
	Kind uint8

	// Format is the resource format code; image resources only alias
	// within the same format.
	Format uint32

	// Bytes is the required backing size.
	Bytes uint64

	// FirstUse and LastUse are positions in the execution order,
	// inclusive. Set by AnalyzeLifetimes.
	FirstUse int
	LastUse  int
}

// Use records one access to a resource at a position in the execution
// order.
type Use struct {
	// ResourceID identifies the accessed resource.
	ResourceID uint64

	// Position is the index of the accessing instance in the execution
	// order.
	Position int

	// Write reports whether the access writes the resource.
	Write bool
}

// Assignment maps a resource to its share of a backing allocation.
type Assignment struct {
	// ResourceID is the assigned resource.
	ResourceID uint64

	// Backing is the backing allocation index.
	Backing int

	// Aliased reports whether the backing is shared with at least one
	// other resource.
	Aliased bool
}

// Backing is one physical allocation, possibly shared across resources
// with disjoint lifetimes.
type Backing struct {
	// Index is the backing's position in the allocator's backing list.
	Index int

	// Kind and Format mirror the first resource allocated into it.
	Kind   uint8
	Format uint32

	// Bytes is the allocation size (the max of all aliased resources).
	Bytes uint64

	// intervals are the lifetime intervals currently occupying the
	// backing, kept for overlap checks.
	intervals []interval
}

type interval struct {
	first, last int
}

func (iv interval) overlaps(other interval) bool {
	return iv.first <= other.last && other.first <= iv.last
}

// BudgetError reports an allocation that would exceed the byte budget.
// Committed tells the caller how much the allocator had already reserved
// so a retry budget can be sized.
type BudgetError struct {
	// Requested is the size of the allocation that failed.
	Requested uint64

	// Committed is the total bytes already allocated.
	Committed uint64

	// Budget is the configured limit.
	Budget uint64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("alloc: allocation of %d bytes exceeds budget (%d of %d committed)",
		e.Requested, e.Committed, e.Budget)
}

// Allocator computes lifetime intervals and assigns backing memory with
// aliasing. One allocator serves one device's execution order; it is not
// safe for concurrent use.
type Allocator struct {
	budget uint64 // 0 means unlimited

	requests map[uint64]*Request
	order    []uint64 // insertion order, for deterministic output

	backings    []*Backing
	assignments map[uint64]*Assignment
	committed   uint64
	aliased     uint64 // bytes saved by aliasing
	analyzed    bool
}

// New creates an allocator with the given byte budget (0 = unlimited).
func New(budget uint64) *Allocator {
	return &Allocator{
		budget:      budget,
		requests:    make(map[uint64]*Request),
		assignments: make(map[uint64]*Assignment),
	}
}

// AddResource registers a transient resource for allocation.
// Lifetime fields are ignored; AnalyzeLifetimes computes them.
func (a *Allocator) AddResource(r Request) {
	if _, ok := a.requests[r.ID]; ok {
		return
	}
	req := r
	req.FirstUse = -1
	req.LastUse = -1
	a.requests[r.ID] = &req
	a.order = append(a.order, r.ID)
}

// AnalyzeLifetimes computes each registered resource's first/last use
// from the access records. Resources with no recorded use keep an empty
// interval and are skipped by Allocate.
func (a *Allocator) AnalyzeLifetimes(uses []Use) {
	for _, u := range uses {
		req, ok := a.requests[u.ResourceID]
		if !ok {
			continue
		}
		if req.FirstUse < 0 || u.Position < req.FirstUse {
			req.FirstUse = u.Position
		}
		if u.Position > req.LastUse {
			req.LastUse = u.Position
		}
	}
	a.analyzed = true
}

// Allocate assigns backing memory to every analyzed resource, aliasing
// compatible resources with disjoint lifetimes.
//
// Resources are processed in order of first use. For each, the existing
// backings are searched for one with matching kind/format, sufficient
// size, and no overlapping interval; on failure a new backing is created.
// Returns a *BudgetError if a new backing would exceed the budget.
func (a *Allocator) Allocate() ([]Assignment, error) {
	if !a.analyzed {
		return nil, fmt.Errorf("alloc: Allocate called before AnalyzeLifetimes")
	}

	// Deterministic order: by first use, ties by registration order.
	ids := make([]uint64, 0, len(a.order))
	pos := make(map[uint64]int, len(a.order))
	for i, id := range a.order {
		pos[id] = i
		if a.requests[id].FirstUse >= 0 {
			ids = append(ids, id)
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		ri, rj := a.requests[ids[i]], a.requests[ids[j]]
		if ri.FirstUse != rj.FirstUse {
			return ri.FirstUse < rj.FirstUse
		}
		return pos[ids[i]] < pos[ids[j]]
	})

	for _, id := range ids {
		if _, done := a.assignments[id]; done {
			continue
		}
		req := a.requests[id]
		iv := interval{req.FirstUse, req.LastUse}

		if b := a.findAliasCandidate(req, iv); b != nil {
			b.intervals = append(b.intervals, iv)
			a.assignments[id] = &Assignment{ResourceID: id, Backing: b.Index, Aliased: true}
			a.aliased += req.Bytes
			continue
		}

		if a.budget > 0 && a.committed+req.Bytes > a.budget {
			return nil, &BudgetError{
				Requested: req.Bytes,
				Committed: a.committed,
				Budget:    a.budget,
			}
		}

		b := &Backing{
			Index:     len(a.backings),
			Kind:      req.Kind,
			Format:    req.Format,
			Bytes:     req.Bytes,
			intervals: []interval{iv},
		}
		a.backings = append(a.backings, b)
		a.committed += req.Bytes
		a.assignments[id] = &Assignment{ResourceID: id, Backing: b.Index}
	}

	out := make([]Assignment, 0, len(a.assignments))
	for _, id := range ids {
		as := a.assignments[id]
		if a.backingShared(as.Backing) {
			as.Aliased = true
		}
		out = append(out, *as)
	}
	return out, nil
}

// findAliasCandidate returns a backing req can share, or nil.
func (a *Allocator) findAliasCandidate(req *Request, iv interval) *Backing {
	for _, b := range a.backings {
		if b.Kind != req.Kind || b.Format != req.Format || b.Bytes < req.Bytes {
			continue
		}
		clear := true
		for _, other := range b.intervals {
			if iv.overlaps(other) {
				clear = false
				break
			}
		}
		if clear {
			return b
		}
	}
	return nil
}

func (a *Allocator) backingShared(index int) bool {
	return len(a.backings[index].intervals) > 1
}

// Free releases a resource's interval from its backing, making the slot
// available to later allocations. The backing itself stays committed
// until Reset.
func (a *Allocator) Free(resourceID uint64) {
	as, ok := a.assignments[resourceID]
	if !ok {
		return
	}
	req := a.requests[resourceID]
	b := a.backings[as.Backing]
	iv := interval{req.FirstUse, req.LastUse}
	for i, other := range b.intervals {
		if other == iv {
			b.intervals = append(b.intervals[:i], b.intervals[i+1:]...)
			break
		}
	}
	delete(a.assignments, resourceID)
}

// Reset returns the allocator to an empty state, dropping all requests,
// assignments and backings.
func (a *Allocator) Reset() {
	a.requests = make(map[uint64]*Request)
	a.order = nil
	a.backings = nil
	a.assignments = make(map[uint64]*Assignment)
	a.committed = 0
	a.aliased = 0
	a.analyzed = false
}

// Backings returns the physical allocations.
func (a *Allocator) Backings() []*Backing {
	return a.backings
}

// CommittedBytes returns the total bytes of physical backing memory.
func (a *Allocator) CommittedBytes() uint64 { return a.committed }

// AliasedBytes returns the bytes avoided through aliasing: the sum of
// resource sizes that were satisfied by an existing backing.
func (a *Allocator) AliasedBytes() uint64 { return a.aliased }

// Lifetime returns the computed interval for a resource.
func (a *Allocator) Lifetime(resourceID uint64) (first, last int, ok bool) {
	req, found := a.requests[resourceID]
	if !found || req.FirstUse < 0 {
		return 0, 0, false
	}
	return req.FirstUse, req.LastUse, true
}
