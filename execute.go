// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/rendergraph/cache"
	"github.com/gogpu/rendergraph/device"
)

// ExecuteContext is handed to each node's Execute callback.
type ExecuteContext struct {
	// Instance is the instance being executed.
	Instance *Instance

	// Device is the instance's assigned device.
	Device device.Device

	// Devices is the full device list, indexed by device index.
	Devices []device.Device

	// Caches is the graph's cache hierarchy.
	Caches *cache.Hierarchy

	cachedPayload any
	cachedBytes   uint64
	cachedRelease func()
	cacheSet      bool
}

// CacheOutput offers the instance's computed result for retention in the
// output cache. The payload must remain valid until release is called;
// release may be nil for payloads without backing memory of their own.
// The offer is honored only for cache-eligible instances.
func (c *ExecuteContext) CacheOutput(payload any, bytes uint64, release func()) {
	c.cachedPayload = payload
	c.cachedBytes = bytes
	c.cachedRelease = release
	c.cacheSet = true
}

// Execute runs the compiled plan to completion. Devices execute their
// batch lists concurrently, one instance at a time per device;
// cross-device ordering is enforced by the plan's semaphores and
// intra-device hazards by its barriers.
//
// A cache-eligible instance whose result is already in the output cache
// is skipped. A node execution error stops that device's goroutine and
// is returned unmodified after the remaining devices drain; the failing
// instance is left in the error state.
func (g *Graph) Execute(ctx context.Context, plan *CompiledPlan) error {
	g.mu.Lock()
	if g.compileState != stateCompiled {
		g.mu.Unlock()
		return ErrGraphNotCompiled
	}
	if plan == nil || plan.graph != g || plan.epoch != g.epoch {
		g.mu.Unlock()
		return ErrPlanGraphMismatch
	}
	g.mu.Unlock()

	// A failing device cancels the rest so nobody blocks forever on a
	// semaphore that will never be signaled.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, len(plan.Batches))

	for d := range plan.Batches {
		if len(plan.Batches[d]) == 0 {
			continue
		}
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			if err := g.executeDevice(ctx, d, plan.Batches[d]); err != nil {
				errs <- err
				cancel()
			}
		}(d)
	}
	wg.Wait()
	close(errs)

	if err, ok := <-errs; ok {
		return err
	}
	return nil
}

func (g *Graph) executeDevice(ctx context.Context, d int, batches []PlannedBatch) error {
	dev := g.devices[d]

	for _, batch := range batches {
		for _, step := range batch.Steps {
			if err := ctx.Err(); err != nil {
				return err
			}
			inst := g.arena[step.Instance-1]

			for _, sem := range step.Waits {
				if err := sem.Wait(ctx); err != nil {
					inst.state = StateError
					return fmt.Errorf("rendergraph: instance %q: wait: %w", inst.name, err)
				}
			}
			for _, b := range step.Barriers {
				if err := dev.InsertBarrier(b); err != nil {
					inst.state = StateError
					return fmt.Errorf("rendergraph: instance %q: barrier: %w", inst.name, err)
				}
			}

			if inst.cacheEligible {
				if _, ok := g.caches.Outputs.Get(inst.cacheKey); ok {
					Logger().Debug("output cache hit, skipping execution",
						"instance", inst.name, "key", inst.cacheKey)
					inst.state = StateComplete
					signalAll(step.Signals)
					continue
				}
			}

			inst.state = StateExecuting
			ectx := &ExecuteContext{
				Instance: inst,
				Device:   dev,
				Devices:  g.devices,
				Caches:   g.caches,
			}
			start := time.Now()
			if err := inst.node.Execute(ectx); err != nil {
				inst.state = StateError
				return err
			}
			if err := dev.Submit(); err != nil {
				inst.state = StateError
				return fmt.Errorf("rendergraph: instance %q: submit: %w", inst.name, err)
			}
			elapsed := time.Since(start)
			inst.perf.add(elapsed)
			g.opts.Registry.observeTime(inst.desc.ID, elapsed)

			if inst.cacheEligible && ectx.cacheSet {
				err := g.caches.Outputs.Put(inst.cacheKey, ectx.cachedPayload, ectx.cachedBytes, ectx.cachedRelease)
				if err != nil {
					Logger().Debug("output not retained", "instance", inst.name, "err", err)
					if ectx.cachedRelease != nil {
						ectx.cachedRelease()
					}
				}
			}

			inst.state = StateComplete
			signalAll(step.Signals)
		}
	}
	return nil
}

func signalAll(sems []device.Semaphore) {
	for _, s := range sems {
		s.Signal()
	}
}
