// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Null device errors.
var (
	// ErrOutOfMemory is returned when an allocation exceeds the device's
	// configured memory limit.
	ErrOutOfMemory = errors.New("device: out of device memory")
)

// NullDevice is an in-memory Device used for tests and CPU-only
// environments. It tracks allocations, barriers, submissions and
// transfers without touching any GPU API.
//
// NullDevice is safe for concurrent use.
type NullDevice struct {
	caps Capabilities

	mu        sync.Mutex
	allocated uint64
	live      int

	barriers    atomic.Uint64
	submissions atomic.Uint64
	transfers   atomic.Uint64
}

// NewNullDevice creates a null device with the given capabilities.
// Zero-valued limits get defaults: 48 MiB fast cache, 1 GiB memory,
// all capability flags set.
func NewNullDevice(caps Capabilities) *NullDevice {
	if caps.Name == "" {
		caps.Name = "null"
	}
	if caps.Flags == 0 {
		caps.Flags = CapGraphics | CapCompute | CapTransfer | CapStorageTextures | CapTimestampQueries
	}
	if caps.FastCacheBytes == 0 {
		caps.FastCacheBytes = 48 << 20
	}
	if caps.MemoryBytes == 0 {
		caps.MemoryBytes = 1 << 30
	}
	if caps.MaxTextureSize == 0 {
		caps.MaxTextureSize = 8192
	}
	return &NullDevice{caps: caps}
}

// Capabilities returns the configured capabilities.
func (d *NullDevice) Capabilities() Capabilities { return d.caps }

// AllocateMemory reserves bytes against the configured memory limit.
func (d *NullDevice) AllocateMemory(bytes uint64) (Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.allocated+bytes > d.caps.MemoryBytes {
		return nil, fmt.Errorf("%w: %d requested, %d of %d in use",
			ErrOutOfMemory, bytes, d.allocated, d.caps.MemoryBytes)
	}
	d.allocated += bytes
	d.live++

	return &nullMemory{dev: d, size: bytes}, nil
}

// NewSemaphore returns a channel-backed semaphore.
func (d *NullDevice) NewSemaphore() Semaphore {
	return NewBinarySemaphore()
}

// InsertBarrier counts the barrier.
func (d *NullDevice) InsertBarrier(Barrier) error {
	d.barriers.Add(1)
	return nil
}

// Submit counts the submission.
func (d *NullDevice) Submit() error {
	d.submissions.Add(1)
	return nil
}

// Transfer counts the copy. Both memory handles must be live.
func (d *NullDevice) Transfer(target Device, src, dst Memory) error {
	if src == nil || dst == nil {
		return errors.New("device: transfer with nil memory")
	}
	d.transfers.Add(1)
	return nil
}

// AllocatedBytes returns the bytes currently allocated.
func (d *NullDevice) AllocatedBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

// LiveAllocations returns the number of unreleased allocations.
func (d *NullDevice) LiveAllocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// Barriers returns the number of barriers inserted.
func (d *NullDevice) Barriers() uint64 { return d.barriers.Load() }

// Submissions returns the number of Submit calls.
func (d *NullDevice) Submissions() uint64 { return d.submissions.Load() }

// Transfers returns the number of cross-device copies issued.
func (d *NullDevice) Transfers() uint64 { return d.transfers.Load() }

// nullMemory is a counted allocation on a NullDevice.
type nullMemory struct {
	dev  *NullDevice
	size uint64

	once sync.Once
}

func (m *nullMemory) Size() uint64 { return m.size }

func (m *nullMemory) Release() {
	m.once.Do(func() {
		m.dev.mu.Lock()
		m.dev.allocated -= m.size
		m.dev.live--
		m.dev.mu.Unlock()
	})
}

// NewBinarySemaphore returns a process-local Semaphore backed by a
// buffered channel. One Signal satisfies one Wait; extra signals are
// collapsed. Suitable for any backend whose submissions complete on the
// host side.
func NewBinarySemaphore() Semaphore {
	return &chanSemaphore{ch: make(chan struct{}, 1)}
}

// chanSemaphore implements Semaphore with a buffered channel.
type chanSemaphore struct {
	ch chan struct{}
}

func (s *chanSemaphore) Signal() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *chanSemaphore) Wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ensure NullDevice implements Device.
var _ Device = (*NullDevice)(nil)
