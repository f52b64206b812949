// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package wgpu adapts a gogpu/wgpu HAL device to the render graph's
// device abstraction. Backing memory maps to storage buffers,
// cross-device transfers go through staging readback, and semaphores are
// host-side because HAL submissions complete on the host.
package wgpu
