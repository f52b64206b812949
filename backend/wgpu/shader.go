// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"fmt"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rendergraph/cache"
)

// CompileWGSL compiles WGSL source to SPIR-V words.
func CompileWGSL(source string) ([]uint32, error) {
	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("wgpu: compile shader: %w", err)
	}
	return spirvWords(spirv), nil
}

// spirvWords reinterprets SPIR-V bytes as little-endian 32-bit words.
func spirvWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) |
			uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 |
			uint32(b[i*4+3])<<24
	}
	return words
}

// ShaderModule compiles WGSL and creates the HAL shader module in one
// step, returning the module and the content hash of the compiled SPIR-V
// for use in pipeline state keys. Hashing the compiled code rather than
// the source keeps keys stable across whitespace and comment edits.
func (d *Device) ShaderModule(label, source string) (hal.ShaderModule, uint64, error) {
	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, 0, fmt.Errorf("wgpu: compile shader: %w", err)
	}
	module, err := d.dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: spirvWords(spirv)},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("wgpu: create shader module: %w", err)
	}
	return module, cache.HashBytes(spirv), nil
}
