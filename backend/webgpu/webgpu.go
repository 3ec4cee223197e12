// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the WebGPU device. Programs are WGSL modules; each
// @compute entry point is a kernel whose @group(0) bindings are its
// parameters in binding order.
//
// The native device is only available on Windows. Elsewhere New fails with
// ErrUnavailable.
//
// Example:
//
//	var dev compute.Device = cpu.New()
//	if webgpu.IsAvailable() {
//	    if gpu, err := webgpu.New(); err == nil {
//	        dev = gpu
//	    }
//	}
//	ctx := compute.NewContext(dev)
//	defer ctx.Close()
package webgpu

import (
	internalwebgpu "github.com/born-ml/ndrange/internal/backend/webgpu"
	"github.com/born-ml/ndrange/internal/device"
)

// Backend is the WebGPU device.
type Backend = internalwebgpu.Backend

// Compile-time check that Backend implements device.Device.
var _ device.Device = (*Backend)(nil)

// ErrUnavailable is returned by New when no WebGPU adapter can be used.
var ErrUnavailable = internalwebgpu.ErrUnavailable

// New creates a WebGPU device on the high performance adapter.
//
// Returns an error if WebGPU initialization fails (e.g., no compatible GPU).
func New() (*Backend, error) {
	return internalwebgpu.New()
}

// IsAvailable checks if WebGPU is available on the current system.
func IsAvailable() bool {
	return internalwebgpu.IsAvailable()
}

// WGSL versions of the example kernels.
const (
	ItemsShader = internalwebgpu.ItemsShader
	RoundShader = internalwebgpu.RoundShader
	RootShader  = internalwebgpu.RootShader
	MultShader  = internalwebgpu.MultShader
)
