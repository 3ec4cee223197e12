// Package webgpu implements the WebGPU device using go-webgpu
// (github.com/go-webgpu/webgpu), which needs no CGO. Programs are WGSL
// modules; their compute entry points and @group(0) bindings are reflected
// from the source so the runtime can bind buffers by position.
//
// The native device is only built on Windows. Elsewhere New reports
// ErrUnavailable and callers fall back to the CPU device.
package webgpu

import "errors"

// ErrUnavailable is returned by New when no WebGPU adapter can be used.
var ErrUnavailable = errors.New("webgpu: not available")
