// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package compute runs data-parallel kernels over an index space.
//
// # Overview
//
// A kernel is a function executed once per work item of a WorkSpace. Work
// items are grouped into work groups of equal size; each item can ask for its
// global, local and group index. Kernels read and write Buffers, typed arrays
// shared between the host and the device.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/ndrange/backend/cpu"
//	    "github.com/born-ml/ndrange/compute"
//	)
//
//	const source = `
//	func double(data []float32) {
//	    i := get_global_id(0)
//	    data[i] = data[i] * 2
//	}`
//
//	func main() {
//	    ctx := compute.NewContext(cpu.New())
//	    defer ctx.Close()
//
//	    data, _ := compute.From(compute.ReadWrite, []float32{1, 2, 3, 4})
//	    ws, _ := compute.NewWorkSpace(4, 2)
//
//	    x, _ := compute.NewExecutor(ctx)
//	    out, err := x.Run(context.Background(), source, "double", ws, compute.BufferArg(data))
//	    // out[0].Values == []float64{2, 4, 6, 8}
//	}
//
// # Coherence
//
// Submitting a kernel that may write a buffer makes the host copy stale.
// Host reads then fail with ErrStaleRead until a read-back of the buffer,
// enqueued with Queue.EnqueueRead, completes. Buffer.Sync waits for it.
//
// # Devices
//
// The CPU device (backend/cpu) compiles a Go-syntax kernel dialect and runs
// work groups on a goroutine pool. The WebGPU device (backend/webgpu) runs
// WGSL compute shaders.
package compute
